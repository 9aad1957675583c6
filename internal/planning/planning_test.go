package planning

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/session"
	"github.com/kandev/forgeflow/internal/task"
)

func newTestStore(t *testing.T) (*task.Store, *activity.Log) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := task.NewStore(db, nil, nil)
	require.NoError(t, store.Migrate(context.Background()))
	log := activity.NewLog(db, nil)
	require.NoError(t, log.Migrate(context.Background()))
	return store, log
}

// Scenario 3 (spec §8): planning grace turn. guardrails={maxToolCalls=3}.
// The agent issues 4 tool calls without save_plan, triggering a guardrail
// abort; a grace turn is then issued, the agent calls save_plan with 3
// criteria, and the plan is persisted with planningStatus=completed.
func TestPipeline_Run_GraceTurnPersistsPlanAfterGuardrailAbort(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "plan me"})
	require.NoError(t, err)

	registries := session.NewRegistries()
	var fs *fakeSession
	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			for i := 0; i < 4; i++ {
				handler(context.Background(), sdk.Event{Type: sdk.EventToolExecutionStart, ToolCallID: "tc", ToolName: "read_file"})
				handler(context.Background(), sdk.Event{Type: sdk.EventToolExecutionEnd, ToolCallID: "tc", ToolName: "read_file"})
			}
			return "", context.Canceled
		}
		s.followUpFn = func(ctx context.Context, body string) (string, error) {
			handler(context.Background(), sdk.Event{Type: sdk.EventToolExecutionStart, ToolCallID: "tc-save", ToolName: constants.ToolSavePlan})
			ok, err := registries.SavePlan(created.ID,
				[]string{"a", "A", "b"},
				"ship it",
				[]string{"step1"}, []string{"validate1"}, nil,
			)
			require.True(t, ok)
			require.NoError(t, err)
			handler(context.Background(), sdk.Event{Type: sdk.EventToolExecutionEnd, ToolCallID: "tc-save", ToolName: constants.ToolSavePlan})
			return "", nil
		}
		fs = s
		return s
	}

	mgr := session.NewManager(client, store, log, registries, config.WatchdogConfig{}, nil)

	var promoted *task.Task
	promote := func(ctx context.Context, t *task.Task) { promoted = t }

	pipeline := NewPipeline(mgr, store, log, config.PlanningConfig{
		MaxToolCalls:          3,
		TimeoutMs:             60_000,
		MaxAcceptanceCriteria: 7,
	}, nil, promote)

	err = pipeline.Run(ctx, "", created, Guardrails{MaxToolCalls: 3, TimeoutMs: 60_000})
	require.NoError(t, err)

	final, err := store.Get(ctx, "ws1", created.ID)
	require.NoError(t, err)
	require.Equal(t, task.PlanningCompleted, final.PlanningStatus)
	require.Equal(t, []string{"a", "b"}, final.AcceptanceCriteria, "save_plan dedupes case-insensitively")
	require.Equal(t, "ship it", final.Plan.Goal)

	require.NotNil(t, promoted, "the promotion hook must run after a successful plan persistence")
	require.Equal(t, created.ID, promoted.ID)

	require.True(t, fs.didCompact(), "a successful run must compact the conversation")

	timeline, err := log.TaskTimeline(ctx, "ws1", created.ID, 10)
	require.NoError(t, err)
	var sawGuardrail bool
	for _, e := range timeline {
		if e.Kind == activity.KindSystemEvent && e.SystemKind == "planning-guardrail" {
			sawGuardrail = true
			require.Contains(t, e.Message, "4/3")
		}
	}
	require.True(t, sawGuardrail, "expected a guardrail system event naming the tool-call budget exceeded")
}

// If no plan is ever saved (including through the grace turn), planning
// must end with planningStatus=error and return a non-nil error.
func TestPipeline_Run_NoPlanEndsInError(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "never plans"})
	require.NoError(t, err)

	registries := session.NewRegistries()
	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			return "", nil
		}
		s.followUpFn = func(ctx context.Context, body string) (string, error) {
			return "", nil
		}
		return s
	}

	mgr := session.NewManager(client, store, log, registries, config.WatchdogConfig{}, nil)
	pipeline := NewPipeline(mgr, store, log, config.PlanningConfig{MaxToolCalls: 3, TimeoutMs: 60_000}, nil, nil)

	err = pipeline.Run(ctx, "", created, Guardrails{})
	require.Error(t, err)

	final, err := store.Get(ctx, "ws1", created.ID)
	require.NoError(t, err)
	require.Equal(t, task.PlanningError, final.PlanningStatus)
}
