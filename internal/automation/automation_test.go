package automation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/config"
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

// Scenario 6 (spec §8): queue auto-start under WIP limit. Policy
// readyToExecuting=true, executingLimit=1. Two ready tasks; a kick must
// move only the lower-order one to executing and start its session;
// completing it must trigger another kick that promotes the second.
func TestController_Kick_RespectsExecutingLimitAndPromotesNext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ws, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)

	first, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "TF-7", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", first.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	second, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "TF-8", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", second.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	// Moving TF-8 in prepended it; restore TF-7 to the head of ready so it
	// is the higher-priority candidate.
	require.NoError(t, store.Reorder(ctx, "ws1", task.PhaseReady, []int64{first.ID, second.ID}))

	var mu sync.Mutex
	var started []int64
	starter := func(ctx context.Context, t *task.Task) error {
		mu.Lock()
		started = append(started, t.ID)
		mu.Unlock()
		return nil
	}

	ctrl := NewController(store, starter, nil, config.AutomationConfig{
		ReadyLimit: -1, ExecutingLimit: 1, BacklogToReady: true, ReadyToExecuting: true,
	}, nil)
	ctrl.SetEnabled(ws.ID, true)

	ctrl.Kick(ctx, ws)

	mu.Lock()
	require.Equal(t, []int64{first.ID}, started, "the lower-order ready task starts first")
	mu.Unlock()

	tasks, err := store.List(ctx, ws.ID, task.ScopeActive)
	require.NoError(t, err)
	var firstPhase, secondPhase task.Phase
	for _, tk := range tasks {
		if tk.ID == first.ID {
			firstPhase = tk.Phase
		}
		if tk.ID == second.ID {
			secondPhase = tk.Phase
		}
	}
	require.Equal(t, task.PhaseExecuting, firstPhase)
	require.Equal(t, task.PhaseReady, secondPhase, "TF-8 must remain in ready while under the executing limit")

	// Simulate completion of TF-7: move it to complete, then re-kick.
	_, err = store.Move(ctx, ws.ID, first.ID, task.PhaseComplete, "agent", "task_complete")
	require.NoError(t, err)
	ctrl.Kick(ctx, ws)

	mu.Lock()
	require.Equal(t, []int64{first.ID, second.ID}, started, "completion of TF-7 must trigger a second kick that starts TF-8")
	mu.Unlock()

	tasks, err = store.List(ctx, ws.ID, task.ScopeActive)
	require.NoError(t, err)
	for _, tk := range tasks {
		if tk.ID == second.ID {
			require.Equal(t, task.PhaseExecuting, tk.Phase)
		}
	}
}

// A ready task that already has a live session must be skipped; the kick
// picks the next candidate instead.
func TestController_Kick_SkipsTasksWithRunningSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ws, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)

	busy, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "busy", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	free, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "free", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)

	// Moves-in prepend: moving busy last puts it at the head of ready, so
	// the kick considers it first and must skip over it.
	_, err = store.Move(ctx, "ws1", free.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", busy.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	var started []int64
	ctrl := NewController(store, func(ctx context.Context, t *task.Task) error {
		started = append(started, t.ID)
		return nil
	}, nil,
		config.AutomationConfig{ReadyLimit: 5, ExecutingLimit: 1, ReadyToExecuting: true}, nil)
	ctrl.SetSessionProbe(func(taskID int64) bool { return taskID == busy.ID })
	ctrl.SetEnabled(ws.ID, true)

	ctrl.Kick(ctx, ws)

	require.Equal(t, []int64{free.ID}, started, "the busy task must be skipped over")
}

// A failed auto-start reverts the task to ready and records exactly one
// system-event activity entry for the failure.
func TestController_Kick_FailedAutoStartRevertsAndLogsActivity(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	ws, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)

	created, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "t", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", created.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	ctrl := NewController(store, func(ctx context.Context, t *task.Task) error {
		return errors.New("no runner available")
	}, log, config.AutomationConfig{ReadyLimit: 5, ExecutingLimit: 1, ReadyToExecuting: true}, nil)
	ctrl.SetEnabled(ws.ID, true)

	ctrl.Kick(ctx, ws)

	fresh, err := store.Get(ctx, "ws1", created.ID)
	require.NoError(t, err)
	require.Equal(t, task.PhaseReady, fresh.Phase, "a failed auto-start must revert the task to ready")

	timeline, err := log.TaskTimeline(ctx, "ws1", created.ID, 10)
	require.NoError(t, err)
	failures := 0
	for _, e := range timeline {
		if e.Kind == activity.KindSystemEvent && e.SystemKind == "automation-auto-start-failed" {
			failures++
			require.Contains(t, e.Message, "no runner available")
		}
	}
	require.Equal(t, 1, failures, "exactly one system-event entry per failed auto-start")
}

// A kick with the queue disabled must be a pure no-op.
func TestController_Kick_NoOpWhenDisabled(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ws, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)

	created, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "t", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", created.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	var started int
	ctrl := NewController(store, func(ctx context.Context, t *task.Task) error {
		started++
		return nil
	}, nil,
		config.AutomationConfig{ExecutingLimit: 1, ReadyToExecuting: true}, nil)

	ctrl.Kick(ctx, ws) // never enabled
	require.Equal(t, 0, started)
}

// OnPlanningCompleted promotes a backlog task to ready when backlogToReady
// is enabled and the ready phase is under its limit; it must not promote
// once the limit is reached.
func TestController_OnPlanningCompleted_RespectsReadyLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ws, err := store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)

	existing, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "already-ready", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", existing.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)

	candidate, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "planned", AcceptanceCriteria: []string{"a"}})
	require.NoError(t, err)

	ctrl := NewController(store, func(ctx context.Context, t *task.Task) error { return nil }, nil,
		config.AutomationConfig{ReadyLimit: 1, BacklogToReady: true}, nil)

	ctrl.OnPlanningCompleted(ctx, ws, candidate)

	fresh, err := store.Get(ctx, "ws1", candidate.ID)
	require.NoError(t, err)
	require.Equal(t, task.PhaseBacklog, fresh.Phase, "ready is already at its limit of 1")
}

func TestController_EffectivePolicy_TaskOverrideWinsOverWorkspace(t *testing.T) {
	store, _ := newTestStore(t)
	ctrl := NewController(store, func(ctx context.Context, t *task.Task) error { return nil }, nil,
		config.AutomationConfig{ReadyLimit: 5, ExecutingLimit: 2, BacklogToReady: true, ReadyToExecuting: true}, nil)

	wsLimit := 3
	ws := &task.Workspace{ID: "ws1", Policy: task.Policy{ReadyLimit: &wsLimit}}

	taskLimit := 1
	tsk := &task.Task{PolicyOverride: &task.Policy{ReadyLimit: &taskLimit}}

	eff := ctrl.EffectivePolicy(ws, tsk)
	require.Equal(t, 1, *eff.ReadyLimit, "task override beats workspace override beats global default")
	require.Equal(t, 2, *eff.ExecutingLimit, "uninvolved fields fall through to the global default")
}
