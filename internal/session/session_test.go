package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

func newTestHarness(t *testing.T) (*task.Store, *activity.Log, *task.Task) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := task.NewStore(db, nil, nil)
	require.NoError(t, store.Migrate(context.Background()))
	log := activity.NewLog(db, nil)
	require.NoError(t, log.Migrate(context.Background()))

	ctx := context.Background()
	_, err = store.CreateWorkspace(ctx, "ws1", "")
	require.NoError(t, err)
	created, err := store.Create(ctx, "ws1", task.CreateRequest{Title: "t", AcceptanceCriteria: []string{"compiles", "tests pass"}})
	require.NoError(t, err)
	_, err = store.Move(ctx, "ws1", created.ID, task.PhaseReady, "user", "")
	require.NoError(t, err)
	moved, err := store.Move(ctx, "ws1", created.ID, task.PhaseExecuting, "user", "")
	require.NoError(t, err)

	return store, log, moved
}

func shortWatchdogConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		NoFirstEvent:    time.Hour,
		StreamSilence:   30 * time.Millisecond,
		ToolExecution:   time.Hour,
		PostTool:        time.Hour,
		MaxTurnDuration: time.Hour,
	}
}

// Scenario 1 (spec §8): happy path execution. SDK emits a text delta then
// calls task_complete; the session must transition running->completed, the
// task must move to complete, and onComplete(true, nil) must fire exactly
// once.
func TestManager_Execute_HappyPathCompletion(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	registries := NewRegistries()

	client := &fakeClient{}
	mgr := NewManager(client, store, log, registries, shortWatchdogConfig(), nil)

	completeCh := make(chan struct {
		success bool
		errMsg  *string
	}, 1)

	// Script the fake session's Prompt: emit events, invoke the completion
	// callback the way the external tool dispatch would (synchronously,
	// looked up by task id), then return.
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			ctx = context.Background()
			handler(ctx, sdk.Event{Type: sdk.EventAgentStart})
			handler(ctx, sdk.Event{Type: sdk.EventMessageStart, Role: sdk.RoleAssistant})
			handler(ctx, sdk.Event{Type: sdk.EventMessageUpdate, Delta: sdk.DeltaText, Text: "ok"})
			handler(ctx, sdk.Event{Type: sdk.EventMessageEnd, Role: sdk.RoleAssistant, StopReason: sdk.StopNormal})
			handler(ctx, sdk.Event{Type: sdk.EventToolExecutionStart, ToolCallID: "tc-1", ToolName: "task_complete"})
			ok, err := registries.Complete(tsk.ID, "done")
			require.True(t, ok)
			require.NoError(t, err)
			handler(ctx, sdk.Event{Type: sdk.EventToolExecutionEnd, ToolCallID: "tc-1", ToolResult: []byte(`"ok"`)})
			handler(ctx, sdk.Event{Type: sdk.EventTurnEnd})
			return "", nil
		}
		return s
	}

	_, err := mgr.Execute(context.Background(), "", tsk, false, func(success bool, errMsg *string) {
		completeCh <- struct {
			success bool
			errMsg  *string
		}{success, errMsg}
	})
	require.NoError(t, err)

	select {
	case res := <-completeCh:
		require.True(t, res.success)
		require.Nil(t, res.errMsg)
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete was never invoked")
	}

	final, err := store.Get(context.Background(), "ws1", tsk.ID)
	require.NoError(t, err)
	require.Equal(t, task.PhaseComplete, final.Phase)

	require.Nil(t, mgr.getActive(tsk.ID), "session must be removed from the registry after completion")
}

// Scenario 2 (spec §8): watchdog recovery. A session receives message_start
// then nothing else; the stream-silence watchdog must fire exactly once,
// transition the session to idle, remove it from the registry, and never
// invoke onComplete.
func TestManager_StreamSilenceWatchdog_RecoversWithoutCompleting(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	registries := NewRegistries()

	var events []activity.LiveEvent
	unsub := log.Subscribe("ws1", func(evt activity.LiveEvent) {
		events = append(events, evt)
	})
	defer unsub()

	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			handler(context.Background(), sdk.Event{Type: sdk.EventAgentStart})
			handler(context.Background(), sdk.Event{Type: sdk.EventMessageStart, Role: sdk.RoleAssistant})
			// The SDK never sends another event; the session's own teardown
			// (via watchdog recovery) is what ends this turn from the
			// Manager's perspective, not this call returning.
			<-make(chan struct{})
			return "", nil
		}
		return s
	}

	mgr := NewManager(client, store, log, registries, shortWatchdogConfig(), nil)

	completeCalled := make(chan struct{}, 1)
	_, err := mgr.Execute(context.Background(), "", tsk, false, func(success bool, errMsg *string) {
		completeCalled <- struct{}{}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mgr.getActive(tsk.ID) == nil
	}, 2*time.Second, 5*time.Millisecond, "session must be torn down once the stream-silence watchdog fires")

	select {
	case <-completeCalled:
		t.Fatal("onComplete must never fire for a watchdog-recovered session")
	case <-time.After(50 * time.Millisecond):
	}

	var sawTurnEnd bool
	stallCount := 0
	for _, e := range events {
		if e.Type == activity.EventTurnEnd {
			sawTurnEnd = true
		}
	}
	timeline, err := log.TaskTimeline(context.Background(), "ws1", tsk.ID, 10)
	require.NoError(t, err)
	for _, entry := range timeline {
		if entry.Kind == activity.KindSystemEvent && entry.SystemKind == "stall" {
			stallCount++
			require.Equal(t, "stream-silence", entry.Metadata["stallPhase"])
		}
	}
	require.Equal(t, 1, stallCount, "expected exactly one stall system event")
	require.True(t, sawTurnEnd, "expected a turn_end broadcast on watchdog recovery")
}

// Scenario 4 (spec §8): stop during a tool call. Stop must abort the SDK,
// never fire onComplete, and broadcast status=idle exactly once; the task
// itself stays in executing (Stop does not move phases).
func TestManager_Stop_DuringToolCall_NeverCompletes(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	registries := NewRegistries()

	var fs *fakeSession
	promptBlocked := make(chan struct{})
	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			handler(context.Background(), sdk.Event{Type: sdk.EventAgentStart})
			handler(context.Background(), sdk.Event{Type: sdk.EventToolExecutionStart, ToolCallID: "tc-1", ToolName: "run_tests"})
			close(promptBlocked)
			<-make(chan struct{})
			return "", nil
		}
		fs = s
		return s
	}

	mgr := NewManager(client, store, log, registries, shortWatchdogConfig(), nil)

	completeCalled := make(chan struct{}, 1)
	_, err := mgr.Execute(context.Background(), "", tsk, false, func(success bool, errMsg *string) {
		completeCalled <- struct{}{}
	})
	require.NoError(t, err)

	<-promptBlocked

	var statusEvents []string
	unsub := log.Subscribe("ws1", func(evt activity.LiveEvent) {
		if evt.Type == activity.EventExecutionStatus {
			if m, ok := evt.Data.(map[string]string); ok {
				statusEvents = append(statusEvents, m["status"])
			}
		}
	})
	defer unsub()

	stopped, err := mgr.Stop(context.Background(), tsk.ID)
	require.NoError(t, err)
	require.True(t, stopped)

	require.Eventually(t, func() bool { return fs.wasAborted() }, time.Second, 5*time.Millisecond)

	select {
	case <-completeCalled:
		t.Fatal("onComplete must never fire after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	idleCount := 0
	for _, s := range statusEvents {
		if s == "idle" {
			idleCount++
		}
	}
	require.Equal(t, 1, idleCount, "status=idle must broadcast exactly once on Stop")

	final, err := store.Get(context.Background(), "ws1", tsk.ID)
	require.NoError(t, err)
	require.Equal(t, task.PhaseExecuting, final.Phase, "Stop must not move the task's phase")
}
