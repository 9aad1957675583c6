package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

// save_plan dispatched while the active session is in execution mode must
// fail with a state-contract violation without invoking the callback.
func TestDispatchSavePlan_ForbiddenInExecutionMode(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	registries := NewRegistries()

	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		return &fakeSession{handler: handler}
	}
	mgr := NewManager(client, store, log, registries, shortWatchdogConfig(), nil)

	invoked := false
	restore := registries.InstallPlan(tsk.ID, func(criteria []string, goal string, steps, validation, cleanup []string) error {
		invoked = true
		return nil
	})
	defer restore()

	_, err := mgr.Open(context.Background(), OpenParams{
		Task:          tsk,
		WorkspacePath: "",
		Purpose:       sdk.PurposeExecution,
	})
	require.NoError(t, err)
	defer mgr.Stop(context.Background(), tsk.ID)

	err = mgr.DispatchSavePlan(tsk.ID, []string{"a"}, "goal", nil, nil, nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.StateContractViolation))
	require.False(t, invoked, "a forbidden tool must fail without invoking the callback")

	fresh, err := store.Get(context.Background(), "ws1", tsk.ID)
	require.NoError(t, err)
	require.Nil(t, fresh.Plan, "the task must not be mutated")
	require.Equal(t, task.PlanningNone, fresh.PlanningStatus)
}

// A dispatch with no registered slot returns a structured unavailable
// result rather than a nil-deref or silent success.
func TestDispatchTaskComplete_MissingSlotIsStructuredError(t *testing.T) {
	store, log, _ := newTestHarness(t)
	registries := NewRegistries()
	mgr := NewManager(&fakeClient{}, store, log, registries, shortWatchdogConfig(), nil)

	err := mgr.DispatchTaskComplete(999, "done")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.ResourceConflict))
}
