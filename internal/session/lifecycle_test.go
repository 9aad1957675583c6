package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

// Scenario 5 (spec §8): resume chat. A task carrying a sessionFile must be
// reopened in resume mode, the prompt must lead with the state contract in
// chat mode, no save_plan callback may be installed, and the session must
// end idle.
func TestManager_ResumeChat_OpensInResumeModeWithChatContract(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	registries := NewRegistries()

	_, err := store.Move(context.Background(), "ws1", tsk.ID, task.PhaseComplete, "agent", "")
	require.NoError(t, err)
	_, err = store.Move(context.Background(), "ws1", tsk.ID, task.PhaseArchived, "user", "")
	require.NoError(t, err)
	archived, err := store.AssignSessionFile(context.Background(), "ws1", tsk.ID, "/tmp/session-abc.jsonl")
	require.NoError(t, err)

	var promptBody string
	client := &fakeClient{}
	client.onOpen = func(handler sdk.Handler) *fakeSession {
		s := &fakeSession{handler: handler}
		s.promptFn = func(ctx context.Context, body string) (string, error) {
			promptBody = body
			return "", nil
		}
		return s
	}

	mgr := NewManager(client, store, log, registries, shortWatchdogConfig(), nil)

	ts, err := mgr.ResumeChat(context.Background(), "", archived, "what changed?")
	require.NoError(t, err)
	require.Equal(t, StatusIdle, ts.Status())
	require.Equal(t, ModeChat, ts.Mode)

	opts := client.openOptions()
	require.Equal(t, "/tmp/session-abc.jsonl", opts.SessionFile)
	require.True(t, opts.RequireExistingSession)
	require.False(t, opts.ForceNewSession)

	require.True(t, strings.HasPrefix(promptBody, "<state>archived</state> <mode>chat</mode>"))
	require.Contains(t, promptBody, "forbidden tools in this mode: save_plan, task_complete")
	require.Contains(t, promptBody, "what changed?")

	require.False(t, registries.HasPlanCallback(tsk.ID), "save_plan must never be installed for a chat turn")
}

// A task with no sessionFile cannot resume.
func TestManager_ResumeChat_RequiresSessionFile(t *testing.T) {
	store, log, tsk := newTestHarness(t)
	mgr := NewManager(&fakeClient{}, store, log, NewRegistries(), shortWatchdogConfig(), nil)

	_, err := mgr.ResumeChat(context.Background(), "", tsk, "hi")
	require.Error(t, err)
}
