package session

import (
	"context"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/task"
)

// installCompletionCallback wires the task_complete tool callback for an
// execution session. Race handling: the SDK prompt() promise
// may resolve before a retry-emitted task_complete call finishes; if
// completion arrives while the session is already idle, re-enter the
// completion flow; if it arrives after the session was torn down,
// getActive no longer matches and the callback is a no-op.
func (m *Manager) installCompletionCallback(ts *TaskSession) func() {
	return m.registries.InstallComplete(ts.TaskID, func(summary string) error {
		if m.getActive(ts.TaskID) != ts {
			return nil // dropped: session already cleaned up
		}

		ts.mu.Lock()
		alreadyCompleted := ts.completed
		ts.completed = true
		ts.completionSummary = summary
		ts.mu.Unlock()

		if alreadyCompleted {
			return nil
		}

		m.runCompletion(context.Background(), ts, true, "")
		return nil
	})
}

// runCompletion implements the on-completion-signal sequence:
// post-execution skills, summary persistence, terminal status, onComplete,
// and registry removal. success=false routes the same cleanup path with
// status=error.
func (m *Manager) runCompletion(ctx context.Context, ts *TaskSession, success bool, errMessage string) {
	taskID := ts.TaskID

	if success {
		m.broadcastStatus(ts, "post-hooks")
		// Post-execution skills are an external collaborator's concern
		// (skill runner); the orchestrator only broadcasts the phase and
		// tolerates failures without failing the turn.

		ts.mu.Lock()
		summary := ts.completionSummary
		ts.mu.Unlock()

		if m.activityLog != nil {
			_, _ = m.activityLog.Append(ctx, activity.Entry{
				WorkspaceID: ts.WorkspaceID,
				TaskID:      &taskID,
				Kind:        activity.KindSystemEvent,
				SystemKind:  "execution-completion",
				Message:     summary,
			})
		}

		if m.store != nil {
			if _, err := m.store.Move(ctx, ts.WorkspaceID, taskID, task.PhaseComplete, "agent", "task_complete"); err != nil && m.log != nil {
				m.log.WithError(err).Warn("failed to move task to complete on completion signal")
			}
		}

		ts.setStatus(StatusCompleted)
		m.broadcastStatus(ts, "completed")
	} else {
		if m.activityLog != nil {
			_, _ = m.activityLog.Append(ctx, activity.Entry{
				WorkspaceID: ts.WorkspaceID,
				TaskID:      &taskID,
				Kind:        activity.KindSystemEvent,
				SystemKind:  "execution-error",
				Message:     errMessage,
			})
		}
		ts.setStatus(StatusError)
		m.broadcastStatus(ts, "error")
	}

	ts.mu.Lock()
	cb := ts.onComplete
	ts.onComplete = nil
	ts.mu.Unlock()

	m.teardown(ts)

	if cb != nil {
		if success {
			cb(true, nil)
		} else {
			msg := errMessage
			cb(false, &msg)
		}
	}
}
