package session

import (
	"context"
	"strings"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

// Execute opens a fresh (or resumed) execution session for t, installs the
// task_complete callback, and sends the initial (or rework) prompt. The SDK
// runs in the background; onComplete fires at most once, when the
// completion protocol resolves. It never fires when the session is stopped
// or when a watchdog recovers it.
func (m *Manager) Execute(ctx context.Context, workspacePath string, t *task.Task, rework bool, onComplete OnComplete) (*TaskSession, error) {
	ts, err := m.Open(ctx, OpenParams{
		Task:          t,
		WorkspacePath: workspacePath,
		Purpose:       sdk.PurposeExecution,
		OnComplete:    onComplete,
	})
	if err != nil {
		return nil, err
	}

	ts.completeRestore = m.installCompletionCallback(ts)

	if m.activityLog != nil {
		taskID := t.ID
		_, _ = m.activityLog.Append(ctx, activity.Entry{
			WorkspaceID:    t.WorkspaceID,
			TaskID:         &taskID,
			Kind:           activity.KindTaskSeparator,
			SeparatorTitle: t.Title,
			SeparatorPhase: string(t.Phase),
		})
	}

	template := DefaultExecutionTemplate
	if rework {
		template = DefaultReworkTemplate
	}
	body := RenderPrompt(template, PromptTemplateVars{
		StateBlock:         BuildStateContract(t.Phase, ts.Mode, t.PlanningStatus),
		ContractReference:  ContractReference(ts.Mode),
		TaskID:             t.ID,
		Title:              t.Title,
		Description:        t.Description,
		AcceptanceCriteria: strings.Join(t.AcceptanceCriteria, "\n"),
		SharedContext:      "",
		Attachments:        joinAttachments(t),
		Skills:             strings.Join(t.PreExecutionSkills, ", "),
	})

	go func() {
		promptCtx := context.Background()
		if err := m.Prompt(promptCtx, ts, body); err != nil {
			if m.getActive(t.ID) == ts {
				m.runCompletion(promptCtx, ts, false, err.Error())
			}
			return
		}
		// The SDK resolved without a completion signal; the turn_end
		// handler already marked the session idle/awaiting-input.
	}()

	return ts, nil
}

// ResumeChat opens the SDK in resume mode (requires an existing
// sessionFile) and sends message as a prompt() with chat mode; save_plan
// is never installed since it is forbidden in chat mode.
func (m *Manager) ResumeChat(ctx context.Context, workspacePath string, t *task.Task, message string) (*TaskSession, error) {
	if t.SessionFile == "" {
		return nil, errNoSessionFile
	}
	ts, err := m.Open(ctx, OpenParams{
		Task:                   t,
		WorkspacePath:          workspacePath,
		Purpose:                sdk.PurposeChat,
		RequireExistingSession: true,
	})
	if err != nil {
		return nil, err
	}

	body := BuildStateContract(t.Phase, ts.Mode, t.PlanningStatus) + "\n" + ContractReference(ts.Mode) + "\n" + message
	if err := m.Prompt(ctx, ts, body); err != nil {
		m.teardown(ts)
		return nil, err
	}
	ts.setStatus(StatusIdle)
	return ts, nil
}

// StartChat creates a fresh SDK session, persists the new sessionFile, and
// sends an initial contextualizing prompt, terminating in idle.
func (m *Manager) StartChat(ctx context.Context, workspacePath string, t *task.Task, message string) (*TaskSession, error) {
	ts, err := m.Open(ctx, OpenParams{
		Task:            t,
		WorkspacePath:   workspacePath,
		Purpose:         sdk.PurposeChat,
		ForceNewSession: true,
	})
	if err != nil {
		return nil, err
	}

	body := RenderPrompt(DefaultChatTemplate, PromptTemplateVars{
		StateBlock:         BuildStateContract(t.Phase, ts.Mode, t.PlanningStatus),
		ContractReference:  ContractReference(ts.Mode),
		TaskID:             t.ID,
		Title:              t.Title,
		AcceptanceCriteria: strings.Join(t.AcceptanceCriteria, "\n"),
		SharedContext:      message,
	})
	if err := m.Prompt(ctx, ts, body); err != nil {
		m.teardown(ts)
		return nil, err
	}
	ts.setStatus(StatusIdle)
	return ts, nil
}

func joinAttachments(t *task.Task) string {
	names := make([]string, 0, len(t.Attachments))
	for _, a := range t.Attachments {
		names = append(names, a.Filename)
	}
	return strings.Join(names, ", ")
}

var errNoSessionFile = &noSessionFileError{}

type noSessionFileError struct{}

func (e *noSessionFileError) Error() string { return "task has no sessionFile to resume" }
