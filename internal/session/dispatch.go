package session

import (
	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/constants"
)

// The Dispatch methods are the boundary the external SDK's extension
// toolbox calls into: each tool body looks up the per-task registry slot
// and invokes it synchronously. A tool forbidden in the active session's
// mode fails without invoking the callback; a missing slot returns a
// structured "unavailable" error the toolbox relays as the tool result.

func (m *Manager) checkMode(taskID int64, toolName string) error {
	ts := m.getActive(taskID)
	if ts == nil {
		return nil
	}
	if IsForbidden(ts.Mode, toolName) {
		return apperr.New(apperr.StateContractViolation,
			toolName+" is forbidden in mode "+string(ts.Mode),
			map[string]any{"taskId": taskID, "tool": toolName, "mode": string(ts.Mode)})
	}
	return nil
}

// DispatchTaskComplete routes a task_complete tool call to the registered
// completion callback.
func (m *Manager) DispatchTaskComplete(taskID int64, summary string) error {
	if err := m.checkMode(taskID, constants.ToolTaskComplete); err != nil {
		return err
	}
	ok, err := m.registries.Complete(taskID, summary)
	if !ok {
		return apperr.New(apperr.ResourceConflict, "no task_complete callback registered",
			map[string]any{"taskId": taskID})
	}
	return err
}

// DispatchSavePlan routes a save_plan tool call to the active save_plan
// callback.
func (m *Manager) DispatchSavePlan(taskID int64, criteria []string, goal string, steps, validation, cleanup []string) error {
	if err := m.checkMode(taskID, constants.ToolSavePlan); err != nil {
		return err
	}
	ok, err := m.registries.SavePlan(taskID, criteria, goal, steps, validation, cleanup)
	if !ok {
		return apperr.New(apperr.ResourceConflict, "no save_plan callback registered",
			map[string]any{"taskId": taskID})
	}
	return err
}

// DispatchAttachFile routes an attach_task_file tool call; the tool has no
// mode restriction.
func (m *Manager) DispatchAttachFile(taskID int64, filename, mimeType string, data []byte) error {
	ok, err := m.registries.AttachFile(taskID, filename, mimeType, data)
	if !ok {
		return apperr.New(apperr.ResourceConflict, "no attach_task_file callback registered",
			map[string]any{"taskId": taskID})
	}
	return err
}
