// Package events provides the event subject vocabulary shared across the
// activity log, session manager, planning pipeline, and automation
// controller. The Task Store publishes its workspace, task and plan-saved
// events on the bus.EventBus configured in cmd/server/main.go; the session
// and automation subjects and the other planning subjects are declared
// here but no component publishes them.
package events

// Workspace and task lifecycle subjects.
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskPhaseChanged = "task.phase_changed"
	TaskDeleted      = "task.deleted"
	TaskReordered    = "task.reordered"

	WorkspaceCreated = "workspace.created"
	WorkspaceUpdated = "workspace.updated"
	WorkspaceDeleted = "workspace.deleted"
)

// Agent session lifecycle subjects, mirroring the SDK event contract
// (see internal/sdk) at the bus boundary so subscribers outside the
// session package never need the SDK's own types.
const (
	SessionStarted       = "session.started"
	SessionTurnStarted   = "session.turn_started"
	SessionMessageDelta  = "session.message_delta"
	SessionToolStart     = "session.tool_start"
	SessionToolEnd       = "session.tool_end"
	SessionTurnEnded     = "session.turn_ended"
	SessionCompleted     = "session.completed"
	SessionFailed        = "session.failed"
	SessionStopped       = "session.stopped"
	SessionWatchdogFired = "session.watchdog_fired"
	SessionContextUsage  = "session.context_usage"
)

// Planning pipeline subjects.
const (
	PlanningStarted   = "planning.started"
	PlanningSaved     = "planning.plan_saved"
	PlanningCompleted = "planning.completed"
	PlanningFailed    = "planning.failed"
)

// Automation controller subjects.
const (
	AutomationKicked  = "automation.kicked"
	AutomationBlocked = "automation.blocked"
)

// ActivitySubject builds the per-workspace subject the Task Store publishes
// that workspace's events under. Activity log entries are not published on
// the bus.
func ActivitySubject(workspaceID string) string {
	return "activity." + workspaceID
}

// ActivityWildcardSubject returns the subscription pattern matching activity
// entries for every workspace.
func ActivityWildcardSubject() string {
	return "activity.*"
}
