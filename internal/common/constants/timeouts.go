// Package constants provides application-wide constants that are not meant
// to be operator-configurable: protocol tool names, session mode
// identifiers, and fixed limits shared across packages.
package constants

// Tool names the session package recognizes as completion-protocol and
// callback-routing signals coming from an agent turn.
const (
	ToolTaskComplete   = "task_complete"
	ToolSavePlan       = "save_plan"
	ToolAttachTaskFile = "attach_task_file"
)

// Session modes gate which tools are permitted during a turn.
const (
	ModeTaskPlanning  = "task_planning"
	ModeTaskExecution = "task_execution"
	ModeChat          = "chat"
)

// MaxHistoryEvents caps how many activity entries a single timeline query
// returns; it is also the limit used when the caller passes none.
const MaxHistoryEvents = 500

// MaxToolResultChars caps how much of a tool result is persisted to the
// activity log; the full output already reached the client via streaming.
const MaxToolResultChars = 8000
