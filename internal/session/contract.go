package session

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

// Mode gates which tools a turn may invoke.
type Mode string

const (
	ModeTaskPlanning  Mode = constants.ModeTaskPlanning
	ModeTaskExecution Mode = constants.ModeTaskExecution
	ModeChat          Mode = constants.ModeChat
)

// DeriveMode computes the mode for a turn from the conversation purpose and
// the task's current phase.
func DeriveMode(purpose sdk.Purpose, phase task.Phase) Mode {
	if purpose == sdk.PurposePlanning || phase == task.PhaseBacklog {
		return ModeTaskPlanning
	}
	if phase == task.PhaseExecuting {
		return ModeTaskExecution
	}
	return ModeChat
}

// forbidden maps each mode to the tool names it forbids. save_plan is only
// permitted in task_planning; task_complete only in task_execution.
var forbidden = map[Mode]map[string]bool{
	ModeTaskPlanning: {
		constants.ToolTaskComplete: true,
	},
	ModeTaskExecution: {
		constants.ToolSavePlan: true,
	},
	ModeChat: {
		constants.ToolSavePlan:     true,
		constants.ToolTaskComplete: true,
	},
}

// IsForbidden reports whether toolName may not be invoked while in mode.
// attach_task_file is never forbidden: it has no mode restriction.
func IsForbidden(mode Mode, toolName string) bool {
	return forbidden[mode][toolName]
}

// stateContractRe matches an assistant message that merely echoes the
// state-contract block (and the contract reference line that follows it)
// back, so it can be stripped before persistence.
var stateContractRe = regexp.MustCompile(`(?is)<state>.*?</state>\s*<mode>.*?</mode>\s*<planning_status>.*?</planning_status>(?:\s*Contract:[^\n]*)?`)

// BuildStateContract renders the compact state block every
// prompt/followUp/steer call is prefixed with. The tool allow/forbid table
// that accompanies it comes from ContractReference.
func BuildStateContract(phase task.Phase, mode Mode, planningStatus task.PlanningStatus) string {
	return fmt.Sprintf("<state>%s</state> <mode>%s</mode> <planning_status>%s</planning_status>",
		phase, mode, planningStatus)
}

// ContractReference enumerates the tools forbidden in mode, in the form the
// prompt templates embed below the state block.
func ContractReference(mode Mode) string {
	var forbiddenTools []string
	for name, isForbidden := range forbidden[mode] {
		if isForbidden {
			forbiddenTools = append(forbiddenTools, name)
		}
	}
	sort.Strings(forbiddenTools)
	if len(forbiddenTools) == 0 {
		return "Contract: all extension tools are permitted in this mode."
	}
	return "Contract: forbidden tools in this mode: " + strings.Join(forbiddenTools, ", ")
}

// StripContractEcho removes an echoed state-contract block from assistant
// content before it is persisted as a chat-message.
func StripContractEcho(content string) string {
	return strings.TrimSpace(stateContractRe.ReplaceAllString(content, ""))
}

// PromptTemplateVars is the substitution set for prompt template bodies.
// Defaults for execution/rework/planning/resume-planning are
// assembled by internal/planning and internal/session from a Task snapshot.
type PromptTemplateVars struct {
	StateBlock         string
	ContractReference  string
	TaskID             int64
	Title              string
	AcceptanceCriteria string
	Description        string
	SharedContext      string
	Attachments        string
	Skills             string
	MaxToolCalls       int
}

// RenderPrompt substitutes PromptTemplateVars into a template body using
// the {{name}} token syntax.
func RenderPrompt(template string, vars PromptTemplateVars) string {
	replacer := strings.NewReplacer(
		"{{stateBlock}}", vars.StateBlock,
		"{{contractReference}}", vars.ContractReference,
		"{{taskId}}", fmt.Sprintf("%d", vars.TaskID),
		"{{title}}", vars.Title,
		"{{acceptanceCriteria}}", vars.AcceptanceCriteria,
		"{{description}}", vars.Description,
		"{{sharedContext}}", vars.SharedContext,
		"{{attachments}}", vars.Attachments,
		"{{skills}}", vars.Skills,
		"{{maxToolCalls}}", fmt.Sprintf("%d", vars.MaxToolCalls),
	)
	return replacer.Replace(template)
}

// Default prompt templates, overridable per-workspace by callers
// that pass a different template string into RenderPrompt.
const (
	DefaultExecutionTemplate = `{{stateBlock}}
{{contractReference}}

You are executing task #{{taskId}}: {{title}}

Description:
{{description}}

Acceptance criteria:
{{acceptanceCriteria}}

{{sharedContext}}
Attachments: {{attachments}}
Skills: {{skills}}

Call task_complete when every acceptance criterion is satisfied.`

	DefaultReworkTemplate = `{{stateBlock}}
{{contractReference}}

Task #{{taskId}} ({{title}}) was sent back for rework. Re-examine the acceptance criteria and continue:
{{acceptanceCriteria}}

{{sharedContext}}`

	DefaultPlanningTemplate = `{{stateBlock}}
{{contractReference}}

Produce acceptance criteria and a plan for task #{{taskId}}: {{title}}

Description:
{{description}}

{{sharedContext}}
Skills: {{skills}}

You have at most {{maxToolCalls}} tool calls. Call save_plan when ready.`

	DefaultResumePlanningTemplate = `{{stateBlock}}
{{contractReference}}

Resuming planning for task #{{taskId}}: {{title}}. Continue building the plan and call save_plan when ready.`

	DefaultChatTemplate = `{{stateBlock}}
{{contractReference}}

You are chatting about task #{{taskId}}: {{title}}

Acceptance criteria:
{{acceptanceCriteria}}

{{sharedContext}}`
)
