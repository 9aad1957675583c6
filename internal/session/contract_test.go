package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

func TestDeriveMode(t *testing.T) {
	cases := []struct {
		name    string
		purpose sdk.Purpose
		phase   task.Phase
		want    Mode
	}{
		{"planning purpose always planning mode", sdk.PurposePlanning, task.PhaseExecuting, ModeTaskPlanning},
		{"backlog phase forces planning mode", sdk.PurposeExecution, task.PhaseBacklog, ModeTaskPlanning},
		{"executing phase is execution mode", sdk.PurposeExecution, task.PhaseExecuting, ModeTaskExecution},
		{"ready phase is chat mode", sdk.PurposeExecution, task.PhaseReady, ModeChat},
		{"complete phase is chat mode", sdk.PurposeExecution, task.PhaseComplete, ModeChat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveMode(tc.purpose, tc.phase))
		})
	}
}

func TestIsForbidden(t *testing.T) {
	assert.True(t, IsForbidden(ModeTaskPlanning, constants.ToolTaskComplete))
	assert.False(t, IsForbidden(ModeTaskPlanning, constants.ToolSavePlan))

	assert.True(t, IsForbidden(ModeTaskExecution, constants.ToolSavePlan))
	assert.False(t, IsForbidden(ModeTaskExecution, constants.ToolTaskComplete))

	assert.True(t, IsForbidden(ModeChat, constants.ToolSavePlan))
	assert.True(t, IsForbidden(ModeChat, constants.ToolTaskComplete))

	assert.False(t, IsForbidden(ModeTaskExecution, constants.ToolAttachTaskFile))
}

func TestStripContractEcho(t *testing.T) {
	echoed := "<state>backlog</state> <mode>task_planning</mode> <planning_status>running</planning_status>\nContract: ...\n\nHere is my plan."
	assert.Equal(t, "Here is my plan.", StripContractEcho(echoed))

	noEcho := "Here is my plan."
	assert.Equal(t, "Here is my plan.", StripContractEcho(noEcho))
}

func TestRenderPrompt(t *testing.T) {
	out := RenderPrompt(DefaultPlanningTemplate, PromptTemplateVars{
		StateBlock:   "<state>backlog</state>",
		TaskID:       42,
		Title:        "Add widgets",
		Description:  "Build the widget panel",
		Skills:       "go, react",
		MaxToolCalls: 25,
	})

	assert.Contains(t, out, "<state>backlog</state>")
	assert.Contains(t, out, "task #42: Add widgets")
	assert.Contains(t, out, "Build the widget panel")
	assert.Contains(t, out, "Skills: go, react")
	assert.Contains(t, out, "at most 25 tool calls")
	assert.NotContains(t, out, "{{")
}

func TestBuildStateContract_RendersStateBlock(t *testing.T) {
	block := BuildStateContract(task.PhaseBacklog, ModeTaskPlanning, task.PlanningRunning)
	assert.Contains(t, block, "<state>backlog</state>")
	assert.Contains(t, block, "<mode>task_planning</mode>")
	assert.Contains(t, block, "<planning_status>running</planning_status>")
}

func TestContractReference_ListsForbiddenTools(t *testing.T) {
	ref := ContractReference(ModeTaskPlanning)
	assert.Contains(t, ref, "forbidden tools in this mode: task_complete")

	chatRef := ContractReference(ModeChat)
	assert.Contains(t, chatRef, "save_plan")
	assert.Contains(t, chatRef, "task_complete")
}
