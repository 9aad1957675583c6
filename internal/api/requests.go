package api

import "github.com/kandev/forgeflow/internal/task"

// CreateWorkspaceRequest is the body for POST /workspaces.
type CreateWorkspaceRequest struct {
	ID   string `json:"id" binding:"required"`
	Path string `json:"path" binding:"required"`
}

// CreateTaskRequest is the body for POST /workspaces/{ws}/tasks.
type CreateTaskRequest struct {
	Title              string   `json:"title" binding:"required"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

// UpdateTaskRequest is the body for PATCH /workspaces/{ws}/tasks/{t}. Every
// field is optional; nil/omitted means "leave unchanged" (task.UpdatePatch
// semantics), matching the phase-agnostic field set a client may edit.
type UpdateTaskRequest struct {
	Title                *string          `json:"title"`
	Description          *string          `json:"description"`
	AcceptanceCriteria   []string         `json:"acceptanceCriteria"`
	PreExecutionSkills   []string         `json:"preExecutionSkills"`
	PostExecutionSkills  []string         `json:"postExecutionSkills"`
	PrePlanningSkills    []string         `json:"prePlanningSkills"`
	PlanningModelConfig  *task.ModelConfig `json:"planningModelConfig"`
	ExecutionModelConfig *task.ModelConfig `json:"executionModelConfig"`
}

func (r UpdateTaskRequest) toPatch() task.UpdatePatch {
	return task.UpdatePatch{
		Title:                r.Title,
		Description:          r.Description,
		AcceptanceCriteria:   r.AcceptanceCriteria,
		PreExecutionSkills:   r.PreExecutionSkills,
		PostExecutionSkills:  r.PostExecutionSkills,
		PrePlanningSkills:    r.PrePlanningSkills,
		PlanningModelConfig:  r.PlanningModelConfig,
		ExecutionModelConfig: r.ExecutionModelConfig,
	}
}

// MoveTaskRequest is the body for POST .../tasks/{t}/move.
type MoveTaskRequest struct {
	ToPhase task.Phase `json:"toPhase" binding:"required"`
	Reason  string     `json:"reason"`
}

// ReorderTasksRequest is the body for POST .../tasks/reorder.
type ReorderTasksRequest struct {
	Phase   task.Phase `json:"phase" binding:"required"`
	TaskIDs []int64    `json:"taskIds" binding:"required"`
}

// ExecuteTaskRequest is the (optional) body for POST .../tasks/{t}/execute.
type ExecuteTaskRequest struct {
	Rework bool `json:"rework"`
}

// AppendActivityRequest is the body for POST /workspaces/{ws}/activity.
type AppendActivityRequest struct {
	TaskID   *int64         `json:"taskId"`
	Content  string         `json:"content" binding:"required"`
	Role     string         `json:"role" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// UpdateAutomationRequest is the body for PATCH /workspaces/{ws}/automation.
type UpdateAutomationRequest struct {
	Enabled          *bool `json:"enabled"`
	ReadyLimit       *int  `json:"readyLimit"`
	ExecutingLimit   *int  `json:"executingLimit"`
	BacklogToReady   *bool `json:"backlogToReady"`
	ReadyToExecuting *bool `json:"readyToExecuting"`
}
