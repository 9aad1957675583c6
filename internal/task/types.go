// Package task implements the authoritative Task Store: database-backed
// task records, phase transitions, intra-phase ordering, and per-task
// history.
package task

import "time"

// Phase is a task's Kanban column.
type Phase string

const (
	PhaseBacklog   Phase = "backlog"
	PhaseReady     Phase = "ready"
	PhaseExecuting Phase = "executing"
	PhaseComplete  Phase = "complete"
	PhaseArchived  Phase = "archived"
)

// PlanningStatus tracks the planning pipeline's progress for a task.
type PlanningStatus string

const (
	PlanningNone      PlanningStatus = "none"
	PlanningRunning   PlanningStatus = "running"
	PlanningCompleted PlanningStatus = "completed"
	PlanningError     PlanningStatus = "error"
)

// Plan is the artifact the planning pipeline persists via save_plan.
type Plan struct {
	Goal        string    `json:"goal"`
	Steps       []string  `json:"steps"`
	Validation  []string  `json:"validation"`
	Cleanup     []string  `json:"cleanup"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Attachment is a file uploaded alongside a task.
type Attachment struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	StoredName string    `json:"storedName"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ModelConfig pins a model + parameters for either the planning or the
// execution conversation.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// UsageMetrics accumulates token/cost totals, with a per-model breakdown.
type UsageMetrics struct {
	TotalInputTokens  int64                  `json:"totalInputTokens"`
	TotalOutputTokens int64                  `json:"totalOutputTokens"`
	TotalCostUSD      float64               `json:"totalCostUsd"`
	ByModel           map[string]ModelUsage `json:"byModel,omitempty"`
}

// ModelUsage is the per-model slice of UsageMetrics.ByModel.
type ModelUsage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// HistoryEntry records one phase transition.
type HistoryEntry struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Policy is the workflow policy shape shared by global defaults, workspace
// overrides, and per-task overrides. Pointer fields mean "inherit" at the
// workspace/task level; the automation package resolves the effective
// value (see internal/automation).
type Policy struct {
	ReadyLimit       *int  `json:"readyLimit,omitempty"`
	ExecutingLimit   *int  `json:"executingLimit,omitempty"`
	BacklogToReady   *bool `json:"backlogToReady,omitempty"`
	ReadyToExecuting *bool `json:"readyToExecuting,omitempty"`
}

// Workspace is the top-level container: identity, filesystem path, and the
// workflow policy record tasks and the automation controller consult.
type Workspace struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is the full per-task record.
type Task struct {
	ID          int64  `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Phase       Phase  `json:"phase"`
	Order       int64  `json:"order"`

	AcceptanceCriteria []string       `json:"acceptanceCriteria"`
	Plan               *Plan          `json:"plan,omitempty"`
	PlanningStatus     PlanningStatus `json:"planningStatus"`

	SessionFile string `json:"sessionFile,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	PreExecutionSkills  []string `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills []string `json:"postExecutionSkills,omitempty"`
	PrePlanningSkills   []string `json:"prePlanningSkills,omitempty"`

	PlanningModelConfig  ModelConfig `json:"planningModelConfig,omitempty"`
	ExecutionModelConfig ModelConfig `json:"executionModelConfig,omitempty"`

	UsageMetrics UsageMetrics `json:"usageMetrics"`

	PolicyOverride *Policy `json:"policyOverride,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateRequest is the payload accepted by Store.Create.
type CreateRequest struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
}

// UpdatePatch carries optional field updates for Store.Update. Nil means
// "leave unchanged"; AcceptanceCriteria, when non-nil, replaces the slice
// wholesale (after trim/dedupe of empties).
type UpdatePatch struct {
	Title                *string
	Description          *string
	AcceptanceCriteria   []string
	PreExecutionSkills   []string
	PostExecutionSkills  []string
	PrePlanningSkills    []string
	PlanningModelConfig  *ModelConfig
	ExecutionModelConfig *ModelConfig
}

// Scope filters Store.List.
type Scope string

const (
	ScopeActive   Scope = "active"
	ScopeArchived Scope = "archived"
	ScopeAll      Scope = "all"
)
