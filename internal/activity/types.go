// Package activity implements the Activity Log & Event Bus: an append-only
// per-workspace timeline plus a fan-out broadcast channel carrying both
// persisted entries and ephemeral live-stream events.
package activity

import "time"

// Role identifies the speaker of a chat-message entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// EntryKind discriminates the ActivityEntry variants.
type EntryKind string

const (
	KindChatMessage   EntryKind = "chat-message"
	KindSystemEvent   EntryKind = "system-event"
	KindTaskSeparator EntryKind = "task-separator"
)

// ToolCallMeta annotates a chat-message entry produced from a tool result.
type ToolCallMeta struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	IsError    bool   `json:"isError"`
}

// Entry is a single timestamped, append-only timeline record. Exactly one
// of the kind-specific field groups is populated, selected by Kind.
type Entry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	TaskID      *int64    `json:"taskId,omitempty"`
	Kind        EntryKind `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`

	// chat-message
	Role          Role          `json:"role,omitempty"`
	Content       string        `json:"content,omitempty"`
	AttachmentIDs []string      `json:"attachmentIds,omitempty"`
	ToolCallMeta  *ToolCallMeta `json:"toolCallMeta,omitempty"`

	// system-event
	SystemKind string         `json:"systemKind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// task-separator
	SeparatorTitle string `json:"separatorTitle,omitempty"`
	SeparatorPhase string `json:"separatorPhase,omitempty"`
}

// Ephemeral live-stream event kinds, never persisted.
const (
	EventExecutionStatus = "agent:execution_status"
	EventStreamingStart  = "agent:streaming_start"
	EventStreamingText   = "agent:streaming_text"
	EventStreamingEnd    = "agent:streaming_end"
	EventThinkingDelta   = "agent:thinking_delta"
	EventThinkingEnd     = "agent:thinking_end"
	EventToolStart       = "agent:tool_start"
	EventToolUpdate      = "agent:tool_update"
	EventToolEnd         = "agent:tool_end"
	EventTurnEnd         = "agent:turn_end"
	EventContextUsage    = "agent:context_usage"
	EventTaskUpdated     = "task:updated"
	EventTaskMoved       = "task:moved"
	EventTaskPlanGen     = "task:plan_generated"
)

// LiveEvent is the envelope broadcast for ephemeral events; Broadcast also
// wraps persisted Entry values in this envelope so subscribers see one
// uniform shape (Entry is nil for pure live events).
type LiveEvent struct {
	WorkspaceID string    `json:"workspaceId"`
	TaskID      *int64    `json:"taskId,omitempty"`
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	Data        any       `json:"data,omitempty"`
	Entry       *Entry    `json:"entry,omitempty"`
}

// Handler receives every broadcast for the workspace it subscribed to.
type Handler func(LiveEvent)

// Unsubscribe removes a previously registered Handler. Idempotent.
type Unsubscribe func()
