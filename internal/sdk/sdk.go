// Package sdk defines the boundary contract between the orchestrator core
// and the external LLM coding agent SDK. The SDK itself — its wire
// protocol, process model, and tool-execution runtime — is an external
// collaborator; only the shape the Agent Session Manager depends on lives
// here, mirroring the event vocabulary an ACP-style client uses to talk to
// its own agent subprocess.
package sdk

import (
	"context"
	"encoding/json"
)

// Purpose selects which conversation variant a Session was opened for.
type Purpose string

const (
	PurposeExecution Purpose = "execution"
	PurposePlanning  Purpose = "planning"
	PurposeChat      Purpose = "chat"
)

// ThinkingLevel is passed through to the SDK's model configuration.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// OpenOptions parametrizes Client.Open.
type OpenOptions struct {
	WorkspacePath          string
	TaskID                 int64
	Purpose                Purpose
	SessionFile            string
	RequireExistingSession bool
	ForceNewSession        bool
	SettingsOverrides      map[string]any
	DefaultThinkingLevel   ThinkingLevel
	DisableRetry           bool
	DisableCompaction      bool
}

// EventType enumerates the SDK event vocabulary the demultiplexer switches
// on.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventTurnEnd             EventType = "turn_end"
	EventAutoCompactionStart EventType = "auto_compaction_start"
	EventAutoCompactionEnd   EventType = "auto_compaction_end"
	EventAutoRetryStart      EventType = "auto_retry_start"
	EventAutoRetryEnd        EventType = "auto_retry_end"
)

// MessageRole distinguishes assistant content from other roles the SDK may
// surface (tool/user echoes are not persisted by the demultiplexer).
type MessageRole string

const (
	RoleAssistant MessageRole = "assistant"
	RoleUser      MessageRole = "user"
)

// DeltaKind discriminates message_update payloads.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text_delta"
	DeltaThinking DeltaKind = "thinking_delta"
)

// StopReason mirrors the SDK's terminal reason for a message.
type StopReason string

const (
	StopNormal StopReason = "stop"
	StopError  StopReason = "error"
	StopLength StopReason = "length"
)

// Usage is the token/cost accounting the SDK attaches to a message_end.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ContextUsage is the snapshot read after message_end.
type ContextUsage struct {
	Tokens        int64
	ContextWindow int64
	Percent       float64
}

// Event is the single envelope every SDK notification arrives as. Only the
// fields relevant to Type are populated.
type Event struct {
	Type       EventType
	Role       MessageRole
	Delta      DeltaKind
	Text       string
	StopReason StopReason
	ErrorText  string
	Usage      *Usage

	ToolCallID string
	ToolName   string
	ToolArgs   json.RawMessage
	ToolResult json.RawMessage
	IsError    bool

	RetryAttempt int
	RetryDelayMs int
	FinalError   string
}

// Handler consumes a single SDK event for a session. The demultiplexer
// (internal/session) registers exactly one per session.
type Handler func(ctx context.Context, evt Event)

// Session is the live handle for one open SDK conversation.
type Session interface {
	// Prompt sends a new turn (with the caller's fully-assembled prompt
	// body, including the state contract prefix) and blocks until the SDK
	// resolves the turn or ctx is cancelled. The returned sessionFile, if
	// non-empty, must be persisted by the caller.
	Prompt(ctx context.Context, body string) (sessionFile string, err error)

	// FollowUp injects a message into an idle session as a new turn.
	FollowUp(ctx context.Context, body string) (sessionFile string, err error)

	// Steer interrupts the current streaming turn with a message. Only
	// valid while the session is actively streaming.
	Steer(ctx context.Context, body string) error

	// Abort cancels any in-flight turn. Idempotent.
	Abort(ctx context.Context) error

	// Compact asks the SDK to summarize history under the given directive.
	Compact(ctx context.Context, directive string) error

	// ContextUsage reads the current context window snapshot.
	ContextUsage(ctx context.Context) (ContextUsage, error)

	// Close releases SDK-side resources. Safe to call after Abort.
	Close() error
}

// Client opens Sessions against the external SDK.
type Client interface {
	Open(ctx context.Context, opts OpenOptions, handler Handler) (Session, error)
}
