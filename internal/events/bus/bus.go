// Package bus carries orchestrator events between the task store, session
// manager, planning pipeline, and automation controller — in-process by
// default, across instances when NATS is configured. Subjects are
// workspace-scoped (internal/events builds them).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message on the bus. WorkspaceID scopes the event to
// the workspace whose subject it was published under; TaskID is set when
// the event concerns exactly one task.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"` // component that produced the event
	WorkspaceID string                 `json:"workspaceId,omitempty"`
	TaskID      *int64                 `json:"taskId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewWorkspaceEvent creates an event scoped to one workspace.
func NewWorkspaceEvent(eventType, source, workspaceID string, data map[string]interface{}) *Event {
	evt := NewEvent(eventType, source, data)
	evt.WorkspaceID = workspaceID
	return evt
}

// NewTaskEvent creates an event scoped to one task in a workspace.
func NewTaskEvent(eventType, source, workspaceID string, taskID int64, data map[string]interface{}) *Event {
	evt := NewWorkspaceEvent(eventType, source, workspaceID, data)
	evt.TaskID = &taskID
	return evt
}

// EventHandler consumes one event. A returned error is logged by the bus;
// it does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration on the bus.
type Subscription interface {
	// Unsubscribe removes the registration. Idempotent.
	Unsubscribe() error

	// IsValid reports whether the subscription still receives events.
	IsValid() bool
}

// EventBus is the transport the orchestrator publishes on.
type EventBus interface {
	// Publish delivers event to every subscriber matching subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler for every event whose subject matches
	// pattern. Patterns use NATS-style tokens: "*" matches exactly one
	// token, ">" matches the remainder of the subject.
	Subscribe(pattern string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers handler in a named group; each matching
	// event is delivered to exactly one member of the group.
	QueueSubscribe(pattern, queue string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down; subsequent publishes fail.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
