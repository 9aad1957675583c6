package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/forgeflow/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"activity.ws1", "activity.ws1", true},
		{"activity.ws1", "activity.ws2", false},
		{"activity.*", "activity.ws1", true},
		{"activity.*", "activity.ws1.extra", false},
		{"activity.*", "activity", false},
		{"activity.>", "activity.ws1", true},
		{"activity.>", "activity.ws1.task.7", true},
		{"activity.>", "activity", false},
		{"*.ws1", "activity.ws1", true},
		{"activity.ws1", "activity.ws1.extra", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"/"+tc.subject, func(t *testing.T) {
			assert.Equal(t, tc.want, subjectMatches(tc.pattern, tc.subject))
		})
	}
}

func TestMemoryEventBus_PublishDeliversWorkspaceEvent(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var received []*Event
	sub, err := bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error {
		received = append(received, evt)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	evt := NewTaskEvent("task.phase_changed", "task-store", "ws1", 7, map[string]interface{}{"phase": "ready"})
	require.NoError(t, bus.Publish(context.Background(), "activity.ws1", evt))

	require.Len(t, received, 1)
	got := received[0]
	assert.Equal(t, "task.phase_changed", got.Type)
	assert.Equal(t, "ws1", got.WorkspaceID)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, int64(7), *got.TaskID)
	assert.Equal(t, "ready", got.Data["phase"])
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

// Delivery is synchronous: a subscriber observes a workspace's events in
// publish order.
func TestMemoryEventBus_DeliveryPreservesPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var order []string
	_, err := bus.Subscribe("activity.*", func(ctx context.Context, evt *Event) error {
		order = append(order, evt.Type)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		evt := NewWorkspaceEvent(fmt.Sprintf("task.updated.%d", i), "test", "ws1", nil)
		require.NoError(t, bus.Publish(context.Background(), "activity.ws1", evt))
	}

	require.Equal(t, []string{
		"task.updated.0", "task.updated.1", "task.updated.2", "task.updated.3", "task.updated.4",
	}, order)
}

func TestMemoryEventBus_WildcardSeesEveryWorkspaceSubject(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var workspaces []string
	_, err := bus.Subscribe("activity.*", func(ctx context.Context, evt *Event) error {
		workspaces = append(workspaces, evt.WorkspaceID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "activity.ws1", NewWorkspaceEvent("e", "t", "ws1", nil)))
	require.NoError(t, bus.Publish(context.Background(), "activity.ws2", NewWorkspaceEvent("e", "t", "ws2", nil)))
	require.NoError(t, bus.Publish(context.Background(), "other.ws3", NewWorkspaceEvent("e", "t", "ws3", nil)))

	assert.Equal(t, []string{"ws1", "ws2"}, workspaces, "the wildcard must not observe unrelated event families")
}

// A handler error is logged, not propagated: the remaining subscribers
// still receive the event.
func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	_, err := bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	delivered := false
	_, err = bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "activity.ws1", NewEvent("e", "t", nil)))
	assert.True(t, delivered)
}

// Each event reaches exactly one member of a queue group, round-robin.
func TestMemoryEventBus_QueueGroupBalancesAcrossMembers(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := bus.QueueSubscribe("activity.*", "kick-workers", func(ctx context.Context, evt *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, bus.Publish(context.Background(), "activity.ws1", NewEvent("e", "t", nil)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, counts["a"])
	assert.Equal(t, 3, counts["b"])
}

func TestMemoryEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	calls := 0
	sub, err := bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "activity.ws1", NewEvent("e", "t", nil)))
	assert.Zero(t, calls, "an unsubscribed handler must not receive events")
}

func TestMemoryEventBus_CloseRejectsFurtherUse(t *testing.T) {
	bus := newTestBus(t)

	sub, err := bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error { return nil })
	require.NoError(t, err)

	require.True(t, bus.IsConnected())
	bus.Close()
	bus.Close() // idempotent
	require.False(t, bus.IsConnected())
	assert.False(t, sub.IsValid())

	err = bus.Publish(context.Background(), "activity.ws1", NewEvent("e", "t", nil))
	require.Error(t, err)

	_, err = bus.Subscribe("activity.ws1", func(ctx context.Context, evt *Event) error { return nil })
	require.Error(t, err)
}
