package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/common/logger"
)

// MemoryEventBus is the single-process EventBus used when no NATS URL is
// configured. Delivery is synchronous and in publish order: a subscriber
// observes a workspace's events in exactly the order they were published,
// matching the activity log's per-workspace ordering guarantee. Handler
// errors are logged and never stop delivery to the remaining subscribers.
type MemoryEventBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	rr     map[string]int // queue group ("queue|pattern") -> round-robin cursor
	nextID int
	closed bool
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log,
		subs:   make(map[int]*memorySubscription),
		rr:     make(map[string]int),
	}
}

// Publish delivers event synchronously to every matching fan-out
// subscriber (in registration order) and to one member of each matching
// queue group (round-robin).
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var fanout []*memorySubscription
	groups := make(map[string][]*memorySubscription)
	for _, sub := range b.subs {
		if sub.closed.Load() || !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + "|" + sub.pattern
			groups[key] = append(groups[key], sub)
			continue
		}
		fanout = append(fanout, sub)
	}
	b.mu.RUnlock()

	sort.Slice(fanout, func(i, j int) bool { return fanout[i].id < fanout[j].id })
	for _, sub := range fanout {
		b.deliver(ctx, sub, subject, event)
	}

	for key, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
		b.mu.Lock()
		cursor := b.rr[key]
		b.rr[key] = cursor + 1
		b.mu.Unlock()
		b.deliver(ctx, members[cursor%len(members)], subject, event)
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil && b.logger != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Subscribe registers a fan-out handler for pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	return b.add(pattern, "", handler)
}

// QueueSubscribe registers handler in the named queue group; each matching
// event reaches exactly one group member.
func (b *MemoryEventBus) QueueSubscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	return b.add(pattern, queue, handler)
}

func (b *MemoryEventBus) add(pattern, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		pattern: pattern,
		queue:   queue,
		handler: handler,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *MemoryEventBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed.Store(true)
		delete(b.subs, id)
	}
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
