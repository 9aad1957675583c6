package bus

import (
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// subjectMatches implements NATS-style token matching: "*" matches exactly
// one token, ">" matches one or more remaining tokens. The activity
// wildcard (internal/events.ActivityWildcardSubject) relies on "*" so a
// subscriber sees every workspace's subject without observing unrelated
// event families.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, p := range pTokens {
		if p == ">" {
			return len(sTokens) > i
		}
		if i >= len(sTokens) {
			return false
		}
		if p != "*" && p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}

// memorySubscription is one in-process registration on a MemoryEventBus.
type memorySubscription struct {
	id      int
	bus     *MemoryEventBus
	pattern string
	queue   string // empty for fan-out subscriptions
	handler EventHandler
	closed  atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.bus.remove(s.id)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return !s.closed.Load()
}

// natsSubscription adapts a nats.Subscription to the bus interface.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
