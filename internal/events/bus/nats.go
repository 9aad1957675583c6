package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/logger"
)

// NATSEventBus is the cross-instance EventBus. Every subject is prefixed
// with the configured events namespace so multiple deployments can share
// one NATS cluster without observing each other's workspaces.
type NATSEventBus struct {
	conn      *nats.Conn
	namespace string
	logger    *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection handling. namespace
// may be empty (no subject prefix).
func NewNATSEventBus(cfg config.NATSConfig, namespace string, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("nats error", fields...)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSEventBus{conn: conn, namespace: namespace, logger: log}, nil
}

// scoped prefixes subject with the deployment namespace.
func (b *NATSEventBus) scoped(subject string) string {
	if b.namespace == "" {
		return subject
	}
	return b.namespace + "." + subject
}

// Publish marshals event and sends it on the namespaced subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(b.scoped(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for the namespaced pattern.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.scoped(pattern), b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe registers handler in a queue group on the namespaced
// pattern; NATS delivers each event to one member of the group.
func (b *NATSEventBus) QueueSubscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(b.scoped(pattern), queue, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", pattern, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Close drains the connection so in-flight messages are processed first.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		if b.logger != nil {
			b.logger.Warn("error draining nats connection", zap.Error(err))
		}
		b.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
