package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/common/logger"
)

// NATSBus implements Bus on a NATS connection. Subjects use the configured
// agentmux separator at the API boundary and are rewritten to NATS dot
// notation on the wire, so wildcard subscriptions keep working.
type NATSBus struct {
	conn      *nats.Conn
	separator string
	logger    *logger.Logger
}

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	Separator     string
}

// natsSubscription wraps a NATS subscription
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active
func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// NewNATSBus creates a Bus backed by a NATS connection
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	separator := cfg.Separator
	if separator == "" {
		separator = DefaultSeparator
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &NATSBus{
		conn:      conn,
		separator: separator,
		logger:    log,
	}, nil
}

// toWire rewrites an agentmux subject into NATS dot notation
func (b *NATSBus) toWire(subject string) string {
	if b.separator == "." {
		return subject
	}
	return strings.ReplaceAll(subject, b.separator, ".")
}

// fromWire rewrites a NATS subject back into agentmux notation
func (b *NATSBus) fromWire(subject string) string {
	if b.separator == "." {
		return subject
	}
	return strings.ReplaceAll(subject, ".", b.separator)
}

// Publish sends a message to a subject
func (b *NATSBus) Publish(ctx context.Context, subject string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.conn.Publish(b.toWire(subject), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("Published message",
		zap.String("subject", subject),
		zap.String("message_id", msg.ID),
		zap.String("message_type", string(msg.Type)))

	return nil
}

// createMsgHandler wraps a Handler for NATS message delivery
func (b *NATSBus) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.logger.Error("Failed to unmarshal message",
				zap.String("subject", b.fromWire(natsMsg.Subject)),
				zap.Error(err))
			return
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("Message handler error",
				zap.String("subject", b.fromWire(natsMsg.Subject)),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
}

// Subscribe creates a subscription to a subject pattern
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.toWire(subject), b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe creates a queue subscription for load balancing
func (b *NATSBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(b.toWire(subject), queue, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return &natsSubscription{sub: sub}, nil
}

// Request sends a request and waits for a response
func (b *NATSBus) Request(ctx context.Context, subject string, msg *Message, timeout time.Duration) (*Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := b.conn.RequestWithContext(ctx, b.toWire(subject), data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}

	var response Message
	if err := json.Unmarshal(resp.Data, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &response, nil
}

// Close drains the connection, letting in-flight messages finish
func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS bus closed")
}

// IsConnected returns whether the NATS connection is active
func (b *NATSBus) IsConnected() bool {
	return b.conn.IsConnected()
}
