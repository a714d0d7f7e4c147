// Package bus provides the publish/subscribe fabric for agentmux.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the kind of payload a message carries.
type MessageType string

const (
	MessageTypeTask   MessageType = "task"
	MessageTypeResult MessageType = "result"
	MessageTypeEvent  MessageType = "event"
	MessageTypeStatus MessageType = "status"
)

// Message represents a message on the bus
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	Source        string                 `json:"source"` // Component that produced the message
	Target        string                 `json:"target,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      string                 `json:"priority,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TTLSeconds    int                    `json:"ttl_seconds,omitempty"`
	RequiresAck   bool                   `json:"requires_ack,omitempty"`
}

// NewMessage creates a new message with a UUID and current timestamp
func NewMessage(msgType MessageType, source string, payload map[string]interface{}) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Handler is a function that handles a message
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus interface for message bus operations
type Bus interface {
	// Publish sends a message to a subject
	Publish(ctx context.Context, subject string, msg *Message) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, msg *Message, timeout time.Duration) (*Message, error)

	// Close closes the connection, draining pending dispatches
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
