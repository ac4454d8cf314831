// Package bus provides event distribution between the task execution engine
// and the streaming endpoints. Subjects follow NATS conventions
// (e.g. "task.<id>.events") so the in-memory and NATS implementations are
// interchangeable.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data holds the already-marshaled JSON
// payload so streaming handlers can forward it without re-encoding.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, data []byte) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is invoked for each delivered event. Handlers for one
// subscription run sequentially in publish order.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe contract shared by the in-memory and
// NATS implementations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS wildcards: * matches one token, > matches the remaining tokens.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down and deactivates all subscriptions.
	Close()

	// IsConnected reports connection status.
	IsConnected() bool
}
