// Package bus moves lifecycle events between components. Two backends
// implement the same interface: an in-process bus for single-node
// deployments and tests, and a NATS-backed bus for multi-node setups.
// Subjects are dot-separated and subscriptions accept NATS-style
// wildcards (* for one token, > for a tail).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventBus publishes and subscribes events by subject.
type EventBus interface {
	// Publish delivers an event to every matching subscription.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a named group; each event
	// reaches exactly one member of the group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request publishes an event and waits for a reply on an inbox
	// subject, up to the timeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close tears down the bus. Pending deliveries are drained where
	// the backend supports it.
	Close()

	// IsConnected reports whether the bus can still deliver.
	IsConnected() bool
}

// EventHandler consumes one event. A returned error is logged by the
// bus; delivery is not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is the handle returned by Subscribe and QueueSubscribe.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Event is the envelope every bus message travels in. Data carries the
// type-specific payload as loose keys so backends can marshal it
// without registering schemas.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh envelope with a unique ID and the current
// UTC time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
