// Package bus abstracts the message broker carrying price feeds inbound and
// loan lifecycle events outbound. The production implementation speaks Kafka;
// tests run against the in-memory variant.
package bus

import (
	"context"
	"time"
)

// Message is a single broker record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	Time  time.Time
}

// Publisher delivers a message and returns only once the broker acknowledged
// it (or the transport failed).
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler consumes one inbound message. Handlers must not retain the slices
// past the call.
type Handler func(ctx context.Context, msg Message)

// Subscriber attaches a handler to a topic. Subscribe blocks until the
// context is cancelled; transient broker errors are absorbed internally.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, fn Handler) error
}

// Bus combines both directions with a teardown hook.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublisherFunc adapts a plain function into a Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
