package bus

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process bus used by tests and local runs without a broker.
// Published messages are recorded per topic and fanned out to subscribers.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	published map[string][]Message
	subs      map[string][]chan Message
}

// NewMemory constructs an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		published: make(map[string][]Message),
		subs:      make(map[string][]chan Message),
	}
}

// Publish records the message and delivers it to every subscriber of the
// topic before returning, mirroring an acked broker write.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errors.New("bus: message topic required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bus: closed")
	}
	m.published[msg.Topic] = append(m.published[msg.Topic], msg)
	targets := append([]chan Message(nil), m.subs[msg.Topic]...)
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe drains the topic until ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context, topic string, fn Handler) error {
	if topic == "" {
		return errors.New("bus: topic required")
	}
	if fn == nil {
		return errors.New("bus: handler required")
	}
	ch := make(chan Message, 64)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("bus: closed")
	}
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		chans := m.subs[topic]
		for i, candidate := range chans {
			if candidate == ch {
				m.subs[topic] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case msg := <-ch:
			fn(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Published returns a copy of everything published to the topic so far.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published[topic]...)
}

// Subscribers reports how many subscriptions the topic currently has.
// Tests use it to wait for registration before publishing.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Close rejects further publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
