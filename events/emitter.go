package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loand/bus"
	"loand/observability"
	"loand/storage"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// Emitter publishes lifecycle events with retry and exponential backoff. Emit
// returns only after the broker acknowledged the message or the retry policy
// is exhausted; in the latter case the caller must treat the emission as
// uncertain and record that in the audit trail.
type Emitter struct {
	publisher   bus.Publisher
	topic       string
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

// EmitterOption mutates emitter configuration.
type EmitterOption func(*Emitter)

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) EmitterOption {
	return func(e *Emitter) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			e.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			e.maxBackoff = maxBackoff
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter constructs an emitter bound to one topic.
func NewEmitter(publisher bus.Publisher, topic string, opts ...EmitterOption) (*Emitter, error) {
	if publisher == nil {
		return nil, errors.New("events: publisher required")
	}
	if topic == "" {
		return nil, errors.New("events: topic required")
	}
	emitter := &Emitter{
		publisher:   publisher,
		topic:       topic,
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(emitter)
	}
	return emitter, nil
}

// Emit delivers the event, retrying transient publish failures. The message
// is keyed by loanId so a hashing broker keeps per-loan order.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode %s for %s: %w", event.EventType, event.LoanID, err)
	}
	msg := bus.Message{Topic: e.topic, Key: []byte(event.LoanID), Value: payload}

	attempt := 0
	backoff := e.minBackoff
	var last error
	for {
		attempt++
		if err := e.publisher.Publish(ctx, msg); err == nil {
			observability.LifecycleMetrics().RecordEvent(event.EventType, nil)
			return nil
		} else {
			last = err
			e.logger.Warn("event publish failed",
				"eventType", event.EventType,
				"loanId", event.LoanID,
				"eventId", event.EventID,
				"attempt", attempt,
				"error", err.Error())
		}
		if attempt >= e.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			observability.LifecycleMetrics().RecordEvent(event.EventType, ctx.Err())
			return fmt.Errorf("events: publish %s for %s interrupted after %d attempts: %w",
				event.EventType, event.LoanID, attempt, ctx.Err())
		}
		backoff = nextBackoff(backoff, e.maxBackoff)
	}
	observability.LifecycleMetrics().RecordEvent(event.EventType, last)
	return fmt.Errorf("events: publish %s for %s exhausted %d attempts: %w",
		event.EventType, event.LoanID, e.maxAttempts, last)
}

// EmitRecorded publishes the event for an already-committed transition and
// appends the publish outcome to the loan's audit trail. The caller's
// cancellation is deliberately not honoured: the state change is durable, so
// abandoning the emission would orphan the transition. A failed publish is
// recorded as uncertain and returned, but callers generally proceed.
func (e *Emitter) EmitRecorded(ctx context.Context, store *storage.Store, event Event) error {
	detached := context.WithoutCancel(ctx)
	detail := event.EventType + " " + event.EventID
	emitErr := e.Emit(detached, event)
	kind := storage.AuditEventPublished
	if emitErr != nil {
		kind = storage.AuditEventUncertain
		e.logger.Error("event emission uncertain",
			"loanId", event.LoanID,
			"eventType", event.EventType,
			"eventId", event.EventID,
			"error", emitErr.Error())
	}
	if auditErr := store.AppendAudit(detached, event.LoanID, kind, detail); auditErr != nil {
		e.logger.Error("audit append failed", "loanId", event.LoanID, "error", auditErr.Error())
	}
	return emitErr
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
