package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryPublishRecordsMessages(t *testing.T) {
	m := NewMemory()
	msg := Message{Topic: "loan-events", Key: []byte("L1"), Value: []byte(`{"eventType":"application"}`)}
	if err := m.Publish(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := m.Published("loan-events")
	if len(got) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(got))
	}
	if string(got[0].Key) != "L1" {
		t.Fatalf("unexpected key: %q", got[0].Key)
	}
}

func TestMemoryFansOutToSubscribers(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		_ = m.Subscribe(ctx, "prices", func(_ context.Context, msg Message) {
			mu.Lock()
			seen = append(seen, string(msg.Value))
			mu.Unlock()
		})
		close(done)
	}()

	// Give the subscriber a beat to register before publishing.
	deadline := time.Now().Add(time.Second)
	for m.Subscribers("prices") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Publish(ctx, Message{Topic: "prices", Value: []byte("tick-1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Publish(ctx, Message{Topic: "prices", Value: []byte("tick-2")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(seen)
		mu.Unlock()
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 deliveries, saw %d", count)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not stop on cancellation")
	}
}

func TestMemoryRejectsAfterClose(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Publish(context.Background(), Message{Topic: "x"}); err == nil {
		t.Fatalf("expected error publishing to closed bus")
	}
}
