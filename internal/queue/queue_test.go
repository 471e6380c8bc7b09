package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	sent := Event{CheckInID: 1, MemberID: 2, SessionID: 3, GroupID: 4, Method: "token", At: time.Now().UTC()}
	if err := q.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-events:
		if got.CheckInID != sent.CheckInID || got.Method != sent.Method {
			t.Fatalf("got %+v, want %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected channel to close without events")
		}
	case <-time.After(time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Event{CheckInID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Buffer is full and nobody is consuming.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := q.Publish(short, Event{CheckInID: 2}); err == nil {
		t.Fatal("expected publish to fail once the buffer is full")
	}
}
