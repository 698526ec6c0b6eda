// ABOUTME: Tests for the typed event bus
// ABOUTME: Covers delivery, non-blocking publish and unsubscribe
package events

import (
	"testing"
	"time"
)

func TestPublishDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(QueueUpdated{QueueID: "q1", Version: 3})

	select {
	case ev := <-ch:
		qu, ok := ev.(QueueUpdated)
		if !ok {
			t.Fatalf("expected QueueUpdated, got %T", ev)
		}
		if qu.QueueID != "q1" || qu.Version != 3 {
			t.Errorf("unexpected event payload: %+v", qu)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish overflows the buffer; it must drop, not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(QueueUpdated{QueueID: "q1", Version: 1})
		bus.Publish(QueueUpdated{QueueID: "q1", Version: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(GroupChanged{GroupID: "g1"})
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel from closed bus")
	}
}
