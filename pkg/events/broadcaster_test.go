package events

import (
	"testing"
	"time"
)

func TestAsyncBroadcasterDelivers(t *testing.T) {
	b := NewAsyncBroadcaster(16)
	defer b.Close()

	sub := b.Subscribe(4)
	b.Emit(CallStarted, map[string]any{"call_id": "call-1"})

	select {
	case ev := <-sub:
		if ev.Name != CallStarted {
			t.Fatalf("expected %s, got %s", CallStarted, ev.Name)
		}
		if ev.Payload["call_id"] != "call-1" {
			t.Fatalf("expected call id payload, got %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}
}

func TestAsyncBroadcasterNeverBlocks(t *testing.T) {
	b := NewAsyncBroadcaster(1)
	defer b.Close()

	// No subscriber draining; emits must return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(BatchProgress, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked")
	}
}

func TestEmitAfterCloseIsSafe(t *testing.T) {
	b := NewAsyncBroadcaster(4)
	b.Close()
	b.Emit(CallEnded, nil)
}
