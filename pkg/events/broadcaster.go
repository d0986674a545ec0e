package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known progress event names.
const (
	CallStarted      = "call_started"
	CallEnded        = "call_ended"
	CallError        = "error"
	Transcript       = "transcript"
	IVRAction        = "ivr_action"
	ProviderSwitched = "provider_switched"
	BatchProgress    = "batch_progress"
	BatchCompleted   = "batch_completed"
)

// ProgressEvent is one published notification. The core only writes these;
// it never reads anything back from the broadcast side.
type ProgressEvent struct {
	Name    string
	At      time.Time
	Payload map[string]any
}

// Broadcaster is the publish-only progress surface.
type Broadcaster interface {
	Emit(name string, payload map[string]any)
}

// NoopBroadcaster discards all events.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Emit(string, map[string]any) {}

// AsyncBroadcaster fans events out to subscribers from a single drain
// goroutine. Emit never blocks; events beyond the buffer are dropped and
// counted.
type AsyncBroadcaster struct {
	ch      chan ProgressEvent
	dropped int64
	closed  atomic.Bool
	once    sync.Once

	mu   sync.Mutex
	subs []chan ProgressEvent
}

func NewAsyncBroadcaster(buffer int) *AsyncBroadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	b := &AsyncBroadcaster{ch: make(chan ProgressEvent, buffer)}
	go b.loop()
	return b
}

func (b *AsyncBroadcaster) Emit(name string, payload map[string]any) {
	if b == nil || b.closed.Load() {
		return
	}
	select {
	case b.ch <- ProgressEvent{Name: name, At: time.Now(), Payload: payload}:
	default:
		atomic.AddInt64(&b.dropped, 1)
	}
}

// Subscribe returns a channel receiving every event published after the
// call. Slow subscribers lose events rather than stalling the publisher.
func (b *AsyncBroadcaster) Subscribe(buffer int) <-chan ProgressEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ProgressEvent, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *AsyncBroadcaster) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

func (b *AsyncBroadcaster) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.ch)
	})
}

func (b *AsyncBroadcaster) loop() {
	for ev := range b.ch {
		b.mu.Lock()
		subs := append([]chan ProgressEvent(nil), b.subs...)
		b.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- ev:
			default:
				atomic.AddInt64(&b.dropped, 1)
			}
		}
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
	b.mu.Unlock()
}
