// Package bus is the in-process notification fabric. Pipeline job
// transitions and config changes are published here; the server bridges
// subscriptions to websocket clients.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// SubscriptionBufferSize is the buffer size for subscriber channels.
const SubscriptionBufferSize = 64

// Event type markers used by publishers.
const (
	TypeJobUpdate    = "job_update"
	TypeConfigChange = "config_change"
	TypeCaptureDone  = "capture_done"
)

// Event is a single notification. Payload is type-specific and must be
// JSON-serializable for the websocket bridge.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Subscription receives events on C. A slow subscriber drops events rather
// than stalling publishers; within one subscription, delivered events keep
// publish order.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Close unsubscribes and releases the channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. The caller must Close the
// subscription when done.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, SubscriptionBufferSize)}
	sub.C = sub.ch

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers the event to every subscriber whose channel has room.
// Full channels are skipped; the subscriber sees a gap, never a reorder.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events skipped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
