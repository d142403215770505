// Package events fans engine notifications out to UI-facing subscribers.
// Publishing never blocks the sync engine: slow subscribers lose their
// oldest undelivered events, and progress updates are coalesced so at most
// one is delivered per frame interval no matter how fast operations finish.
package events

import (
	"sync"
	"time"
)

// Type names an event kind on the wire.
type Type string

// Event types.
const (
	TypeConnectionChange Type = "connectionchange"
	TypeSyncComplete     Type = "synccomplete"
	TypeProgress         Type = "progress"
)

// DefaultFrameInterval is roughly one display frame at 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Event is one notification. Data is a ConnectionChange, a Progress, or the
// sync summary, depending on Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ConnectionChange is the payload of TypeConnectionChange.
type ConnectionChange struct {
	Online bool `json:"online"`
}

// Progress is the payload of TypeProgress.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Pending int    `json:"pending"`
	Current string `json:"current,omitempty"`
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	frame   time.Duration
	pending *Progress
	timer   *time.Timer
	closed  bool
	nowFunc func() time.Time
}

// NewBus creates a Bus that coalesces progress into frames of the given
// length. A non-positive frame uses DefaultFrameInterval.
func NewBus(frame time.Duration) *Bus {
	if frame <= 0 {
		frame = DefaultFrameInterval
	}

	return &Bus{
		subs:    make(map[int]chan Event),
		frame:   frame,
		nowFunc: time.Now,
	}
}

// Subscribe registers a subscriber with the given channel buffer (minimum 1)
// and returns the event channel and an unsubscribe function. The channel is
// closed on unsubscribe or when the bus closes.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers an event to every subscriber without blocking. Any
// coalesced progress still waiting for its frame is delivered first so
// subscribers observe events in order.
func (b *Bus) Publish(typ Type, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.flushLocked()
	b.deliverLocked(Event{Type: typ, Timestamp: b.nowFunc(), Data: data})
}

// PublishProgress records the latest progress. It is delivered at the next
// frame boundary; intermediate values within a frame are dropped.
func (b *Bus) PublishProgress(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.pending = &p

	if b.timer == nil {
		b.timer = time.AfterFunc(b.frame, b.flushFrame)
	}
}

// Close flushes pending progress, closes all subscriber channels, and
// rejects further publishing.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.flushLocked()
	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) flushFrame() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.flushLocked()
}

// flushLocked delivers coalesced progress, if any. Caller holds b.mu.
func (b *Bus) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	if b.pending == nil {
		return
	}

	p := *b.pending
	b.pending = nil
	b.deliverLocked(Event{Type: TypeProgress, Timestamp: b.nowFunc(), Data: p})
}

// deliverLocked sends e to every subscriber, evicting the oldest buffered
// event of a full subscriber. Caller holds b.mu.
func (b *Bus) deliverLocked(e Event) {
	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		select {
		case ch <- e:
		default:
		}
	}
}
