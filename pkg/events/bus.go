package events

import (
	"log/slog"
	"sync"
	"time"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Bus is an in-process fan-out publisher. Publish never blocks: slow
// subscribers drop events rather than stalling the runtime, so consumers
// needing a complete record read from storage instead.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all types
}

// Subscription is a live feed of events. Close it when done.
type Subscription struct {
	bus *Bus
	id  int
	ch  chan Event
}

// Events returns the receive channel. It is closed when the subscription
// or the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. With no types given, every event is
// delivered; otherwise only the listed types.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, defaultBuffer), types: filter}
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps and fans out the event. Events to subscribers with full
// buffers are dropped with a warning.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[evt.Type] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("Event subscriber buffer full, dropping event",
				"type", evt.Type, "task_id", evt.TaskID)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
