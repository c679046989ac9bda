package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/genflow/pkg/logging"
)

// Handler is a synchronous observer. It runs on the publishing goroutine,
// so it must not block for long.
type Handler func(Event)

type handlerEntry struct {
	id    uint64
	types map[Type]bool
	fn    Handler
}

// Subscription is a bounded channel subscriber. Events that do not fit are
// dropped and counted; channel subscribers are for advisory delivery only.
type Subscription struct {
	id     uint64
	types  map[Type]bool
	ch     chan Event
	bus    *Bus
	closed bool
}

// C returns the receive side of the subscription
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

// Bus fans events out to explicit subscribers
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []handlerEntry
	subs     map[uint64]*Subscription
	dropped  atomic.Int64
	logger   *logging.Logger
	now      func() time.Time
}

// NewBus creates an empty bus
func NewBus(logger *logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logging.OrDiscard(logger).WithField("component", "events"),
		now:    time.Now,
	}
}

func typeSet(types []Type) map[Type]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Handle registers a synchronous handler for the given types (all types if none).
// The returned func removes it.
func (b *Bus) Handle(fn Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, types: typeSet(types), fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers a bounded channel subscriber for the given types (all types if none).
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, types: typeSet(types), ch: make(chan Event, buffer), bus: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish delivers ev to every matching handler, then to every matching
// channel subscriber without blocking. A nil bus discards the event.
func (b *Bus) Publish(t Type, payload interface{}) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Timestamp: b.now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h.types == nil || h.types[t] {
			b.invoke(h.fn, ev)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[t] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber full, event dropped", logging.Fields{"type": string(t)})
		}
	}
}

func (b *Bus) invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", logging.Fields{"type": string(ev.Type), "panic": r})
		}
	}()
	fn(ev)
}

// Dropped returns how many channel deliveries were dropped
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
