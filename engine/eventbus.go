package engine

import (
	"sync"
	"time"
)

// EventHandler receives events from the bus. Handlers run synchronously
// on the emitting goroutine; long work belongs in the handler's own
// goroutine.
type EventHandler func(Event)

type subscription struct {
	handler EventHandler
	types   map[EventType]bool // nil means all types
}

// EventBus fans Engine events out to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription)}
}

// Subscribe registers a handler for all event types. The returned ID
// cancels the subscription via Unsubscribe.
func (b *EventBus) Subscribe(h EventHandler) int {
	return b.subscribe(h, nil)
}

// SubscribeTypes registers a handler for the listed event types only.
func (b *EventBus) SubscribeTypes(h EventHandler, types ...EventType) int {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(h, filter)
}

func (b *EventBus) subscribe(h EventHandler, types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{handler: h, types: types}
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers an event to every matching subscriber. A zero
// timestamp is filled in with the current time.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[e.Type] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
