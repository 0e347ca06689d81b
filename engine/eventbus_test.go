package engine

import (
	"sync"
	"testing"
)

func TestEventBusDelivery(t *testing.T) {
	t.Run("subscriber sees every emit in order", func(t *testing.T) {
		bus := NewEventBus()
		var got []Event

		bus.Subscribe(func(e Event) { got = append(got, e) })

		bus.Emit(Event{Type: EventServerCreated, Payload: ServerEvent{Name: "Line2"}})
		bus.Emit(Event{Type: EventTagWritten, Payload: TagEvent{ServerName: "Line2", TagName: "Setpoint"}})
		bus.Emit(Event{Type: EventKafkaConnected, Payload: ServiceEvent{Name: "cluster1"}})

		if len(got) != 3 {
			t.Fatalf("delivered %d events, want 3", len(got))
		}
		want := []EventType{EventServerCreated, EventTagWritten, EventKafkaConnected}
		for i, typ := range want {
			if got[i].Type != typ {
				t.Errorf("event %d: type = %d, want %d", i, got[i].Type, typ)
			}
		}
	})

	t.Run("timestamp is stamped on emit", func(t *testing.T) {
		bus := NewEventBus()
		var got Event
		bus.Subscribe(func(e Event) { got = e })

		bus.Emit(Event{Type: EventNamespaceChanged, Payload: SystemEvent{Detail: "plant-7"}})
		if got.Timestamp.IsZero() {
			t.Error("emitted event has zero timestamp")
		}
	})

	t.Run("every subscriber gets each event", func(t *testing.T) {
		bus := NewEventBus()
		var mu sync.Mutex
		hits := map[string]int{}

		for _, name := range []string{"tui", "api"} {
			name := name
			bus.Subscribe(func(e Event) {
				mu.Lock()
				hits[name]++
				mu.Unlock()
			})
		}

		bus.Emit(Event{Type: EventServerUpdated})

		mu.Lock()
		defer mu.Unlock()
		if hits["tui"] != 1 || hits["api"] != 1 {
			t.Errorf("hits = %v, want one each", hits)
		}
	})
}

func TestEventBusTypeFilter(t *testing.T) {
	bus := NewEventBus()
	var got []Event

	bus.SubscribeTypes(func(e Event) {
		got = append(got, e)
	}, EventServerCreated, EventServerDeleted)

	bus.Emit(Event{Type: EventServerCreated, Payload: ServerEvent{Name: "Line2"}})
	bus.Emit(Event{Type: EventMQTTStarted, Payload: ServiceEvent{Name: "broker1"}})
	bus.Emit(Event{Type: EventServerDeleted, Payload: ServerEvent{Name: "Line3"}})

	if len(got) != 2 {
		t.Fatalf("filter passed %d events, want 2", len(got))
	}
	if name := got[0].Payload.(ServerEvent).Name; name != "Line2" {
		t.Errorf("first event server = %q, want Line2", name)
	}
	if name := got[1].Payload.(ServerEvent).Name; name != "Line3" {
		t.Errorf("second event server = %q, want Line3", name)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	id := bus.Subscribe(func(e Event) { count++ })

	bus.Emit(Event{Type: EventServerCreated})
	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventServerCreated})

	if count != 1 {
		t.Errorf("subscriber ran %d times, want 1 (none after unsubscribe)", count)
	}

	// Unknown ids are ignored.
	bus.Unsubscribe(999)
}

func TestEventBusConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventTagWritten})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("delivered %d events, want 100", count)
	}
}
