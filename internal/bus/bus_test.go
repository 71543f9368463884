package bus

import (
	"sync"
	"testing"
)

func TestBroadcastFanout(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := map[string]int{}

	b.Subscribe("a", func(ev Event) {
		mu.Lock()
		got["a"]++
		mu.Unlock()
	})
	b.Subscribe("b", func(ev Event) {
		mu.Lock()
		got["b"]++
		mu.Unlock()
	})

	b.Broadcast(Event{Name: EventStatus})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 1 || got["b"] != 1 {
		t.Errorf("fanout = %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe("a", func(ev Event) { calls++ })
	b.Broadcast(Event{Name: EventLog})
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: EventLog})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscribeReplacesByID(t *testing.T) {
	b := New()

	var first, second int
	b.Subscribe("a", func(ev Event) { first++ })
	b.Subscribe("a", func(ev Event) { second++ })
	b.Broadcast(Event{Name: EventLog})

	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want the replacement only", first, second)
	}
}

func TestLogEvent(t *testing.T) {
	b := New()

	var got Event
	b.Subscribe("a", func(ev Event) { got = ev })
	b.Log("warn", "something happened")

	if got.Name != EventLog {
		t.Fatalf("event name = %q", got.Name)
	}
	p, ok := got.Payload.(LogPayload)
	if !ok {
		t.Fatalf("payload type %T", got.Payload)
	}
	if p.Level != "warn" || p.Message != "something happened" || p.Time.IsZero() {
		t.Errorf("payload = %+v", p)
	}
}
