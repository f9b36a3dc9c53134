package bus

import "testing"

func TestBroadcast(t *testing.T) {
	b := New()
	var a, c []Event
	b.Subscribe("a", func(e Event) { a = append(a, e) })
	b.Subscribe("c", func(e Event) { c = append(c, e) })

	b.Broadcast(Event{Name: "session.state", Display: ":1", Payload: "ready"})
	b.Unsubscribe("c")
	b.Broadcast(Event{Name: "session.state", Display: ":1", Payload: "stopping"})

	if len(a) != 2 || len(c) != 1 {
		t.Fatalf("a got %d events, c got %d", len(a), len(c))
	}
	if c[0].Payload != "ready" {
		t.Errorf("payload = %v", c[0].Payload)
	}
	if b.Subscribers() != 1 {
		t.Errorf("subscribers = %d", b.Subscribers())
	}
}

func TestSubscribeReplaces(t *testing.T) {
	b := New()
	n := 0
	b.Subscribe("x", func(Event) { n += 1 })
	b.Subscribe("x", func(Event) { n += 10 })
	b.Broadcast(Event{Name: "shutdown"})
	if n != 10 {
		t.Errorf("n = %d, want only the replacement handler to run", n)
	}
}
