package coordinator

import (
	"testing"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

func TestChannelConnectionOverflowCloses(t *testing.T) {
	conn := NewChannelConnection("c1", race.Identity{UserID: "a"}, 2)

	if !conn.Send(race.QueuedEvent{QueueSize: 1}) || !conn.Send(race.QueuedEvent{QueueSize: 2}) {
		t.Fatal("Send() failed with free buffer")
	}
	if conn.Send(race.QueuedEvent{QueueSize: 3}) {
		t.Fatal("Send() succeeded on a full buffer")
	}
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not closed after overflow")
	}

	// Events queued before the overflow are still readable, in order.
	first := (<-conn.Events()).(race.QueuedEvent)
	second := (<-conn.Events()).(race.QueuedEvent)
	if first.QueueSize != 1 || second.QueueSize != 2 {
		t.Errorf("got %d, %d; want 1, 2", first.QueueSize, second.QueueSize)
	}
	if conn.Send(race.QueuedEvent{}) {
		t.Error("Send() after close succeeded")
	}
}

func TestRegistryOneConnectionPerUser(t *testing.T) {
	r := NewConnectionRegistry()
	c1 := NewChannelConnection("c1", race.Identity{UserID: "a"}, 1)
	c2 := NewChannelConnection("c2", race.Identity{UserID: "a"}, 1)

	if prev := r.Register(c1); prev != nil {
		t.Errorf("first Register() returned %v", prev.ID())
	}
	prev := r.Register(c2)
	if prev == nil || prev.ID() != "c1" {
		t.Fatalf("Register() superseded = %v, want c1", prev)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if r.Unregister("a", "c1") {
		t.Error("Unregister() with stale id succeeded")
	}
	if !r.Unregister("a", "c2") {
		t.Error("Unregister() with current id failed")
	}
	if _, ok := r.Get("a"); ok {
		t.Error("Get() found an unregistered user")
	}
}

func TestDispatcherSkipsOfflineUsers(t *testing.T) {
	r := NewConnectionRegistry()
	conn := NewChannelConnection("c1", race.Identity{UserID: "a"}, 4)
	r.Register(conn)
	d := NewDispatcher(r, nil)

	d.ToRoster([]race.UserID{"a", "ghost"}, []race.Event{
		race.CountdownEvent{Value: 3},
		race.CountdownEvent{Value: 2},
	})
	got := drain(conn)
	if len(got) != 2 {
		t.Fatalf("a received %d events, want 2", len(got))
	}
	if got[0].(race.CountdownEvent).Value != 3 || got[1].(race.CountdownEvent).Value != 2 {
		t.Errorf("events out of order: %+v", got)
	}
}
