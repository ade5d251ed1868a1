package peer

import (
	"testing"
	"time"

	"github.com/kontains/freenet-kore/internal/ring"
)

func id(b byte) ring.NodeID {
	var n ring.NodeID
	n[0] = b
	return n
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	p := id(0x01)
	r.Register(p, "127.0.0.1:1000", []byte("pub-a"))
	r.Register(p, "127.0.0.1:2000", []byte("pub-b"))

	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}
	e, ok := r.Get(p)
	if !ok {
		t.Fatal("entry missing")
	}
	if e.Addr != "127.0.0.1:2000" {
		t.Fatalf("addr not refreshed: %s", e.Addr)
	}
	if string(e.PubKey) != "pub-b" {
		t.Fatalf("key not refreshed: %s", e.PubKey)
	}
	if e.State != StateConnecting {
		t.Fatalf("re-register must not touch state, got %s", e.State)
	}
}

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to ConnState
		ok       bool
	}{
		{StateConnecting, StateOpen, true},
		{StateConnecting, StateClosing, true},
		{StateConnecting, StateStale, false},
		{StateOpen, StateStale, true},
		{StateOpen, StateClosing, true},
		{StateOpen, StateConnecting, false},
		{StateStale, StateOpen, true},
		{StateStale, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateOpen, false},
		{StateClosed, StateOpen, false},
		{StateClosed, StateConnecting, false},
	}
	for _, tc := range cases {
		if got := validTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestUpdateStateRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)
	p := id(0x02)
	r.Register(p, "", nil)

	if err := r.UpdateState(p, StateStale); err == nil {
		t.Fatal("Connecting -> Stale must be rejected")
	}
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatalf("Connecting -> Open: %v", err)
	}
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatalf("same-state update must be a no-op, got %v", err)
	}
	if err := r.UpdateState(p, StateClosed); err == nil {
		t.Fatal("Open -> Closed must go through Closing")
	}
}

func TestCloseAbruptFromAnyState(t *testing.T) {
	r := NewRegistry(nil)
	p := id(0x03)
	r.Register(p, "", nil)
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatal(err)
	}

	r.CloseAbrupt(p)
	e, _ := r.Get(p)
	if e.State != StateClosed {
		t.Fatalf("expected Closed, got %s", e.State)
	}
	if !e.Abrupt {
		t.Fatal("abrupt flag not set")
	}
}

func TestTopologySyncFollowsOpen(t *testing.T) {
	self := id(0xff)
	topo := ring.NewTopology(self)
	r := NewRegistry(topo)
	p := id(0x04)
	r.Register(p, "", nil)

	if topo.Contains(p) {
		t.Fatal("Connecting peer must not be a routing candidate")
	}
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatal(err)
	}
	if !topo.Contains(p) {
		t.Fatal("Open peer missing from candidate set")
	}
	if err := r.UpdateState(p, StateStale); err != nil {
		t.Fatal(err)
	}
	if topo.Contains(p) {
		t.Fatal("Stale peer must leave the candidate set")
	}
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatal(err)
	}
	if !topo.Contains(p) {
		t.Fatal("recovered peer must rejoin the candidate set")
	}

	r.CloseAbrupt(p)
	if topo.Contains(p) {
		t.Fatal("Closed peer must leave the candidate set")
	}
}

func TestMarkHeartbeatAndSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	a, b := id(0x0b), id(0x0a)
	r.Register(a, "", nil)
	r.Register(b, "", nil)

	at := time.Now()
	r.MarkHeartbeat(a, at)
	e, _ := r.Get(a)
	if !e.LastHeartbeat.Equal(at) {
		t.Fatalf("heartbeat time not recorded")
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].NodeID != b || snap[1].NodeID != a {
		t.Fatal("snapshot must be sorted by id")
	}
}

func TestRemove(t *testing.T) {
	topo := ring.NewTopology(id(0xff))
	r := NewRegistry(topo)
	p := id(0x05)
	r.Register(p, "", nil)
	if err := r.UpdateState(p, StateOpen); err != nil {
		t.Fatal(err)
	}

	r.Remove(p)
	if _, ok := r.Get(p); ok {
		t.Fatal("entry survived Remove")
	}
	if topo.Contains(p) {
		t.Fatal("removed peer still a routing candidate")
	}
	if r.State(p) != StateClosed {
		t.Fatal("unknown peers must read as Closed")
	}
}
