// Package peer keeps the authoritative record of known peers and their
// connection state. The registry is mutated only by the connection manager;
// the ring topology and the operation engine read it.
package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kontains/freenet-kore/internal/ring"
)

// ConnState is the per-connection lifecycle state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateStale
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStale:
		return "stale"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Entry is one known peer. LastHeartbeat is the receive time of the most
// recent HeartbeatAck; Abrupt records a transport failure that skipped the
// Closing state.
type Entry struct {
	NodeID        ring.NodeID
	Addr          string
	PubKey        []byte
	State         ConnState
	LastHeartbeat time.Time
	Abrupt        bool
}

// Registry maps node ids to entries and keeps the ring topology's candidate
// set consistent with connection state. Reads share the lock; mutations are
// serialized.
type Registry struct {
	mu    sync.RWMutex
	peers map[ring.NodeID]*Entry
	topo  *ring.Topology
}

func NewRegistry(topo *ring.Topology) *Registry {
	return &Registry{
		peers: make(map[ring.NodeID]*Entry),
		topo:  topo,
	}
}

// Register adds a peer in Connecting state. Re-registering an existing peer
// refreshes its address and key without duplicating the entry or touching
// its connection state.
func (r *Registry) Register(id ring.NodeID, addr string, pub []byte) {
	if id.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		if addr != "" {
			e.Addr = addr
		}
		if len(pub) > 0 {
			e.PubKey = pub
		}
		return
	}
	r.peers[id] = &Entry{NodeID: id, Addr: addr, PubKey: pub, State: StateConnecting}
}

// validTransition encodes the monotonic state machine
// Connecting -> Open <-> Stale -> Closing -> Closed. Abrupt jumps to Closed
// go through CloseAbrupt instead.
func validTransition(from, to ConnState) bool {
	switch from {
	case StateConnecting:
		return to == StateOpen || to == StateClosing
	case StateOpen:
		return to == StateStale || to == StateClosing
	case StateStale:
		return to == StateOpen || to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// UpdateState applies a state transition, rejecting any move the state
// machine does not allow. Reaching or leaving Open updates the topology
// candidate set.
func (r *Registry) UpdateState(id ring.NodeID, to ConnState) error {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("update state: unknown peer %s", id.Short())
	}
	from := e.State
	if from == to {
		r.mu.Unlock()
		return nil
	}
	if !validTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("update state: invalid transition %s -> %s", from, to)
	}
	e.State = to
	r.mu.Unlock()

	r.syncTopology(id, from, to)
	return nil
}

// CloseAbrupt forces a connection to Closed from any non-terminal state,
// recording the abrupt-failure flag.
func (r *Registry) CloseAbrupt(id ring.NodeID) {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok || e.State == StateClosed {
		r.mu.Unlock()
		return
	}
	from := e.State
	e.State = StateClosed
	e.Abrupt = true
	r.mu.Unlock()

	r.syncTopology(id, from, StateClosed)
}

func (r *Registry) syncTopology(id ring.NodeID, from, to ConnState) {
	if r.topo == nil {
		return
	}
	if to == StateOpen {
		r.topo.PeerJoined(id)
	} else if from == StateOpen {
		r.topo.PeerLeft(id)
	}
}

// MarkHeartbeat records receipt of a HeartbeatAck.
func (r *Registry) MarkHeartbeat(id ring.NodeID, at time.Time) {
	r.mu.Lock()
	if e, ok := r.peers[id]; ok {
		e.LastHeartbeat = at
	}
	r.mu.Unlock()
}

// Remove deletes a peer permanently. Concurrent operations holding the id
// will see subsequent sends fail as unreachable.
func (r *Registry) Remove(id ring.NodeID) {
	r.mu.Lock()
	e, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if ok && r.topo != nil && e.State == StateOpen {
		r.topo.PeerLeft(id)
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id ring.NodeID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// State returns the connection state for id, Closed if unknown.
func (r *Registry) State(id ring.NodeID) ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[id]; ok {
		return e.State
	}
	return StateClosed
}

// Snapshot returns all entries ordered by node id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID.String() < out[j].NodeID.String()
	})
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
