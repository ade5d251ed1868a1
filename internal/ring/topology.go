package ring

import (
	"sort"
	"sync"
)

// Topology tracks the peers currently eligible as routing candidates and
// answers nearest-peer queries. Membership follows connection state: a peer
// is a candidate only while its connection is Open, and it drops out the
// instant the connection leaves Open. Reads take a shared lock so concurrent
// operations never block each other; structural changes are serialized.
type Topology struct {
	self NodeID

	mu   sync.RWMutex
	open map[NodeID]struct{}
}

func NewTopology(self NodeID) *Topology {
	return &Topology{
		self: self,
		open: make(map[NodeID]struct{}),
	}
}

func (t *Topology) Self() NodeID {
	return t.self
}

// PeerJoined adds a peer to the candidate set.
func (t *Topology) PeerJoined(id NodeID) {
	if id.IsZero() || id == t.self {
		return
	}
	t.mu.Lock()
	t.open[id] = struct{}{}
	t.mu.Unlock()
}

// PeerLeft removes a peer from the candidate set.
func (t *Topology) PeerLeft(id NodeID) {
	t.mu.Lock()
	delete(t.open, id)
	t.mu.Unlock()
}

// Contains reports whether id is currently a routing candidate.
func (t *Topology) Contains(id NodeID) bool {
	t.mu.RLock()
	_, ok := t.open[id]
	t.mu.RUnlock()
	return ok
}

// Len returns the candidate count.
func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// ClosestPeers returns up to k candidates sorted by ascending distance to
// target, skipping every id in exclude. The exclude set carries the
// visited-hop history of an operation, which is what guarantees greedy
// routing terminates even on a lagging topology view.
func (t *Topology) ClosestPeers(target NodeID, k int, exclude map[NodeID]struct{}) []NodeID {
	if k <= 0 {
		return nil
	}
	t.mu.RLock()
	out := make([]NodeID, 0, len(t.open))
	for id := range t.open {
		if _, skip := exclude[id]; skip {
			continue
		}
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		di := Distance(out[i], target)
		dj := Distance(out[j], target)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return out[i].String() < out[j].String()
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// CloserThanSelf returns the nearest candidate strictly closer to target
// than this node, or false if no such candidate exists.
func (t *Topology) CloserThanSelf(target NodeID, exclude map[NodeID]struct{}) (NodeID, bool) {
	for _, id := range t.ClosestPeers(target, 1, exclude) {
		if Closer(target, id, t.self) {
			return id, true
		}
	}
	return NodeID{}, false
}
