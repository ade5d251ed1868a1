package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kontains/freenet-kore/internal/contract"
	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/metrics"
	"github.com/kontains/freenet-kore/internal/node"
	"github.com/kontains/freenet-kore/internal/peer"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// newTestIdentity builds an identity with a real keypair but a crafted ring
// id, so tests control distances directly.
func newTestIdentity(t *testing.T, firstByte byte) *node.Identity {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatal(err)
	}
	var id ring.NodeID
	id[0] = firstByte
	return &node.Identity{ID: id, PubKey: pub, PrivKey: priv}
}

func key(firstByte byte) ring.NodeID {
	var k ring.NodeID
	k[0] = firstByte
	return k
}

// cluster is an in-memory multi-node harness. Messages are delivered
// asynchronously on fresh goroutines, mimicking the per-link receive loop.
type cluster struct {
	t *testing.T

	mu     sync.Mutex
	nodes  map[ring.NodeID]*testNode
	byAddr map[string]*testNode
	down   map[ring.NodeID]bool
}

type testNode struct {
	ident *node.Identity
	topo  *ring.Topology
	reg   *peer.Registry
	store *OpStore
	cache *contract.MemCache
	met   *metrics.Metrics
	eng   *Engine
	addr  string
}

type memTransport struct {
	c *cluster
	n *testNode
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:      t,
		nodes:  make(map[ring.NodeID]*testNode),
		byAddr: make(map[string]*testNode),
		down:   make(map[ring.NodeID]bool),
	}
}

func (c *cluster) addNode(firstByte byte) *testNode {
	ident := newTestIdentity(c.t, firstByte)
	topo := ring.NewTopology(ident.ID)
	n := &testNode{
		ident: ident,
		topo:  topo,
		reg:   peer.NewRegistry(topo),
		store: NewOpStore(),
		cache: contract.NewMemCache(contract.Options{}),
		met:   metrics.New(),
		addr:  fmt.Sprintf("mem://%02x", firstByte),
	}
	n.eng = NewEngine(ident, n.reg, topo, n.store, n.cache, &memTransport{c: c, n: n}, n.met)

	c.mu.Lock()
	c.nodes[ident.ID] = n
	c.byAddr[n.addr] = n
	c.mu.Unlock()
	return n
}

// link opens a bidirectional connection between two nodes.
func (c *cluster) link(a, b *testNode) {
	c.openTo(a, b)
	c.openTo(b, a)
}

func (c *cluster) openTo(from, to *testNode) {
	from.reg.Register(to.ident.ID, to.addr, to.ident.PubKey)
	_ = from.reg.UpdateState(to.ident.ID, peer.StateOpen)
}

func (c *cluster) setDown(n *testNode, down bool) {
	c.mu.Lock()
	c.down[n.ident.ID] = down
	c.mu.Unlock()
}

func (tr *memTransport) ListenAddr() string { return tr.n.addr }

func (tr *memTransport) Send(to ring.NodeID, env proto.Envelope) error {
	tr.c.mu.Lock()
	dst, ok := tr.c.nodes[to]
	unreachable := !ok || tr.c.down[to] || tr.c.down[tr.n.ident.ID]
	tr.c.mu.Unlock()
	if unreachable {
		return kerr.ErrUnreachable
	}
	from := tr.n.ident.ID
	go dst.eng.HandleEnvelope(from, env)
	return nil
}

func (tr *memTransport) Connect(_ context.Context, want ring.NodeID, addr string) (ring.NodeID, error) {
	tr.c.mu.Lock()
	dst, ok := tr.c.byAddr[addr]
	unreachable := !ok || tr.c.down[dst.ident.ID]
	tr.c.mu.Unlock()
	if unreachable {
		return ring.NodeID{}, kerr.ErrUnreachable
	}
	if !want.IsZero() && want != dst.ident.ID {
		return ring.NodeID{}, kerr.ErrHandshakeFailed
	}
	tr.c.link(tr.n, dst)
	return dst.ident.ID, nil
}

func waitResult(t *testing.T, p *Pending) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("operation did not complete: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinAcceptedDirectly(t *testing.T) {
	c := newCluster(t)
	gateway := c.addNode(0x20)
	joiner := c.addNode(0x10)

	p, err := joiner.eng.Join(context.Background(), gateway.addr)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("join failed: %v", res.Err)
	}
	if res.Peer != gateway.ident.ID {
		t.Fatalf("accepted by %s, want gateway", res.Peer.Short())
	}
	if !joiner.topo.Contains(gateway.ident.ID) {
		t.Fatal("gateway missing from joiner's candidate set")
	}
}

func TestJoinForwardedToCloserPeer(t *testing.T) {
	t.Setenv("KORE_JOIN_CAPACITY", "2")
	c := newCluster(t)
	gateway := c.addNode(0xf0)
	near := c.addNode(0x11)
	joiner := c.addNode(0x10)
	c.link(gateway, near)

	// The gateway holds two open connections once the joiner dials in, so
	// it forwards toward the joiner's id instead of accepting.
	p, err := joiner.eng.Join(context.Background(), gateway.addr)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("join failed: %v", res.Err)
	}
	if res.Peer != near.ident.ID {
		t.Fatalf("accepted by %s, want the peer closest to the joiner", res.Peer.Short())
	}
	waitFor(t, "joiner to dial its accepting peer", func() bool {
		return joiner.topo.Contains(near.ident.ID)
	})
	if fwd := gateway.met.Snapshot().Tx.Forwarded; fwd != 1 {
		t.Fatalf("gateway forwarded %d transactions, want 1", fwd)
	}
}

func TestPutThenGetAcrossNodes(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0x30)
	b := c.addNode(0x31)
	c.link(a, b)

	k := key(0x31)
	val := []byte("answer: 42")

	p, err := a.eng.Put(k, val)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("put failed: %v", res.Err)
	}
	if res.Peer != b.ident.ID {
		t.Fatalf("ack from %s, want %s", res.Peer.Short(), b.ident.ID.Short())
	}
	if got, ok := b.cache.ResolveLocally(k); !ok || string(got) != string(val) {
		t.Fatalf("value missing at the replica: %q ok=%v", got, ok)
	}

	// A third node routes its read through a and is served from a's cache.
	reader := c.addNode(0x32)
	c.link(reader, a)
	p, err = reader.eng.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	res = waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("get failed: %v", res.Err)
	}
	if string(res.State) != string(val) {
		t.Fatalf("got %q want %q", res.State, val)
	}
	if _, ok := reader.cache.ResolveLocally(k); !ok {
		t.Fatal("state must be cached along the return path")
	}
}

func TestGetLocalHitShortCircuits(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0x40)
	k := key(0x41)
	if _, err := a.cache.Apply(k, []byte("local")); err != nil {
		t.Fatal(err)
	}

	p, err := a.eng.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil || string(res.State) != "local" {
		t.Fatalf("res=%+v", res)
	}
	if res.Peer != a.ident.ID {
		t.Fatal("local hits resolve at the node itself")
	}
	if a.store.Len() != 0 {
		t.Fatal("local hit must not leave a transaction behind")
	}
}

func TestGetWithoutPeersFailsFast(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0x50)

	p, err := a.eng.Get(key(0x51))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if !errors.Is(res.Err, kerr.ErrNoCandidatePeers) {
		t.Fatalf("got %v", res.Err)
	}
}

func TestGetUnknownKeyNacksBack(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0x52)
	b := c.addNode(0x53)
	c.link(a, b)

	p, err := b.eng.Get(key(0x77))
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if !errors.Is(res.Err, kerr.ErrNoCandidatePeers) {
		t.Fatalf("got %v", res.Err)
	}
}

func TestNackRotatesToNextCandidate(t *testing.T) {
	c := newCluster(t)
	origin := c.addNode(0x60)
	empty := c.addNode(0x71)
	holder := c.addNode(0x72)
	c.link(origin, empty)
	c.link(origin, holder)

	k := key(0x70)
	val := []byte("v")
	if _, err := holder.cache.Apply(k, val); err != nil {
		t.Fatal(err)
	}

	// The empty node is closest to the key and nacks; the origin must then
	// try the next candidate, which holds the value.
	p, err := origin.eng.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("get failed: %v", res.Err)
	}
	if string(res.State) != string(val) {
		t.Fatalf("got %q", res.State)
	}
	if res.Peer != holder.ident.ID {
		t.Fatalf("served by %s, want the holder", res.Peer.Short())
	}
}

func TestPutQuorumWaitsForSecondAck(t *testing.T) {
	t.Setenv("KORE_PUT_ACKS", "2")
	c := newCluster(t)
	a := c.addNode(0x60)
	b := c.addNode(0x61)
	deep := c.addNode(0x62)
	c.link(a, b)
	c.link(b, deep)

	k := key(0x62)
	val := []byte("replicated")
	p, err := a.eng.Put(k, val)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("put failed: %v", res.Err)
	}
	if got, ok := deep.cache.ResolveLocally(k); !ok || string(got) != string(val) {
		t.Fatal("value must reach the deep replica before the quorum completes")
	}
}

func TestRetryExhaustionFailsTransaction(t *testing.T) {
	t.Setenv("KORE_MAX_RETRIES", "2")
	t.Setenv("KORE_TX_DEADLINE_MS", "3600000")
	c := newCluster(t)
	a := c.addNode(0x80)
	b := c.addNode(0x81)
	c.link(a, b)
	c.setDown(b, true)

	p, err := a.eng.Get(key(0x81))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 1; i <= 3; i++ {
		a.eng.sweepOnce(now.Add(time.Duration(i) * time.Minute))
	}
	res := waitResult(t, p)
	if !errors.Is(res.Err, kerr.ErrTimeout) {
		t.Fatalf("got %v", res.Err)
	}
	snap := a.met.Snapshot()
	if snap.Tx.Retries != 2 {
		t.Fatalf("retries=%d want 2", snap.Tx.Retries)
	}
	if snap.Tx.Failed != 1 {
		t.Fatalf("failed=%d want 1", snap.Tx.Failed)
	}
	if a.store.Len() != 0 {
		t.Fatal("failed transaction must leave the store")
	}
}

func TestDeadlineSweepTimesOut(t *testing.T) {
	t.Setenv("KORE_TX_DEADLINE_MS", "50")
	c := newCluster(t)
	a := c.addNode(0x82)
	b := c.addNode(0x83)
	c.link(a, b)
	c.setDown(b, true)

	p, err := a.eng.Get(key(0x83))
	if err != nil {
		t.Fatal(err)
	}
	a.eng.sweepOnce(time.Now().Add(time.Second))

	res := waitResult(t, p)
	if !errors.Is(res.Err, kerr.ErrTimeout) {
		t.Fatalf("got %v", res.Err)
	}
	if a.met.Snapshot().Tx.TimedOut != 1 {
		t.Fatal("timeout not counted")
	}
}

func TestCancelDiscardsLateReply(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0x90)
	b := c.addNode(0x91)
	c.link(a, b)
	c.setDown(b, true)

	k := key(0x91)
	p, err := a.eng.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	p.Cancel()
	a.eng.sweepOnce(time.Now())
	if a.store.Len() != 0 {
		t.Fatal("cancelled transaction must be swept")
	}

	// A reply for the abandoned id arrives afterwards.
	late, err := b.eng.signedEnvelope(proto.MsgTypeGetResponse, p.ID, 0, 0, proto.GetResponseBody{
		Key:   k.String(),
		State: []byte("too late"),
	})
	if err != nil {
		t.Fatal(err)
	}
	a.eng.HandleEnvelope(b.ident.ID, late)

	if a.met.Snapshot().Drop.LateReply == 0 {
		t.Fatal("late reply must be counted as dropped")
	}
	select {
	case res := <-p.Done():
		t.Fatalf("cancelled operation delivered %+v", res)
	default:
	}
	if a.met.Snapshot().Tx.Cancelled != 1 {
		t.Fatal("cancellation not counted")
	}
}

func TestReplyForUnknownTransactionDropped(t *testing.T) {
	c := newCluster(t)
	a := c.addNode(0xa0)
	b := c.addNode(0xa1)
	c.link(a, b)

	// A reply for an id this node never issued or forwarded.
	env, err := b.eng.signedEnvelope(proto.MsgTypeGetResponse, b.eng.nextTxID(), 0, 0, proto.GetResponseBody{
		Key:   key(0xa1).String(),
		State: []byte("stray"),
	})
	if err != nil {
		t.Fatal(err)
	}
	a.eng.HandleEnvelope(b.ident.ID, env)

	snap := a.met.Snapshot()
	if snap.Drop.UnknownTx != 1 {
		t.Fatalf("unknown_tx=%d want 1", snap.Drop.UnknownTx)
	}
	if snap.Drop.LateReply != 0 {
		t.Fatalf("stray reply miscounted as late: late_reply=%d", snap.Drop.LateReply)
	}
}

func TestSubscribeNotifiesOnPut(t *testing.T) {
	c := newCluster(t)
	hub := c.addNode(0x41)
	sub := c.addNode(0x40)
	writer := c.addNode(0x42)
	c.link(sub, hub)
	c.link(writer, hub)

	k := key(0x41)
	p, err := sub.eng.Subscribe(k)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, p)
	if res.Err != nil {
		t.Fatalf("subscribe failed: %v", res.Err)
	}
	waitFor(t, "interest record at the hub", func() bool {
		hub.eng.subMu.Lock()
		defer hub.eng.subMu.Unlock()
		_, ok := hub.eng.interests[k][sub.ident.ID]
		return ok
	})

	val := []byte("update")
	p, err = writer.eng.Put(k, val)
	if err != nil {
		t.Fatal(err)
	}
	if res := waitResult(t, p); res.Err != nil {
		t.Fatalf("put failed: %v", res.Err)
	}
	waitFor(t, "update to reach the subscriber", func() bool {
		got, ok := sub.cache.ResolveLocally(k)
		return ok && string(got) == string(val)
	})
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	c := newCluster(t)
	hub := c.addNode(0x41)
	sub := c.addNode(0x40)
	c.link(sub, hub)

	k := key(0x41)
	p, err := sub.eng.Subscribe(k)
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, p)
	waitFor(t, "interest record", func() bool {
		hub.eng.subMu.Lock()
		defer hub.eng.subMu.Unlock()
		return len(hub.eng.interests[k]) == 1
	})

	p, err = sub.eng.Unsubscribe(k)
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, p)
	waitFor(t, "interest withdrawal", func() bool {
		hub.eng.subMu.Lock()
		defer hub.eng.subMu.Unlock()
		return len(hub.eng.interests[k]) == 0
	})
}

func TestPeerClosedPrunesInterests(t *testing.T) {
	c := newCluster(t)
	hub := c.addNode(0x41)
	sub := c.addNode(0x40)
	c.link(sub, hub)

	k := key(0x41)
	p, err := sub.eng.Subscribe(k)
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, p)
	waitFor(t, "interest record", func() bool {
		hub.eng.subMu.Lock()
		defer hub.eng.subMu.Unlock()
		return len(hub.eng.interests[k]) == 1
	})

	hub.eng.PeerClosed(sub.ident.ID)
	hub.eng.subMu.Lock()
	remaining := len(hub.eng.interests)
	hub.eng.subMu.Unlock()
	if remaining != 0 {
		t.Fatal("departed peer's interests must be pruned")
	}
}

func TestDuplicateRequestIgnored(t *testing.T) {
	t.Setenv("KORE_JOIN_CAPACITY", "2")
	c := newCluster(t)
	gateway := c.addNode(0xf0)
	near := c.addNode(0x11)
	joiner := c.addNode(0x10)
	c.link(gateway, near)

	p, err := joiner.eng.Join(context.Background(), gateway.addr)
	if err != nil {
		t.Fatal(err)
	}
	waitResult(t, p)

	// A re-sent copy of the same join request must not spawn a second
	// relay transaction at the gateway.
	waitFor(t, "gateway relay cleanup", func() bool { return gateway.store.Len() == 0 })
	env, err := joiner.eng.signedEnvelope(proto.MsgTypeJoinRequest, p.ID, 0, maxHops(), proto.JoinRequestBody{
		TargetID: joiner.ident.ID.String(),
		Visited:  []string{joiner.ident.ID.String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	gateway.eng.HandleEnvelope(joiner.ident.ID, env)
	if gateway.store.Len() != 0 {
		t.Fatal("retired transaction id must not be resurrected")
	}
}
