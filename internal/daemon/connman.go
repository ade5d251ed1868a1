package daemon

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/metrics"
	"github.com/kontains/freenet-kore/internal/network"
	"github.com/kontains/freenet-kore/internal/node"
	"github.com/kontains/freenet-kore/internal/peer"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// dialLink is swappable in tests.
var dialLink = network.Dial

const backoffShiftCap = 6

// peerLink is the slice of a network link the per-peer send and teardown
// paths need; tests substitute their own.
type peerLink interface {
	Enqueue(payload []byte) error
	Close()
}

// linkState pairs a live link with its session keys and heartbeat
// bookkeeping. missed counts consecutive unacknowledged heartbeats.
type linkState struct {
	link      peerLink
	sess      *session
	missed    int
	pendingHB bool
}

// connMan owns every peer connection: dialing with backoff, the identity
// handshake, the sealed send path, inbound frame verification and the
// heartbeat liveness loop. It is the transport the Engine routes through.
type connMan struct {
	self   *node.Identity
	reg    *peer.Registry
	met    *metrics.Metrics
	engine *Engine

	mu         sync.Mutex
	links      map[ring.NodeID]*linkState
	failCount  map[ring.NodeID]int
	nextTry    map[ring.NodeID]time.Time
	listenAddr string

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newConnMan(self *node.Identity, reg *peer.Registry, met *metrics.Metrics) *connMan {
	return &connMan{
		self:      self,
		reg:       reg,
		met:       met,
		links:     make(map[ring.NodeID]*linkState),
		failCount: make(map[ring.NodeID]int),
		nextTry:   make(map[ring.NodeID]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// bind closes the construction cycle: the engine routes through the
// connMan, the connMan delivers inbound envelopes to the engine.
func (c *connMan) bind(e *Engine) {
	c.engine = e
}

func (c *connMan) setListenAddr(addr string) {
	c.mu.Lock()
	c.listenAddr = addr
	c.mu.Unlock()
}

func (c *connMan) ListenAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenAddr
}

// nextBackoff doubles per consecutive failure up to a cap, with jitter so
// a cohort of nodes does not redial in lockstep.
func (c *connMan) nextBackoff(fails int) time.Duration {
	shift := fails
	if shift > backoffShiftCap {
		shift = backoffShiftCap
	}
	d := retryBase() << shift
	if max := retryCap(); d > max {
		d = max
	}
	c.rngMu.Lock()
	j := time.Duration(c.rng.Int63n(int64(backoffJitter)))
	c.rngMu.Unlock()
	return d + j
}

func (c *connMan) markSuccess(id ring.NodeID) {
	c.mu.Lock()
	delete(c.failCount, id)
	delete(c.nextTry, id)
	c.mu.Unlock()
}

func (c *connMan) markFailure(id ring.NodeID) {
	if id.IsZero() {
		return
	}
	c.mu.Lock()
	c.failCount[id]++
	c.nextTry[id] = time.Now().Add(c.nextBackoff(c.failCount[id] - 1))
	c.mu.Unlock()
}

// Connect dials addr and runs the identity handshake. want may be zero when
// the remote identity is unknown (a gateway address from configuration); the
// verified identity that answers is pinned and returned.
func (c *connMan) Connect(ctx context.Context, want ring.NodeID, addr string) (ring.NodeID, error) {
	if !want.IsZero() {
		c.mu.Lock()
		_, connected := c.links[want]
		wait, backingOff := c.nextTry[want]
		c.mu.Unlock()
		if connected {
			return want, nil
		}
		if backingOff && time.Now().Before(wait) {
			return ring.NodeID{}, fmt.Errorf("dial %s: in backoff: %w", addr, kerr.ErrUnreachable)
		}
	}

	c.met.IncDialAttempts()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout())
		defer cancel()
	}
	link, err := dialLink(ctx, addr, mailboxCap())
	if err != nil {
		c.met.IncDialFailures()
		c.markFailure(want)
		return ring.NodeID{}, fmt.Errorf("dial %s: %w: %v", addr, kerr.ErrUnreachable, err)
	}

	remote, sess, remoteAddr, pub, err := c.clientHandshake(link, want)
	if err != nil {
		c.met.IncHandshakeFail()
		c.markFailure(want)
		link.Close()
		return ring.NodeID{}, fmt.Errorf("handshake with %s: %w: %v", addr, kerr.ErrHandshakeFailed, err)
	}

	if !c.install(remote, link, sess, remoteAddr, pub) {
		// Lost a simultaneous-dial race; the surviving link serves.
		link.Close()
		return remote, nil
	}
	c.met.IncHandshakeOK()
	c.markSuccess(remote)
	debuglog.Debugf("connected peer=%s addr=%s", remote.Short(), addr)
	return remote, nil
}

func (c *connMan) clientHandshake(link *network.Link, want ring.NodeID) (ring.NodeID, *session, string, []byte, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	defer eph.Destroy()
	ea, err := eph.Public()
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	na := make([]byte, 16)
	if _, err := cryptorand.Read(na); err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}

	sig, err := c.self.SignDigest(crypto.SHA3_256(proto.HelloSigInput(c.self.ID, want, ea, na)))
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	hello := proto.HelloMsg{
		Type:       proto.MsgTypeHello,
		FromNodeID: c.self.ID.String(),
		FromPub:    hex.EncodeToString(c.self.PubKey),
		ListenAddr: c.ListenAddr(),
		EA:         hex.EncodeToString(ea),
		Na:         hex.EncodeToString(na),
		Sig:        hex.EncodeToString(sig),
	}
	if !want.IsZero() {
		hello.ToNodeID = want.String()
	}
	raw, err := proto.EncodeHelloMsg(hello)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	if err := link.WriteNow(raw); err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}

	ackRaw, err := link.ReadNow(time.Now().Add(dialTimeout()))
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	if len(ackRaw) > proto.MaxHelloSize {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("oversized hello_ack")
	}
	ack, err := proto.DecodeHelloAckMsg(ackRaw)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	pub, err := proto.HexField("from_pub", ack.FromPub)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	remote := node.DeriveNodeID(pub)
	if remote.String() != ack.FromNodeID {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("node id does not match public key")
	}
	if !want.IsZero() && remote != want {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("unexpected peer identity")
	}
	if ack.ToNodeID != c.self.ID.String() {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("hello_ack addressed to someone else")
	}
	eb, err := proto.HexField("eb", ack.EB)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	nb, err := proto.HexField("nb", ack.Nb)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	ackSig, err := proto.HexField("sig", ack.Sig)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	ackDigest := crypto.SHA3_256(proto.HelloAckSigInput(remote, c.self.ID, ea, eb, na, nb))
	if !crypto.VerifyDigest(pub, ackDigest, ackSig) {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("bad hello_ack signature")
	}

	shared, err := eph.Shared(eb)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	transcript := append(proto.HelloBytes(c.self.ID, want, ea, na), proto.HelloAckBytes(remote, c.self.ID, eb, nb)...)
	keys, err := crypto.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	return remote, newSession(c.self.ID, remote, keys, true), ack.ListenAddr, pub, nil
}

// AcceptLink runs the accepting side of the handshake on an inbound link.
func (c *connMan) AcceptLink(link *network.Link) {
	remote, sess, remoteAddr, pub, err := c.acceptHandshake(link)
	if err != nil {
		c.met.IncHandshakeFail()
		debuglog.Debugf("inbound handshake failed addr=%s err=%v", link.RemoteAddr(), err)
		link.Close()
		return
	}
	if !c.install(remote, link, sess, remoteAddr, pub) {
		link.Close()
		return
	}
	c.met.IncHandshakeOK()
	debuglog.Debugf("accepted peer=%s addr=%s", remote.Short(), link.RemoteAddr())
}

func (c *connMan) acceptHandshake(link *network.Link) (ring.NodeID, *session, string, []byte, error) {
	raw, err := link.ReadNow(time.Now().Add(dialTimeout()))
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	if len(raw) > proto.MaxHelloSize {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("oversized hello")
	}
	hello, err := proto.DecodeHelloMsg(raw)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	pub, err := proto.HexField("from_pub", hello.FromPub)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	remote := node.DeriveNodeID(pub)
	if remote.String() != hello.FromNodeID {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("node id does not match public key")
	}
	if remote == c.self.ID {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("self connection")
	}
	// An empty to_node_id means the dialer does not know who it is
	// reaching; the signature then covers the zero identifier.
	var helloTo ring.NodeID
	if hello.ToNodeID != "" {
		helloTo, err = ring.ParseNodeID(hello.ToNodeID)
		if err != nil {
			return ring.NodeID{}, nil, "", nil, err
		}
		if helloTo != c.self.ID {
			return ring.NodeID{}, nil, "", nil, fmt.Errorf("hello addressed to someone else")
		}
	}
	ea, err := proto.HexField("ea", hello.EA)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	na, err := proto.HexField("na", hello.Na)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	helloSig, err := proto.HexField("sig", hello.Sig)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	if !crypto.VerifyDigest(pub, crypto.SHA3_256(proto.HelloSigInput(remote, helloTo, ea, na)), helloSig) {
		return ring.NodeID{}, nil, "", nil, fmt.Errorf("bad hello signature")
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	defer eph.Destroy()
	eb, err := eph.Public()
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	nb := make([]byte, 16)
	if _, err := cryptorand.Read(nb); err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	sig, err := c.self.SignDigest(crypto.SHA3_256(proto.HelloAckSigInput(c.self.ID, remote, ea, eb, na, nb)))
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	ack := proto.HelloAckMsg{
		Type:       proto.MsgTypeHelloAck,
		FromNodeID: c.self.ID.String(),
		FromPub:    hex.EncodeToString(c.self.PubKey),
		ToNodeID:   remote.String(),
		ListenAddr: c.ListenAddr(),
		EB:         hex.EncodeToString(eb),
		Nb:         hex.EncodeToString(nb),
		Sig:        hex.EncodeToString(sig),
	}
	ackRaw, err := proto.EncodeHelloAckMsg(ack)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	if err := link.WriteNow(ackRaw); err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}

	shared, err := eph.Shared(ea)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	transcript := append(proto.HelloBytes(remote, helloTo, ea, na), proto.HelloAckBytes(c.self.ID, remote, eb, nb)...)
	keys, err := crypto.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return ring.NodeID{}, nil, "", nil, err
	}
	return remote, newSession(c.self.ID, remote, keys, false), hello.ListenAddr, pub, nil
}

// install records a verified link, registers the peer and starts the frame
// loops. It reports false when an existing link for the same peer wins a
// simultaneous-connect race.
func (c *connMan) install(remote ring.NodeID, link *network.Link, sess *session, addr string, pub []byte) bool {
	c.mu.Lock()
	if _, exists := c.links[remote]; exists {
		c.mu.Unlock()
		return false
	}
	c.links[remote] = &linkState{link: link, sess: sess}
	c.mu.Unlock()

	c.reg.Register(remote, addr, pub)
	_ = c.reg.UpdateState(remote, peer.StateOpen)
	c.reg.MarkHeartbeat(remote, time.Now())
	c.updateGauges()

	link.OnClose(func(abrupt bool) {
		c.handleLinkClosed(remote, link, abrupt)
	})
	link.Start(func(payload []byte) {
		c.handleFrame(remote, payload)
	})
	return true
}

func (c *connMan) handleLinkClosed(remote ring.NodeID, link peerLink, abrupt bool) {
	c.mu.Lock()
	ls, ok := c.links[remote]
	if !ok || ls.link != link {
		c.mu.Unlock()
		return
	}
	delete(c.links, remote)
	c.mu.Unlock()

	if abrupt {
		c.reg.CloseAbrupt(remote)
		c.met.IncAbruptClosed()
		c.markFailure(remote)
	} else {
		if err := c.reg.UpdateState(remote, peer.StateClosing); err == nil {
			_ = c.reg.UpdateState(remote, peer.StateClosed)
		}
	}
	// A Closed peer leaves the registry; a later reconnect starts a fresh
	// record with its own state lifecycle.
	c.reg.Remove(remote)
	c.updateGauges()
	debuglog.Debugf("link closed peer=%s abrupt=%v", remote.Short(), abrupt)
	if c.engine != nil {
		c.engine.PeerClosed(remote)
	}
}

func (c *connMan) updateGauges() {
	c.met.SetOpenConns(network.CurrentConns())
	c.met.SetPeers(uint64(c.reg.Len()))
}

// Send seals env under the peer's session keys and enqueues it. A missing
// or dead link is reported as unreachable so the retry machinery can pick
// an alternate hop.
func (c *connMan) Send(to ring.NodeID, env proto.Envelope) error {
	c.mu.Lock()
	ls, ok := c.links[to]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no link to %s: %w", to.Short(), kerr.ErrUnreachable)
	}
	raw, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	sealed, err := ls.sess.seal(raw)
	if err != nil {
		return err
	}
	err = ls.link.Enqueue(sealed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kerr.ErrResourceExhausted):
		c.met.IncSendBackpressure()
		return err
	default:
		return fmt.Errorf("link to %s: %w", to.Short(), kerr.ErrUnreachable)
	}
}

// handleFrame runs on the link's receive goroutine, so frames from one peer
// are processed in arrival order.
func (c *connMan) handleFrame(remote ring.NodeID, payload []byte) {
	msgType, ok := proto.SniffType(payload)
	if !ok || msgType != proto.MsgTypeSealed {
		c.met.IncDropMalformed()
		return
	}
	c.mu.Lock()
	ls, have := c.links[remote]
	c.mu.Unlock()
	if !have {
		return
	}
	sm, err := proto.DecodeSealedMsg(payload)
	if err != nil {
		c.met.IncDropMalformed()
		return
	}
	plain, err := ls.sess.open(sm)
	if err != nil {
		c.met.IncDropBadSignature()
		debuglog.RateLimitedf("open:"+remote.Short(), 5*time.Second,
			"discarding undecryptable frame peer=%s err=%v", remote.Short(), err)
		return
	}
	env, err := proto.DecodeEnvelope(plain)
	if err != nil {
		c.met.IncDropMalformed()
		debuglog.RateLimitedf("env:"+remote.Short(), 5*time.Second,
			"dropping frame peer=%s: %v: %v", remote.Short(), kerr.ErrMalformedMessage, err)
		return
	}
	if env.FromNodeID != remote.String() {
		c.met.IncDropBadSignature()
		return
	}
	entry, known := c.reg.Get(remote)
	if !known {
		return
	}
	sig, err := proto.DecodeSig(env)
	if err != nil {
		c.met.IncDropMalformed()
		return
	}
	if !crypto.VerifyDigest(entry.PubKey, crypto.SHA3_256(proto.SigInput(env)), sig) {
		c.met.IncDropBadSignature()
		debuglog.RateLimitedf("sig:"+remote.Short(), 5*time.Second,
			"dropping envelope peer=%s type=%s: %v", remote.Short(), env.Type, kerr.ErrInvalidSignature)
		return
	}

	switch env.Type {
	case proto.MsgTypeHeartbeat:
		c.handleHeartbeat(remote, env)
	case proto.MsgTypeHeartbeatAck:
		c.handleHeartbeatAck(remote)
	default:
		c.touch(remote)
		c.engine.HandleEnvelope(remote, env)
	}
}

// touch counts any verified traffic as liveness.
func (c *connMan) touch(remote ring.NodeID) {
	c.reg.MarkHeartbeat(remote, time.Now())
}

func (c *connMan) handleHeartbeat(remote ring.NodeID, env proto.Envelope) {
	c.touch(remote)
	c.recoverIfStale(remote)
	ack, err := c.engine.signedEnvelope(proto.MsgTypeHeartbeatAck, TxID(env.TxID), 0, 0, nil)
	if err != nil {
		return
	}
	_ = c.Send(remote, ack)
}

func (c *connMan) handleHeartbeatAck(remote ring.NodeID) {
	c.mu.Lock()
	if ls, ok := c.links[remote]; ok {
		ls.missed = 0
		ls.pendingHB = false
	}
	c.mu.Unlock()
	c.touch(remote)
	c.recoverIfStale(remote)
}

func (c *connMan) recoverIfStale(remote ring.NodeID) {
	if c.reg.State(remote) == peer.StateStale {
		if err := c.reg.UpdateState(remote, peer.StateOpen); err == nil {
			c.met.IncHeartbeatRecovered()
		}
	}
}

// RunHeartbeat drives the liveness loop: every interval each link gets a
// heartbeat, an unacknowledged one counts as a miss, M misses demote the
// peer to Stale and M2 further misses close the link.
func (c *connMan) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatTick()
		}
	}
}

func (c *connMan) heartbeatTick() {
	type target struct {
		id ring.NodeID
		ls *linkState
	}
	c.mu.Lock()
	targets := make([]target, 0, len(c.links))
	for id, ls := range c.links {
		targets = append(targets, target{id, ls})
	}
	c.mu.Unlock()

	m := staleMisses()
	m2 := closeMisses()
	for _, t := range targets {
		c.mu.Lock()
		if cur, ok := c.links[t.id]; !ok || cur != t.ls {
			c.mu.Unlock()
			continue
		}
		if t.ls.pendingHB {
			t.ls.missed++
			c.met.IncHeartbeatMissed()
		}
		missed := t.ls.missed
		c.mu.Unlock()

		if missed >= m && c.reg.State(t.id) == peer.StateOpen {
			if err := c.reg.UpdateState(t.id, peer.StateStale); err == nil {
				c.met.IncHeartbeatStale()
				debuglog.Debugf("peer stale peer=%s missed=%d", t.id.Short(), missed)
			}
		}
		if missed >= m+m2 {
			c.DropPeer(t.id)
			continue
		}

		hb, err := c.engine.signedEnvelope(proto.MsgTypeHeartbeat, c.engine.nextTxID(), 0, 0, nil)
		if err != nil {
			continue
		}
		if err := c.Send(t.id, hb); err != nil {
			continue
		}
		c.met.IncHeartbeatSent()
		c.mu.Lock()
		if cur, ok := c.links[t.id]; ok && cur == t.ls {
			t.ls.pendingHB = true
		}
		c.mu.Unlock()
	}
}

// DropPeer closes the peer's link deliberately, walking the registry
// through Closing to Closed.
func (c *connMan) DropPeer(id ring.NodeID) {
	c.mu.Lock()
	ls, ok := c.links[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.reg.UpdateState(id, peer.StateClosing)
	ls.link.Close()
}

// CloseAll tears down every link, for shutdown.
func (c *connMan) CloseAll() {
	c.mu.Lock()
	links := make([]*linkState, 0, len(c.links))
	for _, ls := range c.links {
		links = append(links, ls)
	}
	c.mu.Unlock()
	for _, ls := range links {
		ls.link.Close()
	}
}
