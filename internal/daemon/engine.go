package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kontains/freenet-kore/internal/contract"
	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/metrics"
	"github.com/kontains/freenet-kore/internal/node"
	"github.com/kontains/freenet-kore/internal/peer"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// transport is what the engine needs from the connection manager: hop-level
// sends, outbound connects and the advertised listen address. The seam keeps
// protocol state machines testable without a network.
type transport interface {
	Send(to ring.NodeID, env proto.Envelope) error
	Connect(ctx context.Context, id ring.NodeID, addr string) (ring.NodeID, error)
	ListenAddr() string
}

// Engine drives the per-operation protocol state machines. Inbound messages
// are demultiplexed by transaction id to the owning state machine; messages
// introducing a fresh transaction spawn one.
type Engine struct {
	self  *node.Identity
	reg   *peer.Registry
	topo  *ring.Topology
	store *OpStore
	cache contract.Cache
	trans transport
	met   *metrics.Metrics

	txSeq atomic.Uint64

	// Standing interest records: contract key -> peers to notify when the
	// key's state changes under us.
	subMu     sync.Mutex
	interests map[ring.NodeID]map[ring.NodeID]struct{}
}

func NewEngine(self *node.Identity, reg *peer.Registry, topo *ring.Topology, store *OpStore, cache contract.Cache, trans transport, met *metrics.Metrics) *Engine {
	if met == nil {
		met = metrics.New()
	}
	return &Engine{
		self:      self,
		reg:       reg,
		topo:      topo,
		store:     store,
		cache:     cache,
		trans:     trans,
		met:       met,
		interests: make(map[ring.NodeID]map[ring.NodeID]struct{}),
	}
}

func (e *Engine) nextTxID() TxID {
	return makeTxID(e.self.ID, e.txSeq.Add(1))
}

// signedEnvelope builds and signs an envelope in one step.
func (e *Engine) signedEnvelope(msgType string, id TxID, hops, ttl int, body any) (proto.Envelope, error) {
	env, err := proto.NewEnvelope(msgType, string(id), e.self.ID.String(), hops, ttl, body)
	if err != nil {
		return proto.Envelope{}, err
	}
	sig, err := e.self.SignDigest(crypto.SHA3_256(proto.SigInput(env)))
	if err != nil {
		return proto.Envelope{}, err
	}
	env.Sig = fmt.Sprintf("%x", sig)
	return env, nil
}

// HandleEnvelope is the inbound dispatcher. from is the verified identity of
// the immediate sender; signature and session checks already happened in the
// receive pipeline.
func (e *Engine) HandleEnvelope(from ring.NodeID, env proto.Envelope) {
	switch env.Type {
	case proto.MsgTypeJoinRequest:
		e.handleJoinRequest(from, env)
	case proto.MsgTypeJoinAck:
		e.handleJoinAck(from, env)
	case proto.MsgTypeGetRequest:
		e.handleGetRequest(from, env)
	case proto.MsgTypeGetResponse:
		e.handleGetResponse(from, env)
	case proto.MsgTypePutRequest:
		e.handlePutRequest(from, env)
	case proto.MsgTypePutAck:
		e.handlePutAck(from, env)
	case proto.MsgTypeSubscribe:
		e.handleSubscribe(from, env)
	case proto.MsgTypeUnsubscribe:
		e.handleUnsubscribe(from, env)
	case proto.MsgTypeNack:
		e.handleNack(from, env)
	default:
		e.met.IncDropMalformed()
		debuglog.Debugf("engine drop unknown type=%s tx=%s", env.Type, env.TxID)
	}
}

// PeerClosed prunes standing interest records held for a departed peer.
// In-flight transactions routed through it fail via retry and deadline
// sweeps rather than eagerly.
func (e *Engine) PeerClosed(id ring.NodeID) {
	e.subMu.Lock()
	for key, subs := range e.interests {
		delete(subs, id)
		if len(subs) == 0 {
			delete(e.interests, key)
		}
	}
	e.subMu.Unlock()
}

// cancelTx marks a locally originated transaction for removal on the next
// sweep. Late replies for the id are then discarded without error.
func (e *Engine) cancelTx(id TxID) {
	err := e.store.WithMut(id, func(tx *Transaction) error {
		tx.Cancelled = true
		return nil
	})
	if err == nil {
		e.met.IncTxCancelled()
	}
}

func (e *Engine) send(to ring.NodeID, env proto.Envelope) error {
	if err := e.trans.Send(to, env); err != nil {
		debuglog.RateLimitedf("send:"+to.Short(), 5*time.Second,
			"engine send failed peer=%s type=%s err=%v", to.Short(), env.Type, err)
		return err
	}
	return nil
}

// sendNack reports a routing failure for a transaction back to its sender.
func (e *Engine) sendNack(to ring.NodeID, id TxID, reason string) {
	env, err := e.signedEnvelope(proto.MsgTypeNack, id, 0, 0, proto.NackBody{Reason: reason})
	if err != nil {
		return
	}
	_ = e.send(to, env)
}

// failLocal finishes a locally originated transaction with an error. Must
// run under the transaction's WithMut.
func (e *Engine) failLocal(tx *Transaction, err error) {
	tx.Status = StatusFailed
	e.met.IncTxFailed()
	if tx.pending != nil {
		tx.pending.deliver(Result{Err: err})
	}
	e.store.Remove(tx.ID)
}

// completeLocal finishes a locally originated transaction successfully.
// Must run under the transaction's WithMut.
func (e *Engine) completeLocal(tx *Transaction, res Result) {
	tx.Status = StatusCompleted
	e.met.IncTxCompleted()
	if tx.pending != nil {
		tx.pending.deliver(res)
	}
	e.store.Remove(tx.ID)
}

func nackError(reason string) error {
	switch reason {
	case proto.NackMaxHops:
		return kerr.ErrMaxHopsExceeded
	case proto.NackNotFound, proto.NackNoCandidates:
		return kerr.ErrNoCandidatePeers
	case proto.NackContract:
		return fmt.Errorf("contract rejected update")
	default:
		return fmt.Errorf("nack: %s", reason)
	}
}

// handleNack advances the owning transaction to its next candidate, or
// fails the branch when candidates are exhausted.
func (e *Engine) handleNack(from ring.NodeID, env proto.Envelope) {
	var body proto.NackBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	err := e.store.WithMut(id, func(tx *Transaction) error {
		if tx.Status.terminal() || tx.Cancelled {
			return nil
		}
		if from != tx.CurrentHop {
			// A nack from a hop we are no longer waiting on.
			return nil
		}
		e.advanceOrFail(tx, nackError(body.Reason))
		return nil
	})
	if err != nil {
		e.dropReply(from, id)
	}
}

// dropReply counts a reply that matched no live transaction: late when the
// id already finished here, unknown when this node never saw it.
func (e *Engine) dropReply(from ring.NodeID, id TxID) {
	if e.store.Retired(id) {
		e.met.IncDropLateReply()
		return
	}
	e.met.IncDropUnknownTx()
	debuglog.Debugf("dropping reply peer=%s tx=%s: %v", from.Short(), id, kerr.ErrUnknownTransaction)
}

// advanceOrFail moves a transaction to its next routing candidate, failing
// the branch when none remain. Must run under WithMut.
func (e *Engine) advanceOrFail(tx *Transaction, cause error) {
	for len(tx.Candidates) > 0 {
		next := tx.Candidates[0]
		tx.Candidates = tx.Candidates[1:]
		if _, seen := tx.Visited[next]; seen {
			continue
		}
		// The last outbound envelope is reused as-is: the failed hop never
		// processed the message, so the carried visited set is still right.
		tx.CurrentHop = next
		tx.Retries = 0
		tx.LastSend = time.Now()
		if sendErr := e.send(next, tx.LastEnv); sendErr != nil && !kerr.IsRetryable(sendErr) {
			continue
		}
		return
	}
	// Candidate list exhausted: terminal for this branch.
	if tx.Parent.IsZero() {
		e.failLocal(tx, cause)
		return
	}
	reason := proto.NackNoCandidates
	if tx.Kind == OpGet {
		reason = proto.NackNotFound
	}
	e.sendNack(tx.Parent, tx.ID, reason)
	tx.Status = StatusFailed
	e.met.IncTxFailed()
	e.store.Remove(tx.ID)
}

func visitedStrings(set map[ring.NodeID]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id.String())
	}
	return out
}

func parseVisited(raw []string) map[ring.NodeID]struct{} {
	out := make(map[ring.NodeID]struct{}, len(raw)+2)
	for _, s := range raw {
		id, err := ring.ParseNodeID(s)
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}
