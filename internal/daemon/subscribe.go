package daemon

import (
	"time"

	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Subscribe registers this node's interest in updates to key. The request
// propagates toward the key's neighborhood; every hop on the path records
// the previous hop as a subscriber, so updates flow back along the same
// chain. Subscriptions carry no acknowledgement, so the handle completes
// as soon as the request has been handed to the first hop.
func (e *Engine) Subscribe(key ring.NodeID) (*Pending, error) {
	return e.propagateInterest(proto.MsgTypeSubscribe, key)
}

// Unsubscribe withdraws this node's interest in key.
func (e *Engine) Unsubscribe(key ring.NodeID) (*Pending, error) {
	return e.propagateInterest(proto.MsgTypeUnsubscribe, key)
}

func (e *Engine) propagateInterest(msgType string, key ring.NodeID) (*Pending, error) {
	id := e.nextTxID()
	p := newPending(id, e.cancelTx)
	candidates := e.topo.ClosestPeers(key, 1, map[ring.NodeID]struct{}{e.self.ID: {}})
	if len(candidates) == 0 {
		p.deliver(Result{Err: kerr.ErrNoCandidatePeers})
		return p, nil
	}
	body := proto.SubscribeBody{Key: key.String(), Subscriber: e.self.ID.String()}
	env, err := e.signedEnvelope(msgType, id, 0, maxHops(), body)
	if err != nil {
		return nil, err
	}
	e.met.IncTxStarted()
	if sendErr := e.send(candidates[0], env); sendErr != nil {
		e.met.IncTxFailed()
		p.deliver(Result{Err: sendErr})
		return p, nil
	}
	e.met.IncTxCompleted()
	p.deliver(Result{Peer: candidates[0]})
	return p, nil
}

// handleSubscribe records the sender's interest and pushes the
// subscription one hop closer to the key when possible.
func (e *Engine) handleSubscribe(from ring.NodeID, env proto.Envelope) {
	var body proto.SubscribeBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	key, err := ring.ParseNodeID(body.Key)
	if err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	if e.store.WithMut(id, func(*Transaction) error { return nil }) == nil {
		return
	}

	e.subMu.Lock()
	set, ok := e.interests[key]
	if !ok {
		set = make(map[ring.NodeID]struct{})
		e.interests[key] = set
	}
	set[from] = struct{}{}
	e.subMu.Unlock()
	debuglog.Debugf("subscribe tx=%s key=%s from=%s", id, key.Short(), from.Short())

	e.relayInterest(proto.MsgTypeSubscribe, from, env, body, body.Subscriber, key)
}

// handleUnsubscribe drops the sender's interest. The withdrawal only
// travels further when no other subscriber for the key remains here.
func (e *Engine) handleUnsubscribe(from ring.NodeID, env proto.Envelope) {
	var body proto.UnsubscribeBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	key, err := ring.ParseNodeID(body.Key)
	if err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	if e.store.WithMut(id, func(*Transaction) error { return nil }) == nil {
		return
	}

	e.subMu.Lock()
	if set, ok := e.interests[key]; ok {
		delete(set, from)
		if len(set) == 0 {
			delete(e.interests, key)
		}
	}
	remaining := len(e.interests[key])
	e.subMu.Unlock()
	if remaining > 0 {
		return
	}

	e.relayInterest(proto.MsgTypeUnsubscribe, from, env, body, body.Subscriber, key)
}

// relayInterest forwards a subscription message toward the key and records
// a short-lived transaction so re-sent copies are ignored. These relays
// are fire-and-forget; the sweep reclaims the record at its deadline.
func (e *Engine) relayInterest(msgType string, from ring.NodeID, env proto.Envelope, body any, subscriber string, key ring.NodeID) {
	id := TxID(env.TxID)
	now := time.Now()
	tx := &Transaction{
		ID:       id,
		Kind:     OpSubscribe,
		Origin:   mustParseOrZero(subscriber),
		Parent:   from,
		Target:   key,
		Deadline: now.Add(txDeadline()),
		Status:   StatusForwarding,
		Visited:  map[ring.NodeID]struct{}{from: {}, e.self.ID: {}},
	}
	if err := e.store.Create(tx); err != nil {
		return
	}
	e.met.IncTxForwarded()

	hops := env.Hops + 1
	if hops > maxHops() {
		return
	}
	next, ok := e.topo.CloserThanSelf(key, map[ring.NodeID]struct{}{from: {}, e.self.ID: {}})
	if !ok {
		return
	}
	fwd, err := e.signedEnvelope(msgType, id, hops, env.TTL, body)
	if err != nil {
		return
	}
	_ = e.send(next, fwd)
}
