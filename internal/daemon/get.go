package daemon

import (
	"time"

	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Get resolves the contract state stored under key. The local cache is
// consulted first; on a miss the request is routed greedily toward the key.
func (e *Engine) Get(key ring.NodeID) (*Pending, error) {
	id := e.nextTxID()
	p := newPending(id, e.cancelTx)
	if state, ok := e.cache.ResolveLocally(key); ok {
		p.deliver(Result{State: state, Peer: e.self.ID})
		return p, nil
	}
	visited := map[ring.NodeID]struct{}{e.self.ID: {}}
	candidates := e.topo.ClosestPeers(key, routingK(), visited)
	if len(candidates) == 0 {
		p.deliver(Result{Err: kerr.ErrNoCandidatePeers})
		return p, nil
	}
	body := proto.GetRequestBody{
		Key:     key.String(),
		Origin:  e.self.ID.String(),
		Visited: visitedStrings(visited),
	}
	env, err := e.signedEnvelope(proto.MsgTypeGetRequest, id, 0, maxHops(), body)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tx := &Transaction{
		ID:         id,
		Kind:       OpGet,
		Origin:     e.self.ID,
		Target:     key,
		Deadline:   now.Add(txDeadline()),
		Status:     StatusInFlight,
		Visited:    visited,
		Candidates: candidates[1:],
		CurrentHop: candidates[0],
		LastEnv:    env,
		LastSend:   now,
		HaveLast:   true,
		pending:    p,
	}
	if err := e.store.Create(tx); err != nil {
		return nil, err
	}
	e.met.IncTxStarted()
	if sendErr := e.send(candidates[0], env); sendErr != nil && !kerr.IsRetryable(sendErr) {
		_ = e.store.WithMut(id, func(tx *Transaction) error {
			e.advanceOrFail(tx, sendErr)
			return nil
		})
	}
	return p, nil
}

func (e *Engine) handleGetRequest(from ring.NodeID, env proto.Envelope) {
	var body proto.GetRequestBody
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

	if state, ok := e.cache.ResolveLocally(key); ok {
		resp := proto.GetResponseBody{Key: body.Key, State: state}
		respEnv, err := e.signedEnvelope(proto.MsgTypeGetResponse, id, 0, 0, resp)
		if err != nil {
			return
		}
		debuglog.Debugf("get hit tx=%s key=%s", id, key.Short())
		_ = e.send(from, respEnv)
		return
	}

	visited := parseVisited(body.Visited)
	visited[from] = struct{}{}
	visited[e.self.ID] = struct{}{}
	hops := env.Hops + 1
	if hops > maxHops() {
		e.sendNack(from, id, proto.NackMaxHops)
		return
	}
	candidates := e.topo.ClosestPeers(key, routingK(), visited)
	if len(candidates) == 0 {
		e.sendNack(from, id, proto.NackNotFound)
		return
	}
	body.Visited = visitedStrings(visited)
	fwd, err := e.signedEnvelope(proto.MsgTypeGetRequest, id, hops, env.TTL, body)
	if err != nil {
		return
	}
	now := time.Now()
	tx := &Transaction{
		ID:         id,
		Kind:       OpGet,
		Origin:     mustParseOrZero(body.Origin),
		Parent:     from,
		Target:     key,
		Deadline:   now.Add(txDeadline()),
		Status:     StatusForwarding,
		Visited:    visited,
		Candidates: candidates[1:],
		CurrentHop: candidates[0],
		LastEnv:    fwd,
		LastSend:   now,
		HaveLast:   true,
	}
	if err := e.store.Create(tx); err != nil {
		return
	}
	e.met.IncTxForwarded()
	if sendErr := e.send(candidates[0], fwd); sendErr != nil && !kerr.IsRetryable(sendErr) {
		_ = e.store.WithMut(id, func(tx *Transaction) error {
			e.advanceOrFail(tx, sendErr)
			return nil
		})
	}
}

// handleGetResponse caches the returned state at every hop on the return
// path, then either completes the local request or relays one hop back.
func (e *Engine) handleGetResponse(from ring.NodeID, env proto.Envelope) {
	var body proto.GetResponseBody
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
	storeErr := e.store.WithMut(id, func(tx *Transaction) error {
		if tx.Kind != OpGet || tx.Status.terminal() || tx.Cancelled {
			return nil
		}
		if from != tx.CurrentHop {
			e.met.IncDropLateReply()
			return nil
		}
		if _, err := e.cache.Apply(key, body.State); err != nil {
			debuglog.Debugf("get cache apply failed tx=%s err=%v", id, err)
		}
		if tx.Parent.IsZero() {
			e.completeLocal(tx, Result{State: body.State, Peer: from})
			return nil
		}
		relay, err := e.signedEnvelope(proto.MsgTypeGetResponse, id, env.Hops, env.TTL, body)
		if err != nil {
			return nil
		}
		_ = e.send(tx.Parent, relay)
		tx.Status = StatusCompleted
		e.store.Remove(tx.ID)
		return nil
	})
	if storeErr != nil {
		e.dropReply(from, id)
	}
}

func mustParseOrZero(s string) ring.NodeID {
	id, err := ring.ParseNodeID(s)
	if err != nil {
		return ring.NodeID{}
	}
	return id
}
