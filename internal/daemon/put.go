package daemon

import (
	"time"

	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Put stores value under key on this node and routes the update toward the
// key's neighborhood. The returned handle completes once KORE_PUT_ACKS
// acknowledgements have arrived from the forward path.
func (e *Engine) Put(key ring.NodeID, value []byte) (*Pending, error) {
	id := e.nextTxID()
	p := newPending(id, e.cancelTx)
	if _, err := e.cache.Apply(key, value); err != nil {
		return nil, err
	}
	visited := map[ring.NodeID]struct{}{e.self.ID: {}}
	candidates := e.topo.ClosestPeers(key, routingK(), visited)
	if len(candidates) == 0 {
		// Nobody else to replicate to; the local write stands alone.
		p.deliver(Result{Peer: e.self.ID})
		return p, nil
	}
	body := proto.PutRequestBody{
		Key:     key.String(),
		Origin:  e.self.ID.String(),
		Value:   value,
		Visited: visitedStrings(visited),
	}
	env, err := e.signedEnvelope(proto.MsgTypePutRequest, id, 0, maxHops(), body)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tx := &Transaction{
		ID:         id,
		Kind:       OpPut,
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
		Value:      value,
		AcksWanted: putAcks(),
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

// handlePutRequest applies the update locally, acknowledges the sender,
// notifies local subscribers, and pushes the update one hop closer to the
// key when a strictly closer peer exists.
func (e *Engine) handlePutRequest(from ring.NodeID, env proto.Envelope) {
	var body proto.PutRequestBody
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
	if _, err := e.cache.Apply(key, body.Value); err != nil {
		e.sendNack(from, id, proto.NackContract)
		return
	}

	ack := proto.PutAckBody{Key: body.Key, By: e.self.ID.String()}
	ackEnv, err := e.signedEnvelope(proto.MsgTypePutAck, id, 0, 0, ack)
	if err != nil {
		return
	}
	_ = e.send(from, ackEnv)

	visited := parseVisited(body.Visited)
	visited[from] = struct{}{}
	visited[e.self.ID] = struct{}{}
	hops := env.Hops + 1
	body.Visited = visitedStrings(visited)

	now := time.Now()
	tx := &Transaction{
		ID:       id,
		Kind:     OpPut,
		Origin:   mustParseOrZero(body.Origin),
		Parent:   from,
		Target:   key,
		Deadline: now.Add(txDeadline()),
		Status:   StatusForwarding,
		Visited:  visited,
	}

	var fwd proto.Envelope
	var next ring.NodeID
	forward := false
	if hops <= maxHops() {
		if n, ok := e.topo.CloserThanSelf(key, visited); ok {
			fwd, err = e.signedEnvelope(proto.MsgTypePutRequest, id, hops, env.TTL, body)
			if err == nil {
				next = n
				forward = true
				tx.Candidates = e.remainingCandidates(key, visited, n)
				tx.CurrentHop = n
				tx.LastEnv = fwd
				tx.LastSend = now
				tx.HaveLast = true
			}
		}
	}
	if err := e.store.Create(tx); err != nil {
		return
	}
	e.met.IncTxForwarded()
	if forward {
		debuglog.RateLimitedf("put-fwd", time.Second, "put forward tx=%s key=%s next=%s", id, key.Short(), next.Short())
		_ = e.send(next, fwd)
	}
	e.notifySubscribers(key, id, hops, env.TTL, body, visited)
}

// notifySubscribers pushes the update to every locally registered
// subscriber that has not already seen this transaction.
func (e *Engine) notifySubscribers(key ring.NodeID, id TxID, hops, ttl int, body proto.PutRequestBody, visited map[ring.NodeID]struct{}) {
	e.subMu.Lock()
	var subs []ring.NodeID
	for sub := range e.interests[key] {
		if _, seen := visited[sub]; !seen {
			subs = append(subs, sub)
		}
	}
	e.subMu.Unlock()
	for _, sub := range subs {
		env, err := e.signedEnvelope(proto.MsgTypePutRequest, id, hops, ttl, body)
		if err != nil {
			return
		}
		if sendErr := e.send(sub, env); sendErr != nil {
			debuglog.Debugf("subscriber notify failed tx=%s sub=%s err=%v", id, sub.Short(), sendErr)
		}
	}
}

// handlePutAck counts acknowledgements at the originator and relays them
// backward along the request path everywhere else. Relay transactions stay
// alive until their deadline so later acks from deeper hops still pass.
func (e *Engine) handlePutAck(from ring.NodeID, env proto.Envelope) {
	var body proto.PutAckBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	by, err := ring.ParseNodeID(body.By)
	if err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	storeErr := e.store.WithMut(id, func(tx *Transaction) error {
		if tx.Kind != OpPut || tx.Status.terminal() || tx.Cancelled {
			return nil
		}
		if tx.Parent.IsZero() {
			tx.AcksSeen++
			if tx.AcksSeen >= tx.AcksWanted {
				e.completeLocal(tx, Result{Peer: by})
			}
			return nil
		}
		relay, err := e.signedEnvelope(proto.MsgTypePutAck, id, env.Hops, env.TTL, body)
		if err != nil {
			return nil
		}
		_ = e.send(tx.Parent, relay)
		return nil
	})
	if storeErr != nil {
		e.dropReply(from, id)
	}
}
