package daemon

import (
	"context"
	"time"

	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/peer"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Join connects to a gateway and routes a JoinRequest toward this node's
// own identifier. The transaction completes on the first JoinAck; the
// accepting peer becomes the node's first ring neighbor.
func (e *Engine) Join(ctx context.Context, gatewayAddr string) (*Pending, error) {
	gw, err := e.trans.Connect(ctx, ring.NodeID{}, gatewayAddr)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	id := e.nextTxID()
	visited := map[ring.NodeID]struct{}{e.self.ID: {}}
	body := proto.JoinRequestBody{
		TargetID: e.self.ID.String(),
		Addr:     e.trans.ListenAddr(),
		Visited:  visitedStrings(visited),
	}
	env, err := e.signedEnvelope(proto.MsgTypeJoinRequest, id, 0, maxHops(), body)
	if err != nil {
		return nil, err
	}
	p := newPending(id, e.cancelTx)
	tx := &Transaction{
		ID:         id,
		Kind:       OpConnect,
		Origin:     e.self.ID,
		Target:     e.self.ID,
		Deadline:   now.Add(txDeadline()),
		Status:     StatusInFlight,
		Visited:    visited,
		CurrentHop: gw,
		LastEnv:    env,
		LastSend:   now,
		HaveLast:   true,
		pending:    p,
	}
	if err := e.store.Create(tx); err != nil {
		return nil, err
	}
	e.met.IncTxStarted()
	if sendErr := e.send(gw, env); sendErr != nil && !kerr.IsRetryable(sendErr) {
		_ = e.store.WithMut(id, func(tx *Transaction) error {
			e.failLocal(tx, sendErr)
			return nil
		})
	}
	return p, nil
}

// handleJoinRequest either accepts the joiner directly when this node has
// spare connection capacity, or forwards the request to the known peer
// strictly closest to the joining identifier.
func (e *Engine) handleJoinRequest(from ring.NodeID, env proto.Envelope) {
	var body proto.JoinRequestBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	target, err := ring.ParseNodeID(body.TargetID)
	if err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	if e.store.WithMut(id, func(*Transaction) error { return nil }) == nil {
		// Re-sent request for a transaction we already forwarded.
		return
	}

	visited := parseVisited(body.Visited)
	visited[from] = struct{}{}
	visited[e.self.ID] = struct{}{}

	if e.topo.Len() < joinCapacity() {
		ack := proto.JoinAckBody{
			AcceptingPeer: e.self.ID.String(),
			Addr:          e.trans.ListenAddr(),
		}
		ackEnv, err := e.signedEnvelope(proto.MsgTypeJoinAck, id, 0, 0, ack)
		if err != nil {
			return
		}
		debuglog.Debugf("join accept tx=%s joiner=%s", id, target.Short())
		_ = e.send(from, ackEnv)
		return
	}

	hops := env.Hops + 1
	if hops > maxHops() {
		e.sendNack(from, id, proto.NackMaxHops)
		return
	}
	next, ok := e.topo.CloserThanSelf(target, visited)
	if !ok {
		e.sendNack(from, id, proto.NackNoCandidates)
		return
	}
	body.Visited = visitedStrings(visited)
	fwd, err := e.signedEnvelope(proto.MsgTypeJoinRequest, id, hops, env.TTL, body)
	if err != nil {
		return
	}
	now := time.Now()
	tx := &Transaction{
		ID:         id,
		Kind:       OpConnect,
		Origin:     target,
		Parent:     from,
		Target:     target,
		Deadline:   now.Add(txDeadline()),
		Status:     StatusForwarding,
		Visited:    visited,
		Candidates: e.remainingCandidates(target, visited, next),
		CurrentHop: next,
		LastEnv:    fwd,
		LastSend:   now,
		HaveLast:   true,
	}
	if err := e.store.Create(tx); err != nil {
		return
	}
	e.met.IncTxForwarded()
	if sendErr := e.send(next, fwd); sendErr != nil && !kerr.IsRetryable(sendErr) {
		_ = e.store.WithMut(id, func(tx *Transaction) error {
			e.advanceOrFail(tx, sendErr)
			return nil
		})
	}
}

// remainingCandidates lists fallback hops beyond the chosen first one.
func (e *Engine) remainingCandidates(target ring.NodeID, visited map[ring.NodeID]struct{}, first ring.NodeID) []ring.NodeID {
	all := e.topo.ClosestPeers(target, routingK(), visited)
	out := make([]ring.NodeID, 0, len(all))
	for _, id := range all {
		if id != first {
			out = append(out, id)
		}
	}
	return out
}

// handleJoinAck completes the join at the originator or relays the ack one
// hop back along the request path.
func (e *Engine) handleJoinAck(from ring.NodeID, env proto.Envelope) {
	var body proto.JoinAckBody
	if err := proto.DecodeBody(env, &body); err != nil {
		e.met.IncDropMalformed()
		return
	}
	accepting, err := ring.ParseNodeID(body.AcceptingPeer)
	if err != nil {
		e.met.IncDropMalformed()
		return
	}
	id := TxID(env.TxID)
	storeErr := e.store.WithMut(id, func(tx *Transaction) error {
		if tx.Kind != OpConnect || tx.Status.terminal() || tx.Cancelled {
			return nil
		}
		if tx.Parent.IsZero() {
			tx.Accepting = accepting
			e.completeLocal(tx, Result{Peer: accepting})
			if accepting != e.self.ID && body.Addr != "" && e.reg.State(accepting) == peer.StateClosed {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), dialTimeout())
					defer cancel()
					if _, err := e.trans.Connect(ctx, accepting, body.Addr); err != nil {
						debuglog.Debugf("join neighbor dial failed peer=%s err=%v", accepting.Short(), err)
					}
				}()
			}
			return nil
		}
		relay, err := e.signedEnvelope(proto.MsgTypeJoinAck, id, env.Hops, env.TTL, body)
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
