package daemon

import (
	"context"
	"sync"

	"github.com/kontains/freenet-kore/internal/ring"
)

// Result is the terminal outcome of a locally originated operation.
type Result struct {
	State []byte
	Peer  ring.NodeID
	Err   error
}

// Pending is the caller's handle on an in-flight operation. The result is
// delivered at most once. Cancel abandons the operation: the transaction is
// swept away and any late reply for its id is silently discarded.
type Pending struct {
	ID TxID

	once   sync.Once
	ch     chan Result
	cancel func(id TxID)
}

func newPending(id TxID, cancel func(id TxID)) *Pending {
	return &Pending{ID: id, ch: make(chan Result, 1), cancel: cancel}
}

// deliver publishes the terminal result; extra calls are no-ops.
func (p *Pending) deliver(res Result) {
	p.once.Do(func() {
		p.ch <- res
	})
}

// Done exposes the result channel for select loops.
func (p *Pending) Done() <-chan Result {
	return p.ch
}

// Wait blocks for the terminal result or context cancellation.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		p.Cancel()
		return Result{}, ctx.Err()
	case res := <-p.ch:
		return res, nil
	}
}

// Cancel marks the transaction for removal on the next sweep. It does not
// recall messages already on the wire.
func (p *Pending) Cancel() {
	if p.cancel != nil {
		p.cancel(p.ID)
	}
}
