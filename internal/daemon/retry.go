package daemon

import (
	"context"
	"time"

	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/kerr"
)

// retryBackoff is the deterministic per-attempt delay before a transaction's
// last message is re-sent to the same hop.
func retryBackoff(retries int) time.Duration {
	shift := retries
	if shift > backoffShiftCap {
		shift = backoffShiftCap
	}
	d := retryBase() << shift
	if max := retryCap(); d > max {
		d = max
	}
	return d
}

// RunRetry drives the transaction sweep until ctx is cancelled.
func (e *Engine) RunRetry(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(time.Now())
		}
	}
}

// sweepOnce expires transactions past their deadline, re-sends in-flight
// messages whose backoff has elapsed, and rotates to the next candidate hop
// once the per-hop retry budget is spent. It takes the clock as an argument
// so tests can step time directly.
func (e *Engine) sweepOnce(now time.Time) {
	expired := e.store.Sweep(now, func(tx *Transaction) {
		e.met.IncTxTimedOut()
		if tx.pending != nil {
			tx.pending.deliver(Result{Err: kerr.ErrTimeout})
		}
	})
	for _, id := range expired {
		debuglog.Debugf("tx expired tx=%s", id)
	}

	for _, id := range e.store.Active() {
		_ = e.store.WithMut(id, func(tx *Transaction) error {
			if tx.Status.terminal() || tx.Cancelled || !tx.HaveLast {
				return nil
			}
			if now.Sub(tx.LastSend) < retryBackoff(tx.Retries) {
				return nil
			}
			if tx.Retries >= maxRetries() {
				e.advanceOrFail(tx, kerr.ErrTimeout)
				return nil
			}
			tx.Retries++
			tx.LastSend = now
			e.met.IncTxRetries()
			if err := e.send(tx.CurrentHop, tx.LastEnv); err != nil && !kerr.IsRetryable(err) {
				e.advanceOrFail(tx, err)
			}
			return nil
		})
	}
	e.met.SetActiveTx(uint64(e.store.Len()))
}
