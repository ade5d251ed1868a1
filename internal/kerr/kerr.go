// Package kerr defines the error taxonomy shared by the protocol engine.
// Errors are sentinel values so callers can classify failures with errors.Is
// across package boundaries; context is added with fmt.Errorf wrapping at the
// call site.
package kerr

import "errors"

// Network errors. A single-hop network error is retryable; the retry
// scheduler decides when it escalates to a routing failure.
var (
	ErrUnreachable       = errors.New("peer unreachable")
	ErrTimeout           = errors.New("network timeout")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrTransportClosed   = errors.New("transport closed")
	ErrResourceExhausted = errors.New("outbound mailbox full")
)

// Protocol errors. Inbound messages that trip these are dropped and logged;
// they never mutate an existing transaction.
var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Routing errors, terminal for the branch that hit them.
var (
	ErrNoCandidatePeers = errors.New("no candidate peers")
	ErrMaxHopsExceeded  = errors.New("max hops exceeded")
)

// State errors from the operation state store.
var (
	ErrAlreadyExists = errors.New("transaction already exists")
	ErrNotFound      = errors.New("transaction not found")
)

// IsRetryable reports whether a send failure should be retried against the
// same hop before falling back to the next routing candidate.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrResourceExhausted)
}
