package daemon

import (
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/kontains/freenet-kore/internal/kerr"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// TxID identifies one distributed operation end to end. Ids are assigned
// monotonically per originating node and are never reused for the lifetime
// of the process.
type TxID string

func makeTxID(origin ring.NodeID, seq uint64) TxID {
	return TxID(hex.EncodeToString(origin[:8]) + "-" + strconv.FormatUint(seq, 16))
}

type OpKind int

const (
	OpConnect OpKind = iota
	OpGet
	OpPut
	OpSubscribe
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusInFlight
	StatusForwarding
	StatusCompleted
	StatusFailed
	StatusTimedOut
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusForwarding:
		return "forwarding"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func (s TxStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Transaction is the state machine record for one in-flight operation at
// this node. For locally originated operations Parent is zero and pending
// carries the caller's result handle; for relayed operations Parent is the
// previous hop the reply routes back through.
type Transaction struct {
	ID       TxID
	Kind     OpKind
	Origin   ring.NodeID
	Parent   ring.NodeID
	Target   ring.NodeID
	Deadline time.Time
	Retries  int
	Status   TxStatus

	Visited    map[ring.NodeID]struct{}
	Candidates []ring.NodeID
	CurrentHop ring.NodeID

	LastEnv  proto.Envelope
	LastSend time.Time
	HaveLast bool

	Value      []byte
	AcksWanted int
	AcksSeen   int
	State      []byte
	Accepting  ring.NodeID
	Cancelled  bool

	pending *Pending
}

type txEntry struct {
	mu sync.Mutex
	tx *Transaction
}

// OpStore keys active transactions by id and serializes access per
// transaction. Terminal ids are retired so a reused id is rejected for the
// rest of the process lifetime.
type OpStore struct {
	mu      sync.Mutex
	txs     map[TxID]*txEntry
	retired map[TxID]struct{}
}

func NewOpStore() *OpStore {
	return &OpStore{
		txs:     make(map[TxID]*txEntry),
		retired: make(map[TxID]struct{}),
	}
}

// Create registers a fresh transaction. A live or retired id fails with
// ErrAlreadyExists; that is a contract violation on the caller's side, not
// a retryable condition.
func (s *OpStore) Create(tx *Transaction) error {
	if tx == nil || tx.ID == "" {
		return kerr.ErrAlreadyExists
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return kerr.ErrAlreadyExists
	}
	if _, ok := s.retired[tx.ID]; ok {
		return kerr.ErrAlreadyExists
	}
	s.txs[tx.ID] = &txEntry{tx: tx}
	return nil
}

// WithMut runs fn with exclusive access to the transaction. It is the only
// way to touch a transaction's state; no two callers ever observe the same
// transaction concurrently. fn may call Remove on the same id.
func (s *OpStore) WithMut(id TxID, fn func(tx *Transaction) error) error {
	s.mu.Lock()
	e, ok := s.txs[id]
	s.mu.Unlock()
	if !ok {
		return kerr.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.tx)
}

// Retired reports whether the id belonged to a transaction that already
// finished here. Distinguishes a late reply from one for an id this node
// never issued or forwarded.
func (s *OpStore) Retired(id TxID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.retired[id]
	return ok
}

// Remove deletes a transaction and retires its id.
func (s *OpStore) Remove(id TxID) {
	s.mu.Lock()
	if _, ok := s.txs[id]; ok {
		delete(s.txs, id)
		s.retired[id] = struct{}{}
	}
	s.mu.Unlock()
}

// Active returns the ids of all live transactions.
func (s *OpStore) Active() []TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TxID, 0, len(s.txs))
	for id := range s.txs {
		out = append(out, id)
	}
	return out
}

func (s *OpStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

// Sweep expires transactions whose deadline has passed, transitioning each
// to TimedOut atomically before removal, and also collects cancelled
// transactions. onExpired runs under the transaction's lock so the caller
// can notify waiters exactly once.
func (s *OpStore) Sweep(now time.Time, onExpired func(tx *Transaction)) []TxID {
	var out []TxID
	for _, id := range s.Active() {
		expired := false
		_ = s.WithMut(id, func(tx *Transaction) error {
			if tx.Cancelled {
				expired = true
				return nil
			}
			if !tx.Deadline.IsZero() && now.After(tx.Deadline) && !tx.Status.terminal() {
				tx.Status = StatusTimedOut
				if onExpired != nil {
					onExpired(tx)
				}
				expired = true
			}
			return nil
		})
		if expired {
			s.Remove(id)
			out = append(out, id)
		}
	}
	return out
}
