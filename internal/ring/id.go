// Package ring orders peers by identifier distance and selects greedy
// routing candidates for in-flight operations.
package ring

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDLength is the number of bytes in a NodeID.
const IDLength = 32

// NodeID is a stable peer identifier derived from the peer's public key.
type NodeID [IDLength]byte

// Dist is the XOR distance between two identifiers. Ordering is
// big-endian lexicographic over the XOR result, which is total and
// deterministic.
type Dist [IDLength]byte

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form used in log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// ParseNodeID decodes a full-length hex identifier.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("parse node id: %w", err)
	}
	if len(raw) != IDLength {
		return NodeID{}, fmt.Errorf("parse node id: bad length %d", len(raw))
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// Distance is symmetric and zero iff a == b.
func Distance(a, b NodeID) Dist {
	var d Dist
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func (d Dist) IsZero() bool {
	return d == Dist{}
}

// Cmp returns -1, 0 or 1 as d orders before, equal to or after o.
func (d Dist) Cmp(o Dist) int {
	return bytes.Compare(d[:], o[:])
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b NodeID) bool {
	return Distance(a, target).Cmp(Distance(b, target)) < 0
}
