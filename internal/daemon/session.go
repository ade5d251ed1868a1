package daemon

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/proto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// session holds the directional keys agreed during the handshake and the
// replay counters for sealed traffic on one link.
type session struct {
	mu       sync.Mutex
	local    ring.NodeID
	remote   ring.NodeID
	sendKey  []byte
	recvKey  []byte
	sendSeq  uint64
	recvSeq  uint64
	haveRecv bool
}

func newSession(local, remote ring.NodeID, keys crypto.SessionKeys, dialer bool) *session {
	s := &session{local: local, remote: remote}
	if dialer {
		s.sendKey = keys.SendKey
		s.recvKey = keys.RecvKey
	} else {
		s.sendKey = keys.RecvKey
		s.recvKey = keys.SendKey
	}
	return s
}

func (s *session) nextSendSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendSeq == ^uint64(0) {
		return 0, errors.New("send counter exhausted")
	}
	seq := s.sendSeq
	s.sendSeq++
	return seq, nil
}

func (s *session) acceptRecvSeq(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveRecv && seq <= s.recvSeq {
		return errors.New("replayed or out-of-order seq")
	}
	s.recvSeq = seq
	s.haveRecv = true
	return nil
}

// seal wraps a plaintext payload for the wire.
func (s *session) seal(plaintext []byte) ([]byte, error) {
	seq, err := s.nextSendSeq()
	if err != nil {
		return nil, err
	}
	aad := proto.SealAAD(s.local, s.remote, seq)
	nonce, ct, err := crypto.XSeal(s.sendKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return proto.EncodeSealedMsg(proto.SealedMsg{
		Type:       proto.MsgTypeSealed,
		FromNodeID: s.local.String(),
		Seq:        seq,
		Nonce:      hex.EncodeToString(nonce),
		CT:         hex.EncodeToString(ct),
	})
}

// open unwraps a sealed frame, enforcing sender identity and sequence
// monotonicity.
func (s *session) open(m proto.SealedMsg) ([]byte, error) {
	from, err := ring.ParseNodeID(m.FromNodeID)
	if err != nil || from != s.remote {
		return nil, errors.New("sealed from mismatch")
	}
	nonce, err := proto.HexField("nonce", m.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := proto.HexField("ct", m.CT)
	if err != nil {
		return nil, err
	}
	aad := proto.SealAAD(s.remote, s.local, m.Seq)
	plain, err := crypto.XOpen(s.recvKey, nonce, ct, aad)
	if err != nil {
		return nil, err
	}
	if err := s.acceptRecvSeq(m.Seq); err != nil {
		return nil, err
	}
	return plain, nil
}
