package proto

import (
	"fmt"

	json "github.com/goccy/go-json"
)

const MsgTypeSealed = "sealed"

// SealedMsg wraps an encrypted envelope. Everything after the handshake
// travels sealed under the session keys; Seq is a strictly increasing
// per-direction counter used for replay rejection.
type SealedMsg struct {
	Type       string `json:"type"`
	FromNodeID string `json:"from_node_id"`
	Seq        uint64 `json:"seq"`
	Nonce      string `json:"nonce"`
	CT         string `json:"ct"`
}

func EncodeSealedMsg(m SealedMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSealed
	}
	return json.Marshal(m)
}

func DecodeSealedMsg(data []byte) (SealedMsg, error) {
	var m SealedMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SealedMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeSealed {
		return SealedMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// SealAAD binds a sealed frame to its direction and sequence number.
func SealAAD(fromID, toID [32]byte, seq uint64) []byte {
	buf := make([]byte, 0, len("kore:aad:v1")+32+32+8)
	buf = append(buf, []byte("kore:aad:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(seq>>(8*i)))
	}
	return buf
}
