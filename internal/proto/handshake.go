package proto

import (
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

const (
	MsgTypeHello    = "hello"
	MsgTypeHelloAck = "hello_ack"

	MaxHelloSize = 8 << 10
)

// HelloMsg opens a connection: it proves the dialer's identity and carries
// an X25519 ephemeral for session key agreement. ToNodeID may be empty when
// dialing a gateway whose identity is not yet known; the dialer then pins
// whatever verified identity answers.
type HelloMsg struct {
	Type       string `json:"type"`
	FromNodeID string `json:"from_node_id"`
	FromPub    string `json:"from_pub"`
	ToNodeID   string `json:"to_node_id,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`
	EA         string `json:"ea"`
	Na         string `json:"na"`
	Sig        string `json:"sig"`
}

type HelloAckMsg struct {
	Type       string `json:"type"`
	FromNodeID string `json:"from_node_id"`
	FromPub    string `json:"from_pub"`
	ToNodeID   string `json:"to_node_id"`
	ListenAddr string `json:"listen_addr,omitempty"`
	EB         string `json:"eb"`
	Nb         string `json:"nb"`
	Sig        string `json:"sig"`
}

func EncodeHelloMsg(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	return json.Marshal(m)
}

func DecodeHelloMsg(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeHelloAckMsg(m HelloAckMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHelloAck
	}
	return json.Marshal(m)
}

func DecodeHelloAckMsg(data []byte) (HelloAckMsg, error) {
	var m HelloAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloAckMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeHelloAck {
		return HelloAckMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// HelloSigInput covers the identity binding of the opening message.
func HelloSigInput(fromID, toID [32]byte, ea, na []byte) []byte {
	buf := make([]byte, 0, len("kore:h1:v1")+32+32+len(ea)+len(na))
	buf = append(buf, []byte("kore:h1:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, na...)
	return buf
}

// HelloAckSigInput binds the reply to both ephemerals and nonces.
func HelloAckSigInput(fromID, toID [32]byte, ea, eb, na, nb []byte) []byte {
	buf := make([]byte, 0, len("kore:h2:v1")+32+32+len(ea)+len(eb)+len(na)+len(nb))
	buf = append(buf, []byte("kore:h2:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, ea...)
	buf = append(buf, eb...)
	buf = append(buf, na...)
	buf = append(buf, nb...)
	return buf
}

// HelloBytes and HelloAckBytes are the transcript halves fed into session
// key derivation.
func HelloBytes(fromID, toID [32]byte, ea, na []byte) []byte {
	return HelloSigInput(fromID, toID, ea, na)
}

func HelloAckBytes(fromID, toID [32]byte, eb, nb []byte) []byte {
	buf := make([]byte, 0, len("kore:h2t:v1")+32+32+len(eb)+len(nb))
	buf = append(buf, []byte("kore:h2t:v1")...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	buf = append(buf, eb...)
	buf = append(buf, nb...)
	return buf
}

// HexField decodes a required hex field.
func HexField(name, val string) ([]byte, error) {
	if val == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	raw, err := hex.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("bad %s", name)
	}
	return raw, nil
}
