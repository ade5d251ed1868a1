// Package proto defines the logical message schema exchanged between peers
// and the framing used on transport streams. Every operation message travels
// inside an Envelope carrying the transaction id, the sender identifier, a
// hop counter and a signature over the payload.
package proto

import (
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

const ProtoVersion = 1

const (
	MsgTypeJoinRequest  = "join_request"
	MsgTypeJoinAck      = "join_ack"
	MsgTypeGetRequest   = "get_request"
	MsgTypeGetResponse  = "get_response"
	MsgTypePutRequest   = "put_request"
	MsgTypePutAck       = "put_ack"
	MsgTypeSubscribe    = "subscribe"
	MsgTypeUnsubscribe  = "unsubscribe"
	MsgTypeHeartbeat    = "heartbeat"
	MsgTypeHeartbeatAck = "heartbeat_ack"
	MsgTypeNack         = "nack"
)

type Envelope struct {
	Type         string          `json:"type"`
	ProtoVersion int             `json:"proto_version"`
	TxID         string          `json:"tx_id"`
	FromNodeID   string          `json:"from_node_id"`
	Hops         int             `json:"hops"`
	TTL          int             `json:"ttl"`
	Body         json.RawMessage `json:"body,omitempty"`
	Sig          string          `json:"sig"`
}

// Operation message bodies. Identifiers and keys are hex encoded; contract
// state and values are base64 via encoding/json []byte rules.

type JoinRequestBody struct {
	TargetID string   `json:"target_id"`
	Addr     string   `json:"addr,omitempty"`
	Visited  []string `json:"visited,omitempty"`
}

type JoinAckBody struct {
	AcceptingPeer string `json:"accepting_peer"`
	Addr          string `json:"addr,omitempty"`
}

type GetRequestBody struct {
	Key     string   `json:"key"`
	Origin  string   `json:"origin"`
	Visited []string `json:"visited,omitempty"`
}

type GetResponseBody struct {
	Key   string `json:"key"`
	State []byte `json:"state"`
}

type PutRequestBody struct {
	Key     string   `json:"key"`
	Origin  string   `json:"origin"`
	Value   []byte   `json:"value"`
	Visited []string `json:"visited,omitempty"`
}

type PutAckBody struct {
	Key string `json:"key"`
	By  string `json:"by"`
}

type SubscribeBody struct {
	Key        string `json:"key"`
	Subscriber string `json:"subscriber"`
}

type UnsubscribeBody struct {
	Key        string `json:"key"`
	Subscriber string `json:"subscriber"`
}

type NackBody struct {
	Reason string `json:"reason"`
}

// Nack reasons carried on the wire.
const (
	NackNoCandidates = "no_candidates"
	NackMaxHops      = "max_hops"
	NackNotFound     = "not_found"
	NackContract     = "contract"
)

// NewEnvelope builds an unsigned envelope around a marshaled body.
func NewEnvelope(msgType, txID, from string, hops, ttl int, body any) (Envelope, error) {
	env := Envelope{
		Type:         msgType,
		ProtoVersion: ProtoVersion,
		TxID:         txID,
		FromNodeID:   from,
		Hops:         hops,
		TTL:          ttl,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, err
		}
		env.Body = raw
	}
	return env, nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("missing msg type")
	}
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("missing msg type")
	}
	return e, nil
}

// SigInput is the canonical byte string an envelope signature covers. The
// signature field itself is excluded.
func SigInput(e Envelope) []byte {
	buf := make([]byte, 0, 64+len(e.Body))
	buf = append(buf, []byte("kore:msg:v1")...)
	buf = append(buf, []byte(e.Type)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(e.TxID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(e.FromNodeID)...)
	buf = append(buf, 0)
	buf = append(buf, byte(e.Hops), byte(e.TTL))
	buf = append(buf, e.Body...)
	return buf
}

func DecodeBody(e Envelope, out any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("missing body")
	}
	return json.Unmarshal(e.Body, out)
}

func DecodeSig(e Envelope) ([]byte, error) {
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) == 0 {
		return nil, fmt.Errorf("bad signature encoding")
	}
	return sig, nil
}
