// Package metrics counts protocol events with atomics and writes periodic
// JSON snapshots for the status CLI.
package metrics

import (
	"os"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Conn        ConnMetrics      `json:"conn"`
	Tx          TxMetrics        `json:"tx"`
	Heartbeat   HeartbeatMetrics `json:"heartbeat"`
	Drop        DropMetrics      `json:"drop"`
	Gauges      GaugeMetrics     `json:"gauges"`
}

type ConnMetrics struct {
	DialAttempts     uint64 `json:"dial_attempts"`
	DialFailures     uint64 `json:"dial_failures"`
	HandshakeOK      uint64 `json:"handshake_ok"`
	HandshakeFail    uint64 `json:"handshake_fail"`
	AbruptClosed     uint64 `json:"abrupt_closed"`
	SendBackpressure uint64 `json:"send_backpressure"`
}

type TxMetrics struct {
	Started   uint64 `json:"started"`
	Forwarded uint64 `json:"forwarded"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Retries   uint64 `json:"retries"`
	Cancelled uint64 `json:"cancelled"`
}

type HeartbeatMetrics struct {
	Sent        uint64 `json:"sent"`
	Missed      uint64 `json:"missed"`
	StaleMarked uint64 `json:"stale_marked"`
	Recovered   uint64 `json:"recovered"`
}

type DropMetrics struct {
	BadSignature uint64 `json:"bad_signature"`
	Malformed    uint64 `json:"malformed"`
	UnknownTx    uint64 `json:"unknown_tx"`
	LateReply    uint64 `json:"late_reply"`
}

type GaugeMetrics struct {
	OpenConns uint64 `json:"open_conns"`
	Peers     uint64 `json:"peers"`
	ActiveTx  uint64 `json:"active_tx"`
}

type Metrics struct {
	dialAttempts     atomic.Uint64
	dialFailures     atomic.Uint64
	handshakeOK      atomic.Uint64
	handshakeFail    atomic.Uint64
	abruptClosed     atomic.Uint64
	sendBackpressure atomic.Uint64

	txStarted   atomic.Uint64
	txForwarded atomic.Uint64
	txCompleted atomic.Uint64
	txFailed    atomic.Uint64
	txTimedOut  atomic.Uint64
	txRetries   atomic.Uint64
	txCancelled atomic.Uint64

	hbSent      atomic.Uint64
	hbMissed    atomic.Uint64
	hbStale     atomic.Uint64
	hbRecovered atomic.Uint64

	dropBadSig    atomic.Uint64
	dropMalformed atomic.Uint64
	dropUnknownTx atomic.Uint64
	dropLateReply atomic.Uint64

	openConns atomic.Uint64
	peers     atomic.Uint64
	activeTx  atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDialAttempts()     { m.dialAttempts.Add(1) }
func (m *Metrics) IncDialFailures()     { m.dialFailures.Add(1) }
func (m *Metrics) IncHandshakeOK()      { m.handshakeOK.Add(1) }
func (m *Metrics) IncHandshakeFail()    { m.handshakeFail.Add(1) }
func (m *Metrics) IncAbruptClosed()     { m.abruptClosed.Add(1) }
func (m *Metrics) IncSendBackpressure() { m.sendBackpressure.Add(1) }

func (m *Metrics) IncTxStarted()   { m.txStarted.Add(1) }
func (m *Metrics) IncTxForwarded() { m.txForwarded.Add(1) }
func (m *Metrics) IncTxCompleted() { m.txCompleted.Add(1) }
func (m *Metrics) IncTxFailed()    { m.txFailed.Add(1) }
func (m *Metrics) IncTxTimedOut()  { m.txTimedOut.Add(1) }
func (m *Metrics) IncTxRetries()   { m.txRetries.Add(1) }
func (m *Metrics) IncTxCancelled() { m.txCancelled.Add(1) }

func (m *Metrics) IncHeartbeatSent()      { m.hbSent.Add(1) }
func (m *Metrics) IncHeartbeatMissed()    { m.hbMissed.Add(1) }
func (m *Metrics) IncHeartbeatStale()     { m.hbStale.Add(1) }
func (m *Metrics) IncHeartbeatRecovered() { m.hbRecovered.Add(1) }

func (m *Metrics) IncDropBadSignature() { m.dropBadSig.Add(1) }
func (m *Metrics) IncDropMalformed()    { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropUnknownTx()    { m.dropUnknownTx.Add(1) }
func (m *Metrics) IncDropLateReply()    { m.dropLateReply.Add(1) }

func (m *Metrics) SetOpenConns(v uint64) { m.openConns.Store(v) }
func (m *Metrics) SetPeers(v uint64)     { m.peers.Store(v) }
func (m *Metrics) SetActiveTx(v uint64)  { m.activeTx.Store(v) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Conn: ConnMetrics{
			DialAttempts:     m.dialAttempts.Load(),
			DialFailures:     m.dialFailures.Load(),
			HandshakeOK:      m.handshakeOK.Load(),
			HandshakeFail:    m.handshakeFail.Load(),
			AbruptClosed:     m.abruptClosed.Load(),
			SendBackpressure: m.sendBackpressure.Load(),
		},
		Tx: TxMetrics{
			Started:   m.txStarted.Load(),
			Forwarded: m.txForwarded.Load(),
			Completed: m.txCompleted.Load(),
			Failed:    m.txFailed.Load(),
			TimedOut:  m.txTimedOut.Load(),
			Retries:   m.txRetries.Load(),
			Cancelled: m.txCancelled.Load(),
		},
		Heartbeat: HeartbeatMetrics{
			Sent:        m.hbSent.Load(),
			Missed:      m.hbMissed.Load(),
			StaleMarked: m.hbStale.Load(),
			Recovered:   m.hbRecovered.Load(),
		},
		Drop: DropMetrics{
			BadSignature: m.dropBadSig.Load(),
			Malformed:    m.dropMalformed.Load(),
			UnknownTx:    m.dropUnknownTx.Load(),
			LateReply:    m.dropLateReply.Load(),
		},
		Gauges: GaugeMetrics{
			OpenConns: m.openConns.Load(),
			Peers:     m.peers.Load(),
			ActiveTx:  m.activeTx.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
