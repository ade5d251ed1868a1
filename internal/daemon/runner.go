package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kontains/freenet-kore/internal/contract"
	"github.com/kontains/freenet-kore/internal/debuglog"
	"github.com/kontains/freenet-kore/internal/metrics"
	"github.com/kontains/freenet-kore/internal/network"
	"github.com/kontains/freenet-kore/internal/node"
	"github.com/kontains/freenet-kore/internal/peer"
	"github.com/kontains/freenet-kore/internal/ring"
)

const statusWriteInterval = 3 * time.Second

// Runner wires the daemon together: identity, registry, topology, contract
// cache, operation engine and connection manager, plus the background loops
// that keep them moving.
type Runner struct {
	Home    string
	Self    *node.Identity
	Reg     *peer.Registry
	Topo    *ring.Topology
	Store   *OpStore
	Cache   *contract.MemCache
	Engine  *Engine
	Metrics *metrics.Metrics

	cm *connMan
}

func NewRunner(home string) (*Runner, error) {
	self, err := node.LoadOrCreate(home)
	if err != nil {
		return nil, err
	}
	topo := ring.NewTopology(self.ID)
	reg := peer.NewRegistry(topo)
	met := metrics.New()
	store := NewOpStore()
	cache := contract.NewMemCache(contract.Options{})
	cm := newConnMan(self, reg, met)
	eng := NewEngine(self, reg, topo, store, cache, cm, met)
	cm.bind(eng)
	return &Runner{
		Home:    home,
		Self:    self,
		Reg:     reg,
		Topo:    topo,
		Store:   store,
		Cache:   cache,
		Engine:  eng,
		Metrics: met,
		cm:      cm,
	}, nil
}

// Start binds the listener and launches the background loops without
// blocking. The returned channel carries the listener's exit error.
func (r *Runner) Start(ctx context.Context, addr string) (<-chan error, error) {
	ln, err := network.Listen(addr)
	if err != nil {
		return nil, err
	}
	r.cm.setListenAddr(ln.Addr())
	debuglog.Logf("node up id=%s addr=%s", r.Self.ID.Short(), ln.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ln.Serve(ctx, mailboxCap(), r.cm.AcceptLink)
	}()
	go r.cm.RunHeartbeat(ctx)
	go r.Engine.RunRetry(ctx)
	go r.statusLoop(ctx)
	return serveErr, nil
}

// ListenAddr reports the bound transport address once Start has returned.
func (r *Runner) ListenAddr() string {
	return r.cm.ListenAddr()
}

// Close tears down every open link.
func (r *Runner) Close() {
	r.cm.CloseAll()
}

// Run binds the listener and blocks until ctx is cancelled or the listener
// fails. When gateway is non-empty the node joins the ring through it.
func (r *Runner) Run(ctx context.Context, addr, gateway string) error {
	serveErr, err := r.Start(ctx, addr)
	if err != nil {
		return err
	}
	if gateway != "" {
		go r.joinThrough(ctx, gateway)
	}
	select {
	case <-ctx.Done():
		r.cm.CloseAll()
		<-serveErr
		return nil
	case err := <-serveErr:
		r.cm.CloseAll()
		return err
	}
}

func (r *Runner) joinThrough(ctx context.Context, gateway string) {
	p, err := r.Engine.Join(ctx, gateway)
	if err != nil {
		debuglog.Logf("join via %s failed: %v", gateway, err)
		return
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return
	}
	if res.Err != nil {
		debuglog.Logf("join via %s failed: %v", gateway, res.Err)
		return
	}
	debuglog.Logf("joined ring, accepting peer %s", res.Peer.Short())
}

// PeerStatus is one row of the peers.json status file.
type PeerStatus struct {
	NodeID        string    `json:"node_id"`
	Addr          string    `json:"addr,omitempty"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Abrupt        bool      `json:"abrupt,omitempty"`
}

// statusLoop periodically writes metrics.json and peers.json under the node
// home so the status and peers subcommands can inspect a running daemon.
func (r *Runner) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusWriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeStatus()
		}
	}
}

func (r *Runner) writeStatus() {
	r.Metrics.SetOpenConns(network.CurrentConns())
	r.Metrics.SetPeers(uint64(r.Reg.Len()))
	r.Metrics.SetActiveTx(uint64(r.Store.Len()))
	if err := r.Metrics.WriteSnapshot(filepath.Join(r.Home, "metrics.json")); err != nil {
		debuglog.Debugf("metrics snapshot write failed: %v", err)
	}

	entries := r.Reg.Snapshot()
	rows := make([]PeerStatus, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, PeerStatus{
			NodeID:        e.NodeID.String(),
			Addr:          e.Addr,
			State:         e.State.String(),
			LastHeartbeat: e.LastHeartbeat,
			Abrupt:        e.Abrupt,
		})
	}
	raw, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return
	}
	tmp := filepath.Join(r.Home, "peers.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, filepath.Join(r.Home, "peers.json"))
}

// Ring reports the identifiers currently in the routing candidate set.
func (r *Runner) Ring() []ring.NodeID {
	return r.Topo.ClosestPeers(r.Self.ID, r.Topo.Len(), nil)
}
