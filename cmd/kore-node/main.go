package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kontains/freenet-kore/internal/contract"
	"github.com/kontains/freenet-kore/internal/daemon"
	"github.com/kontains/freenet-kore/internal/metrics"
	"github.com/kontains/freenet-kore/internal/ring"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "get", "put", "subscribe":
		return runClientOp(args[0], args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: kore-node <run|status|peers|get|put|subscribe> [args]")
	fmt.Fprintln(w, "  run       --addr <ip:port> [--gateway <ip:port>] [--home <dir>] [--debug]")
	fmt.Fprintln(w, "  status    [--home <dir>]")
	fmt.Fprintln(w, "  peers     [--home <dir>]")
	fmt.Fprintln(w, "  get       --gateway <ip:port> --key <name|hex> [--timeout <dur>]")
	fmt.Fprintln(w, "  put       --gateway <ip:port> --key <name|hex> --value <data> [--timeout <dur>]")
	fmt.Fprintln(w, "  subscribe --gateway <ip:port> --key <name|hex> [--timeout <dur>]")
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".kore")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	gateway := fs.String("gateway", "", "gateway addr to join through")
	home := fs.String("home", defaultHome(), "node home directory")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("KORE_DEBUG", "1")
	}
	runner, err := daemon.NewRunner(*home)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", *addr, runner.Self.ID)
	if err := runner.Run(ctx, *addr, *gateway); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, _ io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	home := fs.String("home", defaultHome(), "node home directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stdout, "status: no snapshot under %s (is the node running?)\n", *home)
		return 1
	}
	fmt.Fprintf(stdout, "snapshot from %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(stdout, "  open conns: %d  peers: %d  active tx: %d\n",
		snap.Gauges.OpenConns, snap.Gauges.Peers, snap.Gauges.ActiveTx)
	fmt.Fprintf(stdout, "  conn: dials=%d dial_failures=%d handshake_ok=%d handshake_fail=%d abrupt=%d\n",
		snap.Conn.DialAttempts, snap.Conn.DialFailures, snap.Conn.HandshakeOK, snap.Conn.HandshakeFail, snap.Conn.AbruptClosed)
	fmt.Fprintf(stdout, "  tx: started=%d forwarded=%d completed=%d failed=%d timed_out=%d retries=%d cancelled=%d\n",
		snap.Tx.Started, snap.Tx.Forwarded, snap.Tx.Completed, snap.Tx.Failed, snap.Tx.TimedOut, snap.Tx.Retries, snap.Tx.Cancelled)
	fmt.Fprintf(stdout, "  heartbeat: sent=%d missed=%d stale=%d recovered=%d\n",
		snap.Heartbeat.Sent, snap.Heartbeat.Missed, snap.Heartbeat.StaleMarked, snap.Heartbeat.Recovered)
	fmt.Fprintf(stdout, "  drops: bad_sig=%d malformed=%d unknown_tx=%d late_reply=%d\n",
		snap.Drop.BadSignature, snap.Drop.Malformed, snap.Drop.UnknownTx, snap.Drop.LateReply)
	return 0
}

func runPeers(args []string, stdout, _ io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	home := fs.String("home", defaultHome(), "node home directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	data, err := os.ReadFile(filepath.Join(*home, "peers.json"))
	if err != nil {
		fmt.Fprintf(stdout, "peers: no snapshot under %s (is the node running?)\n", *home)
		return 1
	}
	var rows []daemon.PeerStatus
	if err := json.Unmarshal(data, &rows); err != nil {
		fmt.Fprintf(stdout, "peers: unreadable snapshot: %v\n", err)
		return 1
	}
	for _, p := range rows {
		line := fmt.Sprintf("%s state=%s", p.NodeID, p.State)
		if p.Addr != "" {
			line += " addr=" + p.Addr
		}
		if !p.LastHeartbeat.IsZero() {
			line += " last_heartbeat=" + p.LastHeartbeat.Format("15:04:05")
		}
		if p.Abrupt {
			line += " abrupt"
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

// runClientOp spins up a transient node, joins the ring through the gateway,
// performs a single overlay operation and exits.
func runClientOp(op string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(stderr)
	gateway := fs.String("gateway", "", "gateway addr to join through")
	keyArg := fs.String("key", "", "contract key (name, or 64-char hex id)")
	value := fs.String("value", "", "state value (put only)")
	home := fs.String("home", "", "node home directory (default: transient)")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline (0 disables, subscribe only)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *gateway == "" || *keyArg == "" {
		fmt.Fprintf(stderr, "%s: --gateway and --key are required\n", op)
		return 1
	}
	if op == "put" && *value == "" {
		fmt.Fprintln(stderr, "put: --value is required")
		return 1
	}
	if *debug {
		_ = os.Setenv("KORE_DEBUG", "1")
	}

	key, err := ring.ParseNodeID(*keyArg)
	if err != nil {
		key = contract.DeriveKey([]byte(*keyArg))
	}

	dir := *home
	if dir == "" {
		tmp, err := os.MkdirTemp("", "kore-client-")
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", op, err)
			return 1
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	runner, err := daemon.NewRunner(dir)
	if err != nil {
		fmt.Fprintf(stderr, "%s: load node failed: %v\n", op, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if _, err := runner.Start(ctx, "127.0.0.1:0"); err != nil {
		fmt.Fprintf(stderr, "%s: listen failed: %v\n", op, err)
		return 1
	}
	defer runner.Close()

	p, err := runner.Engine.Join(ctx, *gateway)
	if err != nil {
		fmt.Fprintf(stderr, "%s: join via %s failed: %v\n", op, *gateway, err)
		return 1
	}
	res, err := p.Wait(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s: join via %s failed: %v\n", op, *gateway, err)
		return 1
	}
	if res.Err != nil {
		fmt.Fprintf(stderr, "%s: join via %s failed: %v\n", op, *gateway, res.Err)
		return 1
	}

	switch op {
	case "get":
		p, err = runner.Engine.Get(key)
	case "put":
		p, err = runner.Engine.Put(key, []byte(*value))
	case "subscribe":
		p, err = runner.Engine.Subscribe(key)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, err)
		return 1
	}
	res, err = p.Wait(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, err)
		return 1
	}
	if res.Err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", op, res.Err)
		return 1
	}

	switch op {
	case "get":
		fmt.Fprintf(stdout, "%s\n", res.State)
	case "put":
		fmt.Fprintf(stdout, "stored key=%s via=%s\n", key, res.Peer)
	case "subscribe":
		fmt.Fprintf(stdout, "subscribed key=%s via=%s\n", key, res.Peer)
		return watchUpdates(ctx, stdout, runner, key)
	}
	return 0
}

// watchUpdates prints the key's state every time a routed put lands in the
// local cache, until the context ends.
func watchUpdates(ctx context.Context, stdout io.Writer, runner *daemon.Runner, key ring.NodeID) int {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last []byte
	var seen bool
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			state, ok := runner.Cache.ResolveLocally(key)
			if !ok || (seen && bytes.Equal(state, last)) {
				continue
			}
			last, seen = state, true
			fmt.Fprintf(stdout, "update key=%s value=%s\n", key, state)
		}
	}
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, err
	}
	return snap, nil
}
