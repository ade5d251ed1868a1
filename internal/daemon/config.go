package daemon

import (
	"os"
	"strconv"
	"time"
)

// Tunables follow the same pattern throughout: a default constant and a
// KORE_* environment override read at call time, so tests can retune the
// daemon with t.Setenv.
const (
	defaultHeartbeatIntervalMS = 2000
	defaultStaleMisses         = 3
	defaultCloseMisses         = 3
	defaultDialTimeoutMS       = 8000
	defaultMailboxCap          = 64
	defaultMaxHops             = 10
	defaultMaxRetries          = 3
	defaultRetryBaseMS         = 500
	defaultRetryCapMS          = 30000
	defaultSweepIntervalMS     = 250
	defaultTxDeadlineMS        = 30000
	defaultPutAcks             = 1
	defaultRoutingK            = 8
	defaultJoinCapacity        = 16

	backoffJitter = 250 * time.Millisecond
)

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func heartbeatInterval() time.Duration {
	if v, ok := envInt("KORE_HEARTBEAT_INTERVAL_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultHeartbeatIntervalMS * time.Millisecond
}

// staleMisses is M, the consecutive missed acks before Open goes Stale.
func staleMisses() int {
	if v, ok := envInt("KORE_HEARTBEAT_STALE_MISSES"); ok && v > 0 {
		return v
	}
	return defaultStaleMisses
}

// closeMisses is M2, the further misses before Stale goes Closed.
func closeMisses() int {
	if v, ok := envInt("KORE_HEARTBEAT_CLOSE_MISSES"); ok && v > 0 {
		return v
	}
	return defaultCloseMisses
}

func dialTimeout() time.Duration {
	if v, ok := envInt("KORE_DIAL_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultDialTimeoutMS * time.Millisecond
}

func mailboxCap() int {
	if v, ok := envInt("KORE_MAILBOX_CAP"); ok && v > 0 {
		return v
	}
	return defaultMailboxCap
}

func maxHops() int {
	if v, ok := envInt("KORE_MAX_HOPS"); ok && v > 0 {
		return v
	}
	return defaultMaxHops
}

func maxRetries() int {
	if v, ok := envInt("KORE_MAX_RETRIES"); ok && v > 0 {
		return v
	}
	return defaultMaxRetries
}

func retryBase() time.Duration {
	if v, ok := envInt("KORE_RETRY_BASE_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultRetryBaseMS * time.Millisecond
}

func retryCap() time.Duration {
	if v, ok := envInt("KORE_RETRY_CAP_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultRetryCapMS * time.Millisecond
}

func sweepInterval() time.Duration {
	if v, ok := envInt("KORE_SWEEP_INTERVAL_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultSweepIntervalMS * time.Millisecond
}

func txDeadline() time.Duration {
	if v, ok := envInt("KORE_TX_DEADLINE_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultTxDeadlineMS * time.Millisecond
}

// putAcks is the ack quorum a Put needs before completing.
func putAcks() int {
	if v, ok := envInt("KORE_PUT_ACKS"); ok && v > 0 {
		return v
	}
	return defaultPutAcks
}

func routingK() int {
	if v, ok := envInt("KORE_ROUTING_K"); ok && v > 0 {
		return v
	}
	return defaultRoutingK
}

// joinCapacity caps how many open connections a node holds before it stops
// accepting joiners directly and forwards them ringward instead.
func joinCapacity() int {
	if v, ok := envInt("KORE_JOIN_CAPACITY"); ok && v > 0 {
		return v
	}
	return defaultJoinCapacity
}
