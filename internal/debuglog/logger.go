// Package debuglog is a buffered stderr logger for daemon internals. Debug
// output is gated on KORE_DEBUG=1 and written from a single goroutine so
// network paths never block on a slow terminal.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

// sink owns the stderr writer goroutine and the per-key emission times used
// by RateLimitedf. Keys age out lazily on the next rate-limited call.
type sink struct {
	once sync.Once
	ch   chan string

	mu        sync.Mutex
	lastEmit  map[string]time.Time
	lastSweep time.Time
}

var global = sink{
	lastEmit:  make(map[string]time.Time),
	lastSweep: time.Now(),
}

func enabled() bool {
	return os.Getenv("KORE_DEBUG") == "1"
}

func (s *sink) start() {
	s.once.Do(func() {
		s.ch = make(chan string, queueSize)
		go func() {
			for msg := range s.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// allow reports whether key may emit again, recording the emission time and
// pruning keys idle for several intervals.
func (s *sink) allow(key string, interval time.Duration) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastEmit[key]) < interval {
		return false
	}
	s.lastEmit[key] = now
	if now.Sub(s.lastSweep) > 2*interval {
		for k, ts := range s.lastEmit {
			if now.Sub(ts) > 4*interval {
				delete(s.lastEmit, k)
			}
		}
		s.lastSweep = now
	}
	return true
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep network goroutines non-blocking in debug mode.
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval per key. Used for per-peer
// dial and decode errors that would otherwise flood stderr.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	if !global.allow(key, interval) {
		return
	}
	Logf(format, args...)
}
