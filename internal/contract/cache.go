// Package contract exposes the execution collaborator interface consumed by
// the operation engine, plus an in-memory cache implementation. Contract
// state lives only for the process lifetime; a restarting node rejoins and
// refetches rather than resuming.
package contract

import (
	"container/list"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kontains/freenet-kore/internal/crypto"
	"github.com/kontains/freenet-kore/internal/ring"
)

// Cache is what the engine sees of the contract sandbox: local resolution
// for Get and state application for Put. Apply errors are contract failures
// and surface verbatim as a Failed terminal result.
type Cache interface {
	ResolveLocally(key ring.NodeID) ([]byte, bool)
	Apply(key ring.NodeID, value []byte) ([]byte, error)
}

// ApplyFunc runs contract logic over the previous state and an incoming
// value, returning the new state. prev is nil for a first write.
type ApplyFunc func(key ring.NodeID, prev, value []byte) ([]byte, error)

var ErrEmptyValue = errors.New("empty contract value")

// DeriveKey maps contract content into the identifier space so keys route
// like peers do.
func DeriveKey(data []byte) ring.NodeID {
	buf := make([]byte, 0, len("kore:contract:v1")+len(data))
	buf = append(buf, []byte("kore:contract:v1")...)
	buf = append(buf, data...)
	sum := crypto.SHA3_256(buf)
	var k ring.NodeID
	copy(k[:], sum)
	return k
}

const (
	DefaultShardCount = 16
	DefaultShardCap   = 512
)

type Options struct {
	ShardCap int
	Apply    ApplyFunc
}

// MemCache is a sharded LRU. Shard selection hashes the key with xxhash so
// concurrent operations on unrelated keys rarely contend.
type MemCache struct {
	shards [DefaultShardCount]*shard
	apply  ApplyFunc
}

type shard struct {
	mu    sync.Mutex
	cap   int
	hot   map[ring.NodeID]*list.Element
	order *list.List
}

type entry struct {
	key   ring.NodeID
	state []byte
}

func NewMemCache(opts Options) *MemCache {
	capacity := opts.ShardCap
	if capacity <= 0 {
		capacity = DefaultShardCap
	}
	apply := opts.Apply
	if apply == nil {
		apply = func(_ ring.NodeID, _, value []byte) ([]byte, error) {
			if len(value) == 0 {
				return nil, ErrEmptyValue
			}
			out := make([]byte, len(value))
			copy(out, value)
			return out, nil
		}
	}
	c := &MemCache{apply: apply}
	for i := range c.shards {
		c.shards[i] = &shard{
			cap:   capacity,
			hot:   make(map[ring.NodeID]*list.Element),
			order: list.New(),
		}
	}
	return c
}

func (c *MemCache) shardFor(key ring.NodeID) *shard {
	return c.shards[xxhash.Sum64(key[:])%DefaultShardCount]
}

func (c *MemCache) ResolveLocally(key ring.NodeID) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	elt, ok := s.hot[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(elt)
	st := elt.Value.(*entry).state
	out := make([]byte, len(st))
	copy(out, st)
	return out, true
}

func (c *MemCache) Apply(key ring.NodeID, value []byte) ([]byte, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev []byte
	if elt, ok := s.hot[key]; ok {
		prev = elt.Value.(*entry).state
	}
	next, err := c.apply(key, prev, value)
	if err != nil {
		return nil, err
	}
	if elt, ok := s.hot[key]; ok {
		elt.Value.(*entry).state = next
		s.order.MoveToFront(elt)
		return next, nil
	}
	s.hot[key] = s.order.PushFront(&entry{key: key, state: next})
	for s.order.Len() > s.cap {
		back := s.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*entry)
		delete(s.hot, evicted.key)
		s.order.Remove(back)
	}
	return next, nil
}

// Len reports the cached key count across shards.
func (c *MemCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.hot)
		s.mu.Unlock()
	}
	return total
}
