package contract

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kontains/freenet-kore/internal/ring"
)

func TestDeriveKeyStable(t *testing.T) {
	k1 := DeriveKey([]byte("state-a"))
	k2 := DeriveKey([]byte("state-a"))
	k3 := DeriveKey([]byte("state-b"))
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestApplyAndResolve(t *testing.T) {
	c := NewMemCache(Options{})
	key := DeriveKey([]byte("k"))

	_, ok := c.ResolveLocally(key)
	require.False(t, ok)

	got, err := c.Apply(key, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	state, ok := c.ResolveLocally(key)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), state)

	// Overwrite through the default apply function.
	_, err = c.Apply(key, []byte("v2"))
	require.NoError(t, err)
	state, _ = c.ResolveLocally(key)
	require.Equal(t, []byte("v2"), state)
}

func TestApplyRejectsEmptyValue(t *testing.T) {
	c := NewMemCache(Options{})
	_, err := c.Apply(DeriveKey([]byte("k")), nil)
	require.ErrorIs(t, err, ErrEmptyValue)
	require.Equal(t, 0, c.Len())
}

func TestCustomApplySeesPrevState(t *testing.T) {
	c := NewMemCache(Options{Apply: func(_ ring.NodeID, prev, value []byte) ([]byte, error) {
		return append(append([]byte{}, prev...), value...), nil
	}})
	key := DeriveKey([]byte("k"))

	_, err := c.Apply(key, []byte("a"))
	require.NoError(t, err)
	_, err = c.Apply(key, []byte("b"))
	require.NoError(t, err)

	state, ok := c.ResolveLocally(key)
	require.True(t, ok)
	require.Equal(t, []byte("ab"), state)
}

func TestLRUEviction(t *testing.T) {
	c := NewMemCache(Options{ShardCap: 2})

	// Overfill every shard; the per-shard cap must hold regardless of how
	// keys hash across shards.
	n := DefaultShardCount * 6
	for i := 0; i < n; i++ {
		key := DeriveKey([]byte(fmt.Sprintf("key-%d", i)))
		_, err := c.Apply(key, []byte("v"))
		require.NoError(t, err)
	}
	require.LessOrEqual(t, c.Len(), DefaultShardCount*2)
	require.Greater(t, c.Len(), 0)
}

func TestResolveCopiesState(t *testing.T) {
	c := NewMemCache(Options{})
	key := DeriveKey([]byte("k"))
	_, err := c.Apply(key, []byte("abc"))
	require.NoError(t, err)

	got, _ := c.ResolveLocally(key)
	got[0] = 'x'
	again, _ := c.ResolveLocally(key)
	require.Equal(t, []byte("abc"), again, "callers must not alias cached state")
}
