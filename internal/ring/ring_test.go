package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func id(bytes ...byte) NodeID {
	var n NodeID
	copy(n[:], bytes)
	return n
}

func TestDistanceProperties(t *testing.T) {
	a := id(0x10, 0x01)
	b := id(0x22, 0xf0)

	require.True(t, Distance(a, a).IsZero(), "distance to self must be zero")
	require.Equal(t, Distance(a, b), Distance(b, a), "distance must be symmetric")
	require.Equal(t, 0, Distance(a, b).Cmp(Distance(b, a)))
}

func TestCloser(t *testing.T) {
	target := id(0x10)
	near := id(0x11)
	far := id(0xf0)

	require.True(t, Closer(target, near, far))
	require.False(t, Closer(target, far, near))
	require.False(t, Closer(target, near, near), "equal distance is not closer")
}

func TestParseNodeID(t *testing.T) {
	orig := id(0xab, 0xcd)
	parsed, err := ParseNodeID(orig.String())
	require.NoError(t, err)
	require.Equal(t, orig, parsed)

	_, err = ParseNodeID("zz")
	require.Error(t, err)
	_, err = ParseNodeID("abcd")
	require.Error(t, err, "short input must be rejected")
}

func TestClosestPeersOrderAndExclusion(t *testing.T) {
	self := id(0xff)
	topo := NewTopology(self)
	a := id(0x11)
	b := id(0x12)
	c := id(0x80)
	for _, p := range []NodeID{a, b, c} {
		topo.PeerJoined(p)
	}

	target := id(0x10)
	got := topo.ClosestPeers(target, 3, nil)
	require.Equal(t, []NodeID{a, b, c}, got)

	got = topo.ClosestPeers(target, 2, nil)
	require.Equal(t, []NodeID{a, b}, got)

	got = topo.ClosestPeers(target, 3, map[NodeID]struct{}{a: {}})
	require.Equal(t, []NodeID{b, c}, got)
}

func TestClosestPeersNeverReturnsSelf(t *testing.T) {
	self := id(0x10)
	topo := NewTopology(self)
	topo.PeerJoined(id(0x11))

	for _, p := range topo.ClosestPeers(id(0x10), 8, nil) {
		require.NotEqual(t, self, p)
	}
}

func TestCloserThanSelf(t *testing.T) {
	self := id(0x80)
	topo := NewTopology(self)
	target := id(0x10)

	_, ok := topo.CloserThanSelf(target, nil)
	require.False(t, ok, "no peers means no candidate")

	far := id(0xf0)
	topo.PeerJoined(far)
	_, ok = topo.CloserThanSelf(target, nil)
	require.False(t, ok, "a peer farther than self is not a candidate")

	near := id(0x11)
	topo.PeerJoined(near)
	got, ok := topo.CloserThanSelf(target, nil)
	require.True(t, ok)
	require.Equal(t, near, got)

	_, ok = topo.CloserThanSelf(target, map[NodeID]struct{}{near: {}})
	require.False(t, ok, "excluded peers must not be candidates")
}

func TestPeerLeftShrinksCandidates(t *testing.T) {
	topo := NewTopology(id(0xff))
	p := id(0x11)
	topo.PeerJoined(p)
	require.Equal(t, 1, topo.Len())
	topo.PeerLeft(p)
	require.Equal(t, 0, topo.Len())
	require.Empty(t, topo.ClosestPeers(id(0x10), 8, nil))
}
