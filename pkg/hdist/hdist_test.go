package hdist

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
)

func uuidOf(b byte) [16]byte {
	var u [16]byte
	u[0] = b
	return u
}

func threeNodeMembers() []Member {
	return []Member{
		{NodeUUID: uuidOf('A'), PublicAddr: "10.0.0.1:9000", Capacity: 1000},
		{NodeUUID: uuidOf('B'), PublicAddr: "10.0.0.2:9000", Capacity: 1000},
		{NodeUUID: uuidOf('C'), PublicAddr: "10.0.0.3:9000", Capacity: 1000},
	}
}

func TestHashnodesStableAcrossEquivalentBlobs(t *testing.T) {
	hash := sha1.Sum([]byte("placement-stability-fixture"))

	members := threeNodeMembers()
	dA := New(1, 0x1337, members)

	// A second blob built from the same members in a different slice order
	// (as if node B had constructed its own copy of the distribution blob)
	// must still agree with node A, since ordering is seed/uuid derived, not
	// slice-position derived.
	shuffled := []Member{members[2], members[0], members[1]}
	dB := New(1, 0x1337, shuffled)

	gotA, err := dA.Hashnodes(Next, hash[:], 2)
	require.NoError(t, err)
	gotB, err := dB.Hashnodes(Next, hash[:], 2)
	require.NoError(t, err)

	require.Equal(t, gotA, gotB, "every node must compute an identical ordered list for the same hash")
	require.Len(t, gotA, 2)
}

func TestHashnodesPrefixStableAcrossReplicaCount(t *testing.T) {
	hash := sha1.Sum([]byte("prefix-stability"))
	d := New(1, 0x1337, threeNodeMembers())

	one, err := d.Hashnodes(Next, hash[:], 1)
	require.NoError(t, err)
	two, err := d.Hashnodes(Next, hash[:], 2)
	require.NoError(t, err)
	three, err := d.Hashnodes(Next, hash[:], 3)
	require.NoError(t, err)

	require.Equal(t, one[0], two[0])
	require.Equal(t, two[0], three[0])
	require.Equal(t, two[1], three[1])
}

func TestHashnodesReplicaOutOfRange(t *testing.T) {
	hash := sha1.Sum([]byte("range-check"))
	d := New(1, 0x1337, threeNodeMembers())

	_, err := d.Hashnodes(Next, hash[:], 0)
	require.Error(t, err)

	_, err = d.Hashnodes(Next, hash[:], 4)
	require.Error(t, err)
}

func TestHashnodesPrevRequiresRebalance(t *testing.T) {
	hash := sha1.Sum([]byte("prev-without-rebalance"))
	d := New(1, 0x1337, threeNodeMembers())

	_, err := d.Hashnodes(Prev, hash[:], 1)
	require.Error(t, err)
}

func TestHashnodesRebalanceUnions(t *testing.T) {
	hash := sha1.Sum([]byte("union-semantics"))
	prev := []Member{
		{NodeUUID: uuidOf('A'), Capacity: 1000},
		{NodeUUID: uuidOf('B'), Capacity: 1000},
	}
	next := []Member{
		{NodeUUID: uuidOf('B'), Capacity: 1000},
		{NodeUUID: uuidOf('C'), Capacity: 1000},
	}
	d := Rebalancing(2, 0x1337, prev, next)

	replica := 1
	if _, err := d.Hashnodes(Next, hash[:], 3); err == nil {
		t.Fatalf("expected replica bound to be min(len(prev),len(next))=2 during rebalance")
	}

	readSet, err := d.Hashnodes(PrevUnionNext, hash[:], replica)
	require.NoError(t, err)
	require.Len(t, readSet, replica)

	deleteSet, err := d.Hashnodes(NextUnionPrev, hash[:], 2)
	require.NoError(t, err)
	require.Len(t, deleteSet, 2)

	seen := map[[16]byte]bool{}
	for _, m := range deleteSet {
		seen[m.NodeUUID] = true
	}
	require.True(t, seen[uuidOf('A')] || seen[uuidOf('B')] || seen[uuidOf('C')])
}

func TestCollapseRebalanced(t *testing.T) {
	prev := threeNodeMembers()
	next := threeNodeMembers()
	d := Rebalancing(2, 0x1337, prev, next)
	require.True(t, d.IsRebalancing())

	d.CollapseRebalanced()
	require.False(t, d.IsRebalancing())

	hash := sha1.Sum([]byte("post-collapse"))
	_, err := d.Hashnodes(Prev, hash[:], 1)
	require.Error(t, err, "prev lookups must fail once a distribution is no longer rebalancing")
}

func TestMurmurHash64ADeterministic(t *testing.T) {
	a := murmurHash64A([]byte("hashfs"), HDistSeed)
	b := murmurHash64A([]byte("hashfs"), HDistSeed)
	require.Equal(t, a, b)

	c := murmurHash64A([]byte("hashfs2"), HDistSeed)
	require.NotEqual(t, a, c)
}
