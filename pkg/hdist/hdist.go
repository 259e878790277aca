package hdist

import (
	"encoding/binary"
	"sort"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// Member is one node's entry within a Distribution build (spec.md §3
// "Distribution": "(node_uuid, public_addr, internal_addr, capacity)").
type Member struct {
	NodeUUID     [16]byte
	PublicAddr   string
	InternalAddr string
	Capacity     int64
}

// Build is one immutable snapshot within an hdist blob.
type Build struct {
	Members []Member
}

// Which selects which build(s) a Hashnodes lookup consults (spec.md §4.1).
type Which int

const (
	// Next is placement under the target distribution; used for new writes.
	Next Which = iota
	// Prev is placement under the outgoing distribution; valid only while rebalancing.
	Prev
	// PrevUnionNext is the read-side union: prefer the old owner if migration hasn't happened yet.
	PrevUnionNext
	// NextUnionPrev is the delete/decref-side union: reach every historical owner.
	NextUnionPrev
)

// Distribution is the versioned placement model: one build when stable, two
// (Prev, Next) while rebalancing (spec.md §3 "Distribution").
type Distribution struct {
	version int
	seed    uint64
	Prev    *Build // nil unless rebalancing
	Next    Build
}

// New creates a stable (single-build) distribution.
func New(version int, seed uint64, members []Member) *Distribution {
	return &Distribution{version: version, seed: seed, Next: Build{Members: members}}
}

// Rebalancing starts a two-build distribution: Prev is the outgoing
// membership, Next the target one the cluster is migrating towards.
func Rebalancing(version int, seed uint64, prev, next []Member) *Distribution {
	return &Distribution{
		version: version,
		seed:    seed,
		Prev:    &Build{Members: prev},
		Next:    Build{Members: next},
	}
}

// Version returns the monotonic distribution version (spec.md §3).
func (d *Distribution) Version() int { return d.version }

// Seed returns the blob's own seed (spec.md §3 "Distribution"), carried
// with the distribution; Hashnodes does not read it. Placement order depends
// only on the per-hash lookup seed SeedFor derives via HDistSeed, with equal
// scores broken by node uuid.
func (d *Distribution) Seed() uint64 { return d.seed }

// IsRebalancing reports whether this blob carries two builds.
func (d *Distribution) IsRebalancing() bool { return d.Prev != nil }

// CollapseRebalanced implements hdist_set_rebalanced (spec.md §4.7):
// collapses the two-build hdist back to one once rebalance completes.
func (d *Distribution) CollapseRebalanced() {
	d.Prev = nil
}

// score combines a node's uuid with the placement seed using weighted
// rendezvous hashing: the member with the highest score for a given seed is
// ranked first, and — because each member's score is independent of which
// other members are present — asking for more or fewer replicas never
// reorders the prefix already returned. Capacity weights larger nodes
// towards the front of the ordering without making the full ordering depend
// on set membership.
func score(seed uint64, m Member) uint64 {
	buf := make([]byte, 8+16)
	binary.LittleEndian.PutUint64(buf, seed)
	copy(buf[8:], m.NodeUUID[:])
	h := murmurHash64A(buf, HDistSeed)
	if m.Capacity <= 0 {
		return h
	}
	// Scale so capacity differences shift relative ranking deterministically
	// while keeping the hash's pseudo-randomness as the primary tie-break.
	return h/uint64(maxInt64(1, 1<<20/clampCapacity(m.Capacity))) + h
}

func clampCapacity(c int64) int64 {
	if c < 1 {
		return 1
	}
	if c > 1<<20 {
		return 1 << 20
	}
	return c
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func orderedMembers(seed uint64, members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	scores := make(map[[16]byte]uint64, len(out))
	for _, m := range out {
		scores[m.NodeUUID] = score(seed, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].NodeUUID], scores[out[j].NodeUUID]
		if si != sj {
			return si > sj
		}
		return compareUUID(out[i].NodeUUID, out[j].NodeUUID) < 0
	})
	return out
}

func compareUUID(a, b [16]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Hashnodes implements the placement contract of spec.md §4.1:
// hashnodes(which, hash, replica) → ordered node list.
func (d *Distribution) Hashnodes(which Which, hash []byte, replica int) ([]Member, error) {
	seed := SeedFor(hash)
	prevOrdered := []Member(nil)
	if d.Prev != nil {
		prevOrdered = orderedMembers(seed, d.Prev.Members)
	}
	nextOrdered := orderedMembers(seed, d.Next.Members)

	maxReplica := len(nextOrdered)
	if d.Prev != nil {
		if len(prevOrdered) < maxReplica {
			maxReplica = len(prevOrdered)
		}
	}
	if replica < 1 || replica > maxReplica {
		return nil, hferr.Newf(hferr.EINVAL, "replica %d out of range [1,%d]", replica, maxReplica)
	}

	switch which {
	case Next:
		return nextOrdered[:replica], nil
	case Prev:
		if d.Prev == nil {
			return nil, hferr.New(hferr.EINVAL, "hashnodes(prev,...) requires an active rebalance")
		}
		return prevOrdered[:replica], nil
	case PrevUnionNext:
		return unionPreferFirst(prevOrdered, nextOrdered, replica), nil
	case NextUnionPrev:
		return unionPreferFirst(nextOrdered, prevOrdered, replica), nil
	default:
		return nil, hferr.New(hferr.EINVAL, "unknown Which value")
	}
}

// unionPreferFirst returns up to `replica` distinct members drawn from
// `primary` (in its ordered form) first, then from `secondary`, preserving
// the primary build's own ordering and only appending secondary-only
// members that primary lacks.
func unionPreferFirst(primary, secondary []Member, replica int) []Member {
	seen := make(map[[16]byte]bool, replica*2)
	out := make([]Member, 0, replica)
	for _, m := range primary {
		if len(out) >= replica {
			break
		}
		if !seen[m.NodeUUID] {
			seen[m.NodeUUID] = true
			out = append(out, m)
		}
	}
	if len(out) < replica {
		for _, m := range secondary {
			if len(out) >= replica {
				break
			}
			if !seen[m.NodeUUID] {
				seen[m.NodeUUID] = true
				out = append(out, m)
			}
		}
	}
	return out
}
