// Package rebalance drives one node's share of a cluster rebalance
// (spec.md §4.7): file relocation (relocs_populate + queue drain) and block
// migration (blockstore.Store.RebalanceBlocks), grounded on the teacher's
// reconcile-cycle shape generalized from "converge containers to desired
// state" to "converge block/file placement to the next distribution".
package rebalance

import (
	"context"
	"crypto/sha1"
	"encoding/binary"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/catalog"
	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/metastore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

// VolumeHash derives the placement key for a volume's ownership set: a
// volume's files move together, so hashnodes places the volume itself
// (spec.md §4.7 "for each owned volume"), not any individual file or block.
func VolumeHash(vid int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(vid))
	h := sha1.Sum(buf[:])
	return h[:]
}

// FileMover performs the actual data copy of one file revision to a target
// node; the network transport itself is out of this module's scope, same
// as blockstore.Pusher.
type FileMover interface {
	MoveFile(ctx context.Context, target [16]byte, vid int64, name string) error
}

// Coordinator holds the local stores a rebalance cycle reads and writes.
type Coordinator struct {
	Meta      *metastore.Store
	Blocks    *blockstore.Store
	Catalog   *catalog.Catalog
	LocalNode [16]byte
}

func containsMember(nodes []hdist.Member, id [16]byte) bool {
	for _, n := range nodes {
		if n.NodeUUID == id {
			return true
		}
	}
	return false
}

// RelocsPopulate implements relocs_populate (spec.md §4.7 "STARTREBALANCE on
// each node calls relocs_populate: for each owned volume, if the i-th next
// owner is not a prev owner, enqueue every file's relocation to that
// node"). Returns the number of (file, target) relocation rows enqueued; 0
// if dist isn't mid-rebalance or this node no longer owns the volume at all.
func (c *Coordinator) RelocsPopulate(ctx context.Context, vol types.Volume, dist *hdist.Distribution, replica int) (int, error) {
	if !dist.IsRebalancing() {
		return 0, nil
	}
	key := VolumeHash(vol.VID)
	nextNodes, err := dist.Hashnodes(hdist.Next, key, replica)
	if err != nil {
		return 0, err
	}
	if !containsMember(nextNodes, c.LocalNode) {
		return 0, nil
	}
	prevNodes, err := dist.Hashnodes(hdist.Prev, key, replica)
	if err != nil {
		return 0, err
	}

	var newOwners [][16]byte
	for _, n := range nextNodes {
		if n.NodeUUID == c.LocalNode || containsMember(prevNodes, n.NodeUUID) {
			continue
		}
		newOwners = append(newOwners, n.NodeUUID)
	}
	if len(newOwners) == 0 {
		return 0, nil
	}

	names, err := c.Meta.AllNames(ctx, vol.VID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, name := range names {
		for _, target := range newOwners {
			if err := c.Meta.EnqueueRelocation(ctx, vol.VID, name, target); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// DrainResult reports how many relocations a DrainRelocations pass completed
// versus left queued for retry.
type DrainResult struct {
	Moved   int
	Retried int
}

// DrainRelocations streams pending (file, target) pairs from one metadata
// shard and moves each via mover (spec.md §4.7 "the scheduler moves file
// data to the new owner ... on success"). A failed move is left queued
// rather than treated as fatal, so the next scheduler pass retries it.
func (c *Coordinator) DrainRelocations(ctx context.Context, shardIdx int, limit int, mover FileMover) (DrainResult, error) {
	pending, err := c.Meta.PendingRelocations(ctx, shardIdx, limit)
	if err != nil {
		return DrainResult{}, err
	}
	var out DrainResult
	for _, r := range pending {
		if err := mover.MoveFile(ctx, r.TargetNode, r.VolumeID, r.Name); err != nil {
			out.Retried++
			continue
		}
		if err := c.Meta.DequeueRelocation(ctx, r.VolumeID, r.Name, r.TargetNode); err != nil {
			return out, err
		}
		out.Moved++
	}
	return out, nil
}

// RebalanceBlocks drives the block rebalance iterator (spec.md §4.7 "br_*")
// against every local block shard, tagging the current pass with dist's own
// version as the cutoff age.
func (c *Coordinator) RebalanceBlocks(ctx context.Context, dist *hdist.Distribution, replica int, maxBatch int) (blockstore.RebalanceScanResult, error) {
	return c.Blocks.RebalanceBlocks(ctx, dist, c.LocalNode, replica, dist.Version(), maxBatch)
}

// FinishRebalance implements hdist_set_rebalanced (spec.md §4.7
// "Completion: hdist_set_rebalanced collapses the two-build hdist back to
// one and clears the current/previous distribution split").
func (c *Coordinator) FinishRebalance(ctx context.Context, dist *hdist.Distribution) error {
	dist.CollapseRebalanced()
	return c.Catalog.SaveDistribution(ctx, dist)
}
