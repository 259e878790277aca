package blockstore

import (
	"context"

	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

// RebalanceScanResult summarizes one pass of the block rebalance iterator
// (spec.md §4.7 "br_*"): how many stale blocks were migrated away and how
// many were kept and restamped. A pass that returns zero for both found no
// stale use rows left to process.
type RebalanceScanResult struct {
	Migrated int
	Ignored  int
}

// RebalanceBlocks implements the block rebalance iterator: scans blocks
// whose use rows are stamped with an age older than currentVersion. A block
// still placed on this node under dist's Next build is left alone (its
// stale use rows are simply re-stamped to currentVersion so the next pass
// skips them). A block this node no longer owns is pushed to every Next
// owner that wasn't already a Prev owner (so a node that already held a
// copy before the rebalance isn't re-sent one), and its stale use rows are
// deleted immediately — the transfer queue's hold set (spec.md §4.7 "Held
// blocks (onhold) cannot be GC'd until the corresponding push succeeds")
// is what keeps the underlying slot alive until the new owner actually
// confirms receipt, not this node's own use accounting.
func (s *Store) RebalanceBlocks(ctx context.Context, dist *hdist.Distribution, localNode [16]byte, replica int, currentVersion int, maxBatch int) (RebalanceScanResult, error) {
	var out RebalanceScanResult
	for bs, list := range s.shards {
		for _, sh := range list {
			res, err := rebalanceShard(ctx, sh, bs, s.pusher, dist, localNode, replica, currentVersion, maxBatch)
			if err != nil {
				return out, err
			}
			out.Migrated += res.Migrated
			out.Ignored += res.Ignored
		}
	}
	return out, nil
}

func rebalanceShard(ctx context.Context, sh *shard, bs types.BlockSize, pusher Pusher, dist *hdist.Distribution, localNode [16]byte, replica int, currentVersion int, maxBatch int) (RebalanceScanResult, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out RebalanceScanResult
	rows, err := sh.db.Query(ctx, `SELECT DISTINCT b.id, b.hash FROM blocks b
		JOIN uses u ON u.block_id = b.id WHERE u.age < ? LIMIT ?`, currentVersion, maxBatch)
	if err != nil {
		return out, hferr.Wrap(hferr.FailEInternal, err, "scan stale blocks")
	}
	type candidate struct {
		id   int64
		hash types.Hash
	}
	var candidates []candidate
	for rows.Next() {
		var id int64
		var hashBytes []byte
		if err := rows.Scan(&id, &hashBytes); err != nil {
			rows.Close()
			return out, hferr.Wrap(hferr.FailEInternal, err, "scan stale block row")
		}
		var h types.Hash
		copy(h[:], hashBytes)
		candidates = append(candidates, candidate{id: id, hash: h})
	}
	rows.Close()

	for _, c := range candidates {
		nextNodes, err := dist.Hashnodes(hdist.Next, c.hash[:], replica)
		if err != nil {
			return out, err
		}
		if containsNode(nextNodes, localNode) {
			if _, err := sh.db.Exec(ctx, `UPDATE uses SET age = ? WHERE block_id = ? AND age < ?`,
				currentVersion, c.id, currentVersion); err != nil {
				return out, hferr.Wrap(hferr.FailEInternal, err, "restamp use age")
			}
			out.Ignored++
			continue
		}

		var prevNodes []hdist.Member
		if dist.IsRebalancing() {
			prevNodes, err = dist.Hashnodes(hdist.Prev, c.hash[:], replica)
			if err != nil {
				return out, err
			}
		}
		if pusher != nil {
			for _, n := range nextNodes {
				if n.NodeUUID == localNode || containsNode(prevNodes, n.NodeUUID) {
					continue
				}
				if err := pusher.PushBlock(ctx, c.hash, bs, n.NodeUUID); err != nil {
					return out, err
				}
			}
		}
		if _, err := sh.db.Exec(ctx, `DELETE FROM uses WHERE block_id = ? AND age < ?`, c.id, currentVersion); err != nil {
			return out, hferr.Wrap(hferr.FailEInternal, err, "delete stale use rows")
		}
		out.Migrated++
	}
	return out, nil
}
