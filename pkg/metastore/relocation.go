package metastore

import (
	"context"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// Relocation is one pending file move recorded while a rebalance is active
// (spec.md §4.7 "file rebalance"): name currently lives in this shard but
// its latest hashnodes placement now includes target_node.
type Relocation struct {
	VolumeID   int64
	Name       string
	TargetNode [16]byte
}

// EnqueueRelocation records that name needs copying to target (idempotent:
// a duplicate (volume,name,target) triple is silently ignored).
func (s *Store) EnqueueRelocation(ctx context.Context, vid int64, name string, target [16]byte) error {
	db := s.shard(name)
	_, err := db.Exec(ctx, `INSERT OR IGNORE INTO relocations (volume_id, name, target_node) VALUES (?,?,?)`,
		vid, name, target[:])
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "enqueue relocation")
	}
	return nil
}

// DequeueRelocation removes one relocation entry once the target node has
// confirmed receipt.
func (s *Store) DequeueRelocation(ctx context.Context, vid int64, name string, target [16]byte) error {
	db := s.shard(name)
	_, err := db.Exec(ctx, `DELETE FROM relocations WHERE volume_id = ? AND name = ? AND target_node = ?`,
		vid, name, target[:])
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "dequeue relocation")
	}
	return nil
}

// PendingRelocations lists every outstanding relocation in one shard,
// capped at limit rows, ordered for stable pagination by the caller.
func (s *Store) PendingRelocations(ctx context.Context, shardIdx int, limit int) ([]Relocation, error) {
	db := s.shards[shardIdx]
	rows, err := db.Query(ctx, `SELECT volume_id, name, target_node FROM relocations ORDER BY volume_id, name LIMIT ?`, limit)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list relocations")
	}
	defer rows.Close()
	var out []Relocation
	for rows.Next() {
		var r Relocation
		var target []byte
		if err := rows.Scan(&r.VolumeID, &r.Name, &target); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan relocation")
		}
		copy(r.TargetNode[:], target)
		out = append(out, r)
	}
	return out, nil
}
