package blockstore

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/log"
	"github.com/hashfs-io/hashfs/pkg/metrics"
	"github.com/hashfs-io/hashfs/pkg/types"
)

// OnHold reports whether a block hash is pinned by the rebalance hold set
// and must not be collected even if its refcount has dropped to zero
// (spec.md §4.6, §4.7 "Held blocks (onhold)").
type OnHold func(hash types.Hash) bool

// ExpireReservationsByAge implements garbage collector sweep 1 (spec.md
// §4.6): a reservation whose block row was created before now-grace is
// removed, regardless of ttl and of whether the block's payload was stored.
func (s *Store) ExpireReservationsByAge(ctx context.Context, grace time.Duration, maxBatch int) (int, error) {
	cutoff := time.Now().Add(-grace).Unix()
	total := 0
	for _, list := range s.shards {
		for _, sh := range list {
			n, err := expireReservationsByAge(ctx, sh, cutoff, maxBatch)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func expireReservationsByAge(ctx context.Context, sh *shard, cutoff int64, maxBatch int) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	res, err := sh.db.Exec(ctx, `DELETE FROM reservations WHERE rowid IN (
		SELECT r.rowid FROM reservations r JOIN blocks b ON b.id = r.block_id
		WHERE b.created_at < ? LIMIT ?)`, cutoff, maxBatch)
	if err != nil {
		return 0, hferr.Wrap(hferr.FailEInternal, err, "expire reservations by age")
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ExpireReservationsByTTL implements sweep 2: a reservation past its own
// ttl is removed outright.
func (s *Store) ExpireReservationsByTTL(ctx context.Context, now int64, maxBatch int) (int, error) {
	total := 0
	for _, list := range s.shards {
		for _, sh := range list {
			sh.mu.Lock()
			res, err := sh.db.Exec(ctx, `DELETE FROM reservations WHERE rowid IN (
				SELECT rowid FROM reservations WHERE ttl < ? LIMIT ?)`, now, maxBatch)
			sh.mu.Unlock()
			if err != nil {
				return total, hferr.Wrap(hferr.FailEInternal, err, "expire reservations by ttl")
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
	}
	return total, nil
}

// ExpireOperationsByTTL implements sweep 3: stale pending refcount deltas
// are dropped without being applied (the caller that owned them has long
// since given up or completed through another path).
func (s *Store) ExpireOperationsByTTL(ctx context.Context, now int64, maxBatch int) (int, error) {
	total := 0
	for _, list := range s.shards {
		for _, sh := range list {
			sh.mu.Lock()
			res, err := sh.db.Exec(ctx, `DELETE FROM operations WHERE rowid IN (
				SELECT rowid FROM operations WHERE ttl < ? LIMIT ?)`, now, maxBatch)
			sh.mu.Unlock()
			if err != nil {
				return total, hferr.Wrap(hferr.FailEInternal, err, "expire operations by ttl")
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
	}
	return total, nil
}

// RefcountSweepResult summarizes one refcount sweep across every shard.
type RefcountSweepResult struct {
	Reclaimed       int
	SkippedNegative bool
}

// RefcountSweep implements the refcount sweep of spec.md §4.6: a blocks row
// with no live reservations and a zero (or absent) use sum, not on hold, is
// deleted and its slot freed. The safety gate skips (and reports) any block
// that has a use row with a negative used value; outside rebalance the caller must treat
// that as fatal, per spec.md §4.6 "Safety gate".
//
// Each call walks every shard's blocks table from id 0 to exhaustion,
// batching maxBatch rows at a time, mirroring sx_hashfs_gc_run's per-shard
// do{...}while(ret==SQLITE_ROW) loop (original_source/server/src/common/
// hashfs.c:7248-7309): one sweep covers the whole table, and the next sweep
// starts over from scratch. There is no cursor carried between calls — a
// block whose use sum drops to zero is always reachable by the very next
// sweep, regardless of where an earlier sweep left off.
func (s *Store) RefcountSweep(ctx context.Context, onHold OnHold, maxBatch int, rebalancing bool) (RefcountSweepResult, error) {
	var out RefcountSweepResult

	for bs, list := range s.shards {
		for _, sh := range list {
			res, err := refcountSweepShard(ctx, sh, bs, onHold, maxBatch, rebalancing)
			if err != nil {
				return out, err
			}
			out.Reclaimed += res.Reclaimed
			out.SkippedNegative = out.SkippedNegative || res.SkippedNegative
		}
	}
	return out, nil
}

func refcountSweepShard(ctx context.Context, sh *shard, bs types.BlockSize, onHold OnHold, maxBatch int, rebalancing bool) (RefcountSweepResult, error) {
	var out RefcountSweepResult
	var lastID int64

	for {
		batch, rowCount, err := refcountSweepBatch(ctx, sh, bs, onHold, lastID, maxBatch, rebalancing)
		if err != nil {
			return out, err
		}
		out.Reclaimed += batch.Reclaimed
		out.SkippedNegative = out.SkippedNegative || batch.SkippedNegative
		if rowCount < maxBatch {
			return out, nil
		}
		lastID = batch.lastSeenID
	}
}

type refcountBatchResult struct {
	RefcountSweepResult
	lastSeenID int64
}

func refcountSweepBatch(ctx context.Context, sh *shard, bs types.BlockSize, onHold OnHold, afterID int64, maxBatch int, rebalancing bool) (refcountBatchResult, int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out refcountBatchResult
	out.lastSeenID = afterID

	rows, err := sh.db.Query(ctx, `SELECT id, hash, blockno FROM blocks WHERE id > ? ORDER BY id LIMIT ?`, afterID, maxBatch)
	if err != nil {
		return out, 0, hferr.Wrap(hferr.FailEInternal, err, "scan blocks for refcount sweep")
	}
	type candidate struct {
		id      int64
		hash    types.Hash
		blockno *int64
	}
	var candidates []candidate
	for rows.Next() {
		var id int64
		var hashBytes []byte
		var blockno *int64
		if err := rows.Scan(&id, &hashBytes, &blockno); err != nil {
			rows.Close()
			return out, 0, hferr.Wrap(hferr.FailEInternal, err, "scan block row")
		}
		var h types.Hash
		copy(h[:], hashBytes)
		candidates = append(candidates, candidate{id: id, hash: h, blockno: blockno})
		if id > out.lastSeenID {
			out.lastSeenID = id
		}
	}
	rows.Close()
	rowCount := len(candidates)

	for _, c := range candidates {
		if onHold != nil && onHold(c.hash) {
			continue
		}

		var resCount int
		if err := sh.db.QueryRow(ctx, `SELECT COUNT(*) FROM reservations WHERE block_id = ?`, c.id).Scan(&resCount); err != nil {
			return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "count reservations")
		}
		if resCount > 0 {
			continue
		}

		var hasNegative int
		if err := sh.db.QueryRow(ctx, `SELECT COUNT(*) FROM uses WHERE block_id = ? AND used < 0`, c.id).Scan(&hasNegative); err != nil {
			return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "check negative use")
		}
		if hasNegative > 0 {
			out.SkippedNegative = true
			metrics.GCSkippedNegativeUse.WithLabelValues(bs.Class(), strconv.Itoa(sh.idx)).Inc()
			if !rebalancing {
				log.WithComponent("gc").Error().Int64("block_id", c.id).Msg("use row went negative outside rebalance")
			}
			continue
		}

		var sum sql.NullInt64
		row := sh.db.QueryRow(ctx, `SELECT SUM(used) FROM uses WHERE block_id = ?`, c.id)
		if err := row.Scan(&sum); err != nil {
			return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "sum use")
		}
		if sum.Valid && sum.Int64 != 0 {
			continue
		}

		if _, err := sh.db.Exec(ctx, `DELETE FROM blocks WHERE id = ?`, c.id); err != nil {
			return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "delete block")
		}
		if _, err := sh.db.Exec(ctx, `DELETE FROM uses WHERE block_id = ?`, c.id); err != nil {
			return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "delete use rows")
		}
		if c.blockno != nil {
			if _, err := sh.db.Exec(ctx, `INSERT OR IGNORE INTO freelist (blockno) VALUES (?)`, *c.blockno); err != nil {
				return out, rowCount, hferr.Wrap(hferr.FailEInternal, err, "free slot")
			}
		}
		out.Reclaimed++
		metrics.GCReclaimedSlots.WithLabelValues(bs.Class()).Inc()
	}
	return out, rowCount, nil
}
