package jobqueue

import (
	"context"
	"path/filepath"
	"time"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var transferSchema = []string{
	`CREATE TABLE IF NOT EXISTS transfer_push (
		block_hash BLOB NOT NULL,
		block_size INTEGER NOT NULL,
		target_node BLOB NOT NULL,
		sched_time INTEGER NOT NULL,
		expiry_time INTEGER NOT NULL,
		PRIMARY KEY (block_hash, block_size, target_node)
	)`,
}

// TransferStore is the pending block-push queue (xfers.db): one row per
// (block, size, target) a local block is still owed to (spec.md §3
// "Transfer push"). Its existence also defines the rebalance "hold" set —
// a block with any outstanding push must not be GC'd.
type TransferStore struct {
	db *sqlstore.DB
}

// OpenTransferStore opens or creates xfers.db at path.
func OpenTransferStore(path string) (*TransferStore, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MustExecSchema(context.Background(), db, transferSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &TransferStore{db: db}, nil
}

// Close releases the underlying handle.
func (t *TransferStore) Close() error { return t.db.Close() }

// PushBlock implements blockstore.Pusher: it enqueues a pending push rather
// than transferring the payload itself, letting a REPLICATE_BLOCKS job (or
// this process's own transfer worker) drain the queue asynchronously.
func (t *TransferStore) PushBlock(ctx context.Context, hash types.Hash, bs types.BlockSize, target [16]byte) error {
	now := time.Now()
	_, err := t.db.Exec(ctx, `INSERT OR IGNORE INTO transfer_push
		(block_hash, block_size, target_node, sched_time, expiry_time) VALUES (?,?,?,?,?)`,
		hash[:], int64(bs), target[:], now.Unix(), now.Add(types.JobReplicateBlocks.DefaultTimeout()).Unix())
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "enqueue transfer push")
	}
	return nil
}

// Confirm removes a push once the target has acknowledged receipt.
func (t *TransferStore) Confirm(ctx context.Context, hash types.Hash, bs types.BlockSize, target [16]byte) error {
	_, err := t.db.Exec(ctx, `DELETE FROM transfer_push WHERE block_hash = ? AND block_size = ? AND target_node = ?`,
		hash[:], int64(bs), target[:])
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "confirm transfer push")
	}
	return nil
}

// Pending lists up to limit outstanding pushes, oldest first, for the
// transfer worker to drain.
func (t *TransferStore) Pending(ctx context.Context, limit int) ([]types.TransferPush, error) {
	rows, err := t.db.Query(ctx, `SELECT block_hash, block_size, target_node, sched_time, expiry_time
		FROM transfer_push ORDER BY sched_time LIMIT ?`, limit)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list pending transfers")
	}
	defer rows.Close()
	var out []types.TransferPush
	for rows.Next() {
		var p types.TransferPush
		var hash, target []byte
		var bs int64
		var sched, exp int64
		if err := rows.Scan(&hash, &bs, &target, &sched, &exp); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan pending transfer")
		}
		copy(p.BlockHash[:], hash)
		p.BlockSize = types.BlockSize(bs)
		copy(p.Target[:], target)
		p.SchedTime = time.Unix(sched, 0)
		p.ExpiryTime = time.Unix(exp, 0)
		out = append(out, p)
	}
	return out, nil
}

// IsOnHold backs a blockstore.OnHold closure: a block with any outstanding
// push is held from GC until every push confirms (spec.md §4.6 "Safety
// gate" / §4.7 "Held blocks (onhold) cannot be GC'd until the
// corresponding push succeeds").
func (t *TransferStore) IsOnHold(ctx context.Context, hash types.Hash) (bool, error) {
	var n int
	err := t.db.QueryRow(ctx, `SELECT COUNT(*) FROM transfer_push WHERE block_hash = ?`, hash[:]).Scan(&n)
	if err != nil {
		return false, hferr.Wrap(hferr.FailEInternal, err, "check hold set")
	}
	return n > 0, nil
}

// xfersPath is the fixed filename within a node directory (spec.md §6).
func xfersPath(dir string) string { return filepath.Join(dir, "xfers.db") }
