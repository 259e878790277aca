// Package blockstore implements the content-addressed block layer (spec.md
// §4.2): 48 shards — one per (size class, shard index) pair — each a flat
// data file of fixed-size slots plus a blocks/reservations/operations/uses
// index, grounded on the teacher's boltdb.go shape but backed by an embedded
// SQL engine (pkg/sqlstore) instead of a single-bucket KV store.
package blockstore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/log"
	"github.com/hashfs-io/hashfs/pkg/metrics"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash BLOB NOT NULL UNIQUE,
		blockno INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_id ON blocks(id)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		block_id INTEGER NOT NULL,
		reserve_id BLOB NOT NULL,
		ttl INTEGER NOT NULL,
		PRIMARY KEY (block_id, reserve_id)
	)`,
	`CREATE TABLE IF NOT EXISTS operations (
		block_id INTEGER NOT NULL,
		token_id BLOB NOT NULL,
		replica INTEGER NOT NULL,
		op INTEGER NOT NULL,
		ttl INTEGER NOT NULL,
		PRIMARY KEY (block_id, token_id, replica, op)
	)`,
	`CREATE TABLE IF NOT EXISTS uses (
		block_id INTEGER NOT NULL,
		replica INTEGER NOT NULL,
		age INTEGER NOT NULL,
		used INTEGER NOT NULL,
		PRIMARY KEY (block_id, replica, age)
	)`,
	`CREATE TABLE IF NOT EXISTS freelist (blockno INTEGER PRIMARY KEY)`,
	`CREATE TABLE IF NOT EXISTS shard_meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`,
}

// HashopKind tags the four hashop variants of spec.md §4.2.
type HashopKind int

const (
	HashopCheck HashopKind = iota
	HashopReserve
	HashopInUse
	HashopDelete
)

// HashopResult reports presence after a hashop call.
type HashopResult struct {
	Present bool
}

// Pusher enqueues a block push to a replica target; implemented by
// pkg/jobqueue and passed in at construction so blockstore never imports the
// job queue directly (spec.md §4.2 "enqueue pushes to the other replicas").
type Pusher interface {
	PushBlock(ctx context.Context, hash types.Hash, bs types.BlockSize, target [16]byte) error
}

// shard is one (size class, index) pair: an index database plus its flat
// data file, held open for the engine's lifetime (spec.md §9 "Shared-file
// descriptors").
type shard struct {
	bs   types.BlockSize
	idx  int
	db   *sqlstore.DB
	data *os.File
	mu   sync.Mutex // serializes slot allocation within this shard
}

// Store is the block layer for one node directory: 3 size classes x 16
// shards = 48 (db, data file) pairs (spec.md §2 item 3).
type Store struct {
	dir         string
	clusterUUID [16]byte
	shards      map[types.BlockSize][]*shard
	pusher      Pusher
}

// Open opens or creates every shard under dir. clusterUUID seeds both the
// block hash (SHA1(cluster_uuid_string ∥ payload)) and the data file header.
func Open(dir string, clusterUUID [16]byte, pusher Pusher) (*Store, error) {
	s := &Store{
		dir:         dir,
		clusterUUID: clusterUUID,
		shards:      make(map[types.BlockSize][]*shard),
		pusher:      pusher,
	}
	for _, bs := range types.BlockSizes {
		list := make([]*shard, types.NumBlockShards)
		for idx := 0; idx < types.NumBlockShards; idx++ {
			sh, err := openShard(dir, bs, idx, clusterUUID)
			if err != nil {
				s.Close()
				return nil, err
			}
			list[idx] = sh
		}
		s.shards[bs] = list
	}
	return s, nil
}

func openShard(dir string, bs types.BlockSize, idx int, clusterUUID [16]byte) (*shard, error) {
	dbPath := filepath.Join(dir, fmt.Sprintf("h%s%08x.db", bs.Class(), idx))
	db, err := sqlstore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := sqlstore.MustExecSchema(ctx, db, schema); err != nil {
		db.Close()
		return nil, err
	}

	dataPath := filepath.Join(dir, fmt.Sprintf("h%s%08x.bin", bs.Class(), idx))
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		db.Close()
		return nil, hferr.Wrap(hferr.FailEInit, err, "open data file "+dataPath)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		db.Close()
		return nil, hferr.Wrap(hferr.FailEInit, err, "stat data file "+dataPath)
	}
	want := header{ShardName: shardName(bs, idx), BlockSize: bs, ClusterUUID: clusterUUID}
	if fi.Size() == 0 {
		if err := writeHeader(f, want); err != nil {
			f.Close()
			db.Close()
			return nil, err
		}
	} else {
		if err := readAndValidateHeader(f, want); err != nil {
			log.WithComponent("blockstore").Error().Err(err).Str("path", dataPath).Msg("data file header validation failed")
			f.Close()
			db.Close()
			return nil, err
		}
	}
	return &shard{bs: bs, idx: idx, db: db, data: f}, nil
}

// Close releases every shard's database handle and file descriptor.
func (s *Store) Close() error {
	var firstErr error
	for _, list := range s.shards {
		for _, sh := range list {
			if sh == nil {
				continue
			}
			if sh.data != nil {
				if err := sh.data.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			if sh.db != nil {
				if err := sh.db.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// HashBuf computes SHA1(cluster_uuid_string ∥ payload) (spec.md §3 "Block",
// §8 "hash_buf(salt, buf) is a pure function"). payload must already be the
// full bs-byte logical block content — callers short a final block pad it
// with zeros to bs before hashing (spec.md §8 scenario 1: H2 is taken over
// the short remainder followed by zero padding up to the block size).
func (s *Store) HashBuf(payload []byte) types.Hash {
	return hashBuf(s.clusterUUID, payload)
}

// padToBlockSize returns payload zero-padded up to bs, or payload itself
// (unmodified, no copy) if it already has that length.
func padToBlockSize(payload []byte, bs types.BlockSize) []byte {
	if len(payload) >= int(bs) {
		return payload[:bs]
	}
	out := make([]byte, bs)
	copy(out, payload)
	return out
}

func hashBuf(clusterUUID [16]byte, payload []byte) types.Hash {
	h := sha1.New()
	h.Write([]byte(uuidString(clusterUUID)))
	h.Write(payload)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func uuidString(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func shardIndex(hash types.Hash) int {
	return int(hash[0]) % types.NumBlockShards
}

func (s *Store) shardFor(bs types.BlockSize, hash types.Hash) (*shard, error) {
	list, ok := s.shards[bs]
	if !ok {
		return nil, hferr.New(hferr.FailBadBlockSize, "unconfigured block size")
	}
	return list[shardIndex(hash)], nil
}

// BlockPut implements block_put (spec.md §4.2): computes the hash, verifies
// local placement, allocates a slot, writes the payload, and indexes it.
// Returns EAGAIN if the hash is already fully indexed (duplicate). bs is the
// block size class of the file this payload belongs to (chosen once per
// file by types.BlockSizeFor, not re-derived per block); payload may be
// shorter than bs only for a file's final block.
func (s *Store) BlockPut(ctx context.Context, bs types.BlockSize, payload []byte, replica int, localNode [16]byte, dist *hdist.Distribution, propagate bool) (types.Hash, error) {
	if len(payload) == 0 || len(payload) > int(bs) {
		return types.Hash{}, hferr.New(hferr.EINVAL, "payload size out of range for block size")
	}
	padded := padToBlockSize(payload, bs)
	hash := s.HashBuf(padded)

	if dist != nil {
		nodes, err := dist.Hashnodes(hdist.Next, hash[:], replica)
		if err != nil {
			return types.Hash{}, err
		}
		if !containsNode(nodes, localNode) {
			return types.Hash{}, hferr.New(hferr.EPERM, "local node is not in next-placement for this hash/replica")
		}
	}

	sh, err := s.shardFor(bs, hash)
	if err != nil {
		return types.Hash{}, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var blockID int64
	var existingBlockno sql.NullInt64
	row := sh.db.QueryRow(ctx, `SELECT id, blockno FROM blocks WHERE hash = ?`, hash[:])
	switch err := row.Scan(&blockID, &existingBlockno); {
	case err == nil:
		if existingBlockno.Valid {
			return hash, hferr.New(hferr.EAGAIN, "block already indexed")
		}
	case errors.Is(err, sql.ErrNoRows):
		blockID = 0
	default:
		return types.Hash{}, hferr.Wrap(hferr.FailEInternal, err, "lookup block")
	}

	blockno, err := allocSlot(ctx, sh)
	if err != nil {
		return types.Hash{}, err
	}

	offset := int64(blockno) * int64(bs)
	if _, err := sh.data.WriteAt(padded, offset); err != nil {
		return types.Hash{}, hferr.Wrap(hferr.FailEInternal, err, "write block payload")
	}

	now := time.Now().Unix()
	if blockID == 0 {
		_, err = sh.db.Exec(ctx, `INSERT INTO blocks (hash, blockno, created_at) VALUES (?,?,?)`,
			hash[:], blockno, now)
	} else {
		_, err = sh.db.Exec(ctx, `UPDATE blocks SET blockno = ?, created_at = ? WHERE id = ?`,
			blockno, now, blockID)
	}
	if err != nil {
		return types.Hash{}, hferr.Wrap(hferr.FailEInternal, err, "index block")
	}

	metrics.BlocksStored.WithLabelValues(bs.Class()).Inc()

	if propagate && replica > 1 && dist != nil && s.pusher != nil {
		nodes, err := dist.Hashnodes(hdist.Next, hash[:], replica)
		if err == nil {
			for _, n := range nodes {
				if n.NodeUUID == localNode {
					continue
				}
				if err := s.pusher.PushBlock(ctx, hash, bs, n.NodeUUID); err != nil {
					log.WithComponent("blockstore").Warn().Err(err).Msg("enqueue block push failed")
				}
			}
		}
	}
	return hash, nil
}

func containsNode(nodes []hdist.Member, id [16]byte) bool {
	for _, n := range nodes {
		if n.NodeUUID == id {
			return true
		}
	}
	return false
}

// allocSlot pops a freelist entry or bumps the shard's monotonic blockno
// counter. Must be called with sh.mu held.
func allocSlot(ctx context.Context, sh *shard) (int64, error) {
	var blockno int64
	row := sh.db.QueryRow(ctx, `SELECT blockno FROM freelist ORDER BY blockno LIMIT 1`)
	switch err := row.Scan(&blockno); {
	case err == nil:
		if _, err := sh.db.Exec(ctx, `DELETE FROM freelist WHERE blockno = ?`, blockno); err != nil {
			return 0, hferr.Wrap(hferr.FailEInternal, err, "pop freelist")
		}
		return blockno, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to bump
	default:
		return 0, hferr.Wrap(hferr.FailEInternal, err, "query freelist")
	}

	var next int64
	metaRow := sh.db.QueryRow(ctx, `SELECT value FROM shard_meta WHERE key = 'next_blockno'`)
	switch err := metaRow.Scan(&next); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		next = 1 // slot 0 is the header
	default:
		return 0, hferr.Wrap(hferr.FailEInternal, err, "read next_blockno")
	}
	if _, err := sh.db.Exec(ctx, `INSERT INTO shard_meta(key,value) VALUES('next_blockno', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, next+1); err != nil {
		return 0, hferr.Wrap(hferr.FailEInternal, err, "advance next_blockno")
	}
	return next, nil
}

// BlockGet implements block_get (spec.md §4.2): index lookup then a
// positional read of the indexed slot. Returns the full bs-byte logical
// block (zero-padded tail included for a file's final block); callers
// trim to the file's exact remaining byte count.
func (s *Store) BlockGet(ctx context.Context, bs types.BlockSize, hash types.Hash) ([]byte, error) {
	sh, err := s.shardFor(bs, hash)
	if err != nil {
		return nil, err
	}

	var blockno sql.NullInt64
	row := sh.db.QueryRow(ctx, `SELECT blockno FROM blocks WHERE hash = ?`, hash[:])
	switch err := row.Scan(&blockno); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, hferr.New(hferr.ENOENT, "block not found")
	default:
		return nil, hferr.Wrap(hferr.FailEInternal, err, "lookup block")
	}
	if !blockno.Valid {
		return nil, hferr.New(hferr.ENOENT, "block not yet stored")
	}

	buf := make([]byte, bs)
	offset := blockno.Int64 * int64(bs)
	if _, err := sh.data.ReadAt(buf, offset); err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "read block payload")
	}
	metrics.BlocksRead.WithLabelValues(bs.Class()).Inc()
	return buf, nil
}

// Hashop implements hashop (spec.md §4.2). id is 20 bytes (group/file id) or
// 40 bytes (group id ∥ token id); the token id half is required for InUse
// and Delete.
func (s *Store) Hashop(ctx context.Context, bs types.BlockSize, hash types.Hash, kind HashopKind, id []byte, replica int, ttl int64, age int64) (HashopResult, error) {
	if len(id) != 20 && len(id) != 40 {
		return HashopResult{}, hferr.New(hferr.EINVAL, "id must be 20 or 40 bytes")
	}
	groupID := id[0:20]
	var tokenID []byte
	if len(id) == 40 {
		tokenID = id[20:40]
	}

	sh, err := s.shardFor(bs, hash)
	if err != nil {
		return HashopResult{}, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var result HashopResult
	err = sh.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		var blockID int64
		var blockno sql.NullInt64
		row := tx.QueryRow(ctx, `SELECT id, blockno FROM blocks WHERE hash = ?`, hash[:])
		scanErr := row.Scan(&blockID, &blockno)
		exists := scanErr == nil
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return hferr.Wrap(hferr.FailEInternal, scanErr, "lookup block")
		}
		result.Present = exists && blockno.Valid

		switch kind {
		case HashopCheck:
			return nil

		case HashopReserve:
			if !exists {
				res, err := tx.Exec(ctx, `INSERT INTO blocks (hash, blockno, created_at) VALUES (?, NULL, ?)`,
					hash[:], time.Now().Unix())
				if err != nil {
					return hferr.Wrap(hferr.FailEInternal, err, "insert placeholder block")
				}
				blockID, _ = res.LastInsertId()
			}
			if _, err := tx.Exec(ctx, `INSERT OR IGNORE INTO reservations (block_id, reserve_id, ttl) VALUES (?,?,?)`,
				blockID, groupID, ttl); err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "insert reservation")
			}
			return nil

		case HashopInUse:
			if !exists {
				return hferr.New(hferr.ENOENT, "block not present")
			}
			if tokenID == nil {
				return hferr.New(hferr.EINVAL, "inuse requires a token id")
			}
			res, err := tx.Exec(ctx, `INSERT OR IGNORE INTO operations (block_id, token_id, replica, op, ttl) VALUES (?,?,?,1,?)`,
				blockID, tokenID, replica, ttl)
			if err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "insert operation")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				if _, err := tx.Exec(ctx, `INSERT INTO uses (block_id, replica, age, used) VALUES (?,?,?,1)
					ON CONFLICT(block_id,replica,age) DO UPDATE SET used = used + 1`, blockID, replica, age); err != nil {
					return hferr.Wrap(hferr.FailEInternal, err, "increment use")
				}
			}
			return nil

		case HashopDelete:
			if !exists {
				return hferr.New(hferr.ENOENT, "block not present")
			}
			if tokenID == nil {
				return hferr.New(hferr.EINVAL, "delete requires a token id")
			}
			res, err := tx.Exec(ctx, `INSERT OR IGNORE INTO operations (block_id, token_id, replica, op, ttl) VALUES (?,?,?,-1,?)`,
				blockID, tokenID, replica, ttl)
			if err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "insert operation")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				if _, err := tx.Exec(ctx, `INSERT INTO uses (block_id, replica, age, used) VALUES (?,?,?,-1)
					ON CONFLICT(block_id,replica,age) DO UPDATE SET used = used - 1`, blockID, replica, age); err != nil {
					return hferr.Wrap(hferr.FailEInternal, err, "decrement use")
				}
			}
			return nil

		default:
			return hferr.New(hferr.EINVAL, "unknown hashop kind")
		}
	})
	if err != nil {
		return HashopResult{}, err
	}
	return result, nil
}

// Decref issues a HashopDelete for one block, satisfying metastore's
// BlockDecrefer contract so file-revision eviction (spec.md §4.3 step 2) can
// cascade a -1 refcount delta without metastore importing the blockstore
// schema directly.
func (s *Store) Decref(ctx context.Context, hash types.Hash, bs types.BlockSize, id []byte, replica int, ttl int64, age int64) error {
	_, err := s.Hashop(ctx, bs, hash, HashopDelete, id, replica, ttl, age)
	return err
}
