// Package upload implements the IDLE → OPEN → EXTENDING* → FLUSHED →
// COMMITTED token state machine that backs a file write (spec.md §4.4),
// persisted in temp.db.
package upload

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hashfs-io/hashfs/pkg/auth"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		tid TEXT PRIMARY KEY,
		volume_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		random BLOB NOT NULL,
		replica INTEGER NOT NULL,
		size INTEGER,
		content BLOB NOT NULL DEFAULT (x''),
		flushed INTEGER NOT NULL DEFAULT 0,
		ttl INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS token_meta (
		tid TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (tid, key)
	)`,
	`CREATE TABLE IF NOT EXISTS token_avail (
		tid TEXT NOT NULL,
		idx INTEGER NOT NULL,
		replica INTEGER NOT NULL,
		available INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tid, idx, replica)
	)`,
}

// Timing constants feeding the gettoken expiry formula (spec.md §4.4
// "issue expiry = now + grace + bs·nblocks/min_speed + latency_term").
const (
	Grace       = 5 * time.Minute
	MinSpeed    = 1 << 20 // bytes/sec, a deliberately conservative floor
	LatencyTerm = 2 * time.Second
)

// PresenceChecker probes whether a block already exists at its first
// replica target (spec.md §4.4 "presence batch"); implemented by whatever
// owns the cluster RPC client (out of this module's scope).
type PresenceChecker interface {
	CheckPresent(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash) (bool, error)
}

// Reserver issues a reserve hashop against a replica target; implemented by
// the same caller that wires blockstore.Store to remote nodes.
type Reserver interface {
	Reserve(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash, reserveID types.Hash, ttl int64) error
}

// CommitJobCreator enqueues the REPLICATE_BLOCKS → FLUSH_FILE job pair that
// carries a token's reservations to durable replication and then commits
// the file into the metadata store (spec.md §4.4 "putfile_commitjob",
// SPEC_FULL.md §5.5). Implemented by whatever owns the jobqueue.Store;
// targets is the deduplicated set of nodes GetBlock reserved blocks against.
type CommitJobCreator interface {
	CreateCommitJob(ctx context.Context, tid string, volumeID int64, targets [][16]byte) error
}

// Store is the upload-token layer: one SQLite database (temp.db) per node.
type Store struct {
	db *sqlstore.DB
}

// Open opens or creates temp.db at path.
func Open(path string) (*Store, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MustExecSchema(context.Background(), db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Begin implements putfile_begin: creates a token row in the OPEN state.
func (s *Store) Begin(ctx context.Context, volumeID int64, name string, replica int) (tid string, err error) {
	if err := types.ValidateFileName(name); err != nil {
		return "", err
	}
	tid = uuid.NewString()
	var rnd [16]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", hferr.Wrap(hferr.FailEInternal, err, "generate token randomness")
	}
	_, err = s.db.Exec(ctx, `INSERT INTO tokens (tid, volume_id, name, random, replica, created_at) VALUES (?,?,?,?,?,?)`,
		tid, volumeID, name, rnd[:], replica, time.Now().Unix())
	if err != nil {
		return "", hferr.Wrap(hferr.FailEInternal, err, "insert token")
	}
	return tid, nil
}

// PutBlock implements putfile_putblock: appends one 20-byte hash to the
// token's in-progress content list. Repeatable; rejected once flushed.
func (s *Store) PutBlock(ctx context.Context, tid string, hash types.Hash) error {
	return s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		content, flushed, err := loadTokenForUpdate(ctx, tx, tid)
		if err != nil {
			return err
		}
		if flushed {
			return hferr.New(hferr.EINVAL, "token already flushed")
		}
		content = append(content, hash[:]...)
		if _, err := tx.Exec(ctx, `UPDATE tokens SET content = ? WHERE tid = ?`, content, tid); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "append token content")
		}
		return nil
	})
}

// PutMeta implements putfile_putmeta(k, v | tombstone).
func (s *Store) PutMeta(ctx context.Context, tid, key string, value []byte) error {
	if err := types.ValidateMetaKey(key); err != nil {
		return err
	}
	if value == nil {
		_, err := s.db.Exec(ctx, `DELETE FROM token_meta WHERE tid = ? AND key = ?`, tid, key)
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete token meta")
		}
		return nil
	}
	_, err := s.db.Exec(ctx, `INSERT INTO token_meta (tid, key, value) VALUES (?,?,?)
		ON CONFLICT(tid,key) DO UPDATE SET value=excluded.value`, tid, key, value)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "set token meta")
	}
	return nil
}

// Meta returns every key/value pair staged on a token.
func (s *Store) Meta(ctx context.Context, tid string) (map[string][]byte, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM token_meta WHERE tid = ?`, tid)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "read token meta")
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan token meta")
		}
		out[k] = v
	}
	return out, nil
}

// GetTokenResult is what putfile_gettoken hands back to the caller.
type GetTokenResult struct {
	Token    string
	UniqIdx  []int // indices into Content of first-occurrence hashes
	BS       types.BlockSize
	NBlocks  int64
	Expiry   uint64
}

// GetToken implements putfile_gettoken(size | extend_from). On the first
// call, size must be set (fixing block_size/nblocks); on later calls,
// extendFrom carries the content-length-in-blocks the caller believes is
// already persisted, rejected with EAGAIN on mismatch (CAS guard against a
// stale/racing extend).
func (s *Store) GetToken(ctx context.Context, tid string, nodeUUID string, tokenKey []byte, size *int64, extendFrom *int64) (GetTokenResult, error) {
	var result GetTokenResult
	var rnd []byte
	var replica int
	var finalSize int64
	var content []byte

	err := s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		var sizeN sql.NullInt64
		row := tx.QueryRow(ctx, `SELECT random, replica, size, content FROM tokens WHERE tid = ?`, tid)
		if err := row.Scan(&rnd, &replica, &sizeN, &content); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return hferr.New(hferr.ENOENT, "no such token")
			}
			return hferr.Wrap(hferr.FailEInternal, err, "read token")
		}

		switch {
		case !sizeN.Valid:
			if size == nil {
				return hferr.New(hferr.EINVAL, "first gettoken call must set size")
			}
			finalSize = *size
			if _, err := tx.Exec(ctx, `UPDATE tokens SET size = ? WHERE tid = ?`, finalSize, tid); err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "set token size")
			}
		case extendFrom != nil:
			finalSize = sizeN.Int64
			if *extendFrom*20 != int64(len(content)) {
				return hferr.New(hferr.EAGAIN, "extend_from does not match current content length")
			}
		default:
			finalSize = sizeN.Int64
		}
		return nil
	})
	if err != nil {
		return GetTokenResult{}, err
	}

	bs := types.BlockSizeFor(finalSize)
	nblocks := types.NumBlocks(finalSize, bs)
	uniq := uniqueIndices(content)

	expiryAt := time.Now().Add(Grace + time.Duration(int64(bs)*nblocks/MinSpeed)*time.Second + LatencyTerm)
	expiry := uint64(expiryAt.Unix())

	var rndArr [16]byte
	copy(rndArr[:], rnd)
	tokenText := auth.Sign(tokenKey, nodeUUID, rndArr, replica, expiry)

	if _, err := s.db.Exec(ctx, `UPDATE tokens SET ttl = ? WHERE tid = ?`, int64(expiry), tid); err != nil {
		return GetTokenResult{}, hferr.Wrap(hferr.FailEInternal, err, "persist token ttl")
	}

	result.Token = tokenText
	result.UniqIdx = uniq
	result.BS = bs
	result.NBlocks = nblocks
	result.Expiry = expiry
	return result, nil
}

// uniqueIndices returns, for a content blob of concatenated 20-byte hashes,
// the indices of each hash's first occurrence, sorted ascending.
func uniqueIndices(content []byte) []int {
	seen := map[[20]byte]bool{}
	var out []int
	for i := 0; i+20 <= len(content); i += 20 {
		var h [20]byte
		copy(h[:], content[i:i+20])
		if !seen[h] {
			seen[h] = true
			out = append(out, i/20)
		}
	}
	sort.Ints(out)
	return out
}

// GetBlock implements putfile_getblock: drains the first-replica presence
// batch, reserves replicas 2..R for every unique block, flips the token to
// FLUSHED, and finally runs putfile_commitjob — enqueuing the
// REPLICATE_BLOCKS/FLUSH_FILE job pair that carries the reservations to
// durable replication and commits the file (spec.md §4.4). jobs may be nil,
// in which case the caller is responsible for commit-job creation itself
// (e.g. a test exercising the reservation step in isolation).
func (s *Store) GetBlock(ctx context.Context, tid string, clusterUUID [16]byte, targets func(idx int) [][16]byte, presence PresenceChecker, reserver Reserver, jobs CommitJobCreator) error {
	var volumeID int64
	var name string
	var content []byte
	var sizeN sql.NullInt64
	row := s.db.QueryRow(ctx, `SELECT volume_id, name, content, size FROM tokens WHERE tid = ?`, tid)
	if err := row.Scan(&volumeID, &name, &content, &sizeN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hferr.New(hferr.ENOENT, "no such token")
		}
		return hferr.Wrap(hferr.FailEInternal, err, "read token")
	}

	uniq := uniqueIndices(content)
	bs := types.BlockSizeFor(sizeN.Int64)
	reserveID := ReserveID(clusterUUID, volumeID, name)

	seenTarget := map[[16]byte]bool{}
	var jobTargets [][16]byte
	for _, idx := range uniq {
		var h types.Hash
		copy(h[:], content[idx*20:idx*20+20])
		nodes := targets(idx)
		if len(nodes) == 0 {
			continue
		}
		// The first replica is probed for presence; only a probe error is
		// acted on (the presence answer is not recorded), and the reservation
		// loop below always covers replicas 2..R.
		if _, err := presence.CheckPresent(ctx, nodes[0], bs, h); err != nil {
			return err
		}
		for _, target := range nodes {
			if !seenTarget[target] {
				seenTarget[target] = true
				jobTargets = append(jobTargets, target)
			}
		}
		for _, target := range nodes[1:] {
			if err := reserver.Reserve(ctx, target, bs, h, reserveID, int64(time.Now().Add(Grace).Unix())); err != nil {
				return err
			}
		}
	}

	if _, err := s.db.Exec(ctx, `UPDATE tokens SET flushed = 1 WHERE tid = ?`, tid); err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "mark token flushed")
	}

	if jobs != nil {
		if err := jobs.CreateCommitJob(ctx, tid, volumeID, jobTargets); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a token's full accumulated state.
func (s *Store) Get(ctx context.Context, tid string) (types.Token, error) {
	var t types.Token
	t.TID = tid
	var sizeN sql.NullInt64
	var flushedN int
	row := s.db.QueryRow(ctx, `SELECT volume_id, name, replica, size, content, flushed, ttl FROM tokens WHERE tid = ?`, tid)
	var ttlN sql.NullInt64
	if err := row.Scan(&t.VolumeID, &t.Name, &t.Replica, &sizeN, &t.Content, &flushedN, &ttlN); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Token{}, hferr.New(hferr.ENOENT, "no such token")
		}
		return types.Token{}, hferr.Wrap(hferr.FailEInternal, err, "read token")
	}
	t.Size = sizeN.Int64
	t.Flushed = flushedN != 0
	t.TTL = ttlN.Int64
	t.UniqIdx = uniqueIndices(t.Content)
	return t, nil
}

// Delete removes a token and its staged metadata (used both by an explicit
// abort and by GC cascading an expired token, spec.md §4.4 "Crash/timeout
// recovery").
func (s *Store) Delete(ctx context.Context, tid string) error {
	return s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM token_meta WHERE tid = ?`, tid); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete token meta")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM token_avail WHERE tid = ?`, tid); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete token avail")
		}
		res, err := tx.Exec(ctx, `DELETE FROM tokens WHERE tid = ?`, tid)
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete token")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return hferr.New(hferr.ENOENT, "no such token")
		}
		return nil
	})
}

// ExpireFlushedNotCommitted deletes flushed-but-not-committed tokens older
// than their ttl (spec.md §4.4 "Crash/timeout recovery"), cascading their
// metadata. Returns the deleted tids so the caller can release any
// reservations it made on their behalf.
func (s *Store) ExpireFlushedNotCommitted(ctx context.Context, now int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT tid FROM tokens WHERE flushed = 1 AND ttl IS NOT NULL AND ttl < ?`, now)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list expired tokens")
	}
	var tids []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			rows.Close()
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan expired token")
		}
		tids = append(tids, tid)
	}
	rows.Close()
	for _, tid := range tids {
		if err := s.Delete(ctx, tid); err != nil && !hferr.Is(err, hferr.ENOENT) {
			return nil, err
		}
	}
	return tids, nil
}

func loadTokenForUpdate(ctx context.Context, tx *sqlstore.Tx, tid string) (content []byte, flushed bool, err error) {
	var flushedN int
	row := tx.QueryRow(ctx, `SELECT content, flushed FROM tokens WHERE tid = ?`, tid)
	if scanErr := row.Scan(&content, &flushedN); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, false, hferr.New(hferr.ENOENT, "no such token")
		}
		return nil, false, hferr.Wrap(hferr.FailEInternal, scanErr, "read token for update")
	}
	return content, flushedN != 0, nil
}
