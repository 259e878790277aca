// Package metastore is the 16-shard file metadata store (spec.md §4.3):
// each shard maps (volume, name, revision) to (size, content = concatenated
// block hashes), carries per-file key/value metadata, and a relocation
// queue used while rebalancing.
package metastore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		fid INTEGER PRIMARY KEY AUTOINCREMENT,
		volume_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		revision TEXT NOT NULL,
		size INTEGER NOT NULL,
		content BLOB NOT NULL,
		UNIQUE (volume_id, name, revision)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_vol_name ON files(volume_id, name)`,
	`CREATE TABLE IF NOT EXISTS file_meta (
		fid INTEGER NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (fid, key)
	)`,
	`CREATE TABLE IF NOT EXISTS relocations (
		volume_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		target_node BLOB NOT NULL,
		PRIMARY KEY (volume_id, name, target_node)
	)`,
}

// BlockDecrefer is implemented by pkg/blockstore; metastore calls it to
// cascade a -1 refcount delta onto every block a file revision referenced
// when that revision is evicted (spec.md §4.3 step 2).
type BlockDecrefer interface {
	Decref(ctx context.Context, hash types.Hash, bs types.BlockSize, id []byte, replica int, ttl int64, age int64) error
}

// CurSizeAdjuster is implemented by pkg/catalog; CreateFile calls it to keep
// volume.cursize in sync with the net size delta a commit makes — +size for
// a plain insert, +(size-evicted.size) when an eviction accompanies it
// (spec.md §4.3 step 4, invariant 4 "cursize = Σ size").
type CurSizeAdjuster interface {
	AddVolumeCurSize(ctx context.Context, vid int64, delta int64) error
}

// Store is the metadata layer for one node directory: 16 shards.
type Store struct {
	dir    string
	shards [types.NumMetaShards]*sqlstore.DB
}

// Open opens or creates all 16 shards under dir.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}
	for i := 0; i < types.NumMetaShards; i++ {
		path := filepath.Join(dir, fmt.Sprintf("f%08x.db", i))
		db, err := sqlstore.Open(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := sqlstore.MustExecSchema(context.Background(), db, schema); err != nil {
			db.Close()
			s.Close()
			return nil, err
		}
		s.shards[i] = db
	}
	return s, nil
}

// Close releases every shard handle.
func (s *Store) Close() error {
	var firstErr error
	for _, db := range s.shards {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ShardFor implements "murmur(sha1(name)) mod 16" (spec.md §4.3 step 1).
func ShardFor(name string) int {
	digest := sha1.Sum([]byte(name))
	return int(hdist.Murmur64(digest[:], 0) % uint64(types.NumMetaShards))
}

func (s *Store) shard(name string) *sqlstore.DB {
	return s.shards[ShardFor(name)]
}

// CreateFile implements create_file (spec.md §4.3): evicts the oldest
// revision if revs_kept is already met (and the new revision sorts later),
// then inserts the new row. Returns EEXIST on a (volume,name,revision)
// collision and EINVAL if an older revision is submitted after eviction
// has already happened (spec.md §8 scenario 2).
func (s *Store) CreateFile(ctx context.Context, vol types.Volume, name, revision string, size int64, content []byte, decref BlockDecrefer, curSize CurSizeAdjuster, replica int, age int64) (int64, error) {
	if err := types.ValidateFileName(name); err != nil {
		return 0, err
	}
	bs := types.BlockSizeFor(size)
	want := types.NumBlocks(size, bs) * 20
	if int64(len(content)) != want {
		return 0, hferr.Newf(hferr.EINVAL, "content length %d does not match expected %d", len(content), want)
	}

	db := s.shard(name)
	var fid int64
	err := db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		revisions, err := listRevisions(ctx, tx, vol.VID, name)
		if err != nil {
			return err
		}
		delta := size
		if len(revisions) >= vol.RevsKept {
			oldest := revisions[0]
			if revision <= oldest.revision {
				return hferr.New(hferr.EINVAL, "Newer copies of this file already exist")
			}
			if err := evictRevision(ctx, tx, oldest, decref, replica, age); err != nil {
				return err
			}
			delta -= oldest.size
		}

		res, err := tx.Exec(ctx, `INSERT INTO files (volume_id, name, revision, size, content) VALUES (?,?,?,?,?)`,
			vol.VID, name, revision, size, content)
		if err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return hferr.New(hferr.EEXIST, "revision already exists")
			}
			return hferr.Wrap(hferr.FailEInternal, err, "insert file")
		}
		fid, _ = res.LastInsertId()

		if curSize != nil && delta != 0 {
			if err := curSize.AddVolumeCurSize(ctx, vol.VID, delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fid, nil
}

type revisionRow struct {
	fid      int64
	revision string
	size     int64
	content  []byte
}

func listRevisions(ctx context.Context, tx *sqlstore.Tx, vid int64, name string) ([]revisionRow, error) {
	rows, err := tx.Query(ctx, `SELECT fid, revision, size, content FROM files
		WHERE volume_id = ? AND name = ? ORDER BY revision`, vid, name)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list revisions")
	}
	defer rows.Close()
	var out []revisionRow
	for rows.Next() {
		var r revisionRow
		if err := rows.Scan(&r.fid, &r.revision, &r.size, &r.content); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan revision")
		}
		out = append(out, r)
	}
	return out, nil
}

func evictRevision(ctx context.Context, tx *sqlstore.Tx, r revisionRow, decref BlockDecrefer, replica int, age int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM file_meta WHERE fid = ?`, r.fid); err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "delete file meta")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM files WHERE fid = ?`, r.fid); err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "delete evicted revision")
	}
	if decref == nil {
		return nil
	}
	bs := types.BlockSizeFor(r.size)
	fid20 := FileID(r.fid)
	for i := 0; i+20 <= len(r.content); i += 20 {
		var h types.Hash
		copy(h[:], r.content[i:i+20])
		id := append(append([]byte{}, fid20[:]...), fid20[:]...)
		if err := decref.Decref(ctx, h, bs, id, replica, 0, age); err != nil {
			return err
		}
	}
	return nil
}

// FileID derives a stable 20-byte id from a metastore-internal fid for use
// as a hashop dedup token when cascading eviction decrements. It is not the
// spec.md §4.4 file_id (which is content-addressed on volume/name/revision)
// since eviction happens outside the upload state machine's token context.
func FileID(fid int64) types.Hash {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fid >> (8 * i))
	}
	return sha1.Sum(buf[:])
}

// GetFile implements getfile (spec.md §4.3). revision == "" selects the
// lexicographically greatest revision.
func (s *Store) GetFile(ctx context.Context, vid int64, name, revision string) (types.FileRevision, error) {
	db := s.shard(name)
	var fr types.FileRevision
	fr.VolumeID = vid
	fr.Name = name

	var row *sql.Row
	if revision == "" {
		row = db.QueryRow(ctx, `SELECT fid, revision, size, content FROM files
			WHERE volume_id = ? AND name = ? ORDER BY revision DESC LIMIT 1`, vid, name)
	} else {
		row = db.QueryRow(ctx, `SELECT fid, revision, size, content FROM files
			WHERE volume_id = ? AND name = ? AND revision = ?`, vid, name, revision)
	}
	switch err := row.Scan(&fr.FID, &fr.Revision, &fr.Size, &fr.Content); {
	case err == nil:
		return fr, nil
	case errors.Is(err, sql.ErrNoRows):
		return types.FileRevision{}, hferr.New(hferr.ENOENT, "file not found")
	default:
		return types.FileRevision{}, hferr.Wrap(hferr.FailEInternal, err, "read file")
	}
}

// DeleteFile removes every revision of a name (delete_file); callers
// cascade block decrements themselves using the returned revisions.
func (s *Store) DeleteFile(ctx context.Context, vid int64, name string) ([]types.FileRevision, error) {
	db := s.shard(name)
	var out []types.FileRevision
	err := db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		rows, err := tx.Query(ctx, `SELECT fid, revision, size, content FROM files WHERE volume_id = ? AND name = ?`, vid, name)
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "list file revisions")
		}
		var fids []int64
		for rows.Next() {
			var fr types.FileRevision
			fr.VolumeID = vid
			fr.Name = name
			if err := rows.Scan(&fr.FID, &fr.Revision, &fr.Size, &fr.Content); err != nil {
				rows.Close()
				return hferr.Wrap(hferr.FailEInternal, err, "scan file revision")
			}
			out = append(out, fr)
			fids = append(fids, fr.FID)
		}
		rows.Close()
		if len(out) == 0 {
			return hferr.New(hferr.ENOENT, "file not found")
		}
		for _, fid := range fids {
			if _, err := tx.Exec(ctx, `DELETE FROM file_meta WHERE fid = ?`, fid); err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "delete file meta")
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM files WHERE volume_id = ? AND name = ?`, vid, name); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete file")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetMeta sets (or, with value == nil, tombstones) one key/value pair on a
// file (spec.md §4.4 "putfile_putmeta(k, v | tombstone)").
func (s *Store) SetMeta(ctx context.Context, name string, fid int64, key string, value []byte) error {
	if err := types.ValidateMetaKey(key); err != nil {
		return err
	}
	db := s.shard(name)
	if value == nil {
		_, err := db.Exec(ctx, `DELETE FROM file_meta WHERE fid = ? AND key = ?`, fid, key)
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete file meta")
		}
		return nil
	}
	if len(value) > types.MaxMetaValueLen {
		return hferr.New(hferr.EINVAL, "metadata value too large")
	}
	_, err := db.Exec(ctx, `INSERT INTO file_meta (fid, key, value) VALUES (?,?,?)
		ON CONFLICT(fid,key) DO UPDATE SET value=excluded.value`, fid, key, value)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "set file meta")
	}
	return nil
}

// Meta returns every key/value pair set on a file.
func (s *Store) Meta(ctx context.Context, name string, fid int64) (map[string][]byte, error) {
	db := s.shard(name)
	rows, err := db.Query(ctx, `SELECT key, value FROM file_meta WHERE fid = ?`, fid)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "read file meta")
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan file meta")
		}
		out[k] = v
	}
	return out, nil
}
