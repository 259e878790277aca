// Package catalog is the global catalog database (spec.md §2 item 5,
// hashfs.db in the directory layout of §6): node identity, volumes, users,
// ACLs, and the current distribution blob. Every table is relational —
// the distribution blob in particular is stored as member rows rather than
// a serialised byte blob, since the engine neither parses nor emits JSON
// (spec.md §1 Non-goals) and the embedded SQL engine already gives typed
// columns for free.
package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS node_identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cluster_uuid BLOB NOT NULL,
		node_uuid BLOB NOT NULL,
		role TEXT NOT NULL,
		public_addr TEXT NOT NULL,
		internal_addr TEXT NOT NULL,
		capacity INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS volumes (
		vid INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		replica_count INTEGER NOT NULL,
		revs_kept INTEGER NOT NULL,
		cur_size INTEGER NOT NULL DEFAULT 0,
		max_size INTEGER NOT NULL,
		owner_uid INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS volume_meta (
		vid INTEGER NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (vid, key)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		uid INTEGER PRIMARY KEY AUTOINCREMENT,
		user_hash BLOB NOT NULL UNIQUE,
		name TEXT NOT NULL,
		key BLOB NOT NULL,
		role TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS acls (
		vid INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		permission TEXT NOT NULL,
		PRIMARY KEY (vid, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS hdist_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		rebalancing INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS hdist_members (
		build TEXT NOT NULL CHECK (build IN ('prev','next')),
		position INTEGER NOT NULL,
		node_uuid BLOB NOT NULL,
		public_addr TEXT NOT NULL,
		internal_addr TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		PRIMARY KEY (build, position)
	)`,
	`CREATE TABLE IF NOT EXISTS rebalance_state (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
}

// Catalog wraps the hashfs.db handle.
type Catalog struct {
	db *sqlstore.DB
}

// Open opens (creating if absent) the catalog database under dir.
func Open(path string) (*Catalog, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MustExecSchema(context.Background(), db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// SetNodeIdentity persists this process's node identity row.
func (c *Catalog) SetNodeIdentity(ctx context.Context, n types.Node) error {
	_, err := c.db.Exec(ctx, `INSERT INTO node_identity (id, cluster_uuid, node_uuid, role, public_addr, internal_addr, capacity)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cluster_uuid=excluded.cluster_uuid, node_uuid=excluded.node_uuid,
			role=excluded.role, public_addr=excluded.public_addr, internal_addr=excluded.internal_addr,
			capacity=excluded.capacity`,
		n.ClusterUUID[:], n.NodeUUID[:], string(n.Role), n.PublicAddr, n.InternalAddr, n.Capacity)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "set node identity")
	}
	return nil
}

// NodeIdentity returns this process's node identity, or ENOENT if the node
// is bare (never joined a cluster).
func (c *Catalog) NodeIdentity(ctx context.Context) (types.Node, error) {
	var n types.Node
	var clusterUUID, nodeUUID []byte
	var role string
	row := c.db.QueryRow(ctx, `SELECT cluster_uuid, node_uuid, role, public_addr, internal_addr, capacity FROM node_identity WHERE id = 1`)
	switch err := row.Scan(&clusterUUID, &nodeUUID, &role, &n.PublicAddr, &n.InternalAddr, &n.Capacity); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return types.Node{}, hferr.New(hferr.ENOENT, "node has no identity (bare)")
	default:
		return types.Node{}, hferr.Wrap(hferr.FailEInternal, err, "read node identity")
	}
	copy(n.ClusterUUID[:], clusterUUID)
	copy(n.NodeUUID[:], nodeUUID)
	n.Role = types.NodeRole(role)
	return n, nil
}

// CreateVolume inserts a new volume row and its metadata, rejecting a name
// collision with FAIL_VOLUME_EEXIST (spec.md §6 error codes).
func (c *Catalog) CreateVolume(ctx context.Context, v types.Volume) (int64, error) {
	if err := types.ValidateVolumeName(v.Name); err != nil {
		return 0, err
	}
	if err := types.ValidateRevsKept(v.RevsKept); err != nil {
		return 0, err
	}
	if err := types.ValidateMeta(v.Meta); err != nil {
		return 0, err
	}
	var vid int64
	err := c.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		res, err := tx.Exec(ctx, `INSERT INTO volumes (name, replica_count, revs_kept, cur_size, max_size, owner_uid, enabled)
			VALUES (?,?,?,0,?,?,1)`, v.Name, v.ReplicaCount, v.RevsKept, v.MaxSize, v.OwnerUID)
		if err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return hferr.New(hferr.FailVolumeEExist, "volume name already exists")
			}
			return hferr.Wrap(hferr.FailEInternal, err, "insert volume")
		}
		vid, _ = res.LastInsertId()
		for k, val := range v.Meta {
			if _, err := tx.Exec(ctx, `INSERT INTO volume_meta (vid, key, value) VALUES (?,?,?)`, vid, k, val); err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "insert volume meta")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return vid, nil
}

// GetVolume loads one volume by name, including its metadata.
func (c *Catalog) GetVolume(ctx context.Context, name string) (types.Volume, error) {
	var v types.Volume
	var enabled int
	row := c.db.QueryRow(ctx, `SELECT vid, name, replica_count, revs_kept, cur_size, max_size, owner_uid, enabled
		FROM volumes WHERE name = ?`, name)
	switch err := row.Scan(&v.VID, &v.Name, &v.ReplicaCount, &v.RevsKept, &v.CurSize, &v.MaxSize, &v.OwnerUID, &enabled); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return types.Volume{}, hferr.New(hferr.ENOENT, "volume not found")
	default:
		return types.Volume{}, hferr.Wrap(hferr.FailEInternal, err, "read volume")
	}
	v.Enabled = enabled != 0

	rows, err := c.db.Query(ctx, `SELECT key, value FROM volume_meta WHERE vid = ?`, v.VID)
	if err != nil {
		return types.Volume{}, hferr.Wrap(hferr.FailEInternal, err, "read volume meta")
	}
	defer rows.Close()
	v.Meta = map[string][]byte{}
	for rows.Next() {
		var k string
		var val []byte
		if err := rows.Scan(&k, &val); err != nil {
			return types.Volume{}, hferr.Wrap(hferr.FailEInternal, err, "scan volume meta")
		}
		v.Meta[k] = val
	}
	return v, nil
}

// DeleteVolume removes a volume and its metadata.
func (c *Catalog) DeleteVolume(ctx context.Context, name string) error {
	return c.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		var vid int64
		err := tx.QueryRow(ctx, `SELECT vid FROM volumes WHERE name = ?`, name).Scan(&vid)
		if errors.Is(err, sql.ErrNoRows) {
			return hferr.New(hferr.ENOENT, "volume not found")
		}
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "lookup volume")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM volume_meta WHERE vid = ?`, vid); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete volume meta")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM volumes WHERE vid = ?`, vid); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "delete volume")
		}
		return nil
	})
}

// ListVolumes returns every volume, ordered by name.
func (c *Catalog) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	rows, err := c.db.Query(ctx, `SELECT vid, name, replica_count, revs_kept, cur_size, max_size, owner_uid, enabled
		FROM volumes ORDER BY name`)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list volumes")
	}
	defer rows.Close()
	var out []types.Volume
	for rows.Next() {
		var v types.Volume
		var enabled int
		if err := rows.Scan(&v.VID, &v.Name, &v.ReplicaCount, &v.RevsKept, &v.CurSize, &v.MaxSize, &v.OwnerUID, &enabled); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan volume")
		}
		v.Enabled = enabled != 0
		out = append(out, v)
	}
	return out, nil
}

// AddVolumeCurSize applies a (possibly negative) delta to a volume's
// cur_size, used by file commit (spec.md §4.3 step 4) and by delete paths.
func (c *Catalog) AddVolumeCurSize(ctx context.Context, vid int64, delta int64) error {
	_, err := c.db.Exec(ctx, `UPDATE volumes SET cur_size = cur_size + ? WHERE vid = ?`, delta, vid)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "update volume cursize")
	}
	return nil
}

// RecomputeCurSize implements the admin-invoked volume-size recompute
// mentioned in spec.md §5 ("a rare crash window is tolerated and reconciled
// by an admin-invoked volume-size recompute"). Callers supply the
// authoritative sum (from the metadata store); this just applies it.
func (c *Catalog) RecomputeCurSize(ctx context.Context, vid int64, total int64) error {
	_, err := c.db.Exec(ctx, `UPDATE volumes SET cur_size = ? WHERE vid = ?`, total, vid)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "recompute volume cursize")
	}
	return nil
}

// CheckVolumeSize implements the active admission rule: size*replica must
// fit within the node's total capacity (spec.md §9 Open Questions: the
// stricter "sum of volume max_size" check is bypassed in the source and
// intentionally not implemented here; see DESIGN.md).
func CheckVolumeSize(size int64, replica int, nodesSize int64) error {
	if size*int64(replica) > nodesSize {
		return hferr.New(hferr.ENOSPC, "insufficient cluster capacity for volume")
	}
	return nil
}

// CreateUser inserts a new authentication principal.
func (c *Catalog) CreateUser(ctx context.Context, u types.User) (int64, error) {
	res, err := c.db.Exec(ctx, `INSERT INTO users (user_hash, name, key, role, enabled) VALUES (?,?,?,?,1)`,
		u.UserHash[:], u.Name, u.Key[:], string(u.Role))
	if err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return 0, hferr.New(hferr.EEXIST, "user already exists")
		}
		return 0, hferr.Wrap(hferr.FailEInternal, err, "insert user")
	}
	uid, _ := res.LastInsertId()
	return uid, nil
}

// UserByHash looks up a user by their 20-byte user_hash (the first half of
// the authentication token, spec.md §3 "User").
func (c *Catalog) UserByHash(ctx context.Context, userHash [20]byte) (types.User, error) {
	var u types.User
	var userHashB, keyB []byte
	var role string
	var enabled int
	row := c.db.QueryRow(ctx, `SELECT uid, user_hash, name, key, role, enabled FROM users WHERE user_hash = ?`, userHash[:])
	switch err := row.Scan(&u.UID, &userHashB, &u.Name, &keyB, &role, &enabled); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return types.User{}, hferr.New(hferr.ENOENT, "user not found")
	default:
		return types.User{}, hferr.Wrap(hferr.FailEInternal, err, "read user")
	}
	copy(u.UserHash[:], userHashB)
	copy(u.Key[:], keyB)
	u.Role = types.UserRole(role)
	u.Enabled = enabled != 0
	return u, nil
}

// DeleteUser removes a user by uid.
func (c *Catalog) DeleteUser(ctx context.Context, uid int64) error {
	res, err := c.db.Exec(ctx, `DELETE FROM users WHERE uid = ?`, uid)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hferr.New(hferr.ENOENT, "user not found")
	}
	return nil
}

// SetACL grants or revokes a permission for a user on a volume.
func (c *Catalog) SetACL(ctx context.Context, vid, uid int64, permission string) error {
	_, err := c.db.Exec(ctx, `INSERT INTO acls (vid, uid, permission) VALUES (?,?,?)
		ON CONFLICT(vid,uid) DO UPDATE SET permission=excluded.permission`, vid, uid, permission)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "set acl")
	}
	return nil
}

// Permission returns the permission a user has on a volume, or "" if none.
func (c *Catalog) Permission(ctx context.Context, vid, uid int64) (string, error) {
	var perm string
	row := c.db.QueryRow(ctx, `SELECT permission FROM acls WHERE vid = ? AND uid = ?`, vid, uid)
	switch err := row.Scan(&perm); {
	case err == nil:
		return perm, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	default:
		return "", hferr.Wrap(hferr.FailEInternal, err, "read acl")
	}
}
