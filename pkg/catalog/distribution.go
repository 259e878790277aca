package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
)

// SaveDistribution persists an hdist blob: its version/seed/rebalancing
// flag in hdist_meta and each build's ordered member list in hdist_members
// (spec.md §3 "Distribution blobs are shared by reference and replaced
// atomically under write lock").
func (c *Catalog) SaveDistribution(ctx context.Context, d *hdist.Distribution) error {
	return c.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM hdist_members`); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "clear hdist members")
		}
		if _, err := tx.Exec(ctx, `INSERT INTO hdist_meta (id, version, seed, rebalancing) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET version=excluded.version, seed=excluded.seed, rebalancing=excluded.rebalancing`,
			d.Version(), d.Seed(), boolToInt(d.IsRebalancing())); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "write hdist meta")
		}
		if err := insertMembers(ctx, tx, "next", d.Next.Members); err != nil {
			return err
		}
		if d.Prev != nil {
			if err := insertMembers(ctx, tx, "prev", d.Prev.Members); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertMembers(ctx context.Context, tx *sqlstore.Tx, build string, members []hdist.Member) error {
	for i, m := range members {
		if _, err := tx.Exec(ctx, `INSERT INTO hdist_members (build, position, node_uuid, public_addr, internal_addr, capacity)
			VALUES (?,?,?,?,?,?)`, build, i, m.NodeUUID[:], m.PublicAddr, m.InternalAddr, m.Capacity); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "insert hdist member")
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// LoadDistribution reconstructs the current hdist blob, or ENOENT if none
// has ever been saved (a bare node).
func (c *Catalog) LoadDistribution(ctx context.Context) (*hdist.Distribution, error) {
	var version int
	var seed uint64
	var rebalancing int
	row := c.db.QueryRow(ctx, `SELECT version, seed, rebalancing FROM hdist_meta WHERE id = 1`)
	switch err := row.Scan(&version, &seed, &rebalancing); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, hferr.New(hferr.ENOENT, "no distribution saved")
	default:
		return nil, hferr.Wrap(hferr.FailEInternal, err, "read hdist meta")
	}

	next, err := loadMembers(ctx, c.db, "next")
	if err != nil {
		return nil, err
	}
	if rebalancing == 0 {
		return hdist.New(version, seed, next), nil
	}
	prev, err := loadMembers(ctx, c.db, "prev")
	if err != nil {
		return nil, err
	}
	return hdist.Rebalancing(version, seed, prev, next), nil
}

func loadMembers(ctx context.Context, db *sqlstore.DB, build string) ([]hdist.Member, error) {
	rows, err := db.Query(ctx, `SELECT node_uuid, public_addr, internal_addr, capacity FROM hdist_members
		WHERE build = ? ORDER BY position`, build)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "read hdist members")
	}
	defer rows.Close()
	var out []hdist.Member
	for rows.Next() {
		var m hdist.Member
		var uuidB []byte
		if err := rows.Scan(&uuidB, &m.PublicAddr, &m.InternalAddr, &m.Capacity); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan hdist member")
		}
		copy(m.NodeUUID[:], uuidB)
		out = append(out, m)
	}
	return out, nil
}

// SetRebalanceState records a single key/value in the rebalance_state table
// (e.g. "status" -> "active", "job_id" -> "42").
func (c *Catalog) SetRebalanceState(ctx context.Context, key, value string) error {
	_, err := c.db.Exec(ctx, `INSERT INTO rebalance_state (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "set rebalance state")
	}
	return nil
}

// RebalanceState reads a single rebalance_state key, returning "" if unset.
func (c *Catalog) RebalanceState(ctx context.Context, key string) (string, error) {
	var value string
	row := c.db.QueryRow(ctx, `SELECT value FROM rebalance_state WHERE key = ?`, key)
	switch err := row.Scan(&value); {
	case err == nil:
		return value, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	default:
		return "", hferr.Wrap(hferr.FailEInternal, err, "read rebalance state")
	}
}
