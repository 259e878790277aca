package metastore

import (
	"context"
	"database/sql"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// AllNames lists every distinct file name in a volume across all 16 shards,
// feeding relocs_populate (spec.md §4.7 "for each owned volume ... enqueue
// every file's relocation").
func (s *Store) AllNames(ctx context.Context, vid int64) ([]string, error) {
	var out []string
	for _, db := range s.shards {
		rows, err := db.Query(ctx, `SELECT DISTINCT name FROM files WHERE volume_id = ?`, vid)
		if err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "list volume names")
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, hferr.Wrap(hferr.FailEInternal, err, "scan volume name")
			}
			out = append(out, name)
		}
		rows.Close()
	}
	return out, nil
}

// SumSizes totals the size column across every kept revision of every file
// in a volume, across all 16 shards. This is the authoritative figure
// catalog.Catalog.RecomputeCurSize expects: each kept revision occupies its
// own blocks, so cur_size tracks the sum over all of them, not just the
// newest.
func (s *Store) SumSizes(ctx context.Context, vid int64) (int64, error) {
	var total int64
	for _, db := range s.shards {
		var shardTotal sql.NullInt64
		row := db.QueryRow(ctx, `SELECT SUM(size) FROM files WHERE volume_id = ?`, vid)
		if err := row.Scan(&shardTotal); err != nil {
			return 0, hferr.Wrap(hferr.FailEInternal, err, "sum volume sizes")
		}
		total += shardTotal.Int64
	}
	return total, nil
}
