package metastore

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/hashfs-io/hashfs/pkg/hferr"
)

// Entry is one listing result: either a file (IsDir == false, latest
// revision's size) or a synthetic directory collapsed from deeper entries.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// ListPattern implements list_pattern (spec.md §4.3): a glob over file
// names within a volume, non-recursive past the pattern's own slash depth.
// It tries the pattern as a glob first; if that yields no matches and the
// pattern itself contains glob metacharacters, it retries once treating the
// pattern as an escaped literal (list_pattern_esc, spec.md §9 Open Question —
// resolved here as "fall back to literal interpretation rather than erroring
// a pattern a caller meant literally").
func (s *Store) ListPattern(ctx context.Context, vid int64, pattern string) ([]Entry, error) {
	entries, err := s.listMatching(ctx, vid, pattern)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && hasMeta(pattern) {
		entries, err = s.listMatching(ctx, vid, escapeMeta(pattern))
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) listMatching(ctx context.Context, vid int64, pattern string) ([]Entry, error) {
	depth := strings.Count(pattern, "/")
	seen := map[string]*Entry{}

	for _, db := range s.shards {
		rows, err := db.Query(ctx, `SELECT name, size FROM files f1
			WHERE volume_id = ? AND revision = (
				SELECT MAX(revision) FROM files f2
				WHERE f2.volume_id = f1.volume_id AND f2.name = f1.name
			)`, vid)
		if err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "list files")
		}
		for rows.Next() {
			var name string
			var size int64
			if err := rows.Scan(&name, &size); err != nil {
				rows.Close()
				return nil, hferr.Wrap(hferr.FailEInternal, err, "scan list row")
			}
			candidate := name
			if strings.Count(name, "/") > depth {
				candidate = name[:nthSlash(name, depth+1)]
			}
			ok, err := path.Match(pattern, candidate)
			if err != nil {
				rows.Close()
				return nil, hferr.Wrap(hferr.EINVAL, err, "bad pattern")
			}
			if !ok {
				continue
			}
			collapseInto(seen, name, size, depth)
		}
		rows.Close()
	}

	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// collapseInto implements the non-recursive collapse: a matched name with
// more slashes than the pattern's own depth is truncated to a synthetic,
// zero-size directory entry at the pattern's depth + 1.
func collapseInto(seen map[string]*Entry, name string, size int64, depth int) {
	if strings.Count(name, "/") <= depth {
		seen[name] = &Entry{Name: name, Size: size, IsDir: false}
		return
	}
	idx := nthSlash(name, depth+1)
	dirName := name[:idx]
	if _, ok := seen[dirName]; !ok {
		seen[dirName] = &Entry{Name: dirName, Size: 0, IsDir: true}
	}
}

// nthSlash returns the byte index of the n-th '/' in s (1-indexed), or
// len(s) if s has fewer than n slashes.
func nthSlash(s string, n int) int {
	count := 0
	for i, c := range s {
		if c == '/' {
			count++
			if count == n {
				return i
			}
		}
	}
	return len(s)
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// escapeMeta backslash-escapes every glob metacharacter so path.Match only
// matches the literal string.
func escapeMeta(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
