package metastore

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

type fakeDecrefer struct {
	calls [][]byte
}

func (f *fakeDecrefer) Decref(ctx context.Context, hash types.Hash, bs types.BlockSize, id []byte, replica int, ttl int64, age int64) error {
	f.calls = append(f.calls, append([]byte{}, hash[:]...))
	return nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func contentOf(hashes ...byte) []byte {
	out := make([]byte, 0, 20*len(hashes))
	for _, h := range hashes {
		block := make([]byte, 20)
		block[0] = h
		out = append(out, block...)
	}
	return out
}

func TestCreateFileAndGetFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 2}

	content := contentOf(0xaa)
	fid, err := s.CreateFile(ctx, vol, "dir/file.txt", "2026-01-01 00:00:00.000:00000000000000000000000000000000", 100, content, nil, nil, 1, 0)
	require.NoError(t, err)
	require.Greater(t, fid, int64(0))

	got, err := s.GetFile(ctx, vol.VID, "dir/file.txt", "")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Size)
	require.Equal(t, content, got.Content)
}

func TestCreateFileDuplicateRevisionIsEExist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 2}

	rev := "2026-01-01 00:00:00.000:00000000000000000000000000000000"
	_, err := s.CreateFile(ctx, vol, "a.txt", rev, 1, contentOf(0x01), nil, nil, 1, 0)
	require.NoError(t, err)

	_, err = s.CreateFile(ctx, vol, "a.txt", rev, 1, contentOf(0x01), nil, nil, 1, 0)
	require.True(t, hferr.Is(err, hferr.EEXIST))
}

func TestCreateFileEvictsOldestRevisionPastRevsKept(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 2}
	dec := &fakeDecrefer{}

	revA := "2026-01-01 00:00:00.000:00000000000000000000000000000000"
	revB := "2026-01-02 00:00:00.000:00000000000000000000000000000000"
	revC := "2026-01-03 00:00:00.000:00000000000000000000000000000000"

	_, err := s.CreateFile(ctx, vol, "f.bin", revA, 1, contentOf(0xaa), dec, nil, 1, 0)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, vol, "f.bin", revB, 1, contentOf(0xbb), dec, nil, 1, 0)
	require.NoError(t, err)
	require.Empty(t, dec.calls, "revs_kept not yet exceeded, nothing evicted")

	_, err = s.CreateFile(ctx, vol, "f.bin", revC, 1, contentOf(0xcc), dec, nil, 1, 0)
	require.NoError(t, err)
	require.Len(t, dec.calls, 1, "oldest revision's single block should be decref'd once")
	require.Equal(t, byte(0xaa), dec.calls[0][0])

	_, err = s.GetFile(ctx, vol.VID, "f.bin", revA)
	require.True(t, hferr.Is(err, hferr.ENOENT))

	got, err := s.GetFile(ctx, vol.VID, "f.bin", "")
	require.NoError(t, err)
	require.Equal(t, revC, got.Revision)
}

func TestCreateFileOlderRevisionAfterEvictionIsEInval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 1}

	revNew := "2026-01-02 00:00:00.000:00000000000000000000000000000000"
	revOld := "2026-01-01 00:00:00.000:00000000000000000000000000000000"

	_, err := s.CreateFile(ctx, vol, "f.bin", revNew, 1, contentOf(0xaa), nil, nil, 1, 0)
	require.NoError(t, err)

	_, err = s.CreateFile(ctx, vol, "f.bin", revOld, 1, contentOf(0xbb), nil, nil, 1, 0)
	require.True(t, hferr.Is(err, hferr.EINVAL))
}

func TestGetFileMissingIsENOENT(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFile(context.Background(), 1, "nope.txt", "")
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

func TestSetMetaAndTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 1}

	fid, err := s.CreateFile(ctx, vol, "f.bin", "2026-01-01 00:00:00.000:00000000000000000000000000000000", 1, contentOf(0x01), nil, nil, 1, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetMeta(ctx, "f.bin", fid, "owner", []byte("alice")))
	meta, err := s.Meta(ctx, "f.bin", fid)
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), meta["owner"])

	require.NoError(t, s.SetMeta(ctx, "f.bin", fid, "owner", nil))
	meta, err = s.Meta(ctx, "f.bin", fid)
	require.NoError(t, err)
	require.NotContains(t, meta, "owner")
}

func TestListPatternGlobAndLiteralFallback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 1}

	names := []string{"logs/a.txt", "logs/b.txt", "readme.md", "weird[1].txt"}
	for _, n := range names {
		_, err := s.CreateFile(ctx, vol, n, "2026-01-01 00:00:00.000:00000000000000000000000000000000", 1, contentOf(0x01), nil, nil, 1, 0)
		require.NoError(t, err)
	}

	entries, err := s.ListPattern(ctx, vol.VID, "*.md")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "readme.md", entries[0].Name)

	entries, err = s.ListPattern(ctx, vol.VID, "logs/*")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// "weird[1].txt" contains glob metacharacters but was stored literally;
	// globbing it as a pattern matches nothing ("[1]" is a one-char class),
	// so ListPattern retries with every metacharacter escaped and finds it.
	entries, err = s.ListPattern(ctx, vol.VID, "weird[1].txt")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "weird[1].txt", entries[0].Name)
}

func TestListPatternCollapsesDeeperEntriesToDirectory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, RevsKept: 1}

	for _, n := range []string{"a/b/c.txt", "a/b/d.txt", "a/top.txt"} {
		_, err := s.CreateFile(ctx, vol, n, "2026-01-01 00:00:00.000:00000000000000000000000000000000", 1, contentOf(0x01), nil, nil, 1, 0)
		require.NoError(t, err)
	}

	entries, err := s.ListPattern(ctx, vol.VID, "a/*")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = e.IsDir
	}
	require.Equal(t, true, names["a/b"])
	require.Equal(t, false, names["a/top.txt"])
}

func TestRelocationQueueRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target := [16]byte{9, 9}
	require.NoError(t, s.EnqueueRelocation(ctx, 1, "f.bin", target))
	require.NoError(t, s.EnqueueRelocation(ctx, 1, "f.bin", target)) // idempotent

	idx := ShardFor("f.bin")
	pending, err := s.PendingRelocations(ctx, idx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "f.bin", pending[0].Name)

	require.NoError(t, s.DequeueRelocation(ctx, 1, "f.bin", target))
	pending, err = s.PendingRelocations(ctx, idx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestShardForIsStableAndSpread(t *testing.T) {
	idx1 := ShardFor("alpha")
	idx2 := ShardFor("alpha")
	require.Equal(t, idx1, idx2)
	require.GreaterOrEqual(t, idx1, 0)
	require.Less(t, idx1, types.NumMetaShards)

	// Sanity: the shard selector actually consumes the sha1 digest, not the
	// raw name (names "a" and "b" should usually land differently).
	seen := map[int]bool{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[ShardFor(n)] = true
		_ = sha1.Sum([]byte(n))
	}
	require.Greater(t, len(seen), 1)
}
