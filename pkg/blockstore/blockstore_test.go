package blockstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

func testClusterUUID() [16]byte {
	var u [16]byte
	return u // all-zero, matches spec.md §8 scenario 3's "00000000-…-0000"
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, testClusterUUID(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestCreateAndRead reproduces spec.md §8 scenario 1: a 10000-byte file
// split into two small (8192-byte) blocks, with the second block's hash
// taken over the short remainder zero-padded up to the block size.
func TestCreateAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{'x'}, 10000)
	bs := types.BlockSizeFor(10000)
	require.Equal(t, types.SizeSmall, bs)
	nblocks := types.NumBlocks(10000, bs)
	require.Equal(t, int64(2), nblocks)

	block1 := payload[0:8192]
	block2 := payload[8192:10000] // 1808 bytes

	wantH1 := sha1.New()
	wantH1.Write([]byte(uuidString(testClusterUUID())))
	wantH1.Write(block1)
	var h1 types.Hash
	copy(h1[:], wantH1.Sum(nil))

	padded2 := make([]byte, 8192)
	copy(padded2, block2)
	wantH2 := sha1.New()
	wantH2.Write([]byte(uuidString(testClusterUUID())))
	wantH2.Write(padded2)
	var h2 types.Hash
	copy(h2[:], wantH2.Sum(nil))

	gotH1, err := s.BlockPut(ctx, bs, block1, 1, [16]byte{}, nil, false)
	require.NoError(t, err)
	require.Equal(t, h1, gotH1)

	gotH2, err := s.BlockPut(ctx, bs, block2, 1, [16]byte{}, nil, false)
	require.NoError(t, err)
	require.Equal(t, h2, gotH2)

	readBack1, err := s.BlockGet(ctx, bs, h1)
	require.NoError(t, err)
	require.Equal(t, block1, readBack1)

	readBack2, err := s.BlockGet(ctx, bs, h2)
	require.NoError(t, err)
	require.Equal(t, padded2, readBack2)
}

func TestBlockPutDuplicateReturnsEAGAIN(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{'y'}, 100)

	_, err := s.BlockPut(ctx, types.SizeSmall, payload, 1, [16]byte{}, nil, false)
	require.NoError(t, err)

	_, err = s.BlockPut(ctx, types.SizeSmall, payload, 1, [16]byte{}, nil, false)
	require.Error(t, err)
	require.True(t, hferr.Is(err, hferr.EAGAIN))
}

func TestBlockGetMissingReturnsENOENT(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var missing types.Hash
	_, err := s.BlockGet(ctx, types.SizeSmall, missing)
	require.Error(t, err)
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

func TestHashopReserveThenInUseThenDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{'z'}, 4096)
	hash := s.HashBuf(padToBlockSize(payload, types.SizeSmall))

	groupID := bytes.Repeat([]byte{0x01}, 20)
	res, err := s.Hashop(ctx, types.SizeSmall, hash, HashopReserve, groupID, 1, 3600, 1)
	require.NoError(t, err)
	require.False(t, res.Present)

	id := append(append([]byte{}, groupID...), bytes.Repeat([]byte{0x02}, 20)...)
	res, err = s.Hashop(ctx, types.SizeSmall, hash, HashopInUse, id, 1, 3600, 1)
	require.NoError(t, err)
	require.False(t, res.Present) // placeholder has no blockno yet

	res, err = s.Hashop(ctx, types.SizeSmall, hash, HashopDelete, id, 1, 3600, 1)
	require.NoError(t, err)
	require.False(t, res.Present)
}

func TestHashopInUseWithoutPriorReserveFailsENOENT(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var hash types.Hash
	id := bytes.Repeat([]byte{0x03}, 40)
	_, err := s.Hashop(ctx, types.SizeSmall, hash, HashopInUse, id, 1, 3600, 1)
	require.Error(t, err)
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

// TestReservationPlaceholderNotReadable reproduces spec.md §8 scenario 5: a reservation
// with no uploaded payload is never visible to BlockGet.
func TestReservationPlaceholderNotReadable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var hash types.Hash
	groupID := bytes.Repeat([]byte{0x04}, 20)

	_, err := s.Hashop(ctx, types.SizeSmall, hash, HashopReserve, groupID, 1, 10, 1)
	require.NoError(t, err)

	_, err = s.BlockGet(ctx, types.SizeSmall, hash)
	require.Error(t, err)
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

func TestAllocSlotReusesFreelist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sh := s.shards[types.SizeSmall][0]

	first, err := allocSlot(ctx, sh)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	_, err = sh.db.Exec(ctx, `INSERT INTO freelist (blockno) VALUES (?)`, first)
	require.NoError(t, err)

	reused, err := allocSlot(ctx, sh)
	require.NoError(t, err)
	require.Equal(t, first, reused)

	bumped, err := allocSlot(ctx, sh)
	require.NoError(t, err)
	require.Equal(t, int64(2), bumped)
}
