package gc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
	"github.com/hashfs-io/hashfs/pkg/upload"
)

func openTestBlockstore(t *testing.T) *blockstore.Store {
	t.Helper()
	var clusterUUID [16]byte
	s, err := blockstore.Open(t.TempDir(), clusterUUID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestUploadStore(t *testing.T) *upload.Store {
	t.Helper()
	s, err := upload.Open(filepath.Join(t.TempDir(), "temp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestRunOnceReclaimsAbandonedReservation mirrors spec.md §8 scenario 5: an
// uncommitted reservation older than the configured grace is swept and its
// block slot freed by a single RunOnce pass.
func TestRunOnceReclaimsAbandonedReservation(t *testing.T) {
	bstore := openTestBlockstore(t)
	ctx := context.Background()

	var hash types.Hash
	hash[0] = 0x7a
	groupID := make([]byte, 20)
	_, err := bstore.Hashop(ctx, types.SizeSmall, hash, blockstore.HashopReserve, groupID, 1, 10, 1)
	require.NoError(t, err)

	// a negative grace puts the cutoff in the future, so the reservation's
	// block (created "now") reads as older than cutoff without needing to
	// reach into blockstore's unexported shard internals from this package.
	sched := New(bstore, nil, nil, nil, Config{ReservationGrace: -time.Hour, MaxBatch: 100})
	sched.RunOnce(ctx)

	_, err = bstore.BlockGet(ctx, types.SizeSmall, hash)
	require.Error(t, err)
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

// TestRunOnceSkipsHeldBlock confirms a block reported on hold by onHold
// survives a RunOnce pass even with zero live uses.
func TestRunOnceSkipsHeldBlock(t *testing.T) {
	bstore := openTestBlockstore(t)
	ctx := context.Background()
	hash, err := bstore.BlockPut(ctx, types.SizeSmall, []byte("held-payload"), 1, [16]byte{}, nil, false)
	require.NoError(t, err)

	held := func(h types.Hash) bool { return h == hash }
	sched := New(bstore, nil, held, nil, Config{MaxBatch: 100})
	sched.RunOnce(ctx)

	readBack, err := bstore.BlockGet(ctx, types.SizeSmall, hash)
	require.NoError(t, err)
	require.NotEmpty(t, readBack)
}

// TestRunOnceExpiresFlushedNotCommittedTokens confirms the scheduler also
// drives the upload state machine's crash-recovery sweep when wired.
func TestRunOnceExpiresFlushedNotCommittedTokens(t *testing.T) {
	bstore := openTestBlockstore(t)
	uploads := openTestUploadStore(t)
	ctx := context.Background()

	tid, err := uploads.Begin(ctx, 1, "a/b.txt", 1)
	require.NoError(t, err)
	var h types.Hash
	h[0] = 0x11
	require.NoError(t, uploads.PutBlock(ctx, tid, h))

	size := int64(100)
	key := make([]byte, 20)
	res, err := uploads.GetToken(ctx, tid, "11111111-1111-1111-1111-111111111111", key, &size, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)

	targets := func(idx int) [][16]byte { return [][16]byte{{1}, {2}} }
	presence := fakePresenceAlwaysTrue{}
	reserver := fakeReserverNoop{}
	require.NoError(t, uploads.GetBlock(ctx, tid, [16]byte{}, targets, presence, reserver, nil))

	// the token is now flushed and still present before the sweep
	_, err = uploads.Get(ctx, tid)
	require.NoError(t, err)

	sched := New(bstore, uploads, nil, nil, Config{MaxBatch: 100})
	sched.RunOnce(ctx)

	// ttl hasn't actually passed yet (GetToken computed a future expiry), so
	// the token must still be present: this only exercises the wiring path.
	_, err = uploads.Get(ctx, tid)
	require.NoError(t, err)
}

type fakePresenceAlwaysTrue struct{}

func (fakePresenceAlwaysTrue) CheckPresent(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash) (bool, error) {
	return true, nil
}

type fakeReserverNoop struct{}

func (fakeReserverNoop) Reserve(ctx context.Context, target [16]byte, bs types.BlockSize, hash types.Hash, reserveID types.Hash, ttl int64) error {
	return nil
}
