package jobqueue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/types"
)

func openTestTransferStore(t *testing.T) *TransferStore {
	t.Helper()
	s, err := OpenTransferStore(filepath.Join(t.TempDir(), "xfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPushBlockThenConfirm(t *testing.T) {
	s := openTestTransferStore(t)
	ctx := context.Background()

	var hash types.Hash
	hash[0] = 0x42
	target := [16]byte{1, 2, 3}

	require.NoError(t, s.PushBlock(ctx, hash, types.SizeSmall, target))

	held, err := s.IsOnHold(ctx, hash)
	require.NoError(t, err)
	require.True(t, held)

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, hash, pending[0].BlockHash)

	require.NoError(t, s.Confirm(ctx, hash, types.SizeSmall, target))

	held, err = s.IsOnHold(ctx, hash)
	require.NoError(t, err)
	require.False(t, held)
}

func TestPushBlockIdempotent(t *testing.T) {
	s := openTestTransferStore(t)
	ctx := context.Background()
	var hash types.Hash
	hash[0] = 0x01
	target := [16]byte{9}

	require.NoError(t, s.PushBlock(ctx, hash, types.SizeSmall, target))
	require.NoError(t, s.PushBlock(ctx, hash, types.SizeSmall, target))

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestUnrelatedHashIsNotOnHold(t *testing.T) {
	s := openTestTransferStore(t)
	ctx := context.Background()
	var hash types.Hash
	hash[0] = 0x99
	held, err := s.IsOnHold(ctx, hash)
	require.NoError(t, err)
	require.False(t, held)
}
