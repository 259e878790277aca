package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

func newLocal(t *testing.T) (*Local, [16]byte) {
	t.Helper()
	var node [16]byte
	node[0] = 0x5
	blocks, err := blockstore.Open(t.TempDir(), node, nil)
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })
	return &Local{LocalNode: node, Blocks: blocks}, node
}

func TestLocalCheckPresentAgainstLocalStore(t *testing.T) {
	l, node := newLocal(t)
	ctx := context.Background()

	hash, err := l.Blocks.BlockPut(ctx, types.SizeSmall, []byte("payload"), 1, node, nil, false)
	require.NoError(t, err)

	present, err := l.CheckPresent(ctx, node, types.SizeSmall, hash)
	require.NoError(t, err)
	require.True(t, present)

	var missing types.Hash
	missing[0] = 0xff
	present, err = l.CheckPresent(ctx, node, types.SizeSmall, missing)
	require.NoError(t, err)
	require.False(t, present)
}

func TestLocalRejectsRemoteTarget(t *testing.T) {
	l, _ := newLocal(t)
	ctx := context.Background()
	var remote [16]byte
	remote[0] = 0x99
	var hash types.Hash

	_, err := l.CheckPresent(ctx, remote, types.SizeSmall, hash)
	require.True(t, hferr.Is(err, hferr.FailEInternal))

	err = l.Reserve(ctx, remote, types.SizeSmall, hash, hash, 10)
	require.True(t, hferr.Is(err, hferr.FailEInternal))

	err = l.PushBlock(ctx, hash, types.SizeSmall, remote)
	require.True(t, hferr.Is(err, hferr.FailEInternal))

	err = l.MoveFile(ctx, remote, 1, "a.txt")
	require.True(t, hferr.Is(err, hferr.FailEInternal))
}

func TestLocalPushBlockAndMoveFileNoOpForLocalTarget(t *testing.T) {
	l, node := newLocal(t)
	ctx := context.Background()
	var hash types.Hash
	require.NoError(t, l.PushBlock(ctx, hash, types.SizeSmall, node))
	require.NoError(t, l.MoveFile(ctx, node, 1, "a.txt"))
}
