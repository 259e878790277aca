package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/types"
)

func TestAllNamesListsAcrossShards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, Name: "vol1", ReplicaCount: 1, RevsKept: 1}

	_, err := s.CreateFile(ctx, vol, "a/one.txt", "r1", 10, contentOf(1), nil, nil, 1, 1)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, vol, "b/two.txt", "r1", 10, contentOf(2), nil, nil, 1, 1)
	require.NoError(t, err)

	names, err := s.AllNames(ctx, vol.VID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a/one.txt", "b/two.txt"}, names)
}

func TestSumSizesTotalsKeptRevisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	vol := types.Volume{VID: 1, Name: "vol1", ReplicaCount: 1, RevsKept: 2}

	_, err := s.CreateFile(ctx, vol, "one.txt", "r1", 20, contentOf(1), nil, nil, 1, 1)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, vol, "one.txt", "r2", 30, contentOf(2), nil, nil, 1, 2)
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, vol, "two.txt", "r1", 15, contentOf(3), nil, nil, 1, 1)
	require.NoError(t, err)

	total, err := s.SumSizes(ctx, vol.VID)
	require.NoError(t, err)
	require.Equal(t, int64(65), total)
}

func TestSumSizesEmptyVolumeIsZero(t *testing.T) {
	s := openTestStore(t)
	total, err := s.SumSizes(context.Background(), 99)
	require.NoError(t, err)
	require.Zero(t, total)
}
