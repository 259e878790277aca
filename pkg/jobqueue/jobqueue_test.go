package jobqueue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateJobInsertsActionsAndTriggers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, NewJob{
		Type:    types.JobFlushFile,
		Lock:    "vol1/file.txt",
		UserID:  1,
		Targets: [][16]byte{{1}, {2}},
	})
	require.NoError(t, err)
	require.Greater(t, jobID, int64(0))

	select {
	case <-s.TriggerChan():
	default:
		t.Fatal("expected a trigger wakeup after CreateJob")
	}

	actions, err := s.PendingActions(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		require.Equal(t, types.PhaseRequest, a.Phase)
	}
}

func TestCreateJobConflictingLockFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, Lock: "vol1/a.txt", UserID: 1})
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, Lock: "vol1/a.txt", UserID: 1})
	require.True(t, hferr.Is(err, hferr.FailLocked))

	_, err = s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, Lock: "vol1/b.txt", UserID: 1})
	require.NoError(t, err, "a different lock string must not conflict")
}

func TestCreateJobThrottlesPerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < types.MaxPendingJobs; i++ {
		_, err := s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 7})
		require.NoError(t, err)
	}
	_, err := s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 7})
	require.True(t, hferr.Is(err, hferr.FailETooMany))

	_, err = s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 8})
	require.NoError(t, err, "throttle is per user, not global")
}

func TestChildJobExpiryDerivesFromParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parentID, err := s.CreateJob(ctx, NewJob{Type: types.JobStartRebalance, UserID: 1})
	require.NoError(t, err)

	childID, err := s.CreateJob(ctx, NewJob{ParentID: &parentID, Type: types.JobRebalanceBlocks, UserID: 1})
	require.NoError(t, err)
	require.Greater(t, childID, int64(0))
}

func TestCreateJobWithUnknownParentFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	missing := int64(999)
	_, err := s.CreateJob(ctx, NewJob{ParentID: &missing, Type: types.JobFlushFile, UserID: 1})
	require.True(t, hferr.Is(err, hferr.ENOENT))
}

func TestCompleteJobReleasesLockAndReportsResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, Lock: "vol1/a.txt", UserID: 1})
	require.NoError(t, err)

	status, _, err := s.JobResult(ctx, jobID, 1)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, status)

	require.NoError(t, s.CompleteJob(ctx, jobID, 0, ""))

	status, _, err = s.JobResult(ctx, jobID, 1)
	require.NoError(t, err)
	require.Equal(t, types.JobOK, status)

	// the lock row was released, so the same lock string can be reused
	_, err = s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, Lock: "vol1/a.txt", UserID: 1})
	require.NoError(t, err)
}

func TestJobResultWrongUserIsEPERM(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jobID, err := s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 1})
	require.NoError(t, err)

	_, _, err = s.JobResult(ctx, jobID, 2)
	require.True(t, hferr.Is(err, hferr.EPERM))
}

func TestLockRejectsWhenNonDistributionJobsInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, UserID: 1})
	require.NoError(t, err)

	err = s.Lock(ctx)
	require.True(t, hferr.Is(err, hferr.FailLocked))
}

func TestLockUnlockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Lock(ctx))

	_, err := s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 1})
	require.True(t, hferr.Is(err, hferr.FailLocked))

	_, err = s.CreateJob(ctx, NewJob{Type: types.JobDistribution, UserID: 1})
	require.NoError(t, err, "distribution jobs bypass the global lock")

	require.NoError(t, s.Unlock(ctx))
	_, err = s.CreateJob(ctx, NewJob{Type: types.JobCreateUser, UserID: 1})
	require.NoError(t, err)
}

func TestAdvanceActionToDone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, NewJob{Type: types.JobFlushFile, UserID: 1, Targets: [][16]byte{{1}}})
	require.NoError(t, err)

	actions, err := s.PendingActions(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	require.NoError(t, s.AdvanceAction(ctx, actions[0].ID, types.PhaseDone))

	remaining, err := s.PendingActions(ctx, jobID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
