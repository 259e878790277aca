// Package jobqueue is the persistent job/action DAG (events.db): every
// cross-node operation (volume/user/ACL mutation, file flush, distribution
// propagation, rebalance phases) is a job with one action per target node,
// advanced by an external scheduler woken through Trigger (spec.md §4.5).
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/sqlstore"
	"github.com/hashfs-io/hashfs/pkg/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER,
		type TEXT NOT NULL,
		lock TEXT,
		data BLOB,
		sched_time INTEGER NOT NULL,
		expiry_time INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		result INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		user_id INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		target BLOB NOT NULL,
		phase TEXT NOT NULL DEFAULT 'REQUEST'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_job ON actions(job_id)`,
	`CREATE TABLE IF NOT EXISTS locks (
		lock_key TEXT PRIMARY KEY,
		job_id INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
}

const globalLockKey = "lockedby"

// Store is the job/action queue for one node directory.
type Store struct {
	db      *sqlstore.DB
	trigger chan struct{}
}

// Open opens or creates events.db at path.
func Open(path string) (*Store, error) {
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MustExecSchema(context.Background(), db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, trigger: make(chan struct{}, 1)}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Trigger wakes the scheduler (spec.md §4.5 "invoked via an eventfd-style
// trigger"); non-blocking, coalesces bursts into a single wakeup.
func (s *Store) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerChan is the channel a scheduler loop selects on.
func (s *Store) TriggerChan() <-chan struct{} { return s.trigger }

// NewJob is the request shape for CreateJob: a job type, optional lock
// string, opaque payload, the user that requested it, and one target per
// action this job must drive to DONE.
type NewJob struct {
	ParentID *int64
	Type     types.JobType
	Lock     string
	Data     []byte
	UserID   int64
	Targets  [][16]byte
}

// CreateJob implements job_new_begin/job_new_notrigger/job_new_end as a
// single transaction (spec.md §4.5): checks the global lock, throttles per
// user, computes expiry relative to the parent (or now, for root jobs),
// inserts the job and its actions, and — if the job type carries a lock
// prefix and Lock is non-empty — claims "$PREFIX$lock" uniquely.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (int64, error) {
	var jobID int64
	err := s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		locked, err := globalLocked(ctx, tx)
		if err != nil {
			return err
		}
		if locked && nj.Type != types.JobDistribution {
			return hferr.New(hferr.FailLocked, "node is globally locked")
		}

		var openCount int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id = ? AND complete = 0`, nj.UserID).Scan(&openCount); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "count open jobs")
		}
		if openCount >= types.MaxPendingJobs {
			return hferr.New(hferr.FailETooMany, "too many open jobs for user")
		}

		now := time.Now()
		expiry := now.Add(nj.Type.DefaultTimeout())
		if nj.ParentID != nil {
			var parentExpiry int64
			if err := tx.QueryRow(ctx, `SELECT expiry_time FROM jobs WHERE id = ?`, *nj.ParentID).Scan(&parentExpiry); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return hferr.New(hferr.ENOENT, "parent job not found")
				}
				return hferr.Wrap(hferr.FailEInternal, err, "read parent job")
			}
			expiry = time.Unix(parentExpiry, 0).Add(nj.Type.DefaultTimeout())
		}

		res, err := tx.Exec(ctx, `INSERT INTO jobs (parent_id, type, lock, data, sched_time, expiry_time, user_id) VALUES (?,?,?,?,?,?,?)`,
			nj.ParentID, string(nj.Type), nullableString(nj.Lock), nj.Data, now.Unix(), expiry.Unix(), nj.UserID)
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "insert job")
		}
		jobID, _ = res.LastInsertId()

		for _, target := range nj.Targets {
			if _, err := tx.Exec(ctx, `INSERT INTO actions (job_id, target, phase) VALUES (?,?,?)`,
				jobID, target[:], string(types.PhaseRequest)); err != nil {
				return hferr.Wrap(hferr.FailEInternal, err, "insert action")
			}
		}

		if prefix, ok := nj.Type.LockPrefix(); ok && nj.Lock != "" {
			lockKey := "$" + prefix + "$" + nj.Lock
			if _, err := tx.Exec(ctx, `INSERT INTO locks (lock_key, job_id) VALUES (?,?)`, lockKey, jobID); err != nil {
				if sqlstore.IsUniqueViolation(err) {
					return hferr.New(hferr.FailLocked, "conflicting job already holds this lock")
				}
				return hferr.Wrap(hferr.FailEInternal, err, "claim job lock")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.Trigger()
	return jobID, nil
}

// AdvanceAction moves one action to a new phase.
func (s *Store) AdvanceAction(ctx context.Context, actionID int64, phase types.ActionPhase) error {
	res, err := s.db.Exec(ctx, `UPDATE actions SET phase = ? WHERE id = ?`, string(phase), actionID)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "advance action")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hferr.New(hferr.ENOENT, "no such action")
	}
	s.Trigger()
	return nil
}

// PendingActions lists every action of a job still short of DONE/ABORT.
func (s *Store) PendingActions(ctx context.Context, jobID int64) ([]types.Action, error) {
	rows, err := s.db.Query(ctx, `SELECT id, target, phase FROM actions
		WHERE job_id = ? AND phase NOT IN ('DONE','ABORT')`, jobID)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "list pending actions")
	}
	defer rows.Close()
	var out []types.Action
	for rows.Next() {
		var a types.Action
		var target []byte
		var phase string
		if err := rows.Scan(&a.ID, &target, &phase); err != nil {
			return nil, hferr.Wrap(hferr.FailEInternal, err, "scan action")
		}
		a.JobID = jobID
		copy(a.Target[:], target)
		a.Phase = types.ActionPhase(phase)
		out = append(out, a)
	}
	return out, nil
}

// CompleteJob marks a job complete with the given result/reason, releasing
// any lock row it held (spec.md §4.5 "Progression").
func (s *Store) CompleteJob(ctx context.Context, jobID int64, result int, reason string) error {
	return s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET complete = 1, result = ?, reason = ? WHERE id = ?`,
			result, nullableString(reason), jobID); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "complete job")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM locks WHERE job_id = ?`, jobID); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "release job lock")
		}
		return nil
	})
}

// JobResult implements job_result(job, uid): polls completion state,
// scoped to the requesting user.
func (s *Store) JobResult(ctx context.Context, jobID, uid int64) (types.JobResultStatus, string, error) {
	var complete int
	var result int
	var reason sql.NullString
	var userID int64
	row := s.db.QueryRow(ctx, `SELECT complete, result, reason, user_id FROM jobs WHERE id = ?`, jobID)
	if err := row.Scan(&complete, &result, &reason, &userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.JobPending, "", hferr.New(hferr.ENOENT, "no such job")
		}
		return types.JobPending, "", hferr.Wrap(hferr.FailEInternal, err, "read job")
	}
	if userID != uid {
		return types.JobPending, "", hferr.New(hferr.EPERM, "job belongs to a different user")
	}
	if complete == 0 {
		return types.JobPending, "", nil
	}
	if result == 0 {
		return types.JobOK, "", nil
	}
	return types.JobError, reason.String, nil
}

// Lock implements job_lock: a node-wide exclusive lock that fails if any
// non-distribution job is currently in flight.
func (s *Store) Lock(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx *sqlstore.Tx) error {
		locked, err := globalLocked(ctx, tx)
		if err != nil {
			return err
		}
		if locked {
			return hferr.New(hferr.FailLocked, "already locked")
		}
		var inFlight int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE complete = 0 AND type != ?`,
			string(types.JobDistribution)).Scan(&inFlight); err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "count in-flight jobs")
		}
		if inFlight > 0 {
			return hferr.New(hferr.FailLocked, "non-distribution jobs in flight")
		}
		_, err = tx.Exec(ctx, `INSERT INTO kv (key, value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			globalLockKey, "1")
		if err != nil {
			return hferr.Wrap(hferr.FailEInternal, err, "set global lock")
		}
		return nil
	})
}

// Unlock implements job_unlock.
func (s *Store) Unlock(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM kv WHERE key = ?`, globalLockKey)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "clear global lock")
	}
	return nil
}

func globalLocked(ctx context.Context, tx *sqlstore.Tx) (bool, error) {
	var v string
	err := tx.QueryRow(ctx, `SELECT value FROM kv WHERE key = ?`, globalLockKey).Scan(&v)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, hferr.Wrap(hferr.FailEInternal, err, "read global lock")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
