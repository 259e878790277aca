// Package gc is the scheduler wrapping pkg/blockstore's sweep mechanics
// (spec.md §4.6): reservation expiry by block age, reservation expiry by
// ttl, operation expiry by ttl, and the refcount sweep, all run in order on
// each tick of one shared ticker and bounded per shard by maxBatch.
package gc

import (
	"context"
	"time"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/log"
	"github.com/hashfs-io/hashfs/pkg/upload"
)

// Config tunes sweep cadence and batch size; zero values fall back to
// conservative defaults via WithDefaults.
type Config struct {
	Interval         time.Duration
	ReservationGrace time.Duration
	MaxBatch         int
}

// WithDefaults fills any zero field with the engine's standard cadence.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ReservationGrace <= 0 {
		c.ReservationGrace = 5 * time.Minute
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	return c
}

// Scheduler periodically drives a blockstore.Store's sweeps, plus the
// upload state machine's crash-recovery expiry, until Stop.
type Scheduler struct {
	store   *blockstore.Store
	uploads *upload.Store
	onHold  blockstore.OnHold
	cfg     Config

	rebalancing func() bool

	stop chan struct{}
	done chan struct{}
}

// New creates a scheduler. onHold reports whether a block is pinned by an
// active rebalance's hold set (spec.md §4.6); rebalancing reports whether a
// rebalance is currently in progress, which relaxes the negative-use safety
// gate from fatal to tolerated (spec.md §4.6 "Safety gate"). uploads may be
// nil, in which case the flushed-not-committed sweep is skipped.
func New(store *blockstore.Store, uploads *upload.Store, onHold blockstore.OnHold, rebalancing func() bool, cfg Config) *Scheduler {
	return &Scheduler{
		store:       store,
		uploads:     uploads,
		onHold:      onHold,
		cfg:         cfg.WithDefaults(),
		rebalancing: rebalancing,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop in a new goroutine; call Stop to end it.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce(context.Background())
		}
	}
}

// sweepOnce runs every sweep stage exactly once; exported via RunOnce for
// tests and for an admin-triggered manual GC pass.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	logger := log.WithComponent("gc")
	now := time.Now().Unix()

	if n, err := s.store.ExpireReservationsByAge(ctx, s.cfg.ReservationGrace, s.cfg.MaxBatch); err != nil {
		logger.Error().Err(err).Msg("reservation expiry by age failed")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("expired reservations by block age")
	}

	if n, err := s.store.ExpireReservationsByTTL(ctx, now, s.cfg.MaxBatch); err != nil {
		logger.Error().Err(err).Msg("reservation expiry by ttl failed")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("expired reservations by ttl")
	}

	if n, err := s.store.ExpireOperationsByTTL(ctx, now, s.cfg.MaxBatch); err != nil {
		logger.Error().Err(err).Msg("operation expiry by ttl failed")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("expired operations by ttl")
	}

	rebalancing := s.rebalancing != nil && s.rebalancing()
	result, err := s.store.RefcountSweep(ctx, s.onHold, s.cfg.MaxBatch, rebalancing)
	if err != nil {
		logger.Error().Err(err).Msg("refcount sweep failed")
		return
	}
	if result.Reclaimed > 0 {
		logger.Debug().Int("reclaimed", result.Reclaimed).Msg("refcount sweep reclaimed slots")
	}
	if result.SkippedNegative {
		logger.Warn().Bool("rebalancing", rebalancing).Msg("refcount sweep skipped a block with a negative use row")
	}

	if s.uploads != nil {
		if tids, err := s.uploads.ExpireFlushedNotCommitted(ctx, now); err != nil {
			logger.Error().Err(err).Msg("flushed-not-committed token expiry failed")
		} else if len(tids) > 0 {
			logger.Debug().Int("count", len(tids)).Msg("expired flushed-not-committed tokens")
		}
	}
}

// RunOnce runs every sweep stage a single time, for admin-triggered manual
// GC (spec.md §9 "admin-invoked" tooling) and tests that don't want to wait
// on the ticker.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.sweepOnce(ctx)
}
