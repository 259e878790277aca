package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block store metrics
	BlocksStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfs_blocks_stored_total",
			Help: "Total number of blocks written by size class",
		},
		[]string{"size_class"},
	)

	BlocksRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfs_blocks_read_total",
			Help: "Total number of block reads by size class",
		},
		[]string{"size_class"},
	)

	BlockPutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashfs_block_put_duration_seconds",
			Help:    "Time to write and index a block",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"size_class"},
	)

	FreeSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hashfs_free_slots",
			Help: "Free slots available for reuse, by size class and shard",
		},
		[]string{"size_class", "shard"},
	)

	// Metadata store metrics
	FilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashfs_files_total",
			Help: "Total number of live file revisions across all shards",
		},
	)

	VolumeCurSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hashfs_volume_cursize_bytes",
			Help: "Current size in bytes per volume",
		},
		[]string{"volume"},
	)

	// Upload metrics
	TokensOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashfs_upload_tokens_open",
			Help: "Number of upload tokens currently open (not yet committed)",
		},
	)

	UploadCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hashfs_upload_commit_duration_seconds",
			Help:    "Time from putfile_begin to commit job creation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job queue metrics
	JobsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hashfs_jobs_pending",
			Help: "Pending jobs by type",
		},
		[]string{"type"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfs_jobs_failed_total",
			Help: "Jobs that completed with a non-zero result",
		},
		[]string{"type"},
	)

	// GC metrics
	GCSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hashfs_gc_sweep_duration_seconds",
			Help:    "Time taken by a garbage collector sweep",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	GCReclaimedSlots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfs_gc_reclaimed_slots_total",
			Help: "Slots returned to the freelist by the refcount sweep",
		},
		[]string{"size_class"},
	)

	GCSkippedNegativeUse = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hashfs_gc_skipped_negative_use_total",
			Help: "Refcount sweeps skipped because a use row went negative",
		},
		[]string{"size_class", "shard"},
	)

	// Rebalance metrics
	RebalanceBlocksMigrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hashfs_rebalance_blocks_migrated_total",
			Help: "Blocks migrated to their next-distribution owner",
		},
	)

	RebalanceFilesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hashfs_rebalance_files_pending",
			Help: "Files still queued for relocation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BlocksStored,
		BlocksRead,
		BlockPutDuration,
		FreeSlots,
		FilesTotal,
		VolumeCurSize,
		TokensOpen,
		UploadCommitDuration,
		JobsPending,
		JobsFailed,
		GCSweepDuration,
		GCReclaimedSlots,
		GCSkippedNegativeUse,
		RebalanceBlocksMigrated,
		RebalanceFilesPending,
	)
}

// Handler returns the Prometheus HTTP handler for the (out-of-scope) front-end to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
