// Command hashfsd runs one node of the storage engine: block store,
// metadata store, catalog, upload state machine, job/transfer queues, the
// garbage collector scheduler, and the rebalance coordinator, wired the way
// the teacher's daemon wires its manager/scheduler/reconciler trio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/catalog"
	"github.com/hashfs-io/hashfs/pkg/cluster"
	"github.com/hashfs-io/hashfs/pkg/config"
	"github.com/hashfs-io/hashfs/pkg/gc"
	"github.com/hashfs-io/hashfs/pkg/jobqueue"
	"github.com/hashfs-io/hashfs/pkg/log"
	"github.com/hashfs-io/hashfs/pkg/metastore"
	"github.com/hashfs-io/hashfs/pkg/metrics"
	"github.com/hashfs-io/hashfs/pkg/rebalance"
	"github.com/hashfs-io/hashfs/pkg/types"
	"github.com/hashfs-io/hashfs/pkg/upload"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hashfsd",
	Short:   "hashfsd runs a single storage engine node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hashfsd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "./hashfs.yml", "Path to node config file")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node's block store, metadata store, and background schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return serve(path)
	},
}

// node bundles every open store so shutdown can close them in reverse
// acquisition order.
type node struct {
	cfg         config.Config
	blocks      *blockstore.Store
	meta        *metastore.Store
	cat         *catalog.Catalog
	uploads     *upload.Store
	jobs        *jobqueue.Store
	transfers   *jobqueue.TransferStore
	sched       *gc.Scheduler
	coordinator *rebalance.Coordinator
	local       *cluster.Local

	rebalanceStop chan struct{}
	rebalanceDone chan struct{}

	transferStop chan struct{}
	transferDone chan struct{}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeUUID, err := cfg.NodeUUIDBytes()
	if err != nil {
		return fmt.Errorf("node uuid: %w", err)
	}
	clusterUUID, err := cfg.ClusterUUIDBytes()
	if err != nil {
		return fmt.Errorf("cluster uuid: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir+"/blocks", 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir+"/meta", 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	n := &node{cfg: cfg}

	local := &cluster.Local{LocalNode: nodeUUID}

	n.transfers, err = jobqueue.OpenTransferStore(cfg.DataDir + "/xfers.db")
	if err != nil {
		return fmt.Errorf("open transfer store: %w", err)
	}
	fmt.Println("✓ Transfer store opened")

	// The transfer queue is the block store's Pusher, not the transport
	// client directly: every push a propagate step or a rebalance migration
	// wants to make first lands as a transfer_push row (spec.md §4.7 "Held
	// blocks (onhold)"), so the block can't be GC'd out from under an
	// in-flight push. runTransferLoop drains the queue against the real
	// transport and confirms rows as they land.
	n.blocks, err = blockstore.Open(cfg.DataDir+"/blocks", clusterUUID, n.transfers)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	local.Blocks = n.blocks
	fmt.Println("✓ Block store opened")

	n.meta, err = metastore.Open(cfg.DataDir + "/meta")
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	fmt.Println("✓ Metadata store opened")

	n.cat, err = catalog.Open(cfg.DataDir + "/catalog.db")
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	fmt.Println("✓ Catalog opened")

	if err := n.cat.SetNodeIdentity(context.Background(), types.Node{
		ClusterUUID: clusterUUID,
		NodeUUID:    nodeUUID,
		Role:        types.NodeActive,
		PublicAddr:  cfg.BindAddr,
	}); err != nil {
		return fmt.Errorf("set node identity: %w", err)
	}

	n.uploads, err = upload.Open(cfg.DataDir + "/temp.db")
	if err != nil {
		return fmt.Errorf("open upload store: %w", err)
	}
	fmt.Println("✓ Upload store opened")

	n.jobs, err = jobqueue.Open(cfg.DataDir + "/events.db")
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	fmt.Println("✓ Job queue opened")

	n.local = local
	n.coordinator = &rebalance.Coordinator{
		Meta:      n.meta,
		Blocks:    n.blocks,
		Catalog:   n.cat,
		LocalNode: nodeUUID,
	}

	rebalancing := func() bool {
		dist, err := n.cat.LoadDistribution(context.Background())
		if err != nil {
			return false
		}
		return dist.IsRebalancing()
	}
	onHold := func(hash types.Hash) bool {
		held, err := n.transfers.IsOnHold(context.Background(), hash)
		if err != nil {
			log.Errorf("gc: on-hold check failed: %v", err)
			return true
		}
		return held
	}

	n.sched = gc.New(n.blocks, n.uploads, onHold, rebalancing, gc.Config{
		Interval:         cfg.GC.Interval,
		ReservationGrace: cfg.GC.ReservationGrace,
		MaxBatch:         cfg.GC.MaxBatch,
	}.WithDefaults())
	n.sched.Start()
	fmt.Println("✓ GC scheduler started")

	n.rebalanceStop = make(chan struct{})
	n.rebalanceDone = make(chan struct{})
	go n.runRebalanceLoop(cfg.Rebalance.Replica, cfg.Rebalance.MaxBatch)
	fmt.Println("✓ Rebalance coordinator started")

	n.transferStop = make(chan struct{})
	n.transferDone = make(chan struct{})
	go n.runTransferLoop(cfg.GC.MaxBatch)
	fmt.Println("✓ Transfer worker started")

	metrics.UpdateComponent("hashfsd", true, "serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return n.shutdown()
}

// runRebalanceLoop drains pending file relocations and migrates displaced
// blocks while a rebalance is in progress, mirroring the cadence of
// pkg/gc's own sweep ticker (spec.md §4.7).
func (n *node) runRebalanceLoop(replica, maxBatch int) {
	defer close(n.rebalanceDone)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.rebalanceStop:
			return
		case <-ticker.C:
			n.driveRebalance(replica, maxBatch)
		}
	}
}

// CreateCommitJob implements upload.CommitJobCreator: putfile_commitjob
// (spec.md §4.4). A flushed token's REPLICATE_BLOCKS job fans out to every
// node GetBlock reserved a replica against; the FLUSH_FILE job that follows
// is parented on it and locked by the token id, so the file only becomes
// visible once replication completes and a racing double-commit of the
// same token is rejected by the lock table.
func (n *node) CreateCommitJob(ctx context.Context, tid string, volumeID int64, targets [][16]byte) error {
	replicateID, err := n.jobs.CreateJob(ctx, jobqueue.NewJob{
		Type:    types.JobReplicateBlocks,
		Data:    []byte(tid),
		Targets: targets,
	})
	if err != nil {
		return err
	}
	_, err = n.jobs.CreateJob(ctx, jobqueue.NewJob{
		ParentID: &replicateID,
		Type:     types.JobFlushFile,
		Lock:     tid,
		Data:     []byte(tid),
		Targets:  targets,
	})
	return err
}

// runTransferLoop drains the persistent transfer-push queue (xfers.db)
// against the real transport, confirming each row as it lands so the
// rebalance hold set (spec.md §4.7 "Held blocks (onhold)") releases the
// underlying block for GC. A push that fails is left queued for the next
// tick rather than treated as fatal, mirroring runRebalanceLoop's relocation
// drain.
func (n *node) runTransferLoop(maxBatch int) {
	defer close(n.transferDone)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.transferStop:
			return
		case <-ticker.C:
			n.driveTransfers(maxBatch)
		}
	}
}

func (n *node) driveTransfers(maxBatch int) {
	ctx := context.Background()
	pending, err := n.transfers.Pending(ctx, maxBatch)
	if err != nil {
		log.Errorf("transfer: list pending pushes failed: %v", err)
		return
	}
	for _, p := range pending {
		if err := n.local.PushBlock(ctx, p.BlockHash, p.BlockSize, p.Target); err != nil {
			log.Errorf("transfer: push %x to %x failed, left queued: %v", p.BlockHash, p.Target, err)
			continue
		}
		if err := n.transfers.Confirm(ctx, p.BlockHash, p.BlockSize, p.Target); err != nil {
			log.Errorf("transfer: confirm push failed: %v", err)
		}
	}
}

func (n *node) driveRebalance(replica, maxBatch int) {
	ctx := context.Background()
	dist, err := n.cat.LoadDistribution(ctx)
	if err != nil || !dist.IsRebalancing() {
		return
	}
	for shardIdx := 0; shardIdx < types.NumMetaShards; shardIdx++ {
		if _, err := n.coordinator.DrainRelocations(ctx, shardIdx, maxBatch, n.local); err != nil {
			log.Errorf("rebalance: drain relocations failed: %v", err)
		}
	}
	if _, err := n.coordinator.RebalanceBlocks(ctx, dist, replica, maxBatch); err != nil {
		log.Errorf("rebalance: block migration failed: %v", err)
	}
}

func (n *node) shutdown() error {
	close(n.transferStop)
	<-n.transferDone
	fmt.Println("✓ Transfer worker stopped")

	close(n.rebalanceStop)
	<-n.rebalanceDone
	fmt.Println("✓ Rebalance coordinator stopped")

	n.sched.Stop()
	fmt.Println("✓ GC scheduler stopped")

	if err := n.transfers.Close(); err != nil {
		log.Errorf("close transfer store: %v", err)
	}
	if err := n.jobs.Close(); err != nil {
		log.Errorf("close job queue: %v", err)
	}
	if err := n.uploads.Close(); err != nil {
		log.Errorf("close upload store: %v", err)
	}
	if err := n.cat.Close(); err != nil {
		log.Errorf("close catalog: %v", err)
	}
	if err := n.meta.Close(); err != nil {
		log.Errorf("close metadata store: %v", err)
	}
	if err := n.blocks.Close(); err != nil {
		log.Errorf("close block store: %v", err)
	}
	fmt.Println("✓ Stores closed")
	return nil
}
