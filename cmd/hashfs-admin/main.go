// Command hashfs-admin is a thin local CLI for the operator-invoked
// maintenance paths spec.md leaves outside the request protocol: volume
// cur_size recompute, a manual garbage-collection sweep, and driving a
// cluster rebalance's start/finish transitions.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hashfs-io/hashfs/pkg/blockstore"
	"github.com/hashfs-io/hashfs/pkg/catalog"
	"github.com/hashfs-io/hashfs/pkg/config"
	"github.com/hashfs-io/hashfs/pkg/gc"
	"github.com/hashfs-io/hashfs/pkg/hdist"
	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/metastore"
	"github.com/hashfs-io/hashfs/pkg/rebalance"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hashfs-admin",
	Short: "Operator-invoked maintenance commands for a hashfsd node",
}

func init() {
	rootCmd.PersistentFlags().String("config", "./hashfs.yml", "Path to node config file")

	volumeCmd := &cobra.Command{Use: "volume", Short: "Volume maintenance"}
	volumeCmd.AddCommand(recomputeCurSizeCmd)
	rootCmd.AddCommand(volumeCmd)

	gcCmd := &cobra.Command{Use: "gc", Short: "Garbage collector"}
	gcCmd.AddCommand(gcRunOnceCmd)
	rootCmd.AddCommand(gcCmd)

	rebalanceCmd := &cobra.Command{Use: "rebalance", Short: "Cluster rebalance"}
	rebalanceCmd.AddCommand(rebalanceStatusCmd)
	rebalanceCmd.AddCommand(rebalanceStartCmd)
	rebalanceCmd.AddCommand(rebalanceFinishCmd)
	rootCmd.AddCommand(rebalanceCmd)

	recomputeCurSizeCmd.Flags().Int64("vid", 0, "Volume id")
	rebalanceStartCmd.Flags().String("next", "", "Comma-separated node_uuid:capacity pairs for the next build")
}

func openCatalog(cmd *cobra.Command) (config.Config, *catalog.Catalog, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	cat, err := catalog.Open(cfg.DataDir + "/catalog.db")
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("open catalog: %w", err)
	}
	return cfg, cat, nil
}

var recomputeCurSizeCmd = &cobra.Command{
	Use:   "recompute-cursize",
	Short: "Recompute a volume's cur_size from the metadata store's authoritative file sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		vid, _ := cmd.Flags().GetInt64("vid")
		if vid == 0 {
			return fmt.Errorf("--vid is required")
		}
		cfg, cat, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer cat.Close()

		meta, err := metastore.Open(cfg.DataDir + "/meta")
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer meta.Close()

		ctx := context.Background()
		total, err := meta.SumSizes(ctx, vid)
		if err != nil {
			return fmt.Errorf("sum sizes: %w", err)
		}
		if err := cat.RecomputeCurSize(ctx, vid, total); err != nil {
			return fmt.Errorf("recompute cursize: %w", err)
		}
		fmt.Printf("volume %d cur_size set to %d\n", vid, total)
		return nil
	},
}

var gcRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single garbage-collection sweep immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		clusterUUID, err := cfg.ClusterUUIDBytes()
		if err != nil {
			return err
		}
		blocks, err := blockstore.Open(cfg.DataDir+"/blocks", clusterUUID, nil)
		if err != nil {
			return fmt.Errorf("open block store: %w", err)
		}
		defer blocks.Close()

		sched := gc.New(blocks, nil, nil, nil, gc.Config{
			ReservationGrace: cfg.GC.ReservationGrace,
			MaxBatch:         cfg.GC.MaxBatch,
		}.WithDefaults())
		sched.RunOnce(context.Background())
		fmt.Println("✓ GC sweep complete")
		return nil
	},
}

var rebalanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the cluster's current placement distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cat, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer cat.Close()

		dist, err := cat.LoadDistribution(context.Background())
		if hferr.Is(err, hferr.ENOENT) {
			fmt.Println("no distribution saved yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load distribution: %w", err)
		}
		fmt.Printf("version=%d rebalancing=%v\n", dist.Version(), dist.IsRebalancing())
		return nil
	},
}

var rebalanceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin a rebalance toward a new set of member nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		next, _ := cmd.Flags().GetString("next")
		if next == "" {
			return fmt.Errorf("--next is required, e.g. --next uuid1:1,uuid2:2")
		}
		nextMembers, err := parseMembers(next)
		if err != nil {
			return err
		}

		cfg, cat, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer cat.Close()

		ctx := context.Background()
		current, err := cat.LoadDistribution(ctx)
		if hferr.Is(err, hferr.ENOENT) {
			current = hdist.New(0, 0, nil)
			err = nil
		}
		if err != nil {
			return fmt.Errorf("load distribution: %w", err)
		}
		if current.IsRebalancing() {
			return fmt.Errorf("a rebalance is already in progress")
		}

		newDist := hdist.Rebalancing(current.Version()+1, current.Seed(), current.Next.Members, nextMembers)
		if err := cat.SaveDistribution(ctx, newDist); err != nil {
			return fmt.Errorf("save distribution: %w", err)
		}

		// relocs_populate (spec.md §4.7): every volume this node owns gets
		// its relocation queue seeded now, so runRebalanceLoop's drain ticker
		// has rows to drain from its very first pass.
		nodeUUID, err := cfg.NodeUUIDBytes()
		if err != nil {
			return err
		}
		meta, err := metastore.Open(cfg.DataDir + "/meta")
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer meta.Close()

		coordinator := &rebalance.Coordinator{Meta: meta, Catalog: cat, LocalNode: nodeUUID}
		volumes, err := cat.ListVolumes(ctx)
		if err != nil {
			return fmt.Errorf("list volumes: %w", err)
		}
		queued := 0
		for _, vol := range volumes {
			n, err := coordinator.RelocsPopulate(ctx, vol, newDist, cfg.Rebalance.Replica)
			if err != nil {
				return fmt.Errorf("populate relocations for volume %d: %w", vol.VID, err)
			}
			queued += n
		}

		fmt.Printf("✓ rebalance started, version %d (%d relocations queued across %d volumes)\n", newDist.Version(), queued, len(volumes))
		return nil
	},
}

var rebalanceFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Collapse a completed rebalance's placement history",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cat, err := openCatalog(cmd)
		if err != nil {
			return err
		}
		defer cat.Close()

		blocks, err := blockstore.Open(cfg.DataDir+"/blocks", [16]byte{}, nil)
		if err != nil {
			return fmt.Errorf("open block store: %w", err)
		}
		defer blocks.Close()
		meta, err := metastore.Open(cfg.DataDir + "/meta")
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer meta.Close()

		nodeUUID, err := cfg.NodeUUIDBytes()
		if err != nil {
			return err
		}
		coordinator := &rebalance.Coordinator{Meta: meta, Blocks: blocks, Catalog: cat, LocalNode: nodeUUID}

		ctx := context.Background()
		dist, err := cat.LoadDistribution(ctx)
		if err != nil {
			return fmt.Errorf("load distribution: %w", err)
		}
		if !dist.IsRebalancing() {
			return fmt.Errorf("no rebalance in progress")
		}
		if err := coordinator.FinishRebalance(ctx, dist); err != nil {
			return fmt.Errorf("finish rebalance: %w", err)
		}
		fmt.Printf("✓ rebalance finished, version %d\n", dist.Version())
		return nil
	},
}

// parseMembers parses "uuid:capacity,uuid:capacity" into hdist.Members.
func parseMembers(s string) ([]hdist.Member, error) {
	var out []hdist.Member
	for _, part := range strings.Split(s, ",") {
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid member %q, want uuid:capacity", part)
		}
		id, err := parseNodeUUID(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid member uuid %q: %w", fields[0], err)
		}
		capacity, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member capacity %q: %w", fields[1], err)
		}
		out = append(out, hdist.Member{NodeUUID: id, Capacity: capacity})
	}
	return out, nil
}

func parseNodeUUID(s string) ([16]byte, error) {
	var out [16]byte
	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 hex characters")
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(raw[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, err
		}
		out[i] = byte(b)
	}
	return out, nil
}
