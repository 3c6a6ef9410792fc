package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	gcDryRun      bool
	gcScanOrphans bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one garbage collection pass",
	Long: `Delete unreferenced blocks and prune expired file versions.
With --dry-run the pass only reports what it would reclaim.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "report without deleting")
	gcCmd.Flags().BoolVar(&gcScanOrphans, "scan-orphans", false, "also walk the tiers and log frames no row names")
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.gcOptions(gcDryRun)
	opts.ScanOrphans = gcScanOrphans
	if !gcDryRun {
		if swept, err := a.uploads.SweepStaging(ctx); err != nil {
			fmt.Printf("staging sweep failed: %v\n", err)
		} else if swept > 0 {
			fmt.Printf("staging directories removed: %d\n", swept)
		}
	}
	stats := a.collector.CollectGarbage(ctx, opts)
	fmt.Printf("candidates: %d\ndeleted: %d\nrepaired: %d\nversions pruned: %d\norphans: %d\nreclaimed: %d bytes\nerrors: %d\n",
		stats.Candidates, stats.Deleted, stats.Repaired,
		stats.VersionsPruned, stats.Orphans, stats.BytesReclaimed, stats.Errors)
	if stats.Errors > 0 {
		return fmt.Errorf("%d blocks failed to sweep", stats.Errors)
	}
	return nil
}
