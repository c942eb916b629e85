package commands

import (
	"fmt"

	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/spf13/cobra"
)

var (
	gcDryRun        bool
	repairRefcounts bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect unreferenced content",
	Long: `Collect removes objects no immutable inode refers to, mutable backing files
no inode points at, and inodes left orphaned by a crash. It works on the
stores directly. Use the control file or the admin API on a mounted
filesystem instead.`,
	RunE: runGC,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify metadata and reference counts",
	RunE:  runCheck,
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "report what would be collected")
	checkCmd.Flags().BoolVar(&repairRefcounts, "repair-refcounts", false, "rebuild reference counts from metadata")
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx, cfg, err := setup()
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	stats := gc.NewCollector(b.meta, b.content, b.metrics).CollectGarbage(ctx, &gc.Options{DryRun: gcDryRun})
	if err := printJSON(stats); err != nil {
		return err
	}
	if stats.Errors > 0 {
		return fmt.Errorf("garbage collection finished with %d errors", stats.Errors)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cfg, err := setup()
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := gc.NewCollector(b.meta, b.content, b.metrics).Check(ctx, repairRefcounts)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	switch {
	case len(report.Violations) > 0:
		return fmt.Errorf("found %d metadata violations", len(report.Violations))
	case !repairRefcounts && len(report.RefcountMismatches) > 0:
		return fmt.Errorf("found %d reference count mismatches", len(report.RefcountMismatches))
	}
	return nil
}
