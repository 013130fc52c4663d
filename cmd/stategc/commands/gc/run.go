package gc

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/logger"
	gcpkg "github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/pruner"
)

var (
	runDryRun    bool
	runNoRecycle bool
	runForce     bool
	runYes       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full collection",
	Long: `Acquire a snapshot, mark every node reachable from the roots the
retention policy protects, and delete everything older than the mark that
was not reached.

Deleted payloads go to the recycle bin unless --no-recycle is given or
gc.use_recycle_bin is false. An interrupted sweep resumes from its last
committed batch on the next run.

Examples:
  stategc gc run --dry-run
  stategc gc run --yes
  stategc gc run --force --yes   # override the database-in-use check`,
	RunE: runGC,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report without deleting")
	runCmd.Flags().BoolVar(&runNoRecycle, "no-recycle", false, "Delete without keeping payloads in the recycle bin")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Run even if the database appears to be in use")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Skip confirmation prompt")
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: runForce})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(ctx) }()

	dryRun := runDryRun || env.Config.GC.DryRun
	opts := env.Config.PrunerOptions()
	if runNoRecycle {
		opts.UseRecycleBin = false
	}

	if !dryRun {
		label := fmt.Sprintf("Delete unreachable nodes from %s", env.Config.Store.Path)
		if !opts.UseRecycleBin {
			label += " permanently"
		}
		ok, err := cmdutil.Confirm(label+"?", runYes)
		if err != nil || !ok {
			return err
		}
	}

	deps, err := env.Deps()
	if err != nil {
		return err
	}
	opts.OnSweepProgress = func(p gcpkg.SweepProgress) {
		logger.Debug("sweep progress",
			logger.KeyBatch, p.Batch,
			logger.KeyScanned, p.Stats.ScannedCount,
			logger.KeyDeleted, p.Stats.DeletedCount)
	}
	c, err := pruner.NewCollector(deps, opts)
	if err != nil {
		return err
	}

	report, err := c.RunGC(ctx, pruner.RunOptions{DryRun: dryRun})
	if err != nil {
		return err
	}
	env.RefreshBinGauge(ctx)

	if dryRun {
		cmdutil.PrintWarning("Dry run: nothing was deleted")
	}
	return cmdutil.PrintResource(os.Stdout, report, report)
}
