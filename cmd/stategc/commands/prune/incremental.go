package prune

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/pruner"
)

var (
	incBoundary uint64
	incDryRun   bool
	incYes      bool
)

var incrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Retire stale entries below a boundary",
	Long: `Run the incremental pruner outside the phase schedule.

Stale entries recorded below the boundary are retired and nodes whose
reference count drops to zero are deleted. Without --boundary the retention
policy decides; an explicit boundary can only be lower than the policy's.

Examples:
  stategc prune incremental --dry-run
  stategc prune incremental --boundary 1000 --yes`,
	RunE: runIncremental,
}

func init() {
	incrementalCmd.Flags().Uint64Var(&incBoundary, "boundary", 0, "Retire entries below this order (0 = retention policy)")
	incrementalCmd.Flags().BoolVar(&incDryRun, "dry-run", false, "Report without deleting")
	incrementalCmd.Flags().BoolVarP(&incYes, "yes", "y", false, "Skip confirmation prompt")
}

func runIncremental(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: force})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(ctx) }()

	dryRun := incDryRun || env.Config.GC.DryRun
	if !dryRun {
		ok, err := cmdutil.Confirm("Retire stale entries and delete unreferenced nodes?", incYes)
		if err != nil || !ok {
			return err
		}
	}

	deps, err := env.Deps()
	if err != nil {
		return err
	}
	c, err := pruner.NewCollector(deps, env.Config.PrunerOptions())
	if err != nil {
		return err
	}
	res, err := c.RunIncremental(ctx, pruner.RunOptions{DryRun: dryRun, Boundary: incBoundary})
	if err != nil {
		return err
	}
	env.RefreshBinGauge(ctx)
	return cmdutil.PrintResource(os.Stdout, res, incrementalTable{res})
}

type incrementalTable struct{ r *pruner.IncrementalResult }

func (t incrementalTable) Headers() []string { return []string{"Metric", "Value"} }

func (t incrementalTable) Rows() [][]string {
	r := t.r
	rows := [][]string{
		{"tx order", fmt.Sprint(r.TxOrder)},
		{"boundary", fmt.Sprint(r.Boundary)},
		{"dry run", cmdutil.BoolToYesNo(r.DryRun)},
	}
	if s := r.Stats; s != nil {
		rows = append(rows,
			[]string{"scanned", fmt.Sprint(s.Scanned)},
			[]string{"decremented", fmt.Sprint(s.Decremented)},
			[]string{"deleted", fmt.Sprint(s.Deleted)},
			[]string{"recycled", fmt.Sprint(s.Recycled)},
			[]string{"drift", fmt.Sprint(s.Drift)},
		)
	}
	return rows
}
