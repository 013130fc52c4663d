package prune

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/pruner"
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run the current phase once",
	Long: `Run the current phase once and persist the next one.

A failed phase is left in place and retried by the next step. A
SweepExpired step whose snapshot has expired, or whose reachable set is
gone, falls back to BuildReach.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, o, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		res, err := o.Step(ctx)
		if err != nil {
			return err
		}
		env.RefreshBinGauge(ctx)
		steps := []*pruner.StepResult{res}
		return cmdutil.PrintResource(os.Stdout, steps, StepList(steps))
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run phases until the next full cycle is due",
	Long: `Step through the phases until the orchestrator is back at BuildReach.

Gives up after repeated restarts caused by expiring snapshots; raise
snapshot.max_snapshot_age if that happens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, o, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		steps, err := o.RunCycle(ctx)
		env.RefreshBinGauge(ctx)
		if len(steps) > 0 {
			if perr := cmdutil.PrintResource(os.Stdout, steps, StepList(steps)); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	},
}
