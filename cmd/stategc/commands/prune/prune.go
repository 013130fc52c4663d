// Package prune drives the phase orchestrator and the incremental pruner.
package prune

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/pruner"
)

var force bool

// Cmd is the parent command for phased pruning.
var Cmd = &cobra.Command{
	Use:   "prune",
	Short: "Phased pruning",
	Long: `Run the collector one phase at a time.

A cycle is BuildReach (mark), SweepExpired (sweep against the recorded
snapshot) and then a configurable number of Incremental passes. The current
phase is stored in the database, so an interrupted process resumes where it
stopped.

Examples:
  # Show the current phase
  stategc prune status

  # Run the next phase
  stategc prune step

  # Run phases until the next full cycle is due
  stategc prune cycle

  # Retire stale entries below order 1000
  stategc prune incremental --boundary 1000`,
}

func init() {
	Cmd.PersistentFlags().BoolVar(&force, "force", false, "Run even if the database appears to be in use")
	Cmd.AddCommand(stepCmd)
	Cmd.AddCommand(cycleCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(incrementalCmd)
}

func openOrchestrator(ctx context.Context) (*cmdutil.Env, *pruner.Orchestrator, error) {
	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: force})
	if err != nil {
		return nil, nil, err
	}
	deps, err := env.Deps()
	if err != nil {
		_ = env.Close(ctx)
		return nil, nil, err
	}
	o, err := pruner.NewOrchestrator(ctx, deps, env.Config.PrunerOptions())
	if err != nil {
		_ = env.Close(ctx)
		return nil, nil, err
	}
	return env, o, nil
}

// StepList renders executed phases.
type StepList []*pruner.StepResult

// Headers implements TableRenderer.
func (sl StepList) Headers() []string {
	return []string{"CYCLE", "PHASE", "NEXT", "RESULT", "DURATION"}
}

// Rows implements TableRenderer.
func (sl StepList) Rows() [][]string {
	rows := make([][]string, 0, len(sl))
	for _, s := range sl {
		rows = append(rows, []string{
			fmt.Sprint(s.Cycle),
			s.Phase.String(),
			s.Next.String(),
			summary(s),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func summary(s *pruner.StepResult) string {
	switch {
	case s.Restarted:
		return "restarted: " + s.Reason
	case s.Mark != nil:
		return fmt.Sprintf("marked %d (%s)", s.Mark.MarkedCount, s.Mark.StrategyUsed)
	case s.Sweep != nil:
		return fmt.Sprintf("scanned %d, deleted %d", s.Sweep.ScannedCount, s.Sweep.DeletedCount)
	case s.Incremental != nil && s.Incremental.Stats != nil:
		return fmt.Sprintf("boundary %d, deleted %d", s.Incremental.Boundary, s.Incremental.Stats.Deleted)
	}
	return "-"
}
