package prune

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/cli/timeutil"
	"github.com/marmos91/stategc/pkg/pruner"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted phase",
	Long: `Show the orchestrator's persisted phase without running anything.

Use "stategc diagnose" for store-wide details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: true})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		st, err := pruner.LoadState(ctx, env.Store)
		if err != nil {
			return err
		}
		return cmdutil.PrintResource(os.Stdout, st, stateTable{st})
	},
}

type stateTable struct{ s *pruner.State }

func (t stateTable) Headers() []string { return []string{"Field", "Value"} }

func (t stateTable) Rows() [][]string {
	s := t.s
	rows := [][]string{
		{"phase", s.Phase.String()},
		{"cycle", fmt.Sprint(s.Cycle)},
		{"incremental runs", fmt.Sprint(s.IncrementalRuns)},
	}
	if !s.UpdatedAt.IsZero() {
		rows = append(rows, []string{"updated", fmt.Sprintf("%s (%s ago)",
			timeutil.FormatLocal(s.UpdatedAt), timeutil.FormatAge(time.Since(s.UpdatedAt)))})
	}
	if s.Snapshot != nil {
		rows = append(rows,
			[]string{"snapshot", fmt.Sprintf("%d %s", s.Snapshot.TxOrder, s.Snapshot.StateRoot.Short())},
			[]string{"protected roots", fmt.Sprint(len(s.Roots))})
	}
	if s.ReachPath != "" {
		rows = append(rows, []string{"reachable set", s.ReachPath})
	}
	return rows
}
