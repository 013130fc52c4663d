package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/diag"
	"github.com/marmos91/stategc/pkg/store"
)

var reachOrder uint64

var reachCmd = &cobra.Command{
	Use:   "reach <hash>",
	Short: "Explain whether a node is reachable",
	Long: `Walk the protected roots (or the root at --order) and report whether
the node is reachable, from which root, and the path to it.

Examples:
  stategc reach 5f1c...e9
  stategc reach 5f1c...e9 --order 1200 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, err := cmdutil.ParseHash(args[0])
		if err != nil {
			return err
		}

		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: true})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		var roots []store.RootEntry
		if cmd.Flags().Changed("order") {
			r, err := env.Store.Root(ctx, reachOrder)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no state root recorded at order %d", reachOrder)
			}
			if err != nil {
				return err
			}
			roots = []store.RootEntry{{Order: reachOrder, Root: r}}
		} else {
			latest, err := env.Store.LatestRoot(ctx)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("the store has no recorded state roots")
			}
			if err != nil {
				return err
			}
			roots, err = env.Config.Retention.ProtectedRoots(ctx, env.Store, latest)
			if err != nil {
				return err
			}
		}

		res, err := diag.CheckReachability(ctx, env.Store, roots, target)
		if err != nil {
			return err
		}
		return cmdutil.PrintResource(os.Stdout, res, res)
	},
}

func init() {
	reachCmd.Flags().Uint64Var(&reachOrder, "order", 0, "Only walk the root recorded at this order")
}
