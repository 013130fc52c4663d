package recycle

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/store"
)

var (
	purgeExpired bool
	purgeAll     bool
	purgeYes     bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Permanently delete recycle bin entries",
	Long: `Permanently delete recycle bin entries.

Select entries with --expired (older than recycle_bin.retention), --all, or
the filter flags.

Examples:
  stategc recycle purge --expired
  stategc recycle purge --older-than 30d --min-size 1Mi --yes
  stategc recycle purge --all --yes`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeExpired, "expired", false, "Purge entries older than recycle_bin.retention")
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "Purge every entry")
	purgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "Skip confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f, err := buildFilter(time.Now())
	if err != nil {
		return err
	}
	if f == nil && !purgeExpired && !purgeAll {
		return fmt.Errorf("nothing selected: pass --expired, --all or a filter flag")
	}

	env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close(ctx) }()

	ok, err := cmdutil.Confirm("Permanently delete the selected recycle bin entries?", purgeYes)
	if err != nil || !ok {
		return err
	}

	var n int
	if purgeExpired && f == nil {
		n, err = env.Bin.PurgeExpired(ctx, env.Config.RecycleBin.Retention)
	} else {
		n, err = env.Bin.DeleteEntries(ctx, f, limit)
	}
	if err != nil {
		return err
	}
	env.RefreshBinGauge(ctx)

	return cmdutil.PrintOutput(os.Stdout, map[string]int{"purged": n}, true, fmt.Sprintf("Purged %d entries", n), nil)
}

var restoreCmd = &cobra.Command{
	Use:   "restore <hash>...",
	Short: "Write payloads back to the live store",
	Long: `Restore node payloads from the recycle bin into the live store and drop
their bin entries. A restored node is treated like a fresh write: it
survives the next sweep only if it is reachable or younger than the mark.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		var restored []string
		for _, a := range args {
			h, err := cmdutil.ParseHash(a)
			if err != nil {
				return err
			}
			err = env.Bin.Restore(ctx, h, env.Store)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s is not in the recycle bin", h)
			}
			if err != nil {
				return err
			}
			restored = append(restored, h.String())
		}
		env.RefreshBinGauge(ctx)
		return cmdutil.PrintOutput(os.Stdout, map[string][]string{"restored": restored}, true,
			fmt.Sprintf("Restored %d node(s)", len(restored)), nil)
	},
}
