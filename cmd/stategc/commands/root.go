// Package commands implements the stategc command-line interface.
package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	configcmd "github.com/marmos91/stategc/cmd/stategc/commands/config"
	gccmd "github.com/marmos91/stategc/cmd/stategc/commands/gc"
	prunecmd "github.com/marmos91/stategc/cmd/stategc/commands/prune"
	recyclecmd "github.com/marmos91/stategc/cmd/stategc/commands/recycle"
	"github.com/marmos91/stategc/pkg/gc"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stategc",
	Short: "Garbage collection for versioned Merkle state stores",
	Long: `stategc prunes a content-addressed, versioned state store.

It marks every node reachable from the roots the retention policy protects,
sweeps the rest (optionally into a recycle bin), retires stale entries
incrementally between full cycles, and exports self-contained snapshots.

Use "stategc [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.ConfigFile, _ = cmd.Flags().GetString("config")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
		cmdutil.Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
		cmdutil.Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
		cmdutil.Version = Version
	},
}

// Execute runs the root command; SIGINT and SIGTERM cancel the context so
// long sweeps stop at the next batch boundary with progress saved.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// ExitCode maps errors to process exit codes: 2 for configuration, 3 for a
// refused safety check, 4 for lock timeouts, 130 after an interrupt.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 130
	case gc.IsCode(err, gc.ErrConfigInvalid):
		return 2
	case gc.IsCode(err, gc.ErrSafetyViolation):
		return 3
	case gc.IsCode(err, gc.ErrLockTimeout):
		return 4
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: $XDG_CONFIG_HOME/stategc/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gccmd.Cmd)
	rootCmd.AddCommand(prunecmd.Cmd)
	rootCmd.AddCommand(recyclecmd.Cmd)
	rootCmd.AddCommand(configcmd.Cmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(reachCmd)
	rootCmd.AddCommand(safetyCmd)
	rootCmd.AddCommand(seedCmd)
}
