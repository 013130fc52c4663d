package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/cli/output"
	"github.com/marmos91/stategc/pkg/diag"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Show collector and store state",
	Long: `Print the orchestrator phase, committed and pending snapshots, stale
index watermark, last mark and sweep statistics, recycle bin usage and
storage engine properties. Only reads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: true})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		report, err := diag.Inspect(ctx, diag.Sources{
			Nodes: env.Store,
			Stale: env.Store,
			Meta:  env.Store,
			Roots: env.Store,
			Bin:   env.Bin,
		})
		if err != nil {
			return err
		}

		format, err := cmdutil.GetOutputFormatParsed()
		if err != nil {
			return err
		}
		if format == output.FormatTable {
			return report.WriteText(os.Stdout)
		}
		return cmdutil.PrintResource(os.Stdout, report, report)
	},
}
