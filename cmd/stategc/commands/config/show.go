package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/cli/output"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, file and STATEGC_* variables
are merged. Secrets are printed as loaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cmdutil.LoadConfig()
		if err != nil {
			return err
		}
		format, err := cmdutil.GetOutputFormatParsed()
		if err != nil {
			return err
		}
		if format == output.FormatJSON {
			return output.PrintJSON(os.Stdout, cfg)
		}
		return output.PrintYAML(os.Stdout, cfg)
	},
}
