package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/safety"
)

var safetyCmd = &cobra.Command{
	Use:   "safety",
	Short: "Database access checks",
}

var safetyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the database can be opened exclusively",
	Long: `Probe the database directory lock without opening the database.

Exits with code 3 when another process holds the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cmdutil.LoadConfig()
		if err != nil {
			return err
		}
		report, err := safety.VerifyDatabaseAccess(cfg.Store.Path)
		if err != nil {
			return err
		}
		if err := cmdutil.PrintResource(os.Stdout, report, report); err != nil {
			return err
		}
		return safety.Require(report, false)
	},
}

func init() {
	safetyCmd.AddCommand(safetyCheckCmd)
}
