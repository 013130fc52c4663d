package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sample configuration file",
	Long: `Write a commented sample configuration.

Without --config the file goes to $XDG_CONFIG_HOME/stategc/config.yaml.

Examples:
  stategc config init
  stategc config init --config ./stategc.yaml --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cmdutil.Flags.ConfigFile
		var err error
		if path == "" {
			path, err = config.InitConfig(initForce)
		} else {
			err = config.InitConfigToPath(path, initForce)
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Edit store.path, then check it with: stategc config validate")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")
}
