package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the stategc configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  stategc config validate

  # Validate specific config file
  stategc config validate --config /etc/stategc/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath := cmdutil.Flags.ConfigFile

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.GC.DryRun {
		warnings = append(warnings, "gc.dry_run is set - sweeps will not delete anything")
	}
	if !cfg.GC.UseRecycleBin {
		warnings = append(warnings, "gc.use_recycle_bin is off - swept nodes cannot be restored")
	}
	if cfg.Store.InMemory {
		warnings = append(warnings, "store.in_memory is set - nothing persists between runs")
	}
	if cfg.GC.ReachDir == "" {
		warnings = append(warnings, "gc.reach_dir is empty - an interrupted cycle restarts its mark")
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(w, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warn)
		}
	}

	_, _ = fmt.Fprintf(w, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(w, "  Store path:      %s\n", cfg.Store.Path)
	_, _ = fmt.Fprintf(w, "  GC strategy:     %s\n", cfg.GC.Strategy)
	_, _ = fmt.Fprintf(w, "  GC workers:      %d\n", cfg.GC.Workers)
	_, _ = fmt.Fprintf(w, "  Keep recent:     %d\n", cfg.Retention.KeepRecent)
	_, _ = fmt.Fprintf(w, "  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
