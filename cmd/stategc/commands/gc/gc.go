// Package gc implements the full mark and sweep command.
package gc

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for full collection runs.
var Cmd = &cobra.Command{
	Use:   "gc",
	Short: "Full mark and sweep",
	Long: `Run a full mark and sweep against the protected roots.

Examples:
  # Preview what a run would delete
  stategc gc run --dry-run

  # Run without prompting and print the report as JSON
  stategc gc run --yes -o json`,
}

func init() {
	Cmd.AddCommand(runCmd)
}
