// Package recycle inspects and purges the recycle bin.
package recycle

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/bytesize"
	"github.com/marmos91/stategc/pkg/recyclebin"
)

// Cmd is the parent command for recycle bin management.
var Cmd = &cobra.Command{
	Use:   "recycle",
	Short: "Recycle bin management",
	Long: `Inspect, restore and purge node payloads kept by sweeps.

Examples:
  # Summary
  stategc recycle stats

  # Entries older than a week, largest first in the table
  stategc recycle list --older-than 7d

  # Drop everything past recycle_bin.retention
  stategc recycle purge --expired --yes

  # Put a node back into the live store
  stategc recycle restore 5f1c...e9`,
}

var (
	olderThan string
	newerThan string
	minSize   string
	maxSize   string
	limit     int
)

func init() {
	for _, c := range []*cobra.Command{listCmd, purgeCmd} {
		c.Flags().StringVar(&olderThan, "older-than", "", "Only entries inserted before this age (e.g. 36h, 7d, RFC3339)")
		c.Flags().StringVar(&newerThan, "newer-than", "", "Only entries inserted after this age")
		c.Flags().StringVar(&minSize, "min-size", "", "Only entries larger than this size (e.g. 4Ki)")
		c.Flags().StringVar(&maxSize, "max-size", "", "Only entries at most this size")
		c.Flags().IntVar(&limit, "limit", 0, "Stop after this many entries (0 = no limit)")
	}
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(statsCmd)
	Cmd.AddCommand(purgeCmd)
	Cmd.AddCommand(restoreCmd)
}

// buildFilter turns the filter flags into a Filter. A nil filter means no
// flag was set.
func buildFilter(now time.Time) (*recyclebin.Filter, error) {
	var f recyclebin.Filter
	var err error
	if f.OlderThan, err = cmdutil.ParseAge(olderThan, now); err != nil {
		return nil, err
	}
	if f.NewerThan, err = cmdutil.ParseAge(newerThan, now); err != nil {
		return nil, err
	}
	if minSize != "" {
		v, err := bytesize.ParseByteSize(minSize)
		if err != nil {
			return nil, fmt.Errorf("invalid --min-size: %w", err)
		}
		f.MinSize = v.Uint64()
	}
	if maxSize != "" {
		v, err := bytesize.ParseByteSize(maxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-size: %w", err)
		}
		f.MaxSize = v.Uint64()
	}
	if f == (recyclebin.Filter{}) {
		return nil, nil
	}
	return &f, nil
}
