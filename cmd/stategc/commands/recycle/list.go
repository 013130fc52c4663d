package recycle

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/stategc/cmd/stategc/cmdutil"
	"github.com/marmos91/stategc/internal/bytesize"
	"github.com/marmos91/stategc/internal/cli/timeutil"
	"github.com/marmos91/stategc/pkg/recyclebin"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recycle bin entries",
	Long: `List recycle bin entries matching the filter flags.

Examples:
  stategc recycle list --limit 20
  stategc recycle list --min-size 1Ki -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := buildFilter(time.Now())
		if err != nil {
			return err
		}
		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: true})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		entries, err := env.Bin.ListEntries(ctx, f, limit)
		if err != nil {
			return err
		}
		return cmdutil.PrintOutput(os.Stdout, entries, len(entries) == 0, "Recycle bin is empty.", EntryList(entries))
	},
}

// EntryList is a list of recycle bin entries for table rendering.
type EntryList []recyclebin.Entry

// Headers implements TableRenderer.
func (el EntryList) Headers() []string {
	return []string{"HASH", "TX ORDER", "SIZE", "INSERTED", "AGE"}
}

// Rows implements TableRenderer.
func (el EntryList) Rows() [][]string {
	now := time.Now()
	rows := make([][]string, 0, len(el))
	for _, e := range el {
		rows = append(rows, []string{
			e.Hash.String(),
			fmt.Sprint(e.TxOrder),
			bytesize.ByteSize(e.Size).String(),
			timeutil.FormatLocal(e.InsertedAt),
			timeutil.FormatAge(now.Sub(e.InsertedAt)),
		})
	}
	return rows
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the recycle bin",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := cmdutil.OpenEnv(ctx, cmdutil.EnvOptions{Force: true})
		if err != nil {
			return err
		}
		defer func() { _ = env.Close(ctx) }()

		st, err := env.Bin.Stats(ctx)
		if err != nil {
			return err
		}
		env.RefreshBinGauge(ctx)
		return cmdutil.PrintResource(os.Stdout, st, statsTable{st, env.Config.RecycleBin.Retention})
	},
}

type statsTable struct {
	s         recyclebin.Stats
	retention time.Duration
}

func (t statsTable) Headers() []string { return []string{"Field", "Value"} }

func (t statsTable) Rows() [][]string {
	rows := [][]string{
		{"entries", fmt.Sprint(t.s.Entries)},
		{"bytes", bytesize.ByteSize(t.s.Bytes).String()},
		{"retention", timeutil.FormatAge(t.retention)},
	}
	if t.s.Entries > 0 {
		rows = append(rows,
			[]string{"oldest", timeutil.FormatLocal(t.s.Oldest)},
			[]string{"newest", timeutil.FormatLocal(t.s.Newest)})
	}
	return rows
}
