// Package diag reports pruner state and answers reachability questions for
// operators.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/stategc/internal/bytesize"
	"github.com/marmos91/stategc/internal/cli/output"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/pruner"
	"github.com/marmos91/stategc/pkg/recyclebin"
	"github.com/marmos91/stategc/pkg/snapshot"
	"github.com/marmos91/stategc/pkg/store"
)

// BinStater is the recycle bin view Inspect needs.
type BinStater interface {
	Stats(ctx context.Context) (recyclebin.Stats, error)
}

// Sources are the stores Inspect reads. Bin is optional; Properties are
// reported when Nodes implements store.PropertyReader.
type Sources struct {
	Nodes store.NodeStore
	Stale store.StaleIndex
	Meta  store.MetaStore
	Roots store.RootIndex
	Bin   BinStater
}

// Report is a point-in-time view of the collector.
type Report struct {
	Phase           string    `json:"phase" yaml:"phase"`
	Cycle           uint64    `json:"cycle" yaml:"cycle"`
	IncrementalRuns uint64    `json:"incremental_runs" yaml:"incremental_runs"`
	PhaseUpdatedAt  time.Time `json:"phase_updated_at,omitempty" yaml:"phase_updated_at,omitempty"`

	LatestOrder uint64    `json:"latest_order" yaml:"latest_order"`
	LatestRoot  node.Hash `json:"latest_root" yaml:"latest_root"`

	// Committed is the last checkpoint; Pending is the snapshot a
	// SweepExpired phase is working against.
	Committed *snapshot.Snapshot `json:"committed_snapshot,omitempty" yaml:"committed_snapshot,omitempty"`
	Pending   *snapshot.Snapshot `json:"pending_snapshot,omitempty" yaml:"pending_snapshot,omitempty"`

	Nodes        uint64 `json:"nodes" yaml:"nodes"`
	StaleEntries uint64 `json:"stale_entries" yaml:"stale_entries"`
	Watermark    uint64 `json:"watermark" yaml:"watermark"`

	SweepInProgress *gc.SweepStats `json:"sweep_in_progress,omitempty" yaml:"sweep_in_progress,omitempty"`
	LastMark        *gc.MarkStats  `json:"last_mark,omitempty" yaml:"last_mark,omitempty"`
	LastSweep       *gc.SweepStats `json:"last_sweep,omitempty" yaml:"last_sweep,omitempty"`

	RecycleBin *recyclebin.Stats `json:"recycle_bin,omitempty" yaml:"recycle_bin,omitempty"`
	Properties *store.Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Inspect gathers a Report. It only reads.
func Inspect(ctx context.Context, src Sources) (*Report, error) {
	st, err := pruner.LoadState(ctx, src.Meta)
	if err != nil {
		return nil, err
	}
	r := &Report{
		Phase:           st.Phase.String(),
		Cycle:           st.Cycle,
		IncrementalRuns: st.IncrementalRuns,
		PhaseUpdatedAt:  st.UpdatedAt,
		Pending:         st.Snapshot,
		LastMark:        st.LastMark,
		LastSweep:       st.LastSweep,
		Watermark:       src.Nodes.Watermark(),
	}

	latest, err := src.Roots.LatestRoot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, gc.NewIOError("read latest root", err)
	default:
		r.LatestOrder, r.LatestRoot = latest.Order, latest.Root
	}

	if r.Committed, err = snapshot.NewMetaPersister(src.Meta).Load(ctx); err != nil {
		return nil, gc.NewIOError("load committed snapshot", err)
	}
	if r.Nodes, err = src.Nodes.Count(ctx); err != nil {
		return nil, gc.NewIOError("count nodes", err)
	}
	if r.StaleEntries, err = src.Stale.CountStale(ctx); err != nil {
		return nil, gc.NewIOError("count stale entries", err)
	}

	cursor, _, ok, err := gc.NewSweeper(src.Nodes, nil, nil, src.Meta, nil).LoadSweepCursor(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		r.SweepInProgress = cursor
	}

	if src.Bin != nil {
		bs, err := src.Bin.Stats(ctx)
		if err != nil {
			return nil, gc.NewIOError("recycle bin stats", err)
		}
		r.RecycleBin = &bs
	}
	if pr, ok := src.Nodes.(store.PropertyReader); ok {
		p := pr.Properties()
		r.Properties = &p
	}
	return r, nil
}

func (r *Report) Headers() []string { return []string{"Field", "Value"} }

func (r *Report) Rows() [][]string {
	rows := [][]string{
		{"phase", r.Phase},
		{"cycle", fmt.Sprint(r.Cycle)},
		{"incremental_runs", fmt.Sprint(r.IncrementalRuns)},
		{"latest", fmt.Sprintf("%d %s", r.LatestOrder, r.LatestRoot.Short())},
		{"nodes", fmt.Sprint(r.Nodes)},
		{"stale_entries", fmt.Sprint(r.StaleEntries)},
		{"watermark", fmt.Sprint(r.Watermark)},
	}
	if r.Committed != nil {
		rows = append(rows, []string{"committed_snapshot", snapRow(r.Committed)})
	}
	if r.Pending != nil {
		rows = append(rows, []string{"pending_snapshot", snapRow(r.Pending)})
	}
	if r.SweepInProgress != nil {
		rows = append(rows, []string{"sweep_in_progress",
			fmt.Sprintf("%d batches, %d scanned, %d deleted",
				r.SweepInProgress.Batches, r.SweepInProgress.ScannedCount, r.SweepInProgress.DeletedCount)})
	}
	if r.LastSweep != nil {
		rows = append(rows, []string{"last_sweep",
			fmt.Sprintf("%d scanned, %d deleted", r.LastSweep.ScannedCount, r.LastSweep.DeletedCount)})
	}
	if r.RecycleBin != nil {
		rows = append(rows, []string{"recycle_bin", fmt.Sprintf("%d entries, %d bytes", r.RecycleBin.Entries, r.RecycleBin.Bytes)})
	}
	if p := r.Properties; p != nil {
		rows = append(rows,
			[]string{"lsm_size", fmt.Sprint(p.LSMSize)},
			[]string{"value_log_size", fmt.Sprint(p.ValueLogSize)},
			[]string{"pending_compaction", fmt.Sprint(p.PendingCompaction)})
	}
	return rows
}

func snapRow(s *snapshot.Snapshot) string {
	return fmt.Sprintf("%d %s at %s", s.TxOrder, s.StateRoot.Short(), s.CreatedAt.Format(time.RFC3339))
}

// WriteText prints the report for humans, including per-level LSM stats.
func (r *Report) WriteText(w io.Writer) error {
	rows := r.Rows()
	pairs := make([][2]string, len(rows))
	for i, row := range rows {
		pairs[i] = [2]string{row[0], row[1]}
	}
	if err := output.KeyValues(w, pairs); err != nil {
		return err
	}
	if r.Properties == nil || len(r.Properties.Levels) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	t := output.NewTable("Level", "Tables", "Size", "Target")
	for _, l := range r.Properties.Levels {
		t.AddRow(fmt.Sprint(l.Level), fmt.Sprint(l.Tables), bytesize.ByteSize(l.Size).String(), bytesize.ByteSize(l.TargetSize).String())
	}
	return output.PrintTable(w, t)
}
