// Package pruner drives the collector: one-shot mark and sweep runs, and
// the crash-recoverable BuildReach, SweepExpired, Incremental cycle.
package pruner

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/chain"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/metrics"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/snapshot"
	"github.com/marmos91/stategc/pkg/store"
)

// Deps are the stores and services the collector runs against.
type Deps struct {
	Nodes     store.NodeStore
	Ledger    store.Ledger
	Meta      store.MetaStore
	Roots     store.RootIndex
	Scratch   store.ScratchSet // optional, enables the persistent strategy
	Bin       gc.Recycler      // optional, required for UseRecycleBin
	Snapshots *snapshot.Manager
	Metrics   *metrics.GCMetrics // optional
}

// Options are the collector's tunables.
type Options struct {
	Workers                int
	BatchSize              int
	Strategy               gc.Strategy
	InMemoryThreshold      uint64
	BloomFalsePositiveRate float64
	UseRecycleBin          bool
	ForceCompaction        bool
	Retention              chain.RetentionPolicy

	// FullCycleEvery is the number of incremental passes between full
	// mark and sweep cycles. Zero is treated as one.
	FullCycleEvery uint64

	// ReachDir holds reachable sets between BuildReach and SweepExpired.
	// Empty keeps them in memory, so a restart redoes BuildReach.
	ReachDir string

	// OnSweepProgress is called after every committed sweep batch.
	OnSweepProgress func(gc.SweepProgress)
}

// RunOptions configure a single RunGC call.
type RunOptions struct {
	DryRun bool

	// Boundary, when non-zero, caps the incremental boundary. It can only
	// lower the retention policy's boundary, never raise it.
	Boundary uint64
}

// Collector runs one mark and sweep against the retention policy.
type Collector struct {
	deps Deps
	opts Options
}

func NewCollector(deps Deps, opts Options) (*Collector, error) {
	if deps.Nodes == nil || deps.Ledger == nil || deps.Meta == nil || deps.Roots == nil || deps.Snapshots == nil {
		return nil, gc.NewConfigInvalidError("collector needs node, ledger, meta and root stores and a snapshot manager")
	}
	if opts.UseRecycleBin && deps.Bin == nil {
		return nil, gc.NewConfigInvalidError("recycle bin enabled but not configured")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = gc.DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = gc.DefaultWorkers()
	}
	if opts.FullCycleEvery == 0 {
		opts.FullCycleEvery = 1
	}
	if _, err := gc.NewMarker(deps.Nodes, opts.markerOptions(deps.Scratch)); err != nil {
		return nil, err
	}
	return &Collector{deps: deps, opts: opts}, nil
}

func (o Options) markerOptions(scratch store.ScratchSet) gc.MarkerOptions {
	return gc.MarkerOptions{
		Workers:                o.Workers,
		Strategy:               o.Strategy,
		InMemoryThreshold:      o.InMemoryThreshold,
		BloomFalsePositiveRate: o.BloomFalsePositiveRate,
		Scratch:                scratch,
	}
}

func (c *Collector) sweeper() *gc.Sweeper {
	return gc.NewSweeper(c.deps.Nodes, c.deps.Ledger, c.deps.Ledger, c.deps.Meta, c.deps.Bin)
}

// protect resolves the roots the retention policy keeps at snap.
func (c *Collector) protect(ctx context.Context, snap snapshot.Snapshot) ([]store.RootEntry, error) {
	roots, err := c.opts.Retention.ProtectedRoots(ctx, c.deps.Roots, store.RootEntry{Order: snap.TxOrder, Root: snap.StateRoot})
	if err != nil {
		return nil, gc.NewIOError("resolve protected roots", err)
	}
	return roots, nil
}

func (c *Collector) mark(ctx context.Context, snap snapshot.Snapshot, roots []store.RootEntry) (gc.ReachableSet, *gc.MarkStats, error) {
	m, err := gc.NewMarker(c.deps.Nodes, c.opts.markerOptions(c.deps.Scratch))
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]node.Hash, len(roots))
	for i, r := range roots {
		hashes[i] = r.Root
	}
	set, stats, err := m.WithWatermark(snap.Watermark).Mark(ctx, hashes)
	if err != nil {
		return nil, nil, err
	}
	c.deps.Metrics.ObserveMark(stats.MarkedCount, stats.Duration)
	return set, stats, nil
}

func (c *Collector) sweep(ctx context.Context, set gc.ReachableSet, txOrder uint64, dryRun bool) (*gc.SweepStats, error) {
	sw := c.sweeper()

	// Progress stats are cumulative across resumes; metrics want deltas.
	var prev gc.SweepStats
	if !dryRun {
		if done, wm, ok, err := sw.LoadSweepCursor(ctx); err != nil {
			return nil, err
		} else if ok && wm == set.Watermark() {
			prev = *done
		}
	}
	lastTick := time.Now()

	return sw.Sweep(ctx, set, gc.SweepOptions{
		BatchSize:       c.opts.BatchSize,
		Workers:         c.opts.Workers,
		UseRecycleBin:   c.opts.UseRecycleBin,
		DryRun:          dryRun,
		ForceCompaction: c.opts.ForceCompaction,
		TxOrder:         txOrder,
		Resume:          true,
		ProgressCallback: func(p gc.SweepProgress) {
			if !dryRun {
				now := time.Now()
				c.deps.Metrics.ObserveSweepBatch(
					p.Stats.ScannedCount-prev.ScannedCount,
					p.Stats.KeptCount-prev.KeptCount,
					p.Stats.DeletedCount-prev.DeletedCount,
					p.Stats.RecycleBinEntries-prev.RecycleBinEntries,
					now.Sub(lastTick))
				prev, lastTick = p.Stats, now
			}
			if c.opts.OnSweepProgress != nil {
				c.opts.OnSweepProgress(p)
			}
		},
	})
}

// RunGC acquires a snapshot, marks from the protected roots and sweeps
// everything else. The snapshot is committed only after a real sweep
// completes.
func (c *Collector) RunGC(ctx context.Context, ro RunOptions) (*gc.GCReport, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanGCRun, attribute.Bool(telemetry.AttrDryRun, ro.DryRun))
	defer span.End()
	ctx = logger.WithComponent(ctx, "gc")

	h, err := c.deps.Snapshots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	snap := h.Snapshot()

	roots, err := c.protect(ctx, snap)
	if err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "GC: starting",
		logger.KeyTxOrder, snap.TxOrder,
		logger.KeyRoot, snap.StateRoot.Short(),
		logger.KeyRoots, len(roots),
		logger.KeyDryRun, ro.DryRun)

	set, ms, err := c.mark(ctx, snap, roots)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if !ro.DryRun {
		if err := c.deps.Snapshots.Check(h); err != nil {
			return nil, err
		}
	}
	ss, err := c.sweep(ctx, set, snap.TxOrder, ro.DryRun)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if !ro.DryRun {
		if err := c.deps.Snapshots.Commit(ctx, snap); err != nil {
			return nil, err
		}
		c.deps.Metrics.CycleCompleted()
	}

	report := &gc.GCReport{
		ProtectedRoots:     rootRefs(roots),
		MarkStats:          ms,
		SweepStats:         ss,
		Duration:           time.Since(start),
		MemoryStrategyUsed: ms.StrategyUsed,
		DryRun:             ro.DryRun,
	}
	logger.InfoCtx(ctx, "GC: finished",
		logger.KeyMarked, ms.MarkedCount,
		logger.KeyScanned, ss.ScannedCount,
		logger.KeyDeleted, ss.DeletedCount,
		logger.KeyDurationMs, logger.Duration(start))
	return report, nil
}

func rootRefs(roots []store.RootEntry) []gc.RootRef {
	out := make([]gc.RootRef, len(roots))
	for i, r := range roots {
		out[i] = gc.RootRef{Order: r.Order, Root: r.Root.String()}
	}
	return out
}

// IncrementalResult is the outcome of one RunIncremental call.
type IncrementalResult struct {
	TxOrder  uint64               `json:"tx_order" yaml:"tx_order"`
	Boundary uint64               `json:"boundary" yaml:"boundary"`
	Stats    *gc.IncrementalStats `json:"stats" yaml:"stats"`
	DryRun   bool                 `json:"dry_run" yaml:"dry_run"`
}

// RunIncremental retires stale entries below the retention boundary of a
// fresh snapshot.
func (c *Collector) RunIncremental(ctx context.Context, ro RunOptions) (*IncrementalResult, error) {
	h, err := c.deps.Snapshots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	snap := h.Snapshot()
	boundary := c.opts.Retention.Boundary(snap.TxOrder)
	if ro.Boundary != 0 && ro.Boundary < boundary {
		boundary = ro.Boundary
	}

	p, err := gc.NewIncrementalPruner(c.deps.Nodes, c.deps.Ledger, c.deps.Bin, gc.IncrementalOptions{
		BatchSize:     c.opts.BatchSize,
		UseRecycleBin: c.opts.UseRecycleBin,
		DryRun:        ro.DryRun,
		TxOrder:       snap.TxOrder,
	})
	if err != nil {
		return nil, err
	}
	st, err := p.Prune(ctx, boundary)
	if err != nil {
		return nil, err
	}
	if !ro.DryRun {
		c.deps.Metrics.ObserveIncremental(st.Deleted, st.Recycled)
		if err := c.deps.Snapshots.Commit(ctx, snap); err != nil {
			return nil, err
		}
	}
	return &IncrementalResult{TxOrder: snap.TxOrder, Boundary: boundary, Stats: st, DryRun: ro.DryRun}, nil
}

func failureLabel(err error) string {
	if code := gc.CodeOf(err); code != 0 {
		return code.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Other"
}
