package gc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/recyclebin"
	"github.com/marmos91/stategc/pkg/store"
)

// IncrementalOptions configures the incremental pruner.
type IncrementalOptions struct {
	BatchSize     int
	UseRecycleBin bool
	DryRun        bool
	TxOrder       uint64
}

// IncrementalStats describes one incremental pass. In a dry run Deleted and
// Recycled are predictions.
type IncrementalStats struct {
	Scanned     uint64        `json:"scanned" yaml:"scanned"`
	Decremented uint64        `json:"decremented" yaml:"decremented"`
	Deleted     uint64        `json:"deleted" yaml:"deleted"`
	Recycled    uint64        `json:"recycled" yaml:"recycled"`
	Drift       uint64        `json:"drift" yaml:"drift"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// IncrementalPruner retires stale entries below a retention boundary and
// deletes nodes whose last reference they held.
type IncrementalPruner struct {
	nodes  store.NodeStore
	ledger store.Ledger
	bin    Recycler
	opts   IncrementalOptions
}

func NewIncrementalPruner(nodes store.NodeStore, ledger store.Ledger, bin Recycler, opts IncrementalOptions) (*IncrementalPruner, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.UseRecycleBin && bin == nil && !opts.DryRun {
		return nil, NewConfigInvalidError("recycle bin requested but none configured")
	}
	return &IncrementalPruner{nodes: nodes, ledger: ledger, bin: bin, opts: opts}, nil
}

// PruneIncremental runs Prune and returns the number of deleted nodes.
func (p *IncrementalPruner) PruneIncremental(ctx context.Context, boundary uint64) (uint64, error) {
	st, err := p.Prune(ctx, boundary)
	if err != nil {
		return 0, err
	}
	return st.Deleted, nil
}

// Prune retires every stale entry with version below boundary. A node is
// deleted only when its entry released the last reference and it has not
// been rewritten since the pass started. Cancellation lands between
// entries; a replay skips entries already retired.
func (p *IncrementalPruner) Prune(ctx context.Context, boundary uint64) (*IncrementalStats, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanIncremental,
		attribute.Int64(telemetry.AttrBoundary, int64(boundary)),
		attribute.Bool(telemetry.AttrDryRun, p.opts.DryRun))
	defer span.End()

	var (
		st  *IncrementalStats
		err error
	)
	if p.opts.DryRun {
		st, err = p.plan(ctx, boundary)
	} else {
		st, err = p.prune(ctx, boundary)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "incremental: stopped", logger.KeyBoundary, boundary, logger.Err(err))
		return st, err
	}
	st.Duration = time.Since(start)

	telemetry.SetAttributes(ctx, attribute.Int64(telemetry.AttrDeleted, int64(st.Deleted)))
	logger.InfoCtx(ctx, "incremental: finished",
		logger.KeyBoundary, boundary,
		logger.KeyScanned, st.Scanned,
		logger.KeyDeleted, st.Deleted,
		logger.KeyRecycled, st.Recycled,
		"drift", st.Drift,
		logger.KeyDryRun, p.opts.DryRun,
		logger.KeyDurationMs, logger.Duration(start))
	return st, nil
}

func (p *IncrementalPruner) prune(ctx context.Context, boundary uint64) (*IncrementalStats, error) {
	st := &IncrementalStats{}
	watermark := p.nodes.Watermark()

	var after *store.StaleEntry
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		entries, err := p.ledger.ScanStale(ctx, after, boundary, p.opts.BatchSize)
		if err != nil {
			return st, ioErr("scan stale index", err)
		}
		if len(entries) == 0 {
			return st, nil
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			st.Scanned++
			ret, err := p.ledger.RetireStale(ctx, e)
			if err != nil {
				return st, ioErr("retire stale entry", err)
			}
			if !ret.Retired {
				continue
			}
			if ret.Before == 0 {
				st.Drift++
				continue
			}
			st.Decremented++
			if !ret.Unreferenced() {
				continue
			}
			deleted, err := p.release(ctx, e.Hash, watermark)
			if err != nil {
				return st, err
			}
			if deleted {
				st.Deleted++
				if p.opts.UseRecycleBin {
					st.Recycled++
				}
			}
		}
		last := entries[len(entries)-1]
		after = &last
		if len(entries) < p.opts.BatchSize {
			return st, nil
		}
	}
}

// release deletes an unreferenced node unless it was written after
// watermark.
func (p *IncrementalPruner) release(ctx context.Context, h node.Hash, watermark uint64) (bool, error) {
	ent, err := p.nodes.Stat(ctx, h)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("stat node", err)
	}
	if ent.Seq > watermark {
		return false, nil
	}

	if p.opts.UseRecycleBin {
		data, err := p.nodes.Get(ctx, h)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, ioErr("read node for recycle bin", err)
		}
		rec := p.bin.CreateRecord(data, p.opts.TxOrder)
		if err := p.bin.PutRecords(ctx, map[node.Hash]recyclebin.Record{h: rec}); err != nil {
			return false, ioErr("write recycle record", err)
		}
	}

	removed, err := p.nodes.DeleteEntries(ctx, []store.Entry{ent})
	if err != nil {
		return false, ioErr("delete node", err)
	}
	if len(removed) == 0 {
		if p.opts.UseRecycleBin {
			if err := p.bin.DeleteRecords(ctx, []node.Hash{h}); err != nil {
				return false, ioErr("drop recycle record of live node", err)
			}
		}
		return false, nil
	}
	if err := p.ledger.RemoveStaleHashes(ctx, removed); err != nil {
		return true, ioErr("remove stale entries", err)
	}
	return true, nil
}

// plan predicts a pass without mutating. A node is predicted deleted when
// its stale entries below boundary account for every reference it holds.
func (p *IncrementalPruner) plan(ctx context.Context, boundary uint64) (*IncrementalStats, error) {
	st := &IncrementalStats{}
	pending := make(map[node.Hash]uint32)

	var after *store.StaleEntry
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		entries, err := p.ledger.ScanStale(ctx, after, boundary, p.opts.BatchSize)
		if err != nil {
			return st, ioErr("scan stale index", err)
		}
		for _, e := range entries {
			st.Scanned++
			pending[e.Hash]++
		}
		if len(entries) < p.opts.BatchSize {
			break
		}
		last := entries[len(entries)-1]
		after = &last
	}

	for h, n := range pending {
		rc, err := p.ledger.GetRefCount(ctx, h)
		if err != nil {
			return st, ioErr("read refcount", err)
		}
		if rc == 0 {
			st.Drift += uint64(n)
			continue
		}
		dec := min(n, rc)
		st.Decremented += uint64(dec)
		st.Drift += uint64(n - dec)
		if rc > n {
			continue
		}
		if _, err := p.nodes.Stat(ctx, h); errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return st, ioErr("stat node", err)
		}
		st.Deleted++
		if p.opts.UseRecycleBin {
			st.Recycled++
		}
	}
	return st, nil
}
