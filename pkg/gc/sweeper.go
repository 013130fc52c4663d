package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/codec"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/recyclebin"
	"github.com/marmos91/stategc/pkg/store"
)

// SweepCursorKey is the meta key holding an interrupted sweep's progress.
const SweepCursorKey = "gc/sweep_cursor"

// Recycler is the part of the recycle bin the sweeper writes to.
type Recycler interface {
	CreateRecord(data []byte, txOrder uint64) recyclebin.Record
	PutRecords(ctx context.Context, records map[node.Hash]recyclebin.Record) error
	DeleteRecords(ctx context.Context, hashes []node.Hash) error
}

// SweepOptions configures one sweep.
type SweepOptions struct {
	// BatchSize is the number of keys per scan page. Default 10000.
	BatchSize int

	// Workers is the number of batches processed concurrently.
	Workers int

	// UseRecycleBin moves payloads to the recycle bin before deleting.
	UseRecycleBin bool

	// DryRun counts what would be deleted without mutating anything.
	DryRun bool

	// ForceCompaction asks the store to compact after deleting.
	ForceCompaction bool

	// TxOrder is stamped on recycle records.
	TxOrder uint64

	// Resume continues from a persisted cursor taken at the same mark
	// watermark, if there is one.
	Resume bool

	// ProgressCallback is called after each batch is committed, in scan
	// order, with cumulative stats.
	ProgressCallback func(SweepProgress)
}

// SweepStats describes one sweep. Counts are cumulative across resumes.
type SweepStats struct {
	ScannedCount      uint64        `json:"scanned_count" yaml:"scanned_count" cbor:"1,keyasint"`
	KeptCount         uint64        `json:"kept_count" yaml:"kept_count" cbor:"2,keyasint"`
	DeletedCount      uint64        `json:"deleted_count" yaml:"deleted_count" cbor:"3,keyasint"`
	RecycleBinEntries uint64        `json:"recycle_bin_entries" yaml:"recycle_bin_entries" cbor:"4,keyasint"`
	YoungKept         uint64        `json:"young_kept" yaml:"young_kept" cbor:"5,keyasint"`
	Batches           uint64        `json:"batches" yaml:"batches" cbor:"6,keyasint"`
	Duration          time.Duration `json:"duration" yaml:"duration" cbor:"7,keyasint"`
}

func (s *SweepStats) add(o SweepStats) {
	s.ScannedCount += o.ScannedCount
	s.KeptCount += o.KeptCount
	s.DeletedCount += o.DeletedCount
	s.RecycleBinEntries += o.RecycleBinEntries
	s.YoungKept += o.YoungKept
	s.Batches += o.Batches
}

// SweepProgress is reported after every committed batch.
type SweepProgress struct {
	Batch uint64
	Last  node.Hash
	Stats SweepStats
}

// sweepCursor is the persisted resume point. After is the last key of the
// last batch that committed together with every batch before it.
type sweepCursor struct {
	Watermark uint64     `cbor:"1,keyasint"`
	After     *node.Hash `cbor:"2,keyasint,omitempty"`
	Stats     SweepStats `cbor:"3,keyasint"`
}

// Sweeper deletes nodes that a mark pass did not reach.
type Sweeper struct {
	nodes store.NodeStore
	refs  store.RefCountStore
	stale store.StaleIndex
	meta  store.MetaStore
	bin   Recycler
}

// NewSweeper wires a sweeper. meta and bin may be nil: without meta the
// sweep cannot be resumed, without bin UseRecycleBin is rejected.
func NewSweeper(nodes store.NodeStore, refs store.RefCountStore, stale store.StaleIndex, meta store.MetaStore, bin Recycler) *Sweeper {
	return &Sweeper{nodes: nodes, refs: refs, stale: stale, meta: meta, bin: bin}
}

// LoadSweepCursor returns the persisted cursor's stats and watermark, if any.
func (s *Sweeper) LoadSweepCursor(ctx context.Context) (*SweepStats, uint64, bool, error) {
	c, err := s.loadCursor(ctx)
	if err != nil || c == nil {
		return nil, 0, false, err
	}
	return &c.Stats, c.Watermark, true, nil
}

func (s *Sweeper) loadCursor(ctx context.Context) (*sweepCursor, error) {
	if s.meta == nil {
		return nil, nil
	}
	b, err := s.meta.GetMeta(ctx, SweepCursorKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("load sweep cursor", err)
	}
	var c sweepCursor
	if err := codec.Unmarshal(b, &c); err != nil {
		return nil, ioErr("decode sweep cursor", err)
	}
	return &c, nil
}

func (s *Sweeper) saveCursor(ctx context.Context, c *sweepCursor) error {
	b, err := codec.Marshal(c)
	if err != nil {
		return err
	}
	return ioErr("save sweep cursor", s.meta.PutMeta(ctx, SweepCursorKey, b))
}

// ClearCursor drops any persisted sweep progress.
func (s *Sweeper) ClearCursor(ctx context.Context) error {
	if s.meta == nil {
		return nil
	}
	return ioErr("clear sweep cursor", s.meta.DeleteMeta(ctx, SweepCursorKey))
}

type sweepBatch struct {
	idx     uint64
	entries []store.Entry
}

type batchResult struct {
	idx   uint64
	last  node.Hash
	stats SweepStats
}

// Sweep scans the whole node store and removes every node that is neither
// in marked nor written after marked's watermark.
//
// Cancelling ctx stops dispatching new batches; batches already started run
// to completion. The returned stats then cover every committed batch and the
// error is the context's. A failed batch aborts the sweep; committed batches
// stay committed.
func (s *Sweeper) Sweep(ctx context.Context, marked ReachableSet, opts SweepOptions) (*SweepStats, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.UseRecycleBin && s.bin == nil && !opts.DryRun {
		return nil, NewConfigInvalidError("recycle bin requested but none configured")
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSweep,
		attribute.Bool(telemetry.AttrDryRun, opts.DryRun))
	defer span.End()

	persist := s.meta != nil && !opts.DryRun
	cur := &sweepCursor{Watermark: marked.Watermark()}
	if opts.Resume && persist {
		prev, err := s.loadCursor(ctx)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.Watermark == marked.Watermark() {
			cur = prev
			logger.InfoCtx(ctx, "sweep: resuming",
				logger.KeyScanned, cur.Stats.ScannedCount,
				logger.KeyBatch, cur.Stats.Batches)
		} else if prev != nil {
			logger.WarnCtx(ctx, "sweep: discarding cursor from another mark pass",
				"cursor_watermark", prev.Watermark, "watermark", marked.Watermark())
		}
	}

	logger.InfoCtx(ctx, "sweep: started",
		logger.KeyBatch, opts.BatchSize,
		logger.KeyWorkers, opts.Workers,
		logger.KeyDryRun, opts.DryRun,
		"recycle", opts.UseRecycleBin)

	// Batches finish even if the caller cancels; internal failures still
	// cancel the group.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	batches := make(chan sweepBatch, opts.Workers)
	results := make(chan batchResult, opts.Workers)

	g.Go(func() error {
		defer close(batches)
		after := cur.After
		for idx := cur.Stats.Batches; ; idx++ {
			if ctx.Err() != nil || gctx.Err() != nil {
				return nil
			}
			entries, err := s.nodes.ScanKeys(gctx, after, opts.BatchSize)
			if err != nil {
				return ioErr("scan node keys", err)
			}
			if len(entries) == 0 {
				return nil
			}
			select {
			case batches <- sweepBatch{idx: idx, entries: entries}:
			case <-ctx.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
			last := entries[len(entries)-1].Hash
			after = &last
			if len(entries) < opts.BatchSize {
				return nil
			}
		}
	})

	var wg sync.WaitGroup
	for range opts.Workers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for b := range batches {
				r, err := s.sweepBatch(gctx, marked, b, opts)
				if err != nil {
					return err
				}
				results <- r
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		next    = cur.Stats.Batches
		waiting = make(map[uint64]batchResult)
		saveErr error
	)
	for r := range results {
		waiting[r.idx] = r
		for {
			done, ok := waiting[next]
			if !ok {
				break
			}
			delete(waiting, next)
			next++
			last := done.last
			cur.After = &last
			cur.Stats.add(done.stats)
			if persist && saveErr == nil {
				saveErr = s.saveCursor(gctx, cur)
			}
			if opts.ProgressCallback != nil {
				opts.ProgressCallback(SweepProgress{Batch: next, Last: last, Stats: cur.Stats})
			}
		}
	}

	stats := cur.Stats
	stats.Duration = time.Since(start)
	err := g.Wait()
	if err == nil {
		err = saveErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if len(waiting) > 0 {
			logger.WarnCtx(ctx, "sweep: batches finished past a failed batch will be rescanned",
				logger.KeyCount, len(waiting))
		}
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "sweep: stopped",
			logger.KeyScanned, stats.ScannedCount,
			logger.KeyDeleted, stats.DeletedCount,
			logger.Err(err))
		return &stats, err
	}

	if persist {
		if err := s.ClearCursor(ctx); err != nil {
			return &stats, err
		}
	}

	if opts.ForceCompaction && !opts.DryRun && stats.DeletedCount > 0 {
		if c, ok := s.nodes.(store.Compactor); ok {
			if err := c.Compact(ctx); err != nil {
				logger.WarnCtx(ctx, "sweep: compaction failed", logger.Err(err))
			}
		}
	}

	telemetry.SetAttributes(ctx,
		attribute.Int64(telemetry.AttrScanned, int64(stats.ScannedCount)),
		attribute.Int64(telemetry.AttrDeleted, int64(stats.DeletedCount)),
		attribute.Int64(telemetry.AttrRecycled, int64(stats.RecycleBinEntries)))
	logger.InfoCtx(ctx, "sweep: finished",
		logger.KeyScanned, stats.ScannedCount,
		logger.KeyKept, stats.KeptCount,
		logger.KeyDeleted, stats.DeletedCount,
		logger.KeyRecycled, stats.RecycleBinEntries,
		"young_kept", stats.YoungKept,
		logger.KeyDurationMs, logger.Duration(start))
	return &stats, nil
}

func (s *Sweeper) sweepBatch(ctx context.Context, marked ReachableSet, b sweepBatch, opts SweepOptions) (batchResult, error) {
	res := batchResult{idx: b.idx, last: b.entries[len(b.entries)-1].Hash}
	st := &res.stats
	st.Batches = 1

	watermark := marked.Watermark()
	var garbage []store.Entry
	for _, e := range b.entries {
		st.ScannedCount++
		switch {
		case e.Seq > watermark:
			st.YoungKept++
			st.KeptCount++
		case marked.Contains(e.Hash):
			st.KeptCount++
		default:
			garbage = append(garbage, e)
		}
	}
	if len(garbage) == 0 {
		return res, nil
	}
	if opts.DryRun {
		st.DeletedCount = uint64(len(garbage))
		if opts.UseRecycleBin {
			st.RecycleBinEntries = st.DeletedCount
		}
		return res, nil
	}

	var recycled map[node.Hash]struct{}
	if opts.UseRecycleBin {
		records := make(map[node.Hash]recyclebin.Record, len(garbage))
		for _, e := range garbage {
			data, err := s.nodes.Get(ctx, e.Hash)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, ioErr("read node for recycle bin", err)
			}
			records[e.Hash] = s.bin.CreateRecord(data, opts.TxOrder)
		}
		if err := s.bin.PutRecords(ctx, records); err != nil {
			return res, ioErr("write recycle records", err)
		}
		recycled = make(map[node.Hash]struct{}, len(records))
		for h := range records {
			recycled[h] = struct{}{}
		}
	}

	removed, err := s.nodes.DeleteEntries(ctx, garbage)
	if err != nil {
		return res, ioErr("delete nodes", err)
	}

	if recycled != nil && len(removed) < len(recycled) {
		// Nodes rewritten since they were scanned stay live, so their
		// records must go.
		for _, h := range removed {
			delete(recycled, h)
		}
		back := make([]node.Hash, 0, len(recycled))
		for h := range recycled {
			back = append(back, h)
		}
		if err := s.bin.DeleteRecords(ctx, back); err != nil {
			return res, ioErr("drop recycle records of live nodes", err)
		}
	}

	if len(removed) > 0 {
		if err := s.refs.RemoveRefCounts(ctx, removed); err != nil {
			return res, ioErr("remove refcounts", err)
		}
		if err := s.stale.RemoveStaleHashes(ctx, removed); err != nil {
			return res, ioErr("remove stale entries", err)
		}
	}
	st.DeletedCount = uint64(len(removed))
	if opts.UseRecycleBin {
		st.RecycleBinEntries = st.DeletedCount
	}
	st.KeptCount += uint64(len(garbage) - len(removed))

	logger.DebugCtx(ctx, "sweep: batch committed",
		logger.KeyBatch, b.idx,
		logger.KeyScanned, st.ScannedCount,
		logger.KeyDeleted, st.DeletedCount)
	return res, nil
}
