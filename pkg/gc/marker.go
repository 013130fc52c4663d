package gc

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// DefaultInMemoryThreshold is the node count above which StrategyAuto
// switches to the persistent strategy.
const DefaultInMemoryThreshold = 10_000_000

// MarkerOptions configures a Marker.
type MarkerOptions struct {
	// Workers is the traversal parallelism. Zero means one per CPU.
	Workers int

	Strategy Strategy

	// InMemoryThreshold is consulted by StrategyAuto.
	InMemoryThreshold uint64

	// BloomFalsePositiveRate sizes the persistent strategy's filter.
	BloomFalsePositiveRate float64

	// Scratch is the exact visited set used by the persistent strategy.
	// It is cleared before and after every pass.
	Scratch store.ScratchSet
}

// MarkStats describes one mark pass.
type MarkStats struct {
	MarkedCount  uint64        `json:"marked_count" yaml:"marked_count"`
	MissingCount uint64        `json:"missing_count" yaml:"missing_count"`
	Roots        int           `json:"roots" yaml:"roots"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	StrategyUsed Strategy      `json:"strategy_used" yaml:"strategy_used"`
	Watermark    uint64        `json:"watermark" yaml:"watermark"`
}

// Marker computes the set of nodes reachable from a list of roots.
type Marker struct {
	nodes     store.NodeStore
	opts      MarkerOptions
	watermark *uint64
}

// NewMarker validates opts and returns a Marker.
func NewMarker(nodes store.NodeStore, opts MarkerOptions) (*Marker, error) {
	if opts.Workers < 0 {
		return nil, NewConfigInvalidError("marker workers must not be negative")
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.InMemoryThreshold == 0 {
		opts.InMemoryThreshold = DefaultInMemoryThreshold
	}
	if opts.BloomFalsePositiveRate == 0 {
		opts.BloomFalsePositiveRate = 0.001
	}
	if opts.BloomFalsePositiveRate < 0 || opts.BloomFalsePositiveRate >= 1 {
		return nil, NewConfigInvalidError("bloom false positive rate must be in (0, 1)")
	}
	if opts.Strategy == StrategyPersistent && opts.Scratch == nil {
		return nil, NewConfigInvalidError("persistent marker strategy needs a scratch set")
	}
	return &Marker{nodes: nodes, opts: opts}, nil
}

// WithWatermark pins the write sequence the pass is taken at. Callers that
// hold a snapshot pass the watermark captured with it; otherwise Mark reads
// the store's current watermark before touching any node.
func (m *Marker) WithWatermark(w uint64) *Marker {
	c := *m
	c.watermark = &w
	return &c
}

func (m *Marker) pick(ctx context.Context) (Strategy, uint64, error) {
	switch m.opts.Strategy {
	case StrategyInMemory:
		return StrategyInMemory, 0, nil
	case StrategyPersistent:
		n, err := m.nodes.Count(ctx)
		return StrategyPersistent, n, ioErr("count nodes", err)
	}
	n, err := m.nodes.Count(ctx)
	if err != nil {
		return 0, 0, ioErr("count nodes", err)
	}
	if n > m.opts.InMemoryThreshold {
		if m.opts.Scratch == nil {
			logger.WarnCtx(ctx, "node count above in-memory threshold but no scratch set configured, marking in memory",
				logger.KeyCount, n)
			return StrategyInMemory, n, nil
		}
		return StrategyPersistent, n, nil
	}
	return StrategyInMemory, n, nil
}

// Mark traverses every node reachable from roots. Zero roots are skipped and
// missing nodes are counted, but a node whose bytes fail to decode aborts
// the pass with a CorruptNode error.
func (m *Marker) Mark(ctx context.Context, roots []node.Hash) (ReachableSet, *MarkStats, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanMark, attribute.Int(telemetry.AttrRoots, len(roots)))
	defer span.End()

	var watermark uint64
	if m.watermark != nil {
		watermark = *m.watermark
	} else {
		watermark = m.nodes.Watermark()
	}

	strategy, count, err := m.pick(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, nil, err
	}

	var (
		set   ReachableSet
		visit func(context.Context, node.Hash) (bool, error)
	)
	switch strategy {
	case StrategyPersistent:
		bs, err := newBloomSet(count, m.opts.BloomFalsePositiveRate, watermark)
		if err != nil {
			return nil, nil, NewConfigInvalidError(err.Error())
		}
		scratch := m.opts.Scratch
		if err := scratch.Clear(ctx); err != nil {
			return nil, nil, ioErr("clear scratch set", err)
		}
		defer func() {
			if err := scratch.Clear(context.WithoutCancel(ctx)); err != nil {
				logger.WarnCtx(ctx, "failed to clear scratch set", logger.Err(err))
			}
		}()
		set = bs
		visit = func(ctx context.Context, h node.Hash) (bool, error) {
			added, err := scratch.Add(ctx, h)
			if err != nil {
				return false, ioErr("record visited node", err)
			}
			if added {
				bs.add(h)
			}
			return added, nil
		}
	default:
		es := newExactSet(watermark)
		set = es
		visit = func(_ context.Context, h node.Hash) (bool, error) {
			return es.add(h), nil
		}
	}

	logger.InfoCtx(ctx, "mark started",
		logger.KeyRoots, len(roots),
		logger.KeyStrategy, strategy.String(),
		logger.KeyWorkers, m.opts.Workers)

	w := &walk{
		nodes: m.nodes,
		visit: visit,
		deqs:  make([]deque, m.opts.Workers),
	}
	seeded := 0
	for _, r := range roots {
		if r.IsZero() {
			continue
		}
		w.deqs[seeded%len(w.deqs)].push(r)
		w.pending.Add(1)
		seeded++
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.deqs {
		g.Go(func() error { return w.run(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "mark failed", logger.Err(err))
		return nil, nil, err
	}

	stats := &MarkStats{
		MarkedCount:  w.marked.Load(),
		MissingCount: w.missing.Load(),
		Roots:        seeded,
		Duration:     time.Since(start),
		StrategyUsed: strategy,
		Watermark:    watermark,
	}
	telemetry.SetAttributes(ctx,
		attribute.String(telemetry.AttrStrategy, strategy.String()),
		attribute.Int64(telemetry.AttrMarked, int64(stats.MarkedCount)))
	logger.InfoCtx(ctx, "mark finished",
		logger.KeyMarked, stats.MarkedCount,
		"missing", stats.MissingCount,
		logger.KeyDurationMs, logger.Duration(start))
	return set, stats, nil
}

// deque is one worker's stack. Owners pop from the top, thieves take half
// from the bottom.
type deque struct {
	mu    sync.Mutex
	items []node.Hash
}

func (d *deque) push(hs ...node.Hash) {
	d.mu.Lock()
	d.items = append(d.items, hs...)
	d.mu.Unlock()
}

func (d *deque) pop() (node.Hash, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return node.Hash{}, false
	}
	h := d.items[n-1]
	d.items = d.items[:n-1]
	return h, true
}

func (d *deque) stealHalf() []node.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil
	}
	k := (n + 1) / 2
	out := make([]node.Hash, k)
	copy(out, d.items[:k])
	d.items = append(d.items[:0], d.items[k:]...)
	return out
}

type walk struct {
	nodes store.NodeStore
	visit func(context.Context, node.Hash) (bool, error)
	deqs  []deque

	// pending counts hashes queued or being processed. The walk is done
	// when it reaches zero.
	pending atomic.Int64
	marked  atomic.Uint64
	missing atomic.Uint64
}

func (w *walk) run(ctx context.Context, id int) error {
	own := &w.deqs[id]
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, ok := own.pop()
		if !ok {
			if stolen := w.steal(id); len(stolen) > 0 {
				own.push(stolen...)
				idle = 0
				continue
			}
			if w.pending.Load() == 0 {
				return nil
			}
			idle++
			if idle < 64 {
				runtime.Gosched()
			} else {
				time.Sleep(50 * time.Microsecond)
			}
			continue
		}
		idle = 0
		err := w.process(ctx, own, h)
		w.pending.Add(-1)
		if err != nil {
			return err
		}
	}
}

func (w *walk) steal(id int) []node.Hash {
	for i := 1; i < len(w.deqs); i++ {
		if out := w.deqs[(id+i)%len(w.deqs)].stealHalf(); len(out) > 0 {
			return out
		}
	}
	return nil
}

func (w *walk) process(ctx context.Context, own *deque, h node.Hash) error {
	first, err := w.visit(ctx, h)
	if err != nil || !first {
		return err
	}
	data, err := w.nodes.Get(ctx, h)
	if errors.Is(err, store.ErrNotFound) {
		w.missing.Add(1)
		logger.WarnCtx(ctx, "reachable node missing from store", logger.KeyHash, h.String())
		return nil
	}
	if err != nil {
		return ioErr("read node", err)
	}
	if node.HashBytes(data) != h {
		return NewCorruptNodeError(h, errors.New("content hash mismatch"))
	}
	n, err := node.Decode(data)
	if err != nil {
		return NewCorruptNodeError(h, err)
	}
	w.marked.Add(1)

	refs := n.Refs()
	if len(refs) == 0 {
		return nil
	}
	w.pending.Add(int64(len(refs)))
	own.push(refs...)
	return nil
}
