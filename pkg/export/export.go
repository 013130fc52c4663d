// Package export writes every node reachable from one state root into a
// standalone node store, together with a snapshot.json describing it. A new
// node can bootstrap from the result without replaying history.
//
// Builds are resumable: the traversal frontier is checkpointed after every
// batch, and a restarted build with the same root continues from there.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/stategc/internal/bytesize"
	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

const (
	// FormatVersion is written to snapshot.json.
	FormatVersion = 1

	MetaFile = "snapshot.json"
	NodesDir = "nodes"
)

// Config tunes batching. Batch sizes are node counts.
type Config struct {
	BatchSize               int               `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
	MinBatchSize            int               `mapstructure:"min_batch_size" yaml:"min_batch_size" validate:"gte=0"`
	MaxBatchSize            int               `mapstructure:"max_batch_size" yaml:"max_batch_size" validate:"gte=0"`
	MemoryLimit             bytesize.ByteSize `mapstructure:"memory_limit" yaml:"memory_limit"`
	MemoryPressureThreshold float64           `mapstructure:"memory_pressure_threshold" yaml:"memory_pressure_threshold" validate:"gte=0,lte=1"`
	Workers                 int               `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:               10_000,
		MinBatchSize:            500,
		MaxBatchSize:            100_000,
		MemoryLimit:             2 * bytesize.GiB,
		MemoryPressureThreshold: 0.8,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MinBatchSize == 0 {
		c.MinBatchSize = min(d.MinBatchSize, c.BatchSize)
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = max(d.MaxBatchSize, c.BatchSize)
	}
	if c.MemoryPressureThreshold == 0 {
		c.MemoryPressureThreshold = d.MemoryPressureThreshold
	}
	if c.Workers == 0 {
		c.Workers = gc.DefaultWorkers()
	}
}

// Validate expects defaults to have been applied.
func (c Config) Validate() error {
	switch {
	case c.MinBatchSize <= 0 || c.MinBatchSize > c.MaxBatchSize:
		return gc.NewConfigInvalidError(fmt.Sprintf("min_batch_size %d must be in (0, max_batch_size %d]", c.MinBatchSize, c.MaxBatchSize))
	case c.BatchSize < c.MinBatchSize || c.BatchSize > c.MaxBatchSize:
		return gc.NewConfigInvalidError(fmt.Sprintf("batch_size %d outside [%d, %d]", c.BatchSize, c.MinBatchSize, c.MaxBatchSize))
	case c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold > 1:
		return gc.NewConfigInvalidError("memory_pressure_threshold must be in (0, 1]")
	case c.Workers < 0:
		return gc.NewConfigInvalidError("workers must not be negative")
	}
	return nil
}

// Request names the state to export and where to put it.
type Request struct {
	StateRoot    node.Hash
	TxOrder      uint64
	GlobalSize   uint64
	OutputDir    string
	ForceRestart bool
}

// SnapshotMeta is the content of snapshot.json.
type SnapshotMeta struct {
	TxOrder    uint64    `json:"tx_order" yaml:"tx_order"`
	StateRoot  node.Hash `json:"state_root" yaml:"state_root"`
	GlobalSize uint64    `json:"global_size" yaml:"global_size"`
	NodeCount  uint64    `json:"node_count" yaml:"node_count"`
	Version    int       `json:"version" yaml:"version"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

func (m *SnapshotMeta) Headers() []string { return []string{"Field", "Value"} }

func (m *SnapshotMeta) Rows() [][]string {
	return [][]string{
		{"tx_order", fmt.Sprint(m.TxOrder)},
		{"state_root", m.StateRoot.String()},
		{"global_size", fmt.Sprint(m.GlobalSize)},
		{"node_count", fmt.Sprint(m.NodeCount)},
		{"version", fmt.Sprint(m.Version)},
		{"created_at", m.CreatedAt.Format(time.RFC3339)},
	}
}

// Progress is reported after every committed batch.
type Progress struct {
	Batches   uint64
	Batch     int // nodes in the batch just written
	Frontier  int
	BatchSize int // size chosen for the next batch
	Pressure  float64
}

// NodeReader is the part of the node store the builder reads.
type NodeReader interface {
	Get(ctx context.Context, h node.Hash) ([]byte, error)
}

type Option func(*Builder)

// WithProgress registers a callback invoked after every batch.
func WithProgress(fn func(Progress)) Option {
	return func(b *Builder) { b.progress = fn }
}

func withHeap(h heapFunc) Option {
	return func(b *Builder) { b.heap = h }
}

// Builder exports state snapshots from a node store.
type Builder struct {
	src      NodeReader
	cfg      Config
	heap     heapFunc
	progress func(Progress)
}

func NewBuilder(src NodeReader, cfg Config, opts ...Option) (*Builder, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{src: src, cfg: cfg, heap: liveHeap}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Build copies every node reachable from req.StateRoot into
// req.OutputDir/nodes and writes snapshot.json. A checkpoint left by an
// interrupted build for the same root and order is resumed unless
// ForceRestart is set.
func (b *Builder) Build(ctx context.Context, req Request) (*SnapshotMeta, error) {
	start := time.Now()
	if req.OutputDir == "" {
		return nil, gc.NewConfigInvalidError("export output directory is required")
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanExport,
		attribute.String(telemetry.AttrStateRoot, req.StateRoot.String()),
		attribute.Int64(telemetry.AttrTxOrder, int64(req.TxOrder)))
	defer span.End()
	ctx = logger.WithComponent(ctx, "export")

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, gc.NewIOError("create output dir", err)
	}
	cp, err := b.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	dst, err := bstore.Open(bstore.Config{Path: filepath.Join(req.OutputDir, NodesDir), SyncWrites: true})
	if err != nil {
		return nil, gc.NewIOError("open export store", err)
	}
	defer dst.Close()

	if err := b.copy(ctx, dst, req.OutputDir, cp); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	count, err := dst.Count(ctx)
	if err != nil {
		return nil, gc.NewIOError("count exported nodes", err)
	}
	meta := &SnapshotMeta{
		TxOrder:    req.TxOrder,
		StateRoot:  req.StateRoot,
		GlobalSize: req.GlobalSize,
		NodeCount:  count,
		Version:    FormatVersion,
		CreatedAt:  time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(req.OutputDir, MetaFile), raw); err != nil {
		return nil, gc.NewIOError("write snapshot meta", err)
	}
	if err := removeCheckpoint(req.OutputDir); err != nil {
		logger.WarnCtx(ctx, "export: failed to remove checkpoint", logger.Err(err))
	}

	telemetry.SetAttributes(ctx, attribute.Int64(telemetry.AttrNodes, int64(count)))
	logger.InfoCtx(ctx, "export: finished",
		logger.KeyRoot, req.StateRoot.Short(),
		logger.KeyTxOrder, req.TxOrder,
		logger.KeyCount, count,
		logger.KeyDurationMs, logger.Duration(start))
	return meta, nil
}

// prepare returns the checkpoint to continue from, wiping earlier output
// when starting over.
func (b *Builder) prepare(ctx context.Context, req Request) (*checkpoint, error) {
	cp, err := loadCheckpoint(req.OutputDir)
	if err != nil {
		logger.WarnCtx(ctx, "export: ignoring unreadable checkpoint", logger.Err(err))
		cp = nil
	}
	switch {
	case cp == nil:
	case req.ForceRestart:
		logger.InfoCtx(ctx, "export: restart forced, discarding checkpoint")
		cp = nil
	case cp.StateRoot != req.StateRoot || cp.TxOrder != req.TxOrder:
		logger.WarnCtx(ctx, "export: checkpoint belongs to another root, starting over",
			"checkpoint_root", cp.StateRoot.Short(), "checkpoint_order", cp.TxOrder)
		cp = nil
	default:
		logger.InfoCtx(ctx, "export: resuming",
			logger.KeyBatch, cp.Batches,
			"frontier", len(cp.Frontier))
		return cp, nil
	}

	for _, p := range []string{NodesDir, MetaFile, checkpointFile} {
		if err := os.RemoveAll(filepath.Join(req.OutputDir, p)); err != nil {
			return nil, gc.NewIOError("clear previous export", err)
		}
	}
	cp = &checkpoint{StateRoot: req.StateRoot, TxOrder: req.TxOrder}
	if !req.StateRoot.IsZero() {
		cp.Frontier = []node.Hash{req.StateRoot}
	}
	if err := saveCheckpoint(req.OutputDir, cp); err != nil {
		return nil, gc.NewIOError("write export checkpoint", err)
	}
	return cp, nil
}

// copy drains the frontier batch by batch. Batches are taken from the tail
// so the traversal stays depth-first and the frontier small.
func (b *Builder) copy(ctx context.Context, dst *bstore.Store, dir string, cp *checkpoint) error {
	sz := newSizer(b.cfg, b.heap)
	queued := make(map[node.Hash]struct{}, len(cp.Frontier))
	for _, h := range cp.Frontier {
		queued[h] = struct{}{}
	}

	for len(cp.Frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(sz.size(), len(cp.Frontier))
		cut := len(cp.Frontier) - n
		batch := cp.Frontier[cut:]

		nodes, children, err := b.fetch(ctx, batch)
		if err != nil {
			return err
		}
		if err := dst.WriteNodes(ctx, nodes); err != nil {
			return gc.NewIOError("write export batch", err)
		}
		for _, h := range batch {
			delete(queued, h)
		}

		next := make([]node.Hash, cut, cut+len(children))
		copy(next, cp.Frontier[:cut])
		for _, c := range children {
			if _, ok := queued[c]; ok {
				continue
			}
			if _, err := dst.Stat(ctx, c); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return gc.NewIOError("stat exported node", err)
			}
			queued[c] = struct{}{}
			next = append(next, c)
		}
		cp.Frontier = next
		cp.Batches++
		if err := saveCheckpoint(dir, cp); err != nil {
			return gc.NewIOError("write export checkpoint", err)
		}

		prev := sz.size()
		size, pressure := sz.adjust()
		if size != prev {
			logger.DebugCtx(ctx, "export: batch size adjusted", logger.KeyBatch, size, "pressure", pressure)
		}
		if b.progress != nil {
			b.progress(Progress{
				Batches:   cp.Batches,
				Batch:     len(batch),
				Frontier:  len(cp.Frontier),
				BatchSize: size,
				Pressure:  pressure,
			})
		}
	}
	return nil
}

// fetch reads and verifies batch in parallel and returns the nodes together
// with their references.
func (b *Builder) fetch(ctx context.Context, batch []node.Hash) (map[node.Hash][]byte, []node.Hash, error) {
	type result struct {
		raw  []byte
		refs []node.Hash
	}
	results := make([]result, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for i, h := range batch {
		g.Go(func() error {
			raw, err := b.src.Get(gctx, h)
			if errors.Is(err, store.ErrNotFound) {
				return gc.NewCorruptNodeError(h, fmt.Errorf("referenced node missing from source: %w", err))
			}
			if err != nil {
				return gc.NewIOError("read node", err)
			}
			if node.HashBytes(raw) != h {
				return gc.NewCorruptNodeError(h, errors.New("content hash mismatch"))
			}
			n, err := node.Decode(raw)
			if err != nil {
				return gc.NewCorruptNodeError(h, err)
			}
			results[i] = result{raw: raw, refs: n.Refs()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	nodes := make(map[node.Hash][]byte, len(batch))
	var refs []node.Hash
	for i, h := range batch {
		nodes[h] = results[i].raw
		refs = append(refs, results[i].refs...)
	}
	return nodes, refs, nil
}

// LoadMeta reads snapshot.json from dir.
func LoadMeta(dir string) (*SnapshotMeta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var m SnapshotMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetaFile, err)
	}
	return &m, nil
}

// Verify checks that the export in dir is complete: every node reachable
// from its root is present and intact, and nothing else is stored.
func Verify(ctx context.Context, dir string) (*SnapshotMeta, error) {
	meta, err := LoadMeta(dir)
	if err != nil {
		return nil, err
	}
	s, err := bstore.Open(bstore.Config{Path: filepath.Join(dir, NodesDir)})
	if err != nil {
		return nil, gc.NewIOError("open export store", err)
	}
	defer s.Close()

	m, err := gc.NewMarker(s, gc.MarkerOptions{Strategy: gc.StrategyInMemory})
	if err != nil {
		return nil, err
	}
	_, stats, err := m.Mark(ctx, []node.Hash{meta.StateRoot})
	if err != nil {
		return nil, err
	}
	if stats.MissingCount > 0 {
		return nil, fmt.Errorf("export incomplete: %d reachable nodes missing", stats.MissingCount)
	}
	if stats.MarkedCount != meta.NodeCount {
		return nil, fmt.Errorf("export holds %d nodes, %d reachable", meta.NodeCount, stats.MarkedCount)
	}
	return meta, nil
}
