// Package snapshot hands out consistent (state root, tx order) views of a
// store that keeps being written to.
//
// Only the retention boundary is serialized: at most one snapshot is held at
// a time, and a holder that does not release within the lock timeout makes
// the next Acquire fail with a LockTimeout error. Chain writers never take
// the lock; they only append nodes, and the snapshot's watermark tells the
// sweeper which of those appends it must not touch.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// ErrExpired is returned by Check for a snapshot older than the maximum age.
var ErrExpired = errors.New("snapshot expired, reacquire before destructive work")

// Config controls snapshot acquisition.
type Config struct {
	// LockTimeout bounds the wait for a previous holder to release.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`

	// MaxSnapshotAge is how long a snapshot may back destructive work.
	MaxSnapshotAge time.Duration `mapstructure:"max_snapshot_age" yaml:"max_snapshot_age" validate:"gt=0"`

	// EnableValidation checks that the root decodes before handing it out.
	EnableValidation bool `mapstructure:"enable_validation" yaml:"enable_validation"`

	// EnablePersistence keeps the committed snapshot across restarts.
	EnablePersistence bool `mapstructure:"enable_persistence" yaml:"enable_persistence"`
}

func DefaultConfig() Config {
	return Config{
		LockTimeout:       30 * time.Second,
		MaxSnapshotAge:    10 * time.Minute,
		EnableValidation:  true,
		EnablePersistence: true,
	}
}

// Validate rejects configurations where a snapshot could expire before a
// waiter gives up on the lock.
func (c Config) Validate() error {
	if c.LockTimeout <= 0 {
		return gc.NewConfigInvalidError("lock_timeout must be positive")
	}
	if c.MaxSnapshotAge < c.LockTimeout {
		return gc.NewConfigInvalidError(fmt.Sprintf(
			"max_snapshot_age (%s) must not be shorter than lock_timeout (%s)", c.MaxSnapshotAge, c.LockTimeout))
	}
	return nil
}

// Snapshot is a committed view of the chain.
type Snapshot struct {
	StateRoot node.Hash `cbor:"1,keyasint" json:"state_root" yaml:"state_root"`
	TxOrder   uint64    `cbor:"2,keyasint" json:"tx_order" yaml:"tx_order"`
	CreatedAt time.Time `cbor:"3,keyasint" json:"created_at" yaml:"created_at"`

	// Watermark is the node store write sequence captured before the root
	// was read. Nodes written later are never swept against this snapshot.
	Watermark uint64 `cbor:"4,keyasint" json:"watermark" yaml:"watermark"`
}

// Age returns how old s is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Source reports the latest committed state root.
type Source interface {
	LatestRoot(ctx context.Context) (store.RootEntry, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager serializes snapshot acquisition.
type Manager struct {
	cfg       Config
	source    Source
	nodes     store.NodeStore
	persister Persister
	now       func() time.Time

	sem chan struct{}

	mu        sync.RWMutex
	committed *Snapshot
}

// NewManager validates cfg. A nil persister, or persistence disabled in
// cfg, keeps snapshots in memory only.
func NewManager(cfg Config, source Source, nodes store.NodeStore, persister Persister, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if persister == nil || !cfg.EnablePersistence {
		persister = NewNullPersister()
	}
	m := &Manager{
		cfg:       cfg,
		source:    source,
		nodes:     nodes,
		persister: persister,
		now:       time.Now,
		sem:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// Handle is a held snapshot. Release it when the work it backs is done.
type Handle struct {
	m        *Manager
	snap     Snapshot
	released atomic.Bool
}

// Snapshot returns a copy of the held snapshot.
func (h *Handle) Snapshot() Snapshot { return h.snap }

// Expired reports whether the snapshot is older than MaxSnapshotAge.
func (h *Handle) Expired() bool {
	return h.snap.Age(h.m.now()) > h.m.cfg.MaxSnapshotAge
}

// Release gives the lock back. Extra calls are no-ops.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		<-h.m.sem
	}
}

// Acquire waits up to LockTimeout for the lock, then captures the write
// watermark and the latest root, in that order.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSnapshot)
	defer span.End()

	if err := m.lock(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	h := &Handle{m: m}
	snap, err := m.capture(ctx)
	if err != nil {
		h.Release()
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	h.snap = snap

	telemetry.SetAttributes(ctx,
		attribute.Int64(telemetry.AttrTxOrder, int64(snap.TxOrder)),
		attribute.String(telemetry.AttrStateRoot, snap.StateRoot.String()))
	logger.DebugCtx(ctx, "snapshot acquired",
		logger.KeyTxOrder, snap.TxOrder,
		logger.KeyRoot, snap.StateRoot.Short())
	return h, nil
}

// Hold takes the lock for a snapshot captured earlier, typically one
// loaded from a persisted phase. Expiry still counts from s.CreatedAt.
func (m *Manager) Hold(ctx context.Context, s Snapshot) (*Handle, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	return &Handle{m: m, snap: s}, nil
}

func (m *Manager) lock(ctx context.Context) error {
	timer := time.NewTimer(m.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return gc.NewLockTimeoutError(fmt.Sprintf("snapshot lock not released within %s", m.cfg.LockTimeout))
	}
}

func (m *Manager) capture(ctx context.Context) (Snapshot, error) {
	watermark := m.nodes.Watermark()
	latest, err := m.source.LatestRoot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		latest = store.RootEntry{}
	case err != nil:
		return Snapshot{}, gc.NewIOError("read latest root", err)
	}

	if m.cfg.EnableValidation && !latest.Root.IsZero() {
		if err := m.validate(ctx, latest.Root); err != nil {
			return Snapshot{}, err
		}
	}
	return Snapshot{
		StateRoot: latest.Root,
		TxOrder:   latest.Order,
		CreatedAt: m.now().UTC(),
		Watermark: watermark,
	}, nil
}

func (m *Manager) validate(ctx context.Context, root node.Hash) error {
	b, err := m.nodes.Get(ctx, root)
	if errors.Is(err, store.ErrNotFound) {
		return gc.NewCorruptNodeError(root, fmt.Errorf("state root missing: %w", err))
	}
	if err != nil {
		return gc.NewIOError("read state root", err)
	}
	if node.HashBytes(b) != root {
		return gc.NewCorruptNodeError(root, errors.New("content hash mismatch"))
	}
	if _, err := node.Decode(b); err != nil {
		return gc.NewCorruptNodeError(root, err)
	}
	return nil
}

// Check returns ErrExpired when h can no longer back destructive work.
func (m *Manager) Check(h *Handle) error {
	if h.released.Load() {
		return errors.New("snapshot already released")
	}
	if h.Expired() {
		return fmt.Errorf("%w: taken %s ago", ErrExpired, h.snap.Age(m.now()).Round(time.Millisecond))
	}
	return nil
}

// Commit records s as the last fully committed checkpoint.
func (m *Manager) Commit(ctx context.Context, s Snapshot) error {
	if err := m.persister.Save(ctx, &s); err != nil {
		return gc.NewIOError("persist snapshot", err)
	}
	m.mu.Lock()
	m.committed = &s
	m.mu.Unlock()
	logger.InfoCtx(ctx, "snapshot committed", logger.KeyTxOrder, s.TxOrder, logger.KeyRoot, s.StateRoot.Short())
	return nil
}

// Resume loads the persisted checkpoint, if any.
func (m *Manager) Resume(ctx context.Context) (*Snapshot, error) {
	s, err := m.persister.Load(ctx)
	if err != nil {
		return nil, gc.NewIOError("load snapshot", err)
	}
	m.mu.Lock()
	m.committed = s
	m.mu.Unlock()
	return s, nil
}

// Committed returns the last committed snapshot, or nil.
func (m *Manager) Committed() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.committed == nil {
		return nil
	}
	c := *m.committed
	return &c
}
