package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/stategc/pkg/codec"
	"github.com/marmos91/stategc/pkg/store"
)

// MetaKey is where MetaPersister keeps the committed snapshot.
const MetaKey = "gc/prune_snapshot"

// Persister stores the last committed snapshot across restarts.
//
// Thread Safety:
// Implementations must be safe for concurrent use from multiple goroutines.
type Persister interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, s *Snapshot) error

	// Load returns the stored snapshot, or nil when there is none.
	Load(ctx context.Context) (*Snapshot, error)

	// Clear forgets the stored snapshot.
	Clear(ctx context.Context) error

	// IsEnabled returns true if snapshots survive a restart.
	IsEnabled() bool
}

// MetaPersister keeps the snapshot as a CBOR record in a MetaStore.
type MetaPersister struct {
	meta store.MetaStore
}

func NewMetaPersister(meta store.MetaStore) *MetaPersister {
	return &MetaPersister{meta: meta}
}

func (p *MetaPersister) Save(ctx context.Context, s *Snapshot) error {
	b, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return p.meta.PutMeta(ctx, MetaKey, b)
}

func (p *MetaPersister) Load(ctx context.Context) (*Snapshot, error) {
	b, err := p.meta.GetMeta(ctx, MetaKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := codec.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func (p *MetaPersister) Clear(ctx context.Context) error {
	return p.meta.DeleteMeta(ctx, MetaKey)
}

func (p *MetaPersister) IsEnabled() bool { return true }

// NullPersister is used when persistence is disabled.
type NullPersister struct{}

func NewNullPersister() *NullPersister { return &NullPersister{} }

func (NullPersister) Save(context.Context, *Snapshot) error   { return nil }
func (NullPersister) Load(context.Context) (*Snapshot, error) { return nil, nil }
func (NullPersister) Clear(context.Context) error             { return nil }
func (NullPersister) IsEnabled() bool                         { return false }
