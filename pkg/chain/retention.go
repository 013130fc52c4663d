// Package chain decides which state roots the collector must keep. The
// collector never adds to this set on its own.
package chain

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// RetentionPolicy keeps the most recent orders plus explicitly pinned ones.
type RetentionPolicy struct {
	// KeepRecent is the number of orders, counting the snapshot's own,
	// whose roots stay reachable. Zero is treated as one.
	KeepRecent uint64 `mapstructure:"keep_recent" yaml:"keep_recent"`

	// PinnedOrders stay protected regardless of age, e.g. for exports.
	PinnedOrders []uint64 `mapstructure:"pinned_orders" yaml:"pinned_orders"`
}

// Boundary is the oldest order the policy retains when latest is the
// snapshot order. Stale entries below it may be retired.
func (p RetentionPolicy) Boundary(latest uint64) uint64 {
	keep := max(p.KeepRecent, 1)
	b := uint64(0)
	if latest+1 > keep {
		b = latest + 1 - keep
	}
	for _, o := range p.PinnedOrders {
		if o <= latest && o < b {
			b = o
		}
	}
	return b
}

// ProtectedRoots returns the roots to mark from: every recorded root in the
// recent window, the pinned roots, and the snapshot root itself, ascending by
// order and without duplicate hashes.
func (p RetentionPolicy) ProtectedRoots(ctx context.Context, idx store.RootIndex, snap store.RootEntry) ([]store.RootEntry, error) {
	keep := max(p.KeepRecent, 1)
	from := uint64(0)
	if snap.Order+1 > keep {
		from = snap.Order + 1 - keep
	}
	recent, err := idx.Roots(ctx, from, snap.Order)
	if err != nil {
		return nil, fmt.Errorf("list roots %d..%d: %w", from, snap.Order, err)
	}

	out := slices.Clone(recent)
	for _, o := range p.PinnedOrders {
		if o >= from && o <= snap.Order {
			continue
		}
		r, err := idx.Root(ctx, o)
		if errors.Is(err, store.ErrNotFound) {
			logger.WarnCtx(ctx, "pinned order has no recorded root", logger.KeyTxOrder, o)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load pinned root %d: %w", o, err)
		}
		out = append(out, store.RootEntry{Order: o, Root: r})
	}
	if !snap.Root.IsZero() {
		out = append(out, snap)
	}

	slices.SortFunc(out, func(a, b store.RootEntry) int {
		switch {
		case a.Order < b.Order:
			return -1
		case a.Order > b.Order:
			return 1
		}
		return a.Root.Compare(b.Root)
	})
	seen := make(map[node.Hash]struct{}, len(out))
	return slices.DeleteFunc(out, func(e store.RootEntry) bool {
		if e.Root.IsZero() {
			return true
		}
		if _, ok := seen[e.Root]; ok {
			return true
		}
		seen[e.Root] = struct{}{}
		return false
	}), nil
}
