package chain

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
	"github.com/marmos91/stategc/pkg/store/memory"
)

func TestBoundary(t *testing.T) {
	tests := []struct {
		name   string
		policy RetentionPolicy
		latest uint64
		want   uint64
	}{
		{"KeepOne", RetentionPolicy{KeepRecent: 1}, 10, 10},
		{"ZeroMeansOne", RetentionPolicy{}, 10, 10},
		{"Window", RetentionPolicy{KeepRecent: 4}, 10, 7},
		{"WindowLargerThanChain", RetentionPolicy{KeepRecent: 50}, 10, 0},
		{"PinLowersBoundary", RetentionPolicy{KeepRecent: 2, PinnedOrders: []uint64{3}}, 10, 3},
		{"FuturePinIgnored", RetentionPolicy{KeepRecent: 2, PinnedOrders: []uint64{30}}, 10, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Boundary(tt.latest))
		})
	}
}

func TestProtectedRoots(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	roots := map[uint64]node.Hash{}
	for o := uint64(1); o <= 10; o++ {
		roots[o] = node.HashBytes([]byte(fmt.Sprint(o)))
		require.NoError(t, s.PutRoot(ctx, o, roots[o]))
	}
	// Order 9 repeats the root of order 8, e.g. an empty block.
	require.NoError(t, s.PutRoot(ctx, 9, roots[8]))

	p := RetentionPolicy{KeepRecent: 3, PinnedOrders: []uint64{2, 9, 42}}
	got, err := p.ProtectedRoots(ctx, s, store.RootEntry{Order: 10, Root: roots[10]})
	require.NoError(t, err)

	var orders []uint64
	for _, e := range got {
		orders = append(orders, e.Order)
	}
	assert.Equal(t, []uint64{2, 8, 10}, orders)
	assert.Equal(t, roots[2], got[0].Root)
}

func TestProtectedRootsEmpty(t *testing.T) {
	got, err := RetentionPolicy{}.ProtectedRoots(context.Background(), memory.New(), store.RootEntry{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
