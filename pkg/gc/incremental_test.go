package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
	"github.com/marmos91/stategc/pkg/store/memory"
	"github.com/marmos91/stategc/pkg/tree"
)

func newIncremental(t *testing.T, nodes store.NodeStore, l store.Ledger, bin Recycler, opts IncrementalOptions) *IncrementalPruner {
	t.Helper()
	p, err := NewIncrementalPruner(nodes, l, bin, opts)
	require.NoError(t, err)
	return p
}

func TestIncrementalPruneMatchesReachability(t *testing.T) {
	ctx := context.Background()
	for seed := range uint64(6) {
		s := memory.New()
		w := openWriter(t, s)
		roots := history(t, w, newRand(100+seed), 30, 25)
		boundary := uint64(20)

		deleted, err := newIncremental(t, s, s, nil, IncrementalOptions{BatchSize: 7}).PruneIncremental(ctx, boundary)
		require.NoError(t, err)
		assert.NotZero(t, deleted)

		// Everything from boundary-1 on is intact, and nothing else is left.
		want, err := tree.Collect(ctx, s, roots[boundary-2:]...)
		require.NoError(t, err, "seed %d", seed)
		assert.Equal(t, uint64(len(want)), count(t, s), "seed %d", seed)

		left, err := s.ScanStale(ctx, nil, boundary, 1)
		require.NoError(t, err)
		assert.Empty(t, left)
	}
}

func TestIncrementalDryRunPredicts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	history(t, w, newRand(55), 40, 30)
	total := count(t, s)

	dry, err := newIncremental(t, s, s, nil, IncrementalOptions{DryRun: true, BatchSize: 9}).Prune(ctx, 35)
	require.NoError(t, err)
	assert.Equal(t, total, count(t, s))
	n, err := s.CountStale(ctx)
	require.NoError(t, err)
	assert.NotZero(t, n)

	wet, err := newIncremental(t, s, s, nil, IncrementalOptions{BatchSize: 9}).Prune(ctx, 35)
	require.NoError(t, err)
	assert.Equal(t, dry.Scanned, wet.Scanned)
	assert.Equal(t, dry.Decremented, wet.Decremented)
	assert.Equal(t, dry.Deleted, wet.Deleted)
	assert.Equal(t, total-wet.Deleted, count(t, s))
}

func TestIncrementalReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	history(t, w, newRand(12), 20, 20)

	p := newIncremental(t, s, s, nil, IncrementalOptions{})
	first, err := p.Prune(ctx, 15)
	require.NoError(t, err)
	assert.NotZero(t, first.Deleted)

	deletes := s.Deletes()
	again, err := p.Prune(ctx, 15)
	require.NoError(t, err)
	assert.Zero(t, again.Scanned)
	assert.Zero(t, again.Deleted)
	assert.Equal(t, deletes, s.Deletes())
}

func TestIncrementalKeepsSharedNodes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)

	commit := func(order uint64, v string) node.Hash {
		r, err := w.Commit(ctx, order, []tree.Change{tree.Put("a", []byte(v))})
		require.NoError(t, err)
		return r
	}
	leaf1 := commit(1, "1")
	commit(2, "2")
	commit(3, "1") // leaf1 enters the trie again
	commit(4, "3")

	rc, err := s.GetRefCount(ctx, leaf1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), rc)

	st, err := newIncremental(t, s, s, nil, IncrementalOptions{}).Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Decremented)
	assert.Zero(t, st.Deleted)
	_, err = s.Get(ctx, leaf1)
	assert.NoError(t, err, "still referenced by a later version")

	st, err = newIncremental(t, s, s, nil, IncrementalOptions{}).Prune(ctx, 5)
	require.NoError(t, err)
	_, err = s.Get(ctx, leaf1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, uint64(2), st.Deleted, "leaf1 and the order-2 leaf")
}

func TestIncrementalDriftNeverDeletes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	old, err := w.Commit(ctx, 1, []tree.Change{tree.Put("a", []byte("1"))})
	require.NoError(t, err)
	_, err = w.Commit(ctx, 2, []tree.Change{tree.Put("a", []byte("2"))})
	require.NoError(t, err)

	require.NoError(t, s.RemoveRefCounts(ctx, []node.Hash{old}))
	st, err := newIncremental(t, s, s, nil, IncrementalOptions{}).Prune(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Drift)
	assert.Zero(t, st.Deleted)
	_, err = s.Get(ctx, old)
	assert.NoError(t, err, "left for the next full cycle")
}

func TestIncrementalRecycles(t *testing.T) {
	ctx := context.Background()
	s, bin := newBadger(t)
	w := openWriter(t, s)
	old, err := w.Commit(ctx, 1, []tree.Change{tree.Put("a", []byte("1"))})
	require.NoError(t, err)
	_, err = w.Commit(ctx, 2, []tree.Change{tree.Put("a", []byte("2"))})
	require.NoError(t, err)

	st, err := newIncremental(t, s, s, bin, IncrementalOptions{UseRecycleBin: true, TxOrder: 2}).Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Deleted)
	assert.Equal(t, uint64(1), st.Recycled)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, ok, err := bin.GetRecord(ctx, old)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, old, node.HashBytes(rec.Bytes))
}

func TestIncrementalCancelled(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	history(t, w, newRand(1), 10, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newIncremental(t, s, s, nil, IncrementalOptions{}).Prune(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewIncrementalRequiresBin(t *testing.T) {
	s := memory.New()
	_, err := NewIncrementalPruner(s, s, nil, IncrementalOptions{UseRecycleBin: true})
	assert.True(t, IsCode(err, ErrConfigInvalid))
}
