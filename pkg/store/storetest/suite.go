// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// Backend is everything a full store implementation provides.
type Backend interface {
	store.NodeStore
	store.Ledger
	store.MetaStore
	store.RootIndex
}

// Factory returns a fresh, empty backend. It should register cleanup with
// t.Cleanup.
type Factory func(t *testing.T) Backend

// RunConformanceSuite runs every contract test against factory.
func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()
	t.Run("Nodes", func(t *testing.T) { runNodeTests(t, factory) })
	t.Run("RefCounts", func(t *testing.T) { runRefCountTests(t, factory) })
	t.Run("StaleIndex", func(t *testing.T) { runStaleTests(t, factory) })
	t.Run("Meta", func(t *testing.T) { runMetaTests(t, factory) })
	t.Run("Roots", func(t *testing.T) { runRootTests(t, factory) })
}

// RunScratchSetTests checks the visited-set contract.
func RunScratchSetTests(t *testing.T, newSet func(t *testing.T) store.ScratchSet) {
	ctx := t.Context()
	s := newSet(t)
	h := leaf("x")

	added, err := s.Add(ctx, h)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Add(ctx, h)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, uint64(1), s.Len())

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, uint64(0), s.Len())
	added, err = s.Add(ctx, h)
	require.NoError(t, err)
	assert.True(t, added)
}

func leaf(key string) node.Hash {
	h, _, err := node.NewLeaf([]byte(key), []byte("value"), nil).Hash()
	if err != nil {
		panic(err)
	}
	return h
}

func leaves(n int) map[node.Hash][]byte {
	out := make(map[node.Hash][]byte, n)
	for i := 0; i < n; i++ {
		h, b, err := node.NewLeaf([]byte(fmt.Sprintf("k%04d", i)), []byte("v"), nil).Hash()
		if err != nil {
			panic(err)
		}
		out[h] = b
	}
	return out
}

func runNodeTests(t *testing.T, factory Factory) {
	t.Run("WriteGetDelete", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		nodes := leaves(3)
		require.NoError(t, s.WriteNodes(ctx, nodes))

		for h, b := range nodes {
			got, err := s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, b, got)
		}
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), n)

		var some node.Hash
		for h := range nodes {
			some = h
			break
		}
		require.NoError(t, s.DeleteNodes(ctx, []node.Hash{some}))
		require.NoError(t, s.DeleteNodes(ctx, []node.Hash{some}), "delete is idempotent")
		_, err = s.Get(ctx, some)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Stat(ctx, some)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RewriteRefreshesSequence", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		nodes := leaves(1)
		require.NoError(t, s.WriteNodes(ctx, nodes))

		var h node.Hash
		for k := range nodes {
			h = k
		}
		first, err := s.Stat(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, s.Watermark(), first.Seq)

		require.NoError(t, s.WriteNodes(ctx, nodes))
		second, err := s.Stat(ctx, h)
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		removed, err := s.DeleteEntries(ctx, []store.Entry{first})
		require.NoError(t, err)
		assert.Empty(t, removed, "stale sequence must not delete")

		removed, err = s.DeleteEntries(ctx, []store.Entry{second})
		require.NoError(t, err)
		assert.Equal(t, []node.Hash{h}, removed)
	})

	t.Run("ScanKeysPaginates", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		require.NoError(t, s.WriteNodes(ctx, leaves(25)))

		var (
			seen   []node.Hash
			cursor *node.Hash
		)
		for {
			page, err := s.ScanKeys(ctx, cursor, 7)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			assert.LessOrEqual(t, len(page), 7)
			for _, e := range page {
				seen = append(seen, e.Hash)
			}
			last := page[len(page)-1].Hash
			cursor = &last
		}
		require.Len(t, seen, 25)
		for i := 1; i < len(seen); i++ {
			assert.Negative(t, seen[i-1].Compare(seen[i]), "ascending order")
		}
	})
}

func runRefCountTests(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := factory(t)
	a, b := leaf("a"), leaf("b")

	require.NoError(t, s.Increment(ctx, []node.Hash{a, a, b}))
	c, err := s.GetRefCount(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c)

	left, err := s.Decrement(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), left)
	left, err = s.Decrement(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), left)
	left, err = s.Decrement(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), left, "missing row stays at zero")

	require.NoError(t, s.RemoveRefCounts(ctx, []node.Hash{b, a}))
	c, err = s.GetRefCount(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, c)
}

func runStaleTests(t *testing.T, factory Factory) {
	t.Run("ScanOrderAndBoundary", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		a, b := leaf("a"), leaf("b")
		require.NoError(t, s.PutStale(ctx, []store.StaleEntry{
			{Version: 5, Hash: a}, {Version: 2, Hash: b}, {Version: 9, Hash: a},
		}))

		got, err := s.ScanStale(ctx, nil, 9, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Version)
		assert.Equal(t, uint64(5), got[1].Version)

		got, err = s.ScanStale(ctx, nil, 100, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = s.ScanStale(ctx, &got[0], 100, 10)
		require.NoError(t, err)
		require.Len(t, got, 2, "cursor is exclusive")
		assert.Equal(t, uint64(5), got[0].Version)

		require.NoError(t, s.RemoveStaleHashes(ctx, []node.Hash{a}))
		n, err := s.CountStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)

		require.NoError(t, s.DeleteStale(ctx, []store.StaleEntry{{Version: 2, Hash: b}}))
		n, err = s.CountStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("RetireIsIdempotent", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		h := leaf("shared")
		require.NoError(t, s.Increment(ctx, []node.Hash{h, h}))
		e := store.StaleEntry{Version: 3, Hash: h}
		require.NoError(t, s.PutStale(ctx, []store.StaleEntry{e}))

		r, err := s.RetireStale(ctx, e)
		require.NoError(t, err)
		assert.True(t, r.Retired)
		assert.Equal(t, uint32(2), r.Before)
		assert.Equal(t, uint32(1), r.After)
		assert.False(t, r.Unreferenced())

		r, err = s.RetireStale(ctx, e)
		require.NoError(t, err)
		assert.False(t, r.Retired)
		assert.Equal(t, uint32(1), r.After, "replay must not decrement again")

		last := store.StaleEntry{Version: 4, Hash: h}
		require.NoError(t, s.PutStale(ctx, []store.StaleEntry{last}))
		r, err = s.RetireStale(ctx, last)
		require.NoError(t, err)
		assert.True(t, r.Unreferenced())
		c, err := s.GetRefCount(ctx, h)
		require.NoError(t, err)
		assert.Zero(t, c)
	})

	t.Run("RetireWithoutCounterIsDrift", func(t *testing.T) {
		ctx := t.Context()
		s := factory(t)
		e := store.StaleEntry{Version: 1, Hash: leaf("orphan")}
		require.NoError(t, s.PutStale(ctx, []store.StaleEntry{e}))

		r, err := s.RetireStale(ctx, e)
		require.NoError(t, err)
		assert.True(t, r.Retired)
		assert.False(t, r.Unreferenced())
	})
}

func runMetaTests(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := factory(t)

	_, err := s.GetMeta(ctx, "gc/phase")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutMeta(ctx, "gc/phase", []byte{1, 2}))
	v, err := s.GetMeta(ctx, "gc/phase")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, v)

	require.NoError(t, s.DeleteMeta(ctx, "gc/phase"))
	require.NoError(t, s.DeleteMeta(ctx, "gc/phase"))
	_, err = s.GetMeta(ctx, "gc/phase")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func runRootTests(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := factory(t)

	_, err := s.LatestRoot(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i := uint64(1); i <= 300; i++ {
		require.NoError(t, s.PutRoot(ctx, i, leaf(fmt.Sprint(i))))
	}
	latest, err := s.LatestRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), latest.Order)

	r, err := s.Root(ctx, 256)
	require.NoError(t, err)
	assert.Equal(t, leaf("256"), r)
	_, err = s.Root(ctx, 301)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rng, err := s.Roots(ctx, 254, 258)
	require.NoError(t, err)
	require.Len(t, rng, 5)
	assert.Equal(t, uint64(254), rng[0].Order)
	assert.Equal(t, uint64(258), rng[4].Order)
}
