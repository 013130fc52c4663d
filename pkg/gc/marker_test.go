package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store/memory"
	"github.com/marmos91/stategc/pkg/tree"
)

func TestMarkerScenarioA(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	w.WriteBatch = 1000
	root := fill(t, w, 1, "leaf", 10_000)

	total := count(t, s)
	set, stats := mark(t, s, MarkerOptions{Workers: 8, Strategy: StrategyInMemory}, root)
	assert.Equal(t, total, stats.MarkedCount)
	assert.Equal(t, total, set.Len())
	assert.Zero(t, stats.MissingCount)
	assert.Equal(t, StrategyInMemory, stats.StrategyUsed)

	sw := NewSweeper(s, s, s, s, nil)
	st, err := sw.Sweep(context.Background(), set, SweepOptions{BatchSize: 1000, Workers: 4})
	require.NoError(t, err)
	assert.Zero(t, st.DeletedCount)
	assert.Equal(t, st.ScannedCount, st.KeptCount)
	assert.Equal(t, total, st.ScannedCount)
}

func TestMarkerIdempotent(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	roots := history(t, w, newRand(1), 30, 40)

	_, a := mark(t, s, MarkerOptions{Workers: 4}, roots[10], roots[29])
	_, b := mark(t, s, MarkerOptions{Workers: 1}, roots[10], roots[29])
	assert.Equal(t, a.MarkedCount, b.MarkedCount)
}

func TestMarkerSharedNodesCountedOnce(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	r1 := fill(t, w, 1, "k", 300)
	r2, err := w.Commit(context.Background(), 2, []tree.Change{tree.Put("k-00001", []byte("new"))})
	require.NoError(t, err)

	want, err := tree.Collect(context.Background(), s, r1, r2)
	require.NoError(t, err)
	_, stats := mark(t, s, MarkerOptions{Workers: 4}, r1, r2, r1)
	assert.Equal(t, uint64(len(want)), stats.MarkedCount)
	assert.Equal(t, 3, stats.Roots)
}

func TestMarkerFollowsNestedRoots(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	root, err := w.Commit(context.Background(), 1, []tree.Change{
		tree.Put("plain", []byte("v")),
		{Key: "table", Value: []byte("t"), Nested: map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}},
	})
	require.NoError(t, err)

	set, stats := mark(t, s, MarkerOptions{}, root)
	assert.Equal(t, count(t, s), stats.MarkedCount)

	_, nested, err := tree.Build(map[string]tree.Entry{
		"a": {Value: []byte("1")}, "b": {Value: []byte("2")}, "c": {Value: []byte("3")},
	})
	require.NoError(t, err)
	for h := range nested {
		assert.True(t, set.Contains(h), "nested node %s", h.Short())
	}
}

func TestMarkerSkipsZeroRootsAndCountsMissing(t *testing.T) {
	s := memory.New()
	absent := node.HashBytes([]byte("never stored"))
	parent := node.NewInternal(node.Child{Bit: 1, Hash: absent})
	h, b, err := parent.Hash()
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(context.Background(), map[node.Hash][]byte{h: b}))

	set, stats := mark(t, s, MarkerOptions{}, node.ZeroHash, h)
	assert.Equal(t, 1, stats.Roots)
	assert.Equal(t, uint64(1), stats.MarkedCount)
	assert.Equal(t, uint64(1), stats.MissingCount)
	assert.True(t, set.Contains(h))
}

func TestMarkerCorruptNodeIsFatal(t *testing.T) {
	ctx := context.Background()

	t.Run("Undecodable", func(t *testing.T) {
		s := memory.New()
		junk := []byte{0x7f, 0x01, 0x02}
		bad := node.HashBytes(junk)
		root, rb, err := node.NewInternal(node.Child{Bit: 0, Hash: bad}).Hash()
		require.NoError(t, err)
		require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{bad: junk, root: rb}))

		m, err := NewMarker(s, MarkerOptions{Workers: 2})
		require.NoError(t, err)
		_, _, err = m.Mark(ctx, []node.Hash{root})
		require.Error(t, err)
		assert.True(t, IsCode(err, ErrCorruptNode))
	})

	t.Run("HashMismatch", func(t *testing.T) {
		s := memory.New()
		leaf := node.NewLeaf([]byte("k"), []byte("v"), nil).MustEncode()
		wrong := node.HashBytes([]byte("other"))
		require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{wrong: leaf}))

		m, err := NewMarker(s, MarkerOptions{})
		require.NoError(t, err)
		_, _, err = m.Mark(ctx, []node.Hash{wrong})
		assert.True(t, IsCode(err, ErrCorruptNode))
	})
}

func TestMarkerPersistentMatchesInMemory(t *testing.T) {
	s, _ := newBadger(t)
	w := openWriter(t, s)
	roots := history(t, w, newRand(3), 25, 60)
	protected := []node.Hash{roots[5], roots[17], roots[24]}

	exact, es := mark(t, s, MarkerOptions{Workers: 4, Strategy: StrategyInMemory}, protected...)
	bloom, bs := mark(t, s, MarkerOptions{
		Workers:  4,
		Strategy: StrategyPersistent,
		Scratch:  s.Scratch(),
	}, protected...)

	assert.Equal(t, StrategyPersistent, bs.StrategyUsed)
	assert.Equal(t, StrategyPersistent, bloom.Kind())
	assert.Equal(t, es.MarkedCount, bs.MarkedCount)

	want, err := tree.Collect(context.Background(), s, protected...)
	require.NoError(t, err)
	for h := range want {
		require.True(t, exact.Contains(h))
		require.True(t, bloom.Contains(h), "bloom lost reachable node %s", h.Short())
	}
	assert.Zero(t, s.Scratch().Len(), "scratch set is cleared after the pass")
}

func TestMarkerAutoStrategy(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	root := fill(t, w, 1, "k", 50)

	_, st := mark(t, s, MarkerOptions{InMemoryThreshold: 1000}, root)
	assert.Equal(t, StrategyInMemory, st.StrategyUsed)

	_, st = mark(t, s, MarkerOptions{InMemoryThreshold: 10, Scratch: memory.NewScratchSet()}, root)
	assert.Equal(t, StrategyPersistent, st.StrategyUsed)

	_, st = mark(t, s, MarkerOptions{InMemoryThreshold: 10}, root)
	assert.Equal(t, StrategyInMemory, st.StrategyUsed, "no scratch set falls back to memory")
}

func TestMarkerWatermark(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	root := fill(t, w, 1, "k", 10)

	_, st := mark(t, s, MarkerOptions{}, root)
	assert.Equal(t, s.Watermark(), st.Watermark)

	m, err := NewMarker(s, MarkerOptions{})
	require.NoError(t, err)
	set, st, err := m.WithWatermark(3).Mark(context.Background(), []node.Hash{root})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Watermark)
	assert.Equal(t, uint64(3), set.Watermark())
}

func TestNewMarkerValidation(t *testing.T) {
	s := memory.New()
	for name, opts := range map[string]MarkerOptions{
		"NegativeWorkers":     {Workers: -1},
		"BadFalsePositive":    {BloomFalsePositiveRate: 1.5},
		"PersistentNoScratch": {Strategy: StrategyPersistent},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewMarker(s, opts)
			assert.True(t, IsCode(err, ErrConfigInvalid))
		})
	}
}

func TestMarkerCancelled(t *testing.T) {
	s := memory.New()
	w := openWriter(t, s)
	root := fill(t, w, 1, "k", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := NewMarker(s, MarkerOptions{})
	require.NoError(t, err)
	_, _, err = m.Mark(ctx, []node.Hash{root})
	assert.ErrorIs(t, err, context.Canceled)
}
