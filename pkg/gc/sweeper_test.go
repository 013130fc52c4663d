package gc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
	"github.com/marmos91/stategc/pkg/store/memory"
	"github.com/marmos91/stategc/pkg/tree"
)

func TestSweepScenarioB(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rootA, nodesA, err := tree.Build(fiveLeaves("a"))
	require.NoError(t, err)
	rootB, nodesB, err := tree.Build(fiveLeaves("b"))
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(ctx, nodesA))
	require.NoError(t, s.WriteNodes(ctx, nodesB))

	set, _ := mark(t, s, MarkerOptions{}, rootA)
	st, err := NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, uint64(len(nodesB)), st.DeletedCount)
	assert.Equal(t, uint64(len(nodesA)), st.KeptCount)
	for h := range nodesA {
		_, err := s.Get(ctx, h)
		assert.NoError(t, err, "tree A node %s", h.Short())
	}
	for h := range nodesB {
		_, err := s.Get(ctx, h)
		assert.ErrorIs(t, err, store.ErrNotFound, "tree B node %s", h.Short())
	}
	_, err = s.Get(ctx, rootB)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func fiveLeaves(prefix string) map[string]tree.Entry {
	out := make(map[string]tree.Entry, 5)
	for i := range 5 {
		out[prefix+string(rune('0'+i))] = tree.Entry{Value: []byte(prefix)}
	}
	return out
}

// Reachable nodes survive, unreachable ones are gone.
func TestSweepSafetyAndLiveness(t *testing.T) {
	ctx := context.Background()
	for seed := range uint64(12) {
		s := memory.New()
		w := openWriter(t, s)
		rng := newRand(seed)
		roots := history(t, w, rng, 20+rng.IntN(20), 10+rng.IntN(40))

		var protected []node.Hash
		for _, r := range roots {
			if rng.IntN(4) == 0 {
				protected = append(protected, r)
			}
		}
		if seed%3 == 0 {
			protected = nil
		}

		want, err := tree.Collect(ctx, s, protected...)
		require.NoError(t, err)

		strategy := StrategyInMemory
		var scratch store.ScratchSet
		if seed%2 == 1 {
			strategy, scratch = StrategyPersistent, memory.NewScratchSet()
		}
		set, _ := mark(t, s, MarkerOptions{Workers: 1 + int(seed%4), Strategy: strategy, Scratch: scratch}, protected...)
		_, err = NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{BatchSize: 1 + rng.IntN(64), Workers: 3})
		require.NoError(t, err)

		for h := range want {
			_, err := s.Get(ctx, h)
			require.NoError(t, err, "seed %d: reachable %s was swept", seed, h.Short())
		}
		if strategy == StrategyInMemory {
			assert.Equal(t, uint64(len(want)), count(t, s), "seed %d: garbage left behind", seed)
		} else {
			assert.GreaterOrEqual(t, count(t, s), uint64(len(want)))
		}
	}
}

func TestSweepRetiresLedger(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	roots := history(t, w, newRand(5), 15, 20)
	latest := roots[len(roots)-1]

	set, _ := mark(t, s, MarkerOptions{}, latest)
	_, err := NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{BatchSize: 8})
	require.NoError(t, err)

	live, err := tree.Collect(ctx, s, latest)
	require.NoError(t, err)
	stale, err := s.ScanStale(ctx, nil, ^uint64(0), 1<<20)
	require.NoError(t, err)
	for _, e := range stale {
		_, ok := live[e.Hash]
		assert.True(t, ok, "stale entry for swept node %s survived", e.Hash.Short())
	}
}

func TestSweepRecycleReversible(t *testing.T) {
	ctx := context.Background()
	s, bin := newBadger(t)
	w := openWriter(t, s)
	r1 := fill(t, w, 1, "k", 40)
	r2, err := w.Commit(ctx, 2, []tree.Change{tree.Put("k-00003", []byte("x")), tree.Del("k-00011")})
	require.NoError(t, err)

	before, err := tree.Collect(ctx, s, r1, r2)
	require.NoError(t, err)
	keep, err := tree.Collect(ctx, s, r2)
	require.NoError(t, err)

	set, _ := mark(t, s, MarkerOptions{}, r2)
	st, err := NewSweeper(s, s, s, s, bin).Sweep(ctx, set, SweepOptions{UseRecycleBin: true, TxOrder: 2})
	require.NoError(t, err)
	require.NotZero(t, st.DeletedCount)
	assert.Equal(t, st.DeletedCount, st.RecycleBinEntries)

	var swept []node.Hash
	for h := range before {
		if _, ok := keep[h]; ok {
			continue
		}
		swept = append(swept, h)
		_, err := s.Get(ctx, h)
		require.ErrorIs(t, err, store.ErrNotFound)
		rec, ok, err := bin.GetRecord(ctx, h)
		require.NoError(t, err)
		require.True(t, ok, "swept node %s not in bin", h.Short())
		assert.Equal(t, h, node.HashBytes(rec.Bytes))
		assert.Equal(t, uint64(2), rec.TxOrder)
	}
	assert.Len(t, swept, int(st.DeletedCount))

	for h := range keep {
		_, ok, err := bin.GetRecord(ctx, h)
		require.NoError(t, err)
		assert.False(t, ok, "live node %s also in bin", h.Short())
	}

	ok, err := bin.DeleteRecord(ctx, swept[0])
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = bin.GetRecord(ctx, swept[0])
	require.NoError(t, err)
	assert.False(t, ok)

	// Restoring brings a node back byte for byte.
	require.NoError(t, bin.Restore(ctx, swept[1], s))
	_, err = s.Get(ctx, swept[1])
	assert.NoError(t, err)
}

func TestSweepDryRun(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	roots := history(t, w, newRand(9), 10, 15)
	total := count(t, s)

	set, _ := mark(t, s, MarkerOptions{}, roots[len(roots)-1])
	sw := NewSweeper(s, s, s, s, nil)
	dry, err := sw.Sweep(ctx, set, SweepOptions{DryRun: true, UseRecycleBin: true, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, total, count(t, s))
	assert.Zero(t, s.Deletes())
	assert.NotZero(t, dry.DeletedCount)
	assert.Equal(t, dry.DeletedCount, dry.RecycleBinEntries)

	_, err = s.GetMeta(ctx, SweepCursorKey)
	assert.ErrorIs(t, err, store.ErrNotFound, "dry run leaves no cursor")

	wet, err := sw.Sweep(ctx, set, SweepOptions{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, dry.DeletedCount, wet.DeletedCount)
	assert.Equal(t, dry.ScannedCount, wet.ScannedCount)
}

func TestSweepKeepsNodesWrittenAfterMark(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	root := fill(t, w, 1, "k", 20)
	set, _ := mark(t, s, MarkerOptions{}, root)

	// Unreachable, but written after the mark.
	young, yb, err := node.NewLeaf([]byte("young"), nil, nil).Hash()
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{young: yb}))

	st, err := NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.YoungKept)
	assert.Zero(t, st.DeletedCount)
	_, err = s.Get(ctx, young)
	assert.NoError(t, err)
}

func TestSweepSkipsRewrittenNodes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	old, ob, err := node.NewLeaf([]byte("old"), nil, nil).Hash()
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{old: ob}))
	entries, err := s.ScanKeys(ctx, nil, 10)
	require.NoError(t, err)

	// Rewritten between scan and delete: the conditional delete misses.
	require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{old: ob}))
	removed, err := s.DeleteEntries(ctx, entries)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestSweepResumable(t *testing.T) {
	ctx := context.Background()

	build := func() (*memory.Store, ReachableSet) {
		s := memory.New()
		w := openWriter(t, s)
		roots := history(t, w, newRand(21), 60, 80)
		set, _ := mark(t, s, MarkerOptions{}, roots[len(roots)-1])
		return s, set
	}
	opts := SweepOptions{BatchSize: 16, Workers: 3}

	base, baseSet := build()
	want, err := NewSweeper(base, base, base, base, nil).Sweep(ctx, baseSet, opts)
	require.NoError(t, err)
	require.Greater(t, want.Batches, uint64(20))

	s, set := build()
	sw := NewSweeper(s, s, s, s, nil)

	stopAt := uint64(3)
	cctx, cancel := context.WithCancel(ctx)
	interrupted := opts
	interrupted.ProgressCallback = func(p SweepProgress) {
		if p.Batch == stopAt {
			cancel()
		}
	}
	partial, err := sw.Sweep(cctx, set, interrupted)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, partial.Batches, stopAt)
	require.Less(t, partial.Batches, want.Batches)
	deletedSoFar := s.Deletes()

	cs, wm, ok, err := sw.LoadSweepCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, set.Watermark(), wm)
	assert.Equal(t, partial.ScannedCount, cs.ScannedCount)

	resumed := opts
	resumed.Resume = true
	got, err := sw.Sweep(ctx, set, resumed)
	require.NoError(t, err)

	assert.Equal(t, want.ScannedCount, got.ScannedCount)
	assert.Equal(t, want.DeletedCount, got.DeletedCount)
	assert.Equal(t, want.KeptCount, got.KeptCount)
	assert.Equal(t, want.DeletedCount, s.Deletes(), "no node deleted twice")
	assert.GreaterOrEqual(t, s.Deletes(), deletedSoFar)
	assert.Equal(t, count(t, base), count(t, s))

	_, _, ok, err = sw.LoadSweepCursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cursor cleared after completion")
}

func TestSweepIgnoresCursorFromOtherMark(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	roots := history(t, w, newRand(4), 20, 30)
	set, _ := mark(t, s, MarkerOptions{}, roots[len(roots)-1])

	sw := NewSweeper(s, s, s, s, nil)
	require.NoError(t, sw.saveCursor(ctx, &sweepCursor{Watermark: set.Watermark() + 100, Stats: SweepStats{ScannedCount: 999}}))

	st, err := sw.Sweep(ctx, set, SweepOptions{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, st.ScannedCount, st.KeptCount+st.DeletedCount)
	assert.NotEqual(t, uint64(999), st.ScannedCount)
}

type failingNodes struct {
	*memory.Store
	failAfter int
	calls     int
}

func (f *failingNodes) DeleteEntries(ctx context.Context, e []store.Entry) ([]node.Hash, error) {
	f.calls++
	if f.calls > f.failAfter {
		return nil, errors.New("disk on fire")
	}
	return f.Store.DeleteEntries(ctx, e)
}

func TestSweepStoreErrorIsIOError(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w := openWriter(t, s)
	roots := history(t, w, newRand(8), 30, 30)
	set, _ := mark(t, s, MarkerOptions{}, roots[len(roots)-1])

	f := &failingNodes{Store: s, failAfter: 1}
	_, err := NewSweeper(f, s, s, s, nil).Sweep(ctx, set, SweepOptions{BatchSize: 4, Workers: 1})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrIO))

	// The retry finishes the job.
	st, err := NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{BatchSize: 4, Resume: true})
	require.NoError(t, err)
	live, err := tree.Collect(ctx, s, roots[len(roots)-1])
	require.NoError(t, err)
	assert.Equal(t, uint64(len(live)), count(t, s))
	assert.NotZero(t, st.ScannedCount)
}

func TestSweepRequiresBinForRecycle(t *testing.T) {
	s := memory.New()
	_, err := NewSweeper(s, s, s, s, nil).Sweep(context.Background(), newExactSet(0), SweepOptions{UseRecycleBin: true})
	assert.True(t, IsCode(err, ErrConfigInvalid))
}

func TestSweepForceCompaction(t *testing.T) {
	ctx := context.Background()
	s, _ := newBadger(t)
	w := openWriter(t, s)
	roots := history(t, w, newRand(2), 10, 20)
	set, _ := mark(t, s, MarkerOptions{}, roots[len(roots)-1])
	st, err := NewSweeper(s, s, s, s, nil).Sweep(ctx, set, SweepOptions{ForceCompaction: true})
	require.NoError(t, err)
	assert.NotZero(t, st.DeletedCount)
}

func TestSweepRecyclesLargePayloads(t *testing.T) {
	ctx := context.Background()
	s, bin := newBadger(t)

	entries := make(map[string]tree.Entry, 12000)
	for i := range 12000 {
		entries[fmt.Sprintf("blob-%05d", i)] = tree.Entry{Value: bytes.Repeat([]byte{byte(i)}, 4096)}
	}
	_, garbage, err := tree.Build(entries)
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(ctx, garbage))
	rootA, live, err := tree.Build(fiveLeaves("a"))
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(ctx, live))

	set, _ := mark(t, s, MarkerOptions{}, rootA)
	st, err := NewSweeper(s, s, s, s, bin).Sweep(ctx, set, SweepOptions{UseRecycleBin: true, TxOrder: 7})
	require.NoError(t, err)

	assert.Equal(t, uint64(len(garbage)), st.DeletedCount)
	assert.Equal(t, st.DeletedCount, st.RecycleBinEntries)
	assert.Equal(t, uint64(len(live)), count(t, s))

	stats, err := bin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(garbage)), stats.Entries)
}
