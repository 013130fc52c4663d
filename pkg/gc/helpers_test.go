package gc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/recyclebin"
	"github.com/marmos91/stategc/pkg/store"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
	"github.com/marmos91/stategc/pkg/store/memory"
	"github.com/marmos91/stategc/pkg/tree"
)

// backend is everything the collector touches on one store.
type backend interface {
	store.NodeStore
	store.Ledger
	store.MetaStore
	store.RootIndex
}

func openWriter(t *testing.T, b backend) *tree.Writer {
	t.Helper()
	w, err := tree.Open(context.Background(), b, b, b)
	require.NoError(t, err)
	return w
}

func newBadger(t *testing.T) (*bstore.Store, *recyclebin.Bin) {
	t.Helper()
	s, err := bstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, recyclebin.New(s.DB())
}

// history commits versions random versions over a small key space and
// returns the root of each, indexed by order-1.
func history(t *testing.T, w *tree.Writer, rng *rand.Rand, versions, keys int) []node.Hash {
	t.Helper()
	ctx := context.Background()
	roots := make([]node.Hash, 0, versions)
	for i := range versions {
		var changes []tree.Change
		for range 1 + rng.IntN(6) {
			k := fmt.Sprintf("acct-%d", rng.IntN(keys))
			switch rng.IntN(5) {
			case 0:
				changes = append(changes, tree.Del(k))
			case 1:
				changes = append(changes, tree.Change{
					Key:    k,
					Value:  []byte("obj"),
					Nested: map[string][]byte{fmt.Sprintf("f%d", rng.IntN(4)): []byte(fmt.Sprint(rng.IntN(3)))},
				})
			default:
				changes = append(changes, tree.Put(k, []byte(fmt.Sprint(rng.IntN(100)))))
			}
		}
		root, err := w.Commit(ctx, uint64(i+1), changes)
		require.NoError(t, err)
		roots = append(roots, root)
	}
	return roots
}

// fill commits n leaves as a single version.
func fill(t *testing.T, w *tree.Writer, order uint64, prefix string, n int) node.Hash {
	t.Helper()
	changes := make([]tree.Change, 0, n)
	for i := range n {
		changes = append(changes, tree.Put(fmt.Sprintf("%s-%05d", prefix, i), []byte(fmt.Sprint(i))))
	}
	root, err := w.Commit(context.Background(), order, changes)
	require.NoError(t, err)
	return root
}

func mark(t *testing.T, nodes store.NodeStore, opts MarkerOptions, roots ...node.Hash) (ReachableSet, *MarkStats) {
	t.Helper()
	m, err := NewMarker(nodes, opts)
	require.NoError(t, err)
	set, stats, err := m.Mark(context.Background(), roots)
	require.NoError(t, err)
	return set, stats
}

func count(t *testing.T, nodes store.NodeStore) uint64 {
	t.Helper()
	n, err := nodes.Count(context.Background())
	require.NoError(t, err)
	return n
}

var _ backend = (*memory.Store)(nil)
var _ backend = (*bstore.Store)(nil)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
