// Package tree is a small versioned binary Merkle trie used to generate
// realistic node graphs: demo data for the CLI and fixtures for tests. It is
// not a production tree engine.
//
// Keys are placed by the bits of their BLAKE3 hash, each leaf at the
// shortest prefix that separates it from its neighbours. A leaf may carry a
// nested trie whose root it references.
//
// The writer keeps the bookkeeping the pruner relies on: a node's refcount
// is raised each time it enters the tree, and a stale entry is recorded at
// the version in which it leaves.
package tree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// Entry is the value stored under a key.
type Entry struct {
	Value  []byte
	Nested map[string][]byte // optional nested trie
}

// Change is one mutation applied by Commit.
type Change struct {
	Key    string
	Value  []byte
	Nested map[string][]byte
	Delete bool
}

// Put is shorthand for a plain write.
func Put(key string, value []byte) Change {
	return Change{Key: key, Value: value}
}

// Del is shorthand for a delete.
func Del(key string) Change {
	return Change{Key: key, Delete: true}
}

type item struct {
	path  [32]byte
	key   string
	entry Entry
}

func bit(p [32]byte, depth int) uint8 {
	return (p[depth/8] >> (7 - uint(depth%8))) & 1
}

// Build computes the trie for entries without touching a store. It returns
// the root and every node of the trie, keyed by hash. An empty map yields
// the zero hash and no nodes.
func Build(entries map[string]Entry) (node.Hash, map[node.Hash][]byte, error) {
	out := make(map[node.Hash][]byte)
	root, err := build(entries, out)
	return root, out, err
}

func build(entries map[string]Entry, out map[node.Hash][]byte) (node.Hash, error) {
	if len(entries) == 0 {
		return node.ZeroHash, nil
	}
	items := make([]item, 0, len(entries))
	for k, e := range entries {
		items = append(items, item{path: blake3.Sum256([]byte(k)), key: k, entry: e})
	}
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].path[:], items[j].path[:]) < 0
	})
	return buildAt(items, 0, out)
}

func buildAt(items []item, depth int, out map[node.Hash][]byte) (node.Hash, error) {
	if len(items) == 1 {
		it := items[0]
		var nestedRoot *node.Hash
		if len(it.entry.Nested) > 0 {
			nested := make(map[string]Entry, len(it.entry.Nested))
			for k, v := range it.entry.Nested {
				nested[k] = Entry{Value: v}
			}
			r, err := build(nested, out)
			if err != nil {
				return node.Hash{}, err
			}
			nestedRoot = &r
		}
		return put(node.NewLeaf([]byte(it.key), it.entry.Value, nestedRoot), out)
	}
	if depth >= 256 {
		return node.Hash{}, fmt.Errorf("keys %q and %q collide", items[0].key, items[1].key)
	}
	split := sort.Search(len(items), func(i int) bool { return bit(items[i].path, depth) == 1 })
	var children []node.Child
	for b, part := range [2][]item{items[:split], items[split:]} {
		if len(part) == 0 {
			continue
		}
		h, err := buildAt(part, depth+1, out)
		if err != nil {
			return node.Hash{}, err
		}
		children = append(children, node.Child{Bit: uint8(b), Hash: h})
	}
	return put(node.NewInternal(children...), out)
}

func put(n *node.Node, out map[node.Hash][]byte) (node.Hash, error) {
	h, b, err := n.Hash()
	if err != nil {
		return node.Hash{}, err
	}
	out[h] = b
	return h, nil
}

// Ledger is the bookkeeping a Writer maintains next to the nodes.
type Ledger interface {
	store.RefCountStore
	StalePutter
}

// StalePutter records stale entries.
type StalePutter interface {
	PutStale(ctx context.Context, entries []store.StaleEntry) error
}

// Writer commits versions of one trie.
type Writer struct {
	nodes  store.NodeStore
	ledger Ledger
	roots  store.RootIndex

	// WriteBatch bounds the nodes per WriteNodes call. Zero writes each
	// version in one batch.
	WriteBatch int

	order     uint64
	committed bool
	root      node.Hash
	state     map[string]Entry
	live      map[node.Hash]struct{}
}

// Open resumes the trie at the latest recorded root, or starts empty.
func Open(ctx context.Context, nodes store.NodeStore, ledger Ledger, roots store.RootIndex) (*Writer, error) {
	w := &Writer{
		nodes:  nodes,
		ledger: ledger,
		roots:  roots,
		state:  make(map[string]Entry),
		live:   make(map[node.Hash]struct{}),
	}
	latest, err := roots.LatestRoot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest root: %w", err)
	}
	w.order, w.root, w.committed = latest.Order, latest.Root, true
	if err := w.load(ctx, latest.Root, w.state); err != nil {
		return nil, fmt.Errorf("load trie at order %d: %w", latest.Order, err)
	}
	return w, nil
}

func (w *Writer) load(ctx context.Context, h node.Hash, into map[string]Entry) error {
	if h.IsZero() {
		return nil
	}
	w.live[h] = struct{}{}
	b, err := w.nodes.Get(ctx, h)
	if err != nil {
		return err
	}
	n, err := node.Decode(b)
	if err != nil {
		return err
	}
	switch n.Kind {
	case node.KindInternal:
		for _, c := range n.Children {
			if err := w.load(ctx, c.Hash, into); err != nil {
				return err
			}
		}
	case node.KindLeaf:
		e := Entry{Value: n.Value}
		if n.NestedRoot != nil {
			e.Nested = make(map[string][]byte)
			nested := make(map[string]Entry)
			if err := w.load(ctx, *n.NestedRoot, nested); err != nil {
				return err
			}
			for k, v := range nested {
				e.Nested[k] = v.Value
			}
		}
		into[string(n.Key)] = e
	}
	return nil
}

func (w *Writer) Root() node.Hash { return w.root }
func (w *Writer) Order() uint64   { return w.order }
func (w *Writer) Len() int        { return len(w.state) }

// Keys returns the current keys in sorted order.
func (w *Writer) Keys() []string {
	return slices.Sorted(maps.Keys(w.state))
}

// Commit applies changes as version order and returns the new root. order
// must be greater than the previous one.
func (w *Writer) Commit(ctx context.Context, order uint64, changes []Change) (node.Hash, error) {
	if w.committed && order <= w.order {
		return node.Hash{}, fmt.Errorf("order %d is not after %d", order, w.order)
	}
	next := maps.Clone(w.state)
	for _, c := range changes {
		if c.Delete {
			delete(next, c.Key)
			continue
		}
		next[c.Key] = Entry{Value: c.Value, Nested: c.Nested}
	}
	root, all, err := Build(next)
	if err != nil {
		return node.Hash{}, err
	}

	added := make(map[node.Hash][]byte)
	for h, b := range all {
		if _, ok := w.live[h]; !ok {
			added[h] = b
		}
	}
	var stale []store.StaleEntry
	for h := range w.live {
		if _, ok := all[h]; !ok {
			stale = append(stale, store.StaleEntry{Version: order, Hash: h})
		}
	}

	if err := w.write(ctx, added); err != nil {
		return node.Hash{}, fmt.Errorf("write nodes: %w", err)
	}
	hashes := slices.Collect(maps.Keys(added))
	if err := w.ledger.Increment(ctx, hashes); err != nil {
		return node.Hash{}, fmt.Errorf("increment refcounts: %w", err)
	}
	if err := w.ledger.PutStale(ctx, stale); err != nil {
		return node.Hash{}, fmt.Errorf("record stale nodes: %w", err)
	}
	if err := w.roots.PutRoot(ctx, order, root); err != nil {
		return node.Hash{}, fmt.Errorf("record root: %w", err)
	}

	live := make(map[node.Hash]struct{}, len(all))
	for h := range all {
		live[h] = struct{}{}
	}
	w.state, w.live, w.root, w.order, w.committed = next, live, root, order, true

	logger.DebugCtx(ctx, "tree: committed",
		logger.KeyTxOrder, order,
		logger.KeyRoot, root.Short(),
		"added", len(added),
		"stale", len(stale))
	return root, nil
}

func (w *Writer) write(ctx context.Context, nodes map[node.Hash][]byte) error {
	if w.WriteBatch <= 0 || len(nodes) <= w.WriteBatch {
		return w.nodes.WriteNodes(ctx, nodes)
	}
	batch := make(map[node.Hash][]byte, w.WriteBatch)
	for h, b := range nodes {
		batch[h] = b
		if len(batch) == w.WriteBatch {
			if err := w.nodes.WriteNodes(ctx, batch); err != nil {
				return err
			}
			batch = make(map[node.Hash][]byte, w.WriteBatch)
		}
	}
	if len(batch) > 0 {
		return w.nodes.WriteNodes(ctx, batch)
	}
	return nil
}

// Collect walks the store from root and returns every reachable hash,
// following children and nested roots.
func Collect(ctx context.Context, nodes store.NodeStore, roots ...node.Hash) (map[node.Hash]struct{}, error) {
	seen := make(map[node.Hash]struct{})
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.IsZero() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		b, err := nodes.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", h.Short(), err)
		}
		n, err := node.Decode(b)
		if err != nil {
			return nil, err
		}
		stack = append(stack, n.Refs()...)
	}
	return seen, nil
}
