// Package memory is an in-memory implementation of every store contract,
// used by tests and by the marker's InMemory scratch space.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

type stored struct {
	data []byte
	seq  uint64
}

// Store keeps nodes, refcounts, stale entries, roots and metadata in maps.
type Store struct {
	mu     sync.RWMutex
	closed bool

	nodes  map[node.Hash]stored
	sorted []node.Hash // rebuilt lazily for ScanKeys
	dirty  bool
	seq    uint64

	refs    map[node.Hash]uint32
	stale   map[store.StaleEntry]struct{}
	byHash  map[node.Hash]map[uint64]struct{}
	roots   map[uint64]node.Hash
	meta    map[string][]byte
	deletes uint64
}

var (
	_ store.NodeStore  = (*Store)(nil)
	_ store.Ledger     = (*Store)(nil)
	_ store.MetaStore  = (*Store)(nil)
	_ store.RootIndex  = (*Store)(nil)
	_ store.ScratchSet = (*ScratchSet)(nil)
)

func New() *Store {
	return &Store{
		nodes:  make(map[node.Hash]stored),
		refs:   make(map[node.Hash]uint32),
		stale:  make(map[store.StaleEntry]struct{}),
		byHash: make(map[node.Hash]map[uint64]struct{}),
		roots:  make(map[uint64]node.Hash),
		meta:   make(map[string][]byte),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// ---- nodes ----

func (s *Store) Get(_ context.Context, h node.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	n, ok := s.nodes[h]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(n.data), nil
}

func (s *Store) Stat(_ context.Context, h node.Hash) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Entry{}, store.ErrStoreClosed
	}
	n, ok := s.nodes[h]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	return store.Entry{Hash: h, Seq: n.seq}, nil
}

func (s *Store) WriteNodes(_ context.Context, nodes map[node.Hash][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	for h, b := range nodes {
		s.seq++
		if _, ok := s.nodes[h]; !ok {
			s.dirty = true
		}
		s.nodes[h] = stored{data: clone(b), seq: s.seq}
	}
	return nil
}

func (s *Store) DeleteNodes(_ context.Context, hashes []node.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	for _, h := range hashes {
		if _, ok := s.nodes[h]; ok {
			delete(s.nodes, h)
			s.dirty = true
			s.deletes++
		}
	}
	return nil
}

func (s *Store) DeleteEntries(_ context.Context, entries []store.Entry) ([]node.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	var removed []node.Hash
	for _, e := range entries {
		if n, ok := s.nodes[e.Hash]; ok && n.seq == e.Seq {
			delete(s.nodes, e.Hash)
			s.dirty = true
			s.deletes++
			removed = append(removed, e.Hash)
		}
	}
	return removed, nil
}

func (s *Store) ScanKeys(_ context.Context, after *node.Hash, limit int) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	if s.dirty {
		s.sorted = s.sorted[:0]
		for h := range s.nodes {
			s.sorted = append(s.sorted, h)
		}
		sort.Slice(s.sorted, func(i, j int) bool { return bytes.Compare(s.sorted[i][:], s.sorted[j][:]) < 0 })
		s.dirty = false
	}

	start := 0
	if after != nil {
		start = sort.Search(len(s.sorted), func(i int) bool { return bytes.Compare(s.sorted[i][:], after[:]) > 0 })
	}
	out := make([]store.Entry, 0, min(limit, len(s.sorted)-start))
	for _, h := range s.sorted[start:] {
		if len(out) == limit {
			break
		}
		out = append(out, store.Entry{Hash: h, Seq: s.nodes[h].seq})
	}
	return out, nil
}

func (s *Store) Watermark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) Count(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.nodes)), nil
}

// Deletes returns how many nodes were ever removed. Tests use it to prove a
// resumed sweep does not delete twice.
func (s *Store) Deletes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deletes
}

// ---- refcounts ----

func (s *Store) GetRefCount(_ context.Context, h node.Hash) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[h], nil
}

func (s *Store) Increment(_ context.Context, hashes []node.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		s.refs[h]++
	}
	return nil
}

func (s *Store) Decrement(_ context.Context, h node.Hash) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementLocked(h), nil
}

func (s *Store) decrementLocked(h node.Hash) uint32 {
	c, ok := s.refs[h]
	if !ok {
		return 0
	}
	if c <= 1 {
		delete(s.refs, h)
		return 0
	}
	s.refs[h] = c - 1
	return c - 1
}

func (s *Store) RemoveRefCounts(_ context.Context, hashes []node.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		delete(s.refs, h)
	}
	return nil
}

// ---- stale index ----

func (s *Store) PutStale(_ context.Context, entries []store.StaleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.stale[e] = struct{}{}
		vs := s.byHash[e.Hash]
		if vs == nil {
			vs = make(map[uint64]struct{})
			s.byHash[e.Hash] = vs
		}
		vs[e.Version] = struct{}{}
	}
	return nil
}

func (s *Store) ScanStale(_ context.Context, after *store.StaleEntry, boundary uint64, limit int) ([]store.StaleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.StaleEntry
	for e := range s.stale {
		if e.Version < boundary && (after == nil || after.Less(e)) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteStale(_ context.Context, entries []store.StaleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.deleteStaleLocked(e)
	}
	return nil
}

func (s *Store) deleteStaleLocked(e store.StaleEntry) bool {
	if _, ok := s.stale[e]; !ok {
		return false
	}
	delete(s.stale, e)
	if vs := s.byHash[e.Hash]; vs != nil {
		delete(vs, e.Version)
		if len(vs) == 0 {
			delete(s.byHash, e.Hash)
		}
	}
	return true
}

func (s *Store) RemoveStaleHashes(_ context.Context, hashes []node.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		for v := range s.byHash[h] {
			delete(s.stale, store.StaleEntry{Version: v, Hash: h})
		}
		delete(s.byHash, h)
	}
	return nil
}

func (s *Store) CountStale(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.stale)), nil
}

func (s *Store) RetireStale(_ context.Context, e store.StaleEntry) (store.Retirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.refs[e.Hash]
	if !s.deleteStaleLocked(e) {
		return store.Retirement{Before: before, After: before}, nil
	}
	return store.Retirement{Retired: true, Before: before, After: s.decrementLocked(e.Hash)}, nil
}

// ---- meta ----

func (s *Store) GetMeta(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(v), nil
}

func (s *Store) PutMeta(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = clone(value)
	return nil
}

func (s *Store) DeleteMeta(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, key)
	return nil
}

// ---- roots ----

func (s *Store) PutRoot(_ context.Context, order uint64, root node.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[order] = root
	return nil
}

func (s *Store) Root(_ context.Context, order uint64) (node.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roots[order]
	if !ok {
		return node.Hash{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) LatestRoot(context.Context) (store.RootEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  store.RootEntry
		found bool
	)
	for o, r := range s.roots {
		if !found || o > best.Order {
			best, found = store.RootEntry{Order: o, Root: r}, true
		}
	}
	if !found {
		return store.RootEntry{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) Roots(_ context.Context, from, to uint64) ([]store.RootEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.RootEntry
	for o, r := range s.roots {
		if o >= from && o <= to {
			out = append(out, store.RootEntry{Order: o, Root: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
