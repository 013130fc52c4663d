package badger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

const (
	scratchShards = 16
	// scratchFlushAt is the number of pending hashes a shard holds before
	// it spills them to badger.
	scratchFlushAt = 4096
)

// ScratchSet is an exact visited set kept under the v/ prefix, so marker
// memory stays bounded on very large graphs. New hashes collect in a small
// sharded buffer and reach badger in write batches; a hash always maps to
// the same shard, whose lock covers both the lookup and the spill.
type ScratchSet struct {
	s      *Store
	n      atomic.Uint64
	shards [scratchShards]scratchShard
}

type scratchShard struct {
	mu      sync.Mutex
	pending map[node.Hash]struct{}
}

var _ store.ScratchSet = (*ScratchSet)(nil)

// Scratch returns the store's scratch set. Only one mark pass may use it at
// a time.
func (s *Store) Scratch() *ScratchSet {
	x := &ScratchSet{s: s}
	for i := range x.shards {
		x.shards[i].pending = make(map[node.Hash]struct{})
	}
	return x
}

func (x *ScratchSet) Add(_ context.Context, h node.Hash) (bool, error) {
	sh := &x.shards[h[0]%scratchShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.pending[h]; ok {
		return false, nil
	}
	err := x.s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(scratchKey(h))
		return err
	})
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, badgerdb.ErrKeyNotFound):
		return false, mapClosed(err)
	}

	sh.pending[h] = struct{}{}
	x.n.Add(1)
	if len(sh.pending) >= scratchFlushAt {
		if err := x.spill(sh); err != nil {
			return true, err
		}
	}
	return true, nil
}

// spill writes a shard's pending hashes to badger. Callers hold sh.mu.
func (x *ScratchSet) spill(sh *scratchShard) error {
	wb := x.s.db.NewWriteBatch()
	defer wb.Cancel()
	for h := range sh.pending {
		if err := wb.Set(scratchKey(h), nil); err != nil {
			return mapClosed(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return mapClosed(err)
	}
	clear(sh.pending)
	return nil
}

func (x *ScratchSet) Len() uint64 { return x.n.Load() }

func (x *ScratchSet) Clear(context.Context) error {
	for i := range x.shards {
		x.shards[i].mu.Lock()
		defer x.shards[i].mu.Unlock()
		clear(x.shards[i].pending)
	}
	x.n.Store(0)
	return mapClosed(x.s.db.DropPrefix(prefixScratch))
}
