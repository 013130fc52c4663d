package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// txnChunk bounds the number of read-modify-write keys per transaction.
const txnChunk = 2000

func (s *Store) loadSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keySeq)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("sequence record has %d bytes", len(v))
			}
			seq = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("load write sequence: %w", err)
	}
	return seq, nil
}

// reserve hands out n sequence numbers and marks them in flight until
// release is called.
func (s *Store) reserve(n int) (first uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	first = s.seq + 1
	s.seq += uint64(n)
	s.inflight[first]++
	return first
}

func (s *Store) release(first uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.inflight[first]--; s.inflight[first] <= 0 {
		delete(s.inflight, first)
	}
}

// Watermark returns the highest sequence below which every write has
// committed.
func (s *Store) Watermark() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	w := s.seq
	for first := range s.inflight {
		if first-1 < w {
			w = first - 1
		}
	}
	return w
}

func (s *Store) Get(_ context.Context, h node.Hash) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(nodeKey(h))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) < 8 {
				return fmt.Errorf("node %s: short record", h.Short())
			}
			out = append([]byte(nil), v[8:]...)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return out, mapClosed(err)
}

func (s *Store) Stat(_ context.Context, h node.Hash) (store.Entry, error) {
	e := store.Entry{Hash: h}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(nodeKey(h))
		if err != nil {
			return err
		}
		e.Seq, err = readSeq(item)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return store.Entry{}, store.ErrNotFound
	}
	return e, mapClosed(err)
}

func readSeq(item *badgerdb.Item) (uint64, error) {
	var seq uint64
	err := item.Value(func(v []byte) error {
		if len(v) < 8 {
			return fmt.Errorf("node record too short: %d bytes", len(v))
		}
		seq = binary.BigEndian.Uint64(v[:8])
		return nil
	})
	return seq, err
}

// WriteNodes may span several badger transactions. The sequence is persisted
// before any node so a stored seq never exceeds it, and the reservation keeps
// the watermark below the batch until every chunk has landed.
func (s *Store) WriteNodes(_ context.Context, nodes map[node.Hash][]byte) error {
	if len(nodes) == 0 {
		return nil
	}
	first := s.reserve(len(nodes))
	defer s.release(first)
	last := first + uint64(len(nodes)) - 1

	if err := s.update(func(txn *badgerdb.Txn) error {
		return bumpSeq(txn, last)
	}); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	seq := first
	for h, b := range nodes {
		val := make([]byte, 8+len(b))
		binary.BigEndian.PutUint64(val, seq)
		copy(val[8:], b)
		if err := wb.Set(nodeKey(h), val); err != nil {
			return mapClosed(err)
		}
		seq++
	}
	return mapClosed(wb.Flush())
}

// bumpSeq persists seq unless a concurrent writer already stored a higher
// one. Reading the key makes concurrent bumps conflict and retry.
func bumpSeq(txn *badgerdb.Txn, seq uint64) error {
	item, err := txn.Get(keySeq)
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		var cur uint64
		if err := item.Value(func(v []byte) error {
			cur = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return err
		}
		if cur >= seq {
			return nil
		}
	}
	return txn.Set(keySeq, be64(seq))
}

func (s *Store) DeleteNodes(_ context.Context, hashes []node.Hash) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range hashes {
		if err := wb.Delete(nodeKey(h)); err != nil {
			return mapClosed(err)
		}
	}
	return mapClosed(wb.Flush())
}

func (s *Store) DeleteEntries(ctx context.Context, entries []store.Entry) ([]node.Hash, error) {
	var removed []node.Hash
	for start := 0; start < len(entries); start += txnChunk {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		chunk := entries[start:min(start+txnChunk, len(entries))]
		var got []node.Hash
		err := s.update(func(txn *badgerdb.Txn) error {
			got = got[:0]
			for _, e := range chunk {
				key := nodeKey(e.Hash)
				item, err := txn.Get(key)
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				seq, err := readSeq(item)
				if err != nil {
					return err
				}
				if seq != e.Seq {
					continue
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				got = append(got, e.Hash)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed = append(removed, got...)
	}
	return removed, nil
}

func (s *Store) ScanKeys(_ context.Context, after *node.Hash, limit int) ([]store.Entry, error) {
	out := make([]store.Entry, 0, limit)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefixNode
		opts.PrefetchSize = min(limit, 1000)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefixNode
		var skip []byte
		if after != nil {
			seek = nodeKey(*after)
			skip = seek
		}
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			key := item.Key()
			if skip != nil && bytes.Equal(key, skip) {
				continue
			}
			seq, err := readSeq(item)
			if err != nil {
				return err
			}
			out = append(out, store.Entry{Hash: hashAfterPrefix(key, prefixNode), Seq: seq})
		}
		return nil
	})
	return out, mapClosed(err)
}

func (s *Store) Count(_ context.Context) (uint64, error) {
	return s.countPrefix(prefixNode)
}

func (s *Store) countPrefix(prefix []byte) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, mapClosed(err)
}
