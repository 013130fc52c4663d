package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

func getCount(txn *badgerdb.Txn, h node.Hash) (uint32, error) {
	item, err := txn.Get(refKey(h))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var c uint32
	err = item.Value(func(v []byte) error {
		c = binary.BigEndian.Uint32(v)
		return nil
	})
	return c, err
}

func setCount(txn *badgerdb.Txn, h node.Hash, c uint32) error {
	if c == 0 {
		return txn.Delete(refKey(h))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], c)
	return txn.Set(refKey(h), b[:])
}

func (s *Store) GetRefCount(_ context.Context, h node.Hash) (uint32, error) {
	var c uint32
	err := s.db.View(func(txn *badgerdb.Txn) (err error) {
		c, err = getCount(txn, h)
		return err
	})
	return c, mapClosed(err)
}

func (s *Store) Increment(ctx context.Context, hashes []node.Hash) error {
	counts := make(map[node.Hash]uint32, len(hashes))
	for _, h := range hashes {
		counts[h]++
	}
	keys := make([]node.Hash, 0, len(counts))
	for h := range counts {
		keys = append(keys, h)
	}
	for start := 0; start < len(keys); start += txnChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := keys[start:min(start+txnChunk, len(keys))]
		err := s.update(func(txn *badgerdb.Txn) error {
			for _, h := range chunk {
				c, err := getCount(txn, h)
				if err != nil {
					return err
				}
				if err := setCount(txn, h, c+counts[h]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Decrement(_ context.Context, h node.Hash) (uint32, error) {
	var left uint32
	err := s.update(func(txn *badgerdb.Txn) error {
		c, err := getCount(txn, h)
		if err != nil || c == 0 {
			left = 0
			return err
		}
		left = c - 1
		return setCount(txn, h, left)
	})
	return left, err
}

func (s *Store) RemoveRefCounts(_ context.Context, hashes []node.Hash) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range hashes {
		if err := wb.Delete(refKey(h)); err != nil {
			return mapClosed(err)
		}
	}
	return mapClosed(wb.Flush())
}

func (s *Store) PutStale(_ context.Context, entries []store.StaleEntry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(staleKey(e.Version, e.Hash), nil); err != nil {
			return mapClosed(err)
		}
		if err := wb.Set(staleHashKey(e.Hash, e.Version), nil); err != nil {
			return mapClosed(err)
		}
	}
	return mapClosed(wb.Flush())
}

func (s *Store) ScanStale(_ context.Context, after *store.StaleEntry, boundary uint64, limit int) ([]store.StaleEntry, error) {
	var out []store.StaleEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefixStale
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefixStale
		var skip []byte
		if after != nil {
			seek = staleKey(after.Version, after.Hash)
			skip = seek
		}
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			if skip != nil && bytes.Equal(it.Item().Key(), skip) {
				continue
			}
			key := it.Item().Key()[len(prefixStale):]
			v := binary.BigEndian.Uint64(key[:8])
			if v >= boundary {
				break
			}
			var h node.Hash
			copy(h[:], key[8:])
			out = append(out, store.StaleEntry{Version: v, Hash: h})
		}
		return nil
	})
	return out, mapClosed(err)
}

func (s *Store) DeleteStale(_ context.Context, entries []store.StaleEntry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Delete(staleKey(e.Version, e.Hash)); err != nil {
			return mapClosed(err)
		}
		if err := wb.Delete(staleHashKey(e.Hash, e.Version)); err != nil {
			return mapClosed(err)
		}
	}
	return mapClosed(wb.Flush())
}

func (s *Store) RemoveStaleHashes(ctx context.Context, hashes []node.Hash) error {
	var entries []store.StaleEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		for _, h := range hashes {
			opts.Prefix = join(prefixStaleHash, h[:])
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				k := it.Item().Key()
				entries = append(entries, store.StaleEntry{Version: binary.BigEndian.Uint64(k[len(k)-8:]), Hash: h})
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return mapClosed(err)
	}
	return s.DeleteStale(ctx, entries)
}

func (s *Store) CountStale(_ context.Context) (uint64, error) {
	return s.countPrefix(prefixStale)
}

// RetireStale removes the stale entry and decrements the refcount in one
// transaction. A missing entry means a previous attempt already committed.
func (s *Store) RetireStale(_ context.Context, e store.StaleEntry) (store.Retirement, error) {
	var r store.Retirement
	err := s.update(func(txn *badgerdb.Txn) error {
		c, err := getCount(txn, e.Hash)
		if err != nil {
			return err
		}
		r = store.Retirement{Before: c, After: c}
		_, err = txn.Get(staleKey(e.Version, e.Hash))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(staleKey(e.Version, e.Hash)); err != nil {
			return err
		}
		if err := txn.Delete(staleHashKey(e.Hash, e.Version)); err != nil {
			return err
		}
		if c > 0 {
			r.After = c - 1
			if err := setCount(txn, e.Hash, r.After); err != nil {
				return err
			}
		}
		r.Retired = true
		return nil
	})
	return r, err
}
