package badger

import (
	"context"
	"encoding/binary"
	"errors"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

func (s *Store) GetMeta(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	return out, mapClosed(err)
}

func (s *Store) PutMeta(_ context.Context, key string, value []byte) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Set(metaKey(key), value)
	})
}

func (s *Store) DeleteMeta(_ context.Context, key string) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Delete(metaKey(key))
	})
}

func (s *Store) PutRoot(_ context.Context, order uint64, root node.Hash) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return txn.Set(rootKey(order), root.Bytes())
	})
}

func (s *Store) Root(_ context.Context, order uint64) (node.Hash, error) {
	var h node.Hash
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(rootKey(order))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			copy(h[:], v)
			return nil
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return node.Hash{}, store.ErrNotFound
	}
	return h, mapClosed(err)
}

func (s *Store) LatestRoot(_ context.Context) (store.RootEntry, error) {
	var (
		e     store.RootEntry
		found bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefixRoot
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse iteration seeks to the last key sharing the prefix
		it.Seek(join(prefixRoot, be64(^uint64(0))))
		if !it.Valid() {
			return nil
		}
		var err error
		e, err = decodeRoot(it.Item())
		found = err == nil
		return err
	})
	if err != nil {
		return store.RootEntry{}, mapClosed(err)
	}
	if !found {
		return store.RootEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) Roots(_ context.Context, from, to uint64) ([]store.RootEntry, error) {
	var out []store.RootEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefixRoot
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(rootKey(from)); it.Valid(); it.Next() {
			e, err := decodeRoot(it.Item())
			if err != nil {
				return err
			}
			if e.Order > to {
				break
			}
			out = append(out, e)
		}
		return nil
	})
	return out, mapClosed(err)
}

func decodeRoot(item *badgerdb.Item) (store.RootEntry, error) {
	e := store.RootEntry{Order: binary.BigEndian.Uint64(item.Key()[len(prefixRoot):])}
	err := item.Value(func(v []byte) error {
		var err error
		e.Root, err = node.HashFromBytes(v)
		return err
	})
	return e, err
}
