// Package recyclebin holds soft-deleted node payloads so a sweep can be
// undone during a grace window. Records live under the b/ prefix of the
// same BadgerDB instance as the node store.
//
// A hash is never meant to be both live and in the bin. The sweeper writes
// the record before deleting the live key; if a crash lands between the two
// writes the node is treated as already deleted, and the next mark pass
// decides its fate from reachability alone.
package recyclebin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/codec"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

var prefix = []byte("b/")

// Record is one soft-deleted node payload.
type Record struct {
	Bytes      []byte    `cbor:"1,keyasint" json:"-"`
	InsertedAt time.Time `cbor:"2,keyasint" json:"inserted_at"`
	TxOrder    uint64    `cbor:"3,keyasint" json:"tx_order"`
	Size       uint64    `cbor:"4,keyasint" json:"size"`
}

// Entry pairs a record with its node hash.
type Entry struct {
	Hash node.Hash `json:"hash"`
	Record
}

// Filter narrows ListEntries and DeleteEntries. Zero fields are ignored.
type Filter struct {
	OlderThan time.Time // inserted strictly before
	NewerThan time.Time // inserted strictly after
	MinSize   uint64    // size strictly greater than
	MaxSize   uint64    // size at most
}

// Match reports whether r passes every set criterion. A nil filter
// matches everything.
func (f *Filter) Match(r Record) bool {
	if f == nil {
		return true
	}
	if !f.OlderThan.IsZero() && !r.InsertedAt.Before(f.OlderThan) {
		return false
	}
	if !f.NewerThan.IsZero() && !r.InsertedAt.After(f.NewerThan) {
		return false
	}
	if f.MinSize > 0 && r.Size <= f.MinSize {
		return false
	}
	if f.MaxSize > 0 && r.Size > f.MaxSize {
		return false
	}
	return true
}

// Bin is the recycle bin store.
type Bin struct {
	db  *badgerdb.DB
	now func() time.Time
}

// Option configures a Bin.
type Option func(*Bin)

// WithClock overrides the insertion clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bin) { b.now = now }
}

func New(db *badgerdb.DB, opts ...Option) *Bin {
	b := &Bin{db: db, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func key(h node.Hash) []byte {
	return append(append([]byte(nil), prefix...), h[:]...)
}

// CreateRecord wraps a payload removed at txOrder.
func (b *Bin) CreateRecord(data []byte, txOrder uint64) Record {
	return Record{
		Bytes:      append([]byte(nil), data...),
		InsertedAt: b.now().UTC(),
		TxOrder:    txOrder,
		Size:       uint64(len(data)),
	}
}

// PutRecord inserts or replaces the record for h.
func (b *Bin) PutRecord(ctx context.Context, h node.Hash, r Record) error {
	return b.PutRecords(ctx, map[node.Hash]Record{h: r})
}

// PutRecords upserts many records. Large batches are split across
// transactions; each record lands whole.
func (b *Bin) PutRecords(_ context.Context, records map[node.Hash]Record) error {
	if len(records) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for h, r := range records {
		val, err := codec.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode recycle record %s: %w", h.Short(), err)
		}
		if err := wb.Set(key(h), val); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// GetRecord returns the record for h and whether it exists.
func (b *Bin) GetRecord(_ context.Context, h node.Hash) (Record, bool, error) {
	var r Record
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(h))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return codec.Unmarshal(v, &r) })
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// DeleteRecord removes h and reports whether it was present.
func (b *Bin) DeleteRecord(_ context.Context, h node.Hash) (bool, error) {
	found := false
	err := bstore.Update(b.db, func(txn *badgerdb.Txn) error {
		found = false
		_, err := txn.Get(key(h))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return txn.Delete(key(h))
	})
	return found, err
}

// DeleteRecords removes every given hash, ignoring missing ones.
func (b *Bin) DeleteRecords(_ context.Context, hashes []node.Hash) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range hashes {
		if err := wb.Delete(key(h)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// scan calls fn for each matching record in hash order until fn returns
// false or limit matches were visited. limit <= 0 means no limit.
func (b *Bin) scan(ctx context.Context, f *Filter, limit int, withBytes bool, fn func(Entry) bool) error {
	return b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		matched := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var e Entry
			copy(e.Hash[:], item.Key()[len(prefix):])
			if err := item.Value(func(v []byte) error { return codec.Unmarshal(v, &e.Record) }); err != nil {
				return fmt.Errorf("decode recycle record %s: %w", e.Hash.Short(), err)
			}
			if !f.Match(e.Record) {
				continue
			}
			if !withBytes {
				e.Bytes = nil
			}
			matched++
			if !fn(e) || (limit > 0 && matched >= limit) {
				return nil
			}
		}
		return nil
	})
}

// ListEntries returns matching entries without their payload bytes.
func (b *Bin) ListEntries(ctx context.Context, f *Filter, limit int) ([]Entry, error) {
	var out []Entry
	err := b.scan(ctx, f, limit, false, func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// DeleteEntries purges matching entries and returns how many were removed.
func (b *Bin) DeleteEntries(ctx context.Context, f *Filter, limit int) (int, error) {
	var victims []node.Hash
	err := b.scan(ctx, f, limit, false, func(e Entry) bool {
		victims = append(victims, e.Hash)
		return true
	})
	if err != nil {
		return 0, err
	}
	if err := b.DeleteRecords(ctx, victims); err != nil {
		return 0, err
	}
	if len(victims) > 0 {
		logger.Info("recycle bin: purged entries", logger.KeyCount, len(victims))
	}
	return len(victims), nil
}

// PurgeExpired removes entries inserted more than retention ago.
func (b *Bin) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return b.DeleteEntries(ctx, &Filter{OlderThan: b.now().Add(-retention)}, 0)
}

// ErrCorruptRecord is returned by Restore when the payload no longer
// matches its hash.
var ErrCorruptRecord = errors.New("recycle record does not match its hash")

// Restore writes the payload back to the live store and then drops the
// record. Restoring a hash that is not in the bin returns store.ErrNotFound.
func (b *Bin) Restore(ctx context.Context, h node.Hash, nodes store.NodeStore) error {
	r, ok, err := b.GetRecord(ctx, h)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	if got := node.HashBytes(r.Bytes); !bytes.Equal(got[:], h[:]) {
		return fmt.Errorf("%w: %s", ErrCorruptRecord, h)
	}
	if err := nodes.WriteNodes(ctx, map[node.Hash][]byte{h: r.Bytes}); err != nil {
		return fmt.Errorf("restore %s: %w", h.Short(), err)
	}
	_, err = b.DeleteRecord(ctx, h)
	return err
}

// Stats summarizes the bin's content.
type Stats struct {
	Entries uint64    `json:"entries"`
	Bytes   uint64    `json:"bytes"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Newest  time.Time `json:"newest,omitempty"`
}

func (b *Bin) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.scan(ctx, nil, 0, false, func(e Entry) bool {
		s.Entries++
		s.Bytes += e.Size
		if s.Oldest.IsZero() || e.InsertedAt.Before(s.Oldest) {
			s.Oldest = e.InsertedAt
		}
		if e.InsertedAt.After(s.Newest) {
			s.Newest = e.InsertedAt
		}
		return true
	})
	return s, err
}
