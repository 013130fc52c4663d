// Package badger implements the node store and all GC bookkeeping stores on
// a single BadgerDB instance, so related updates share one transaction.
//
// Key layout:
//
//	n/{hash}              -> seq (8 bytes BE) || encoded node
//	r/{hash}              -> refcount (4 bytes BE)
//	s/{version BE}{hash}  -> stale entry, version order
//	S/{hash}{version BE}  -> stale entry, hash order
//	m/{name}              -> GC metadata record
//	o/{order BE}          -> state root
//	q/seq                 -> last issued write sequence
//	v/{hash}              -> marker scratch set
//	b/{hash}              -> recycle bin record (see package recyclebin)
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/pkg/store"
)

// Config selects where and how the database is opened.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store is a BadgerDB-backed implementation of every store contract.
type Store struct {
	db   *badgerdb.DB
	path string

	seqMu    sync.Mutex
	seq      uint64
	inflight map[uint64]int // reservation start -> outstanding writers
}

var (
	_ store.NodeStore      = (*Store)(nil)
	_ store.Ledger         = (*Store)(nil)
	_ store.MetaStore      = (*Store)(nil)
	_ store.RootIndex      = (*Store)(nil)
	_ store.Compactor      = (*Store)(nil)
	_ store.PropertyReader = (*Store)(nil)
)

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path is required unless in_memory is set")
	}
	opts := badgerdb.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badgerdb.WARNING)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}
	s := &Store{db: db, path: cfg.Path, inflight: make(map[uint64]int)}
	if s.seq, err = s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("badger store opened", logger.KeyPath, cfg.Path, "in_memory", cfg.InMemory, "seq", s.seq)
	return s, nil
}

// OpenInMemory is a convenience for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// DB exposes the underlying handle for packages that keep their own key
// space in the same database, such as the recycle bin.
func (s *Store) DB() *badgerdb.DB { return s.db }

// Path returns the directory the store was opened at, empty in memory.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// Healthcheck verifies the database still serves reads.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return store.ErrStoreClosed
	}
	return s.db.View(func(*badgerdb.Txn) error { return nil })
}

const maxConflictRetries = 16

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	return Update(s.db, fn)
}

// Update runs fn in a read-write transaction on db, retrying when badger
// reports a conflict with a concurrent transaction.
func Update(db *badgerdb.DB, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return mapClosed(err)
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}

func mapClosed(err error) error {
	if errors.Is(err, badgerdb.ErrDBClosed) {
		return store.ErrStoreClosed
	}
	return err
}

// Properties reports LSM and value log sizes and a compaction backlog
// estimate: bytes above each level's target size.
func (s *Store) Properties() store.Properties {
	lsm, vlog := s.db.Size()
	p := store.Properties{LSMSize: lsm, ValueLogSize: vlog}
	for _, l := range s.db.Levels() {
		p.Levels = append(p.Levels, store.LevelProperties{
			Level:      l.Level,
			Tables:     l.NumTables,
			Size:       l.Size,
			TargetSize: l.TargetSize,
		})
		if l.TargetSize > 0 && l.Size > l.TargetSize {
			p.PendingCompaction += l.Size - l.TargetSize
		}
	}
	return p
}

// Compact flattens the LSM tree and garbage collects the value log until
// nothing is left to rewrite.
func (s *Store) Compact(ctx context.Context) error {
	start := time.Now()
	if err := s.db.Flatten(2); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	rewrites := 0
	for ctx.Err() == nil {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badgerdb.ErrNoRewrite) || errors.Is(err, badgerdb.ErrGCInMemoryMode) {
			break
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
		rewrites++
	}
	logger.Info("badger: compaction finished", "vlog_rewrites", rewrites, logger.KeyDurationMs, logger.Duration(start))
	return ctx.Err()
}

// badgerLogger routes badger's own messages through the process logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any)   { logger.Error("badger: " + trim(fmt.Sprintf(f, v...))) }
func (badgerLogger) Warningf(f string, v ...any) { logger.Warn("badger: " + trim(fmt.Sprintf(f, v...))) }
func (badgerLogger) Infof(f string, v ...any)    { logger.Debug("badger: " + trim(fmt.Sprintf(f, v...))) }
func (badgerLogger) Debugf(f string, v ...any)   { logger.Debug("badger: " + trim(fmt.Sprintf(f, v...))) }

func trim(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
