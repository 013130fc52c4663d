// Package store defines the storage contracts the GC runs against: the node
// store shared with the chain writer, and the refcount, stale index, root
// index and metadata stores the GC maintains alongside it.
package store

import (
	"context"
	"errors"

	"github.com/marmos91/stategc/pkg/node"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Entry is a live node key together with the write sequence that last
// stored it.
type Entry struct {
	Hash node.Hash
	Seq  uint64
}

// NodeStore is the content-addressed node store. Writers only ever add or
// rewrite nodes; deletion is reserved to the GC.
//
// Every write stamps the node with a fresh sequence number. Rewriting a node
// that already exists refreshes its sequence, which is how the GC notices a
// node that became referenced again after its mark pass.
type NodeStore interface {
	// Get returns the encoded node or ErrNotFound.
	Get(ctx context.Context, h node.Hash) ([]byte, error)

	// Stat returns the node's current entry or ErrNotFound.
	Stat(ctx context.Context, h node.Hash) (Entry, error)

	// WriteNodes stores all nodes in one atomic batch.
	WriteNodes(ctx context.Context, nodes map[node.Hash][]byte) error

	// DeleteNodes removes nodes unconditionally. Missing keys are ignored.
	DeleteNodes(ctx context.Context, hashes []node.Hash) error

	// DeleteEntries removes each node only if its sequence still equals the
	// entry's, and returns the hashes actually removed.
	DeleteEntries(ctx context.Context, entries []Entry) ([]node.Hash, error)

	// ScanKeys returns up to limit entries in ascending hash order strictly
	// after the cursor. A nil cursor starts from the beginning.
	ScanKeys(ctx context.Context, after *node.Hash, limit int) ([]Entry, error)

	// Watermark returns the highest sequence below which every write has
	// committed.
	Watermark() uint64

	// Count returns the number of stored nodes.
	Count(ctx context.Context) (uint64, error)
}

// RefCountStore keeps one counter per node hash.
type RefCountStore interface {
	// GetRefCount returns 0 for hashes without a counter.
	GetRefCount(ctx context.Context, h node.Hash) (uint32, error)

	// Increment adds one per occurrence of each hash.
	Increment(ctx context.Context, hashes []node.Hash) error

	// Decrement subtracts one and returns what remains. The row is removed
	// when it reaches zero; decrementing a missing row is a no-op.
	Decrement(ctx context.Context, h node.Hash) (uint32, error)

	// RemoveRefCounts drops the counters. Missing rows are ignored.
	RemoveRefCounts(ctx context.Context, hashes []node.Hash) error
}

// StaleEntry records that a node was superseded at Version.
type StaleEntry struct {
	Version uint64
	Hash    node.Hash
}

// StaleIndex is ordered by (Version, Hash).
type StaleIndex interface {
	PutStale(ctx context.Context, entries []StaleEntry) error

	// ScanStale returns up to limit entries with Version < boundary in
	// index order, strictly after the cursor when one is given.
	ScanStale(ctx context.Context, after *StaleEntry, boundary uint64, limit int) ([]StaleEntry, error)

	DeleteStale(ctx context.Context, entries []StaleEntry) error

	// RemoveStaleHashes drops every entry for the given hashes, whatever
	// their version.
	RemoveStaleHashes(ctx context.Context, hashes []node.Hash) error

	CountStale(ctx context.Context) (uint64, error)
}

// Less orders stale entries by version, then hash.
func (e StaleEntry) Less(o StaleEntry) bool {
	if e.Version != o.Version {
		return e.Version < o.Version
	}
	return e.Hash.Compare(o.Hash) < 0
}

// Retirement is the outcome of retiring one stale entry.
type Retirement struct {
	Retired bool   // false when the entry was already gone
	Before  uint32 // refcount before the decrement
	After   uint32 // refcount after the decrement
}

// Unreferenced reports whether this retirement released the last reference.
// A counter that was already missing is drift, not a release.
func (r Retirement) Unreferenced() bool {
	return r.Retired && r.Before == 1 && r.After == 0
}

// StaleRetirer retires one stale entry and decrements its node's refcount
// atomically. Retiring an entry that is already gone changes nothing and
// reports Retired=false, so a crashed pass can be replayed.
type StaleRetirer interface {
	RetireStale(ctx context.Context, e StaleEntry) (Retirement, error)
}

// Ledger bundles the write-time bookkeeping the incremental pruner needs.
type Ledger interface {
	RefCountStore
	StaleIndex
	StaleRetirer
}

// MetaStore holds small GC records such as the current phase.
type MetaStore interface {
	// GetMeta returns ErrNotFound for unknown keys.
	GetMeta(ctx context.Context, key string) ([]byte, error)
	PutMeta(ctx context.Context, key string, value []byte) error
	DeleteMeta(ctx context.Context, key string) error
}

// RootEntry maps a transaction order to its state root.
type RootEntry struct {
	Order uint64
	Root  node.Hash
}

// RootIndex is the tx_order to state_root mapping.
type RootIndex interface {
	PutRoot(ctx context.Context, order uint64, root node.Hash) error

	// Root returns ErrNotFound when no root was recorded at order.
	Root(ctx context.Context, order uint64) (node.Hash, error)

	// LatestRoot returns ErrNotFound on an empty index.
	LatestRoot(ctx context.Context) (RootEntry, error)

	// Roots returns entries with from <= Order <= to, ascending.
	Roots(ctx context.Context, from, to uint64) ([]RootEntry, error)
}

// ScratchSet is an exact visited set that may live on disk.
type ScratchSet interface {
	// Add reports whether h was not yet present.
	Add(ctx context.Context, h node.Hash) (bool, error)
	Len() uint64
	Clear(ctx context.Context) error
}

// Compactor is implemented by stores that can reclaim space after deletes.
type Compactor interface {
	Compact(ctx context.Context) error
}

// LevelProperties describes one LSM level.
type LevelProperties struct {
	Level      int   `json:"level"`
	Tables     int   `json:"tables"`
	Size       int64 `json:"size"`
	TargetSize int64 `json:"target_size"`
}

// Properties are engine statistics used for diagnostics.
type Properties struct {
	LSMSize           int64             `json:"lsm_size"`
	ValueLogSize      int64             `json:"value_log_size"`
	PendingCompaction int64             `json:"pending_compaction"`
	Levels            []LevelProperties `json:"levels,omitempty"`
}

// PropertyReader is implemented by stores that expose engine statistics.
type PropertyReader interface {
	Properties() Properties
}
