package gc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	bloomfilter "github.com/holiman/bloomfilter/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/stategc/pkg/node"
)

// ReachableSet is the output of a mark pass. Contains must never return
// false for a node the pass reached.
type ReachableSet interface {
	Contains(h node.Hash) bool
	Len() uint64
	Kind() Strategy
	// Watermark is the node store write sequence the pass was taken at.
	// Nodes written later are not covered by the set.
	Watermark() uint64
}

const shardCount = 64

// exactSet is a sharded hash set safe for concurrent Add.
type exactSet struct {
	shards    [shardCount]struct {
		mu sync.RWMutex
		m  map[node.Hash]struct{}
	}
	n         atomic.Uint64
	watermark uint64
}

func newExactSet(watermark uint64) *exactSet {
	s := &exactSet{watermark: watermark}
	for i := range s.shards {
		s.shards[i].m = make(map[node.Hash]struct{})
	}
	return s
}

func (s *exactSet) add(h node.Hash) bool {
	sh := &s.shards[h[0]%shardCount]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[h]; ok {
		return false
	}
	sh.m[h] = struct{}{}
	s.n.Add(1)
	return true
}

func (s *exactSet) Contains(h node.Hash) bool {
	sh := &s.shards[h[0]%shardCount]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.m[h]
	return ok
}

func (s *exactSet) Len() uint64       { return s.n.Load() }
func (s *exactSet) Kind() Strategy    { return StrategyInMemory }
func (s *exactSet) Watermark() uint64 { return s.watermark }

// bloomHash maps a node hash onto the filter's 64-bit input. Node hashes are
// uniformly distributed, so any eight bytes will do.
func bloomHash(h node.Hash) uint64 {
	return binary.BigEndian.Uint64(h[8:16])
}

// bloomSet is a Bloom filter over reached hashes. The filter locks
// internally.
type bloomSet struct {
	filter    *bloomfilter.Filter
	n         atomic.Uint64
	watermark uint64
}

func newBloomSet(expected uint64, fpRate float64, watermark uint64) (*bloomSet, error) {
	if expected < 1024 {
		expected = 1024
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	f, err := bloomfilter.NewOptimal(expected, fpRate)
	if err != nil {
		return nil, fmt.Errorf("size bloom filter: %w", err)
	}
	return &bloomSet{filter: f, watermark: watermark}, nil
}

func (s *bloomSet) add(h node.Hash) {
	s.filter.AddHash(bloomHash(h))
	s.n.Add(1)
}

func (s *bloomSet) Contains(h node.Hash) bool {
	return s.filter.ContainsHash(bloomHash(h))
}

func (s *bloomSet) Len() uint64       { return s.n.Load() }
func (s *bloomSet) Kind() Strategy    { return StrategyPersistent }
func (s *bloomSet) Watermark() uint64 { return s.watermark }

// Reach set file layout: magic, format version, kind, watermark, count,
// then a zstd stream holding sorted hashes (exact) or the marshaled filter
// (bloom).
var reachMagic = [4]byte{'R', 'S', 'E', 'T'}

const reachVersion = 1

// ErrBadReachFile is returned when a persisted reachable set is unreadable.
var ErrBadReachFile = errors.New("invalid reachable set file")

// SaveReachableSet writes set to path atomically.
func SaveReachableSet(path string, set ReachableSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := writeReach(f, set); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeReach(w io.Writer, set ReachableSet) error {
	var hdr [4 + 1 + 1 + 8 + 8]byte
	copy(hdr[:4], reachMagic[:])
	hdr[4] = reachVersion
	hdr[5] = byte(set.Kind())
	binary.BigEndian.PutUint64(hdr[6:14], set.Watermark())
	binary.BigEndian.PutUint64(hdr[14:22], set.Len())
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := writeReachBody(zw, set); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func writeReachBody(w io.Writer, set ReachableSet) error {
	switch s := set.(type) {
	case *exactSet:
		hashes := make([]node.Hash, 0, s.Len())
		for i := range s.shards {
			for h := range s.shards[i].m {
				hashes = append(hashes, h)
			}
		}
		slices.SortFunc(hashes, func(a, b node.Hash) int { return bytes.Compare(a[:], b[:]) })
		bw := bufio.NewWriter(w)
		for _, h := range hashes {
			if _, err := bw.Write(h[:]); err != nil {
				return err
			}
		}
		return bw.Flush()
	case *bloomSet:
		blob, err := s.filter.MarshalBinary()
		if err != nil {
			return err
		}
		_, err = w.Write(blob)
		return err
	default:
		return fmt.Errorf("cannot persist reachable set of type %T", set)
	}
}

// LoadReachableSet reads a file written by SaveReachableSet.
func LoadReachableSet(path string) (ReachableSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [22]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadReachFile, err)
	}
	if [4]byte(hdr[:4]) != reachMagic || hdr[4] != reachVersion {
		return nil, fmt.Errorf("%w: bad magic or version", ErrBadReachFile)
	}
	kind := Strategy(hdr[5])
	watermark := binary.BigEndian.Uint64(hdr[6:14])
	count := binary.BigEndian.Uint64(hdr[14:22])

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	switch kind {
	case StrategyInMemory:
		s := newExactSet(watermark)
		var h node.Hash
		br := bufio.NewReader(zr)
		for {
			_, err := io.ReadFull(br, h[:])
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadReachFile, err)
			}
			s.add(h)
		}
		if s.Len() != count {
			return nil, fmt.Errorf("%w: %d hashes, header says %d", ErrBadReachFile, s.Len(), count)
		}
		return s, nil
	case StrategyPersistent:
		blob, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadReachFile, err)
		}
		f := new(bloomfilter.Filter)
		if err := f.UnmarshalBinary(blob); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadReachFile, err)
		}
		s := &bloomSet{filter: f, watermark: watermark}
		s.n.Store(count)
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrBadReachFile, kind)
}
