package export

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store"
)

// Node dump layout, inside one zstd stream: magic, version, then one
// record per node: hash, uvarint length, encoded node.
var dumpMagic = [4]byte{'S', 'G', 'N', 'D'}

const (
	dumpVersion  = 1
	dumpScanSize = 1024
	maxDumpNode  = 16 << 20

	// DumpFile is the object name of the node dump next to snapshot.json.
	DumpFile = "nodes.zst"
)

// ErrBadDump is returned for streams not written by WriteDump.
var ErrBadDump = errors.New("invalid node dump")

// WriteDump streams every node of src to w in hash order and returns the
// number written.
func WriteDump(ctx context.Context, w io.Writer, src store.NodeStore) (uint64, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(zw)
	if _, err := bw.Write(append(dumpMagic[:], dumpVersion)); err != nil {
		return 0, err
	}

	var (
		n      uint64
		after  *node.Hash
		lenBuf [binary.MaxVarintLen64]byte
	)
	for {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return n, err
		}
		entries, err := src.ScanKeys(ctx, after, dumpScanSize)
		if err != nil {
			_ = zw.Close()
			return n, err
		}
		for _, e := range entries {
			raw, err := src.Get(ctx, e.Hash)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				_ = zw.Close()
				return n, err
			}
			k := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
			if _, err := bw.Write(e.Hash[:]); err != nil {
				return n, err
			}
			if _, err := bw.Write(lenBuf[:k]); err != nil {
				return n, err
			}
			if _, err := bw.Write(raw); err != nil {
				return n, err
			}
			n++
		}
		if len(entries) < dumpScanSize {
			break
		}
		last := entries[len(entries)-1].Hash
		after = &last
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	return n, zw.Close()
}

// ReadDump calls fn for every node in a stream written by WriteDump. Each
// node's hash is checked against its content.
func ReadDump(r io.Reader, fn func(h node.Hash, raw []byte) error) (uint64, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var hdr [5]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: header: %v", ErrBadDump, err)
	}
	if [4]byte(hdr[:4]) != dumpMagic || hdr[4] != dumpVersion {
		return 0, fmt.Errorf("%w: bad magic or version", ErrBadDump)
	}

	var n uint64
	for {
		var h node.Hash
		if _, err := io.ReadFull(br, h[:]); errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("%w: record %d: %v", ErrBadDump, n, err)
		}
		size, err := binary.ReadUvarint(br)
		if err != nil {
			return n, fmt.Errorf("%w: record %d length: %v", ErrBadDump, n, err)
		}
		if size > maxDumpNode {
			return n, fmt.Errorf("%w: record %d is %d bytes", ErrBadDump, n, size)
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(br, raw); err != nil {
			return n, fmt.Errorf("%w: record %d body: %v", ErrBadDump, n, err)
		}
		if node.HashBytes(raw) != h {
			return n, fmt.Errorf("%w: record %d hash mismatch for %s", ErrBadDump, n, h.Short())
		}
		if err := fn(h, raw); err != nil {
			return n, err
		}
		n++
	}
}
