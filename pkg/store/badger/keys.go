package badger

import (
	"encoding/binary"

	"github.com/marmos91/stategc/pkg/node"
)

var (
	prefixNode      = []byte("n/")
	prefixRefCount  = []byte("r/")
	prefixStale     = []byte("s/")
	prefixStaleHash = []byte("S/")
	prefixMeta      = []byte("m/")
	prefixRoot      = []byte("o/")
	prefixScratch   = []byte("v/")
	keySeq          = []byte("q/seq")
)

func join(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func nodeKey(h node.Hash) []byte    { return join(prefixNode, h[:]) }
func refKey(h node.Hash) []byte     { return join(prefixRefCount, h[:]) }
func scratchKey(h node.Hash) []byte { return join(prefixScratch, h[:]) }
func metaKey(name string) []byte    { return join(prefixMeta, []byte(name)) }
func rootKey(order uint64) []byte   { return join(prefixRoot, be64(order)) }

func staleKey(v uint64, h node.Hash) []byte {
	return join(prefixStale, be64(v), h[:])
}
func staleHashKey(h node.Hash, v uint64) []byte {
	return join(prefixStaleHash, h[:], be64(v))
}

// hashAfterPrefix extracts the hash that follows a fixed prefix.
func hashAfterPrefix(key, prefix []byte) node.Hash {
	var h node.Hash
	copy(h[:], key[len(prefix):])
	return h
}
