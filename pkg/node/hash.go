package node

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a node hash in bytes.
const HashSize = 32

// Hash identifies a node by the BLAKE3 digest of its encoded bytes.
type Hash [HashSize]byte

// ZeroHash stands for the empty tree. It is never stored and never
// traversed.
var ZeroHash Hash

// HashBytes returns the hash of encoded node bytes.
func HashBytes(b []byte) Hash {
	return blake3.Sum256(b)
}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	v, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHash decodes a 64 character hex string, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*HashSize {
		return Hash{}, fmt.Errorf("hash %q: want %d hex characters, got %d", s, 2*HashSize, len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies a 32 byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash: want %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}
