// Package node defines the persisted Merkle node format: a one byte kind tag
// followed by a deterministic CBOR body. A node's key is the hash of those
// bytes.
package node

import (
	"errors"
	"fmt"

	"github.com/marmos91/stategc/pkg/codec"
)

// ErrCorrupt is wrapped by every decode failure.
var ErrCorrupt = errors.New("corrupt node")

// Kind is the leading tag byte.
type Kind uint8

const (
	KindNull     Kind = 0
	KindInternal Kind = 1
	KindLeaf     Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Child is one edge of an internal node. Bit is the path bit (0 or 1).
type Child struct {
	Bit  uint8
	Hash Hash
}

// Node is the decoded form of a persisted node. Only the fields matching
// Kind are meaningful.
type Node struct {
	Kind     Kind
	Children []Child // Internal: one or two, ascending Bit

	Key        []byte // Leaf
	Value      []byte // Leaf
	NestedRoot *Hash  // Leaf: root of an independent subtree
}

func NewInternal(children ...Child) *Node {
	return &Node{Kind: KindInternal, Children: children}
}

func NewLeaf(key, value []byte, nested *Hash) *Node {
	return &Node{Kind: KindLeaf, Key: key, Value: value, NestedRoot: nested}
}

type childBody struct {
	_    struct{} `cbor:",toarray"`
	Bit  uint8
	Hash []byte
}

type internalBody struct {
	Children []childBody `cbor:"1,keyasint"`
}

type leafBody struct {
	Key    []byte `cbor:"1,keyasint"`
	Value  []byte `cbor:"2,keyasint"`
	Nested []byte `cbor:"3,keyasint,omitempty"`
}

// Encode serializes n. It fails on nodes Decode would reject, so every
// stored node is decodable.
func (n *Node) Encode() ([]byte, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	var (
		body []byte
		err  error
	)
	switch n.Kind {
	case KindNull:
		return []byte{byte(KindNull)}, nil
	case KindInternal:
		ib := internalBody{Children: make([]childBody, len(n.Children))}
		for i, c := range n.Children {
			ib.Children[i] = childBody{Bit: c.Bit, Hash: c.Hash.Bytes()}
		}
		body, err = codec.Marshal(ib)
	case KindLeaf:
		lb := leafBody{Key: n.Key, Value: n.Value}
		if n.NestedRoot != nil {
			lb.Nested = n.NestedRoot.Bytes()
		}
		body, err = codec.Marshal(lb)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s node: %w", n.Kind, err)
	}
	return append([]byte{byte(n.Kind)}, body...), nil
}

// MustEncode is Encode for nodes built by trusted code.
func (n *Node) MustEncode() []byte {
	b, err := n.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// Hash encodes n and returns its content hash together with the bytes.
func (n *Node) Hash() (Hash, []byte, error) {
	b, err := n.Encode()
	if err != nil {
		return Hash{}, nil, err
	}
	return HashBytes(b), b, nil
}

// Decode parses bytes produced by Encode. Any deviation is reported as
// ErrCorrupt; there is no best-effort fallback.
func Decode(b []byte) (*Node, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	n := &Node{Kind: Kind(b[0])}
	body := b[1:]

	switch n.Kind {
	case KindNull:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: null node with %d byte body", ErrCorrupt, len(body))
		}
		return n, nil

	case KindInternal:
		var ib internalBody
		if err := codec.UnmarshalStrict(body, &ib); err != nil {
			return nil, fmt.Errorf("%w: internal body: %v", ErrCorrupt, err)
		}
		n.Children = make([]Child, len(ib.Children))
		for i, c := range ib.Children {
			h, err := HashFromBytes(c.Hash)
			if err != nil {
				return nil, fmt.Errorf("%w: child %d: %v", ErrCorrupt, i, err)
			}
			n.Children[i] = Child{Bit: c.Bit, Hash: h}
		}

	case KindLeaf:
		var lb leafBody
		if err := codec.UnmarshalStrict(body, &lb); err != nil {
			return nil, fmt.Errorf("%w: leaf body: %v", ErrCorrupt, err)
		}
		n.Key, n.Value = lb.Key, lb.Value
		if lb.Nested != nil {
			h, err := HashFromBytes(lb.Nested)
			if err != nil {
				return nil, fmt.Errorf("%w: nested root: %v", ErrCorrupt, err)
			}
			n.NestedRoot = &h
		}

	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, b[0])
	}

	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) validate() error {
	switch n.Kind {
	case KindNull:
		return nil
	case KindInternal:
		if len(n.Children) == 0 || len(n.Children) > 2 {
			return fmt.Errorf("%w: internal node with %d children", ErrCorrupt, len(n.Children))
		}
		for i, c := range n.Children {
			if c.Bit > 1 {
				return fmt.Errorf("%w: child bit %d", ErrCorrupt, c.Bit)
			}
			if c.Hash.IsZero() {
				return fmt.Errorf("%w: zero child hash", ErrCorrupt)
			}
			if i > 0 && c.Bit <= n.Children[i-1].Bit {
				return fmt.Errorf("%w: children not in ascending bit order", ErrCorrupt)
			}
		}
		return nil
	case KindLeaf:
		if n.NestedRoot != nil && n.NestedRoot.IsZero() {
			return fmt.Errorf("%w: zero nested root", ErrCorrupt)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %d", ErrCorrupt, n.Kind)
}

// Refs returns every hash this node points at: children first, then the
// nested root.
func (n *Node) Refs() []Hash {
	switch n.Kind {
	case KindInternal:
		out := make([]Hash, len(n.Children))
		for i, c := range n.Children {
			out[i] = c.Hash
		}
		return out
	case KindLeaf:
		if n.NestedRoot != nil {
			return []Hash{*n.NestedRoot}
		}
	}
	return nil
}

// Child returns the child hash on bit, if any.
func (n *Node) Child(bit uint8) (Hash, bool) {
	for _, c := range n.Children {
		if c.Bit == bit {
			return c.Hash, true
		}
	}
	return Hash{}, false
}
