// Copyright 2024-2026 Aiku AI

package wanode

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidContent is returned when a decoded node mixes content variants.
var ErrInvalidContent = errors.New("wanode: invalid node content")

// MaxDepth bounds decoding recursion for untrusted input. Each tree level
// costs two CBOR nesting levels, and the decoder allows at most 65535.
const MaxDepth = 16384

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wanode: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: MaxDepth*2 + 8}.DecMode()
	if err != nil {
		panic("wanode: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireNode struct {
	Tag      string            `cbor:"tag"`
	Attrs    map[string]string `cbor:"attrs,omitempty"`
	Kind     Kind              `cbor:"kind,omitempty"`
	Bytes    []byte            `cbor:"bytes,omitempty"`
	Children []wireNode        `cbor:"children,omitempty"`
}

func toWire(n Node) wireNode {
	w := wireNode{Tag: n.tag, Attrs: n.attrs, Kind: n.content.kind}
	switch n.content.kind {
	case KindBytes:
		w.Bytes = n.content.bytes
	case KindChildren:
		w.Children = make([]wireNode, len(n.content.children))
		for i, child := range n.content.children {
			w.Children[i] = toWire(child)
		}
	}
	return w
}

func fromWire(w wireNode, depth int) (Node, error) {
	if depth > MaxDepth {
		return Node{}, fmt.Errorf("%w: tree deeper than %d", ErrInvalidContent, MaxDepth)
	}
	n := Node{tag: w.Tag, attrs: Attrs(w.Attrs).clone()}
	switch w.Kind {
	case KindEmpty:
		if len(w.Bytes) > 0 || len(w.Children) > 0 {
			return Node{}, fmt.Errorf("%w: empty node <%s> carries a payload", ErrInvalidContent, w.Tag)
		}
	case KindBytes:
		if len(w.Children) > 0 {
			return Node{}, fmt.Errorf("%w: byte node <%s> carries children", ErrInvalidContent, w.Tag)
		}
		n.content = Bytes(w.Bytes)
	case KindChildren:
		if len(w.Bytes) > 0 {
			return Node{}, fmt.Errorf("%w: parent node <%s> carries bytes", ErrInvalidContent, w.Tag)
		}
		children := make([]Node, len(w.Children))
		for i, child := range w.Children {
			decoded, err := fromWire(child, depth+1)
			if err != nil {
				return Node{}, err
			}
			children[i] = decoded
		}
		n.content = Content{kind: KindChildren, children: children}
	default:
		return Node{}, fmt.Errorf("%w: unknown content kind %d", ErrInvalidContent, w.Kind)
	}
	return n, nil
}

// MarshalCBOR implements cbor.Marshaler.
func (n Node) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(toWire(n))
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (n *Node) UnmarshalCBOR(data []byte) error {
	var w wireNode
	if err := decMode.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode node: %w", err)
	}
	decoded, err := fromWire(w, 0)
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}
