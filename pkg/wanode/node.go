// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wanode implements the recursive tagged tree used for every request
// and response exchanged with the messaging platform.
//
// A [Node] has a tag, a string attribute map and a [Content] that is exactly
// one of empty, a raw byte payload, or an ordered list of child nodes. Nodes
// are immutable once constructed: constructors copy their inputs and accessors
// hand out copies, so a tree can be shared between goroutines freely.
package wanode

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind identifies which variant a Content holds.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindBytes
	KindChildren
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBytes:
		return "bytes"
	case KindChildren:
		return "children"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Content is the payload of a node. The zero value is empty content.
type Content struct {
	kind     Kind
	bytes    []byte
	children []Node
}

// Empty returns content with no payload.
func Empty() Content {
	return Content{}
}

// Bytes returns raw byte content. The slice is copied.
func Bytes(data []byte) Content {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Content{kind: KindBytes, bytes: cp}
}

// Text returns raw byte content holding the UTF-8 encoding of s.
func Text(s string) Content {
	return Content{kind: KindBytes, bytes: []byte(s)}
}

// Children returns child-list content. The slice is copied; the nodes
// themselves are already immutable.
func Children(children ...Node) Content {
	cp := make([]Node, len(children))
	copy(cp, children)
	return Content{kind: KindChildren, children: cp}
}

// Kind reports which variant the content holds.
func (c Content) Kind() Kind {
	return c.kind
}

// Bytes returns a copy of the raw payload and true if the content is a byte payload.
func (c Content) Bytes() ([]byte, bool) {
	if c.kind != KindBytes {
		return nil, false
	}
	cp := make([]byte, len(c.bytes))
	copy(cp, c.bytes)
	return cp, true
}

// Children returns a copy of the child list and true if the content is a child list.
func (c Content) Children() ([]Node, bool) {
	if c.kind != KindChildren {
		return nil, false
	}
	cp := make([]Node, len(c.children))
	copy(cp, c.children)
	return cp, true
}

// Attrs is a node attribute map.
type Attrs map[string]string

func (a Attrs) clone() Attrs {
	if len(a) == 0 {
		return nil
	}
	cp := make(Attrs, len(a))
	for k, v := range a {
		cp[k] = v
	}
	return cp
}

// Node is one element of a protocol tree.
type Node struct {
	tag     string
	attrs   Attrs
	content Content
}

// New builds a node. The attribute map is copied.
func New(tag string, attrs Attrs, content Content) Node {
	return Node{tag: tag, attrs: attrs.clone(), content: content}
}

// Leaf builds a node with empty content.
func Leaf(tag string, attrs Attrs) Node {
	return New(tag, attrs, Empty())
}

// Tag returns the node tag.
func (n Node) Tag() string {
	return n.tag
}

// IsZero reports whether n is the zero Node.
func (n Node) IsZero() bool {
	return n.tag == "" && len(n.attrs) == 0 && n.content.kind == KindEmpty
}

// Attr returns the attribute value and whether it was present.
func (n Node) Attr(key string) (string, bool) {
	v, ok := n.attrs[key]
	return v, ok
}

// AttrString returns the attribute value, or "" if absent.
func (n Node) AttrString(key string) string {
	return n.attrs[key]
}

// Attrs returns a copy of the attribute map.
func (n Node) Attrs() Attrs {
	cp := make(Attrs, len(n.attrs))
	for k, v := range n.attrs {
		cp[k] = v
	}
	return cp
}

// Content returns the node content.
func (n Node) Content() Content {
	return n.content
}

// Child returns the first direct child with the given tag.
func (n Node) Child(tag string) (Node, bool) {
	if n.content.kind != KindChildren {
		return Node{}, false
	}
	for _, child := range n.content.children {
		if child.tag == tag {
			return child, true
		}
	}
	return Node{}, false
}

// HasChild reports whether a direct child with the given tag exists.
func (n Node) HasChild(tag string) bool {
	_, ok := n.Child(tag)
	return ok
}

// ChildrenByTag returns every direct child with the given tag, in order.
func (n Node) ChildrenByTag(tag string) []Node {
	if n.content.kind != KindChildren {
		return nil
	}
	var out []Node
	for _, child := range n.content.children {
		if child.tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// String renders the tree in an XML-like form for logging.
func (n Node) String() string {
	var sb strings.Builder
	n.write(&sb, 0)
	return sb.String()
}

func (n Node) write(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	sb.WriteString(indent)
	sb.WriteByte('<')
	sb.WriteString(n.tag)
	keys := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, " %s=%q", k, n.attrs[k])
	}
	switch n.content.kind {
	case KindEmpty:
		sb.WriteString("/>")
	case KindBytes:
		sb.WriteByte('>')
		if utf8.Valid(n.content.bytes) {
			sb.Write(n.content.bytes)
		} else {
			sb.WriteString("<!-- hex -->")
			sb.WriteString(hex.EncodeToString(n.content.bytes))
		}
		sb.WriteString("</")
		sb.WriteString(n.tag)
		sb.WriteByte('>')
	case KindChildren:
		sb.WriteString(">\n")
		for _, child := range n.content.children {
			child.write(sb, depth+1)
			sb.WriteByte('\n')
		}
		sb.WriteString(indent)
		sb.WriteString("</")
		sb.WriteString(n.tag)
		sb.WriteByte('>')
	}
}
