// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package groups

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/wanode"
)

// fakeQuerier records every request and answers with canned responses in
// order. When responses run out it returns the zero node.
type fakeQuerier struct {
	mu        sync.Mutex
	requests  []wanode.Node
	responses []wanode.Node
	err       error
}

func (f *fakeQuerier) Query(_ context.Context, req wanode.Node) (wanode.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return wanode.Node{}, f.err
	}
	if len(f.responses) == 0 {
		return wanode.Node{}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeQuerier) Requests() []wanode.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]wanode.Node, len(f.requests))
	copy(cp, f.requests)
	return cp
}

var errTransport = errors.New("connection lost")

func newTestClient(responses ...wanode.Node) (*Client, *fakeQuerier) {
	q := &fakeQuerier{responses: responses}
	c := NewClient(q, zerolog.Nop())
	c.newID = func() string { return "3EB0TESTID" }
	return c, q
}

// result wraps children in an iq result node like the transport would.
func result(children ...wanode.Node) wanode.Node {
	return wanode.New("iq", wanode.Attrs{"type": "result", "from": "@g.us"}, wanode.Children(children...))
}

func node(tag string, attrs wanode.Attrs, children ...wanode.Node) wanode.Node {
	if len(children) == 0 {
		return wanode.Leaf(tag, attrs)
	}
	return wanode.New(tag, attrs, wanode.Children(children...))
}

func text(tag, s string) wanode.Node {
	return wanode.New(tag, nil, wanode.Text(s))
}

// teamGroup is the canonical metadata response used across tests.
func teamGroup() wanode.Node {
	return node("group", wanode.Attrs{
		"id":       "123@g.us",
		"subject":  "Team",
		"creation": "1000",
		"creator":  "999@s.whatsapp.net",
	},
		node("description", wanode.Attrs{"id": "d1"}, text("body", "hello")),
		node("participant", wanode.Attrs{"jid": "1@s.whatsapp.net"}),
		node("participant", wanode.Attrs{"jid": "2@s.whatsapp.net", "type": "admin"}),
	)
}
