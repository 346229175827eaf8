// Copyright 2024-2026 Aiku AI

// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// Call is one recorded handle operation.
type Call struct {
	Op       string
	JID      string
	Presence transport.Presence
	Message  transport.OutgoingMessage
}

// Handle is a scripted transport.Handle. Tests push events with Emit and
// inspect outgoing traffic with Calls.
type Handle struct {
	Config transport.Config

	// QueryFunc answers Query. Nil answers with an empty result.
	QueryFunc func(ctx context.Context, req wanode.Node) (wanode.Node, error)
	// SendErr is returned by SendMessage when set.
	SendErr error
	// Media maps a direct path to downloadable content.
	Media map[string][]byte

	events    chan transport.Event
	emitMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.Mutex
	calls []Call
}

// NewHandle returns an open handle.
func NewHandle(cfg transport.Config) *Handle {
	return &Handle{
		Config: cfg,
		Media:  make(map[string][]byte),
		events: make(chan transport.Event, 64),
		closed: make(chan struct{}),
	}
}

// Emit delivers an event to the handle's consumer. It returns false when the
// handle is closed or the event buffer is full.
func (h *Handle) Emit(evt transport.Event) bool {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.Closed() {
		return false
	}
	select {
	case h.events <- evt:
		return true
	default:
		return false
	}
}

// Disconnect emits a close event with the given code.
func (h *Handle) Disconnect(code int) bool {
	return h.Emit(&transport.ConnectionUpdate{
		Status:    transport.StatusClose,
		ErrorCode: code,
		Err:       &transport.DisconnectError{Code: code},
	})
}

// Open emits an open event.
func (h *Handle) Open() bool {
	return h.Emit(&transport.ConnectionUpdate{Status: transport.StatusOpen})
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Calls returns a copy of the recorded calls.
func (h *Handle) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]Call, len(h.calls))
	copy(cp, h.calls)
	return cp
}

func (h *Handle) record(c Call) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

func (h *Handle) Query(ctx context.Context, req wanode.Node) (wanode.Node, error) {
	if h.Closed() {
		return wanode.Node{}, transport.ErrClosed
	}
	h.record(Call{Op: "query", JID: req.AttrString("to")})
	if h.QueryFunc != nil {
		return h.QueryFunc(ctx, req)
	}
	return wanode.New("iq", wanode.Attrs{"type": "result"}, wanode.Empty()), nil
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

func (h *Handle) PresenceSubscribe(_ context.Context, jid string) error {
	if h.Closed() {
		return transport.ErrClosed
	}
	h.record(Call{Op: "presence_subscribe", JID: jid})
	return nil
}

func (h *Handle) SendPresenceUpdate(_ context.Context, presence transport.Presence, jid string) error {
	if h.Closed() {
		return transport.ErrClosed
	}
	h.record(Call{Op: "presence", JID: jid, Presence: presence})
	return nil
}

func (h *Handle) SendMessage(_ context.Context, jid string, msg transport.OutgoingMessage) (string, error) {
	if h.Closed() {
		return "", transport.ErrClosed
	}
	if h.SendErr != nil {
		return "", h.SendErr
	}
	h.record(Call{Op: "send", JID: jid, Message: msg})
	return fmt.Sprintf("MSG%d", len(h.Calls())), nil
}

func (h *Handle) DownloadMedia(_ context.Context, media transport.Media) (io.ReadCloser, error) {
	h.mu.Lock()
	data, ok := h.Media[media.DirectPath]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no media at %q", media.DirectPath)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Close closes the event stream. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.emitMu.Lock()
		defer h.emitMu.Unlock()
		close(h.closed)
		close(h.events)
	})
	return nil
}

// Dialer hands out Handles and remembers them in order.
type Dialer struct {
	// OpenErr, when set, decides whether the n-th Open (1-based) fails.
	OpenErr func(attempt int) error
	// Prepare runs on every new handle before it is returned.
	Prepare func(h *Handle)

	mu      sync.Mutex
	handles []*Handle
	configs []transport.Config
	opened  chan *Handle
}

// NewDialer returns a dialer whose opened handles can also be received from
// Opened.
func NewDialer() *Dialer {
	return &Dialer{opened: make(chan *Handle, 64)}
}

func (d *Dialer) Open(_ context.Context, cfg transport.Config) (transport.Handle, error) {
	d.mu.Lock()
	d.configs = append(d.configs, cfg)
	attempt := len(d.configs)
	d.mu.Unlock()
	if d.OpenErr != nil {
		if err := d.OpenErr(attempt); err != nil {
			return nil, err
		}
	}
	h := NewHandle(cfg)
	if d.Prepare != nil {
		d.Prepare(h)
	}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	select {
	case d.opened <- h:
	default:
	}
	return h, nil
}

// Opened yields each successfully opened handle.
func (d *Dialer) Opened() <-chan *Handle {
	return d.opened
}

// Attempts returns how many times Open was called.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

// Configs returns the configs passed to Open.
func (d *Dialer) Configs() []transport.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]transport.Config, len(d.configs))
	copy(cp, d.configs)
	return cp
}

// Handles returns every handle opened so far.
func (d *Dialer) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]*Handle, len(d.handles))
	copy(cp, d.handles)
	return cp
}
