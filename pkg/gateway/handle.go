// Copyright 2024-2026 Aiku AI

package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// RemoteError is an error reported by the sidecar for one request.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
}

// Handle is a transport.Handle backed by one websocket connection.
type Handle struct {
	conn   *websocket.Conn
	cfg    transport.Config
	log    zerolog.Logger
	pingIv time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	failure error

	// dead is closed once no more responses can arrive.
	dead     chan struct{}
	deadOnce sync.Once
	// closed is closed by Close.
	closed    chan struct{}
	closeOnce sync.Once

	// Events are buffered without bound so a slow consumer never blocks
	// the read loop, and with it request responses.
	evMu     sync.Mutex
	evQueue  []transport.Event
	evEnded  bool
	evNotify chan struct{}
	events   chan transport.Event
}

var _ transport.Handle = (*Handle)(nil)

// reply is what a pending request receives: a decoded frame or the reason
// its frame could not be decoded.
type reply struct {
	frame Frame
	err   error
}

func newHandle(conn *websocket.Conn, cfg transport.Config, pingInterval time.Duration) *Handle {
	return &Handle{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "gateway").Logger(),
		pingIv:   pingInterval,
		pending:  make(map[uint64]chan reply),
		dead:     make(chan struct{}),
		closed:   make(chan struct{}),
		evNotify: make(chan struct{}, 1),
		events:   make(chan transport.Event),
	}
}

func (h *Handle) start() {
	if h.pingIv > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(2 * h.pingIv))
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(2 * h.pingIv))
		})
		go h.pingLoop()
	}
	go h.readLoop()
	go h.pump()
}

func (h *Handle) write(f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Op, err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err = h.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Op, err)
	}
	return nil
}

func (h *Handle) pingLoop() {
	ticker := time.NewTicker(h.pingIv)
	defer ticker.Stop()
	for {
		select {
		case <-h.dead:
			return
		case <-ticker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.pingIv)); err != nil {
				h.log.Debug().Err(err).Msg("Failed to send ping")
			}
		}
	}
}

func (h *Handle) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.connectionLost(err)
			return
		}
		if h.pingIv > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(2 * h.pingIv))
		}
		f, err := decodeFrame(data)
		if err != nil {
			h.undecodable(data, err)
			continue
		}
		switch f.Op {
		case OpResult, OpError:
			h.resolve(f.ID, reply{frame: f})
		case OpEvent:
			if f.Event == nil {
				continue
			}
			evt, err := DecodeEvent(f.Event)
			if err != nil {
				h.log.Debug().Err(err).Msg("Ignoring event")
				continue
			}
			h.push(evt)
		case OpGetMessage:
			h.answerGetMessage(f)
		default:
			h.log.Debug().Str("op", f.Op).Msg("Ignoring frame with unknown op")
		}
	}
}

// undecodable fails the request a broken response belongs to, so the caller
// does not wait for a result that will never arrive.
func (h *Handle) undecodable(data []byte, err error) {
	env, envErr := decodeEnvelope(data)
	if envErr != nil || (env.Op != OpResult && env.Op != OpError) {
		h.log.Warn().Err(err).Int("size", len(data)).Msg("Dropping undecodable frame")
		return
	}
	h.log.Warn().Err(err).Uint64("id", env.ID).Msg("Failed to decode response")
	h.resolve(env.ID, reply{err: fmt.Errorf("%w: %s %d: %v", ErrMalformedFrame, env.Op, env.ID, err)})
}

func (h *Handle) resolve(id uint64, r reply) {
	h.mu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		h.log.Debug().Uint64("id", id).Msg("Response for unknown request")
		return
	}
	ch <- r
}

func (h *Handle) answerGetMessage(f Frame) {
	resp := Frame{ID: f.ID, Op: OpMessage}
	if f.Key != nil && h.cfg.GetMessage != nil {
		resp.Text, resp.Found = h.cfg.GetMessage(*f.Key)
	}
	if err := h.write(resp); err != nil {
		h.log.Warn().Err(err).Msg("Failed to answer message lookup")
	}
}

// connectionLost fails pending requests and reports the drop as a close
// event, unless the handle was closed on purpose.
func (h *Handle) connectionLost(err error) {
	select {
	case <-h.closed:
		h.markDead(transport.ErrClosed)
		h.endEvents()
		return
	default:
	}
	h.log.Warn().Err(err).Msg("Gateway connection lost")
	h.markDead(fmt.Errorf("%w: %v", transport.ErrClosed, err))
	h.push(&transport.ConnectionUpdate{
		Status:    transport.StatusClose,
		ErrorCode: transport.CodeConnectionLost,
		Err:       &transport.DisconnectError{Code: transport.CodeConnectionLost, Reason: err.Error()},
	})
	h.endEvents()
}

func (h *Handle) markDead(err error) {
	h.deadOnce.Do(func() {
		h.mu.Lock()
		h.failure = err
		h.pending = make(map[uint64]chan reply)
		h.mu.Unlock()
		close(h.dead)
	})
}

func (h *Handle) push(evt transport.Event) {
	h.evMu.Lock()
	h.evQueue = append(h.evQueue, evt)
	h.evMu.Unlock()
	h.wakePump()
}

func (h *Handle) endEvents() {
	h.evMu.Lock()
	h.evEnded = true
	h.evMu.Unlock()
	h.wakePump()
}

func (h *Handle) wakePump() {
	select {
	case h.evNotify <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the consumer channel in order and closes it
// once the stream has ended or the handle was closed.
func (h *Handle) pump() {
	defer close(h.events)
	for {
		h.evMu.Lock()
		var next transport.Event
		hasNext := len(h.evQueue) > 0
		if hasNext {
			next = h.evQueue[0]
			h.evQueue[0] = nil
			h.evQueue = h.evQueue[1:]
		}
		ended := h.evEnded
		h.evMu.Unlock()

		if !hasNext {
			if ended {
				return
			}
			select {
			case <-h.evNotify:
				continue
			case <-h.closed:
				return
			}
		}
		select {
		case h.events <- next:
		case <-h.closed:
			return
		}
	}
}

func (h *Handle) request(ctx context.Context, f Frame) (Frame, error) {
	f.ID = h.nextID.Add(1)
	ch := make(chan reply, 1)
	h.mu.Lock()
	if h.failure != nil {
		err := h.failure
		h.mu.Unlock()
		return Frame{}, err
	}
	h.pending[f.ID] = ch
	h.mu.Unlock()
	drop := func() {
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
	}

	if err := h.write(f); err != nil {
		drop()
		return Frame{}, err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return Frame{}, fmt.Errorf("failed to read %s response: %w", f.Op, r.err)
		}
		if r.frame.Op == OpError {
			return Frame{}, &RemoteError{Op: f.Op, Message: r.frame.Error}
		}
		return r.frame, nil
	case <-ctx.Done():
		drop()
		return Frame{}, ctx.Err()
	case <-h.dead:
		h.mu.Lock()
		err := h.failure
		h.mu.Unlock()
		return Frame{}, err
	}
}

func (h *Handle) Query(ctx context.Context, req wanode.Node) (wanode.Node, error) {
	resp, err := h.request(ctx, Frame{Op: OpQuery, Node: &req})
	if err != nil {
		return wanode.Node{}, err
	}
	if resp.Node == nil {
		return wanode.Node{}, &RemoteError{Op: OpQuery, Message: "result without node"}
	}
	return *resp.Node, nil
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

func (h *Handle) PresenceSubscribe(ctx context.Context, jid string) error {
	_, err := h.request(ctx, Frame{Op: OpPresenceSubscribe, Target: jid})
	return err
}

func (h *Handle) SendPresenceUpdate(ctx context.Context, presence transport.Presence, jid string) error {
	_, err := h.request(ctx, Frame{Op: OpPresence, Target: jid, Presence: presence})
	return err
}

func (h *Handle) SendMessage(ctx context.Context, jid string, msg transport.OutgoingMessage) (string, error) {
	resp, err := h.request(ctx, Frame{Op: OpSend, Target: jid, Message: &msg})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (h *Handle) DownloadMedia(ctx context.Context, media transport.Media) (io.ReadCloser, error) {
	resp, err := h.request(ctx, Frame{Op: OpDownload, Media: &media})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(resp.Data)), nil
}

// Close terminates the connection. It is safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		h.markDead(transport.ErrClosed)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = h.conn.Close()
	})
	return err
}
