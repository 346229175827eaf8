// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/groups"
	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/mirror"
	"github.com/aiku/waforward/pkg/transport"
)

// Listener observes every event of a session after the session itself has
// processed it. Calls are sequential and in arrival order.
type Listener interface {
	HandleEvent(ctx context.Context, s *Session, evt transport.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, s *Session, evt transport.Event)

func (f ListenerFunc) HandleEvent(ctx context.Context, s *Session, evt transport.Event) {
	f(ctx, s, evt)
}

type exitKind int

const (
	exitStopped exitKind = iota
	exitReconnect
	exitLoggedOut
)

type exitReason struct {
	kind exitKind
	code int
	err  error
}

// Session is one connection lifetime of a slug. It is never reused: a
// reconnect constructs a new Session with a new generation.
type Session struct {
	Slug string
	Name string

	generation uint64
	handle     transport.Handle
	mirror     *mirror.Mirror
	groups     *groups.Client
	manager    *Manager
	listeners  []Listener
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exit   chan exitReason
	opened bool

	closeOnce sync.Once
}

// Generation is the registry generation this session was built under.
func (s *Session) Generation() uint64 {
	return s.generation
}

// Handle returns the session's transport handle.
func (s *Session) Handle() transport.Handle {
	return s.handle
}

// Mirror returns the session's local mirror.
func (s *Session) Mirror() *mirror.Mirror {
	return s.mirror
}

// Groups returns a group protocol client bound to this session's handle.
func (s *Session) Groups() *groups.Client {
	return s.groups
}

// Log returns the session logger.
func (s *Session) Log() *zerolog.Logger {
	return &s.log
}

func (s *Session) start() {
	s.wg.Add(2)
	go s.eventLoop()
	go s.snapshotLoop()
}

func (s *Session) eventLoop() {
	defer s.wg.Done()
	events := s.handle.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				s.log.Warn().Msg("Transport event stream ended without a close event")
				s.finish(exitReason{kind: exitReconnect, code: transport.CodeConnectionLost, err: transport.ErrClosed})
				return
			}
			if s.handleEvent(evt) {
				return
			}
		}
	}
}

// handleEvent runs the built-in subscriptions and then the listeners. It
// returns true once the connection has closed.
func (s *Session) handleEvent(evt transport.Event) (closed bool) {
	s.log.Trace().Str("event", transport.EventName(evt)).Msg("Handling transport event")
	var reason exitReason
	switch evt := evt.(type) {
	case *transport.CredentialsUpdate:
		s.saveCredentials(evt.Blob)
	case *transport.ConnectionUpdate:
		reason, closed = s.handleConnectionUpdate(evt)
	case *transport.ChatsSet:
		s.log.Info().Int("chats", len(evt.Chats)).Bool("is_latest", evt.IsLatest).Msg("Received chat list")
	}
	s.mirror.Apply(evt)
	for _, l := range s.listeners {
		l.HandleEvent(s.ctx, s, evt)
	}
	if closed {
		s.finish(reason)
	}
	return closed
}

func (s *Session) saveCredentials(blob []byte) {
	if err := s.manager.store.SaveCredentials(s.Slug, blob); err != nil {
		s.log.Err(err).Msg("Failed to save credentials")
		return
	}
	s.log.Debug().Int("size", len(blob)).Msg("Saved credentials")
}

func (s *Session) handleConnectionUpdate(evt *transport.ConnectionUpdate) (exitReason, bool) {
	if evt.QR != "" {
		s.log.Info().Str("qr", evt.QR).Msg("Waiting for pairing, scan the QR code with the phone")
	}
	switch evt.Status {
	case transport.StatusOpen:
		if s.setState(StateOpen) {
			s.opened = true
			metrics.RecordConnect(s.Slug)
			s.log.Info().Msg("Connection open")
			if s.manager.cfg.SyncGroups {
				s.wg.Add(1)
				go s.syncGroups()
			}
		}
	case transport.StatusClose:
		code := evt.ErrorCode
		metrics.RecordDisconnect(s.Slug, code)
		if code == transport.CodeLoggedOut {
			s.log.Warn().Int("code", code).Err(evt.Err).Msg("Connection closed, logged out")
			return exitReason{kind: exitLoggedOut, code: code, err: evt.Err}, true
		}
		s.log.Info().Int("code", code).Str("reason", transport.CodeName(code)).Err(evt.Err).
			Msg("Connection closed, reconnecting")
		return exitReason{kind: exitReconnect, code: code, err: evt.Err}, true
	}
	return exitReason{}, false
}

func (s *Session) setState(state State) bool {
	if !s.manager.registry.setState(s.Slug, s.generation, state) {
		return false
	}
	metrics.RecordTransition(s.Slug, string(state))
	return true
}

func (s *Session) finish(reason exitReason) {
	select {
	case s.exit <- reason:
	default:
	}
}

func (s *Session) syncGroups() {
	defer s.wg.Done()
	all, err := s.groups.FetchAllParticipating(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("Failed to sync participating groups")
		}
		return
	}
	s.mirror.SetGroups(all)
	s.log.Info().Int("count", len(all)).Msg("Synced participating groups")
}

func (s *Session) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.manager.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush writes the mirror snapshot unless this session has been replaced.
func (s *Session) flush() {
	if !s.manager.registry.IsCurrent(s.Slug, s.generation) {
		s.log.Debug().Msg("Skipping snapshot of replaced session")
		return
	}
	err := s.manager.store.SaveSnapshot(s.Slug, s.mirror.Snapshot())
	metrics.RecordSnapshotWrite(s.Slug, err)
	if err != nil {
		s.log.Err(err).Msg("Failed to write snapshot")
	}
}

// close stops the background tasks, writes a final snapshot and releases the
// transport handle.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.flush()
		if err := s.handle.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close transport handle")
		}
	})
}
