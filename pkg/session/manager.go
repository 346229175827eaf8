// Copyright 2024-2026 Aiku AI

// Package session owns the lifecycle of long-lived platform sessions: it
// opens the transport, persists credential updates, snapshots the local
// mirror and decides after every disconnect whether to reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/groups"
	"github.com/aiku/waforward/pkg/metrics"
	"github.com/aiku/waforward/pkg/mirror"
	"github.com/aiku/waforward/pkg/store"
	"github.com/aiku/waforward/pkg/transport"
)

// CredentialStore persists the opaque credential blob of a slug.
type CredentialStore interface {
	LoadCredentials(slug string) ([]byte, error)
	SaveCredentials(slug string, blob []byte) error
}

// SnapshotStore persists mirror snapshots.
type SnapshotStore interface {
	LoadSnapshot(slug string) (mirror.Snapshot, error)
	SaveSnapshot(slug string, snap mirror.Snapshot) error
}

// Store is everything the manager persists. Missing data is reported with
// store.ErrNotFound.
type Store interface {
	CredentialStore
	SnapshotStore
}

// Config tunes the manager.
type Config struct {
	// SnapshotInterval is the period of mirror snapshots.
	SnapshotInterval time.Duration
	// SyncGroups fetches all participating groups into the mirror whenever a
	// connection opens.
	SyncGroups bool
	// MessageLimit is the number of messages retained per chat.
	MessageLimit int
	// Backoff shapes delays between failed reconnects. The first reconnect
	// after an open connection is always immediate.
	Backoff BackoffConfig
	// MaxAttempts bounds consecutive failed reconnects. Zero means unlimited.
	MaxAttempts int
}

// DefaultSnapshotInterval is the snapshot period when none is configured.
const DefaultSnapshotInterval = 10 * time.Second

// Manager supervises sessions. One Manager can run many slugs concurrently;
// each call to Run owns one slug.
type Manager struct {
	dialer   transport.Dialer
	store    Store
	registry *Registry
	cfg      Config
	log      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(dialer transport.Dialer, st Store, registry *Registry, cfg Config, log zerolog.Logger) *Manager {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff
	}
	return &Manager{
		dialer:   dialer,
		store:    st,
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "session").Logger(),
		sleep:    sleepContext,
	}
}

// Registry returns the registry sessions are published in.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Run connects the named session and keeps it connected until ctx is
// cancelled or the session ends for good.
//
// A failure to construct the very first session is returned as is. After
// that, non-logged-out disconnects reconnect; failed reconnects back off and
// give up with *UnrecoverableError after Config.MaxAttempts. A logged out
// disconnect returns ErrLoggedOut. Cancelling ctx returns nil.
func (m *Manager) Run(ctx context.Context, name string, listeners ...Listener) error {
	if name == "" {
		name = AutoName()
	}
	slug := Slugify(name)
	if !m.registry.claim(slug) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, slug)
	}
	defer m.registry.release(slug)
	log := m.log.With().Str("session", slug).Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	first := true
	failures := 0
	var lastErr error
	for {
		gen := m.registry.begin(slug, name)
		metrics.RecordTransition(slug, string(StateConnecting))
		log.Info().Str("name", name).Uint64("generation", gen).Msg("Starting session")

		sess, err := m.construct(ctx, slug, name, gen, listeners, log)
		if err != nil {
			if ctx.Err() != nil {
				m.stop(slug, gen, StateStopped)
				return nil
			}
			if first {
				m.stop(slug, gen, StateStopped)
				return fmt.Errorf("failed to start session %s: %w", slug, err)
			}
			failures++
			lastErr = err
			log.Warn().Err(err).Int("attempt", failures).Msg("Failed to reconnect session")
			if wait, giveUp := m.nextAttempt(slug, gen, failures, rng); giveUp {
				return &UnrecoverableError{Slug: slug, Attempts: failures, Err: lastErr}
			} else if m.sleep(ctx, wait) != nil {
				m.stop(slug, gen, StateStopped)
				return nil
			}
			continue
		}
		first = false

		var reason exitReason
		select {
		case <-ctx.Done():
			reason = exitReason{kind: exitStopped}
		case reason = <-sess.exit:
		}
		sess.close()

		switch reason.kind {
		case exitStopped:
			m.stop(slug, gen, StateStopped)
			log.Info().Msg("Session stopped")
			return nil
		case exitLoggedOut:
			m.stop(slug, gen, StateLoggedOut)
			log.Warn().Msg("Session logged out, not reconnecting")
			return ErrLoggedOut
		}

		m.registry.setState(slug, gen, StateReconnecting)
		metrics.RecordTransition(slug, string(StateReconnecting))
		if sess.opened {
			failures = 0
			continue
		}
		// The connection closed before ever opening, which counts as a failed attempt.
		failures++
		lastErr = &transport.DisconnectError{Code: reason.code}
		if reason.err != nil {
			lastErr = reason.err
		}
		if wait, giveUp := m.nextAttempt(slug, gen, failures, rng); giveUp {
			return &UnrecoverableError{Slug: slug, Attempts: failures, Err: lastErr}
		} else if m.sleep(ctx, wait) != nil {
			m.stop(slug, gen, StateStopped)
			return nil
		}
	}
}

// nextAttempt returns the delay before the next reconnect, or giveUp once
// the attempt budget is spent.
func (m *Manager) nextAttempt(slug string, gen uint64, failures int, rng *rand.Rand) (wait time.Duration, giveUp bool) {
	if m.cfg.MaxAttempts > 0 && failures >= m.cfg.MaxAttempts {
		m.stop(slug, gen, StateStopped)
		m.log.Error().Str("session", slug).Int("attempts", failures).Msg("Giving up on session")
		return 0, true
	}
	m.registry.setState(slug, gen, StateReconnecting)
	wait = NextBackoffDelay(m.cfg.Backoff, failures, rng)
	m.log.Debug().Str("session", slug).Dur("delay", wait).Msg("Waiting before reconnect")
	return wait, false
}

func (m *Manager) stop(slug string, gen uint64, state State) {
	if m.registry.setState(slug, gen, state) {
		metrics.RecordTransition(slug, string(state))
	}
}

// construct loads persisted state, opens the transport and starts the
// session's background tasks.
func (m *Manager) construct(ctx context.Context, slug, name string, gen uint64, listeners []Listener, log zerolog.Logger) (*Session, error) {
	creds, err := m.store.LoadCredentials(slug)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Msg("No stored credentials, starting a fresh pairing")
		creds = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	mir := mirror.New(m.cfg.MessageLimit)
	snap, err := m.store.LoadSnapshot(slug)
	switch {
	case err == nil:
		mir.Restore(snap)
		stats := mir.Stats()
		log.Debug().Int("chats", stats.Chats).Int("messages", stats.Messages).Msg("Restored mirror snapshot")
	case errors.Is(err, store.ErrNotFound):
	default:
		log.Warn().Err(err).Msg("Failed to load mirror snapshot, starting empty")
	}

	handle, err := m.dialer.Open(ctx, transport.Config{
		Slug:        slug,
		Name:        name,
		Credentials: creds,
		GetMessage:  mir.LookupMessage,
		Log:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		Slug:       slug,
		Name:       name,
		generation: gen,
		handle:     handle,
		mirror:     mir,
		groups:     groups.NewClient(handle, log),
		manager:    m,
		listeners:  listeners,
		log:        log.With().Uint64("generation", gen).Logger(),
		ctx:        sessCtx,
		cancel:     cancel,
		exit:       make(chan exitReason, 1),
	}
	if !m.registry.install(sess) {
		cancel()
		_ = handle.Close()
		return nil, fmt.Errorf("session %s was replaced during construction", slug)
	}
	sess.start()
	return sess, nil
}
