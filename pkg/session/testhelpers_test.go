// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/mirror"
	"github.com/aiku/waforward/pkg/store"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/transport/transporttest"
)

// memStore is an in-memory Store that counts writes.
type memStore struct {
	mu            sync.Mutex
	creds         map[string][]byte
	snaps         map[string]mirror.Snapshot
	credSaves     int
	snapSaves     int
	loadCredErr   error
	loadSnapErr   error
	credsLoadedBy []string
}

func newMemStore() *memStore {
	return &memStore{
		creds: make(map[string][]byte),
		snaps: make(map[string]mirror.Snapshot),
	}
}

func (m *memStore) LoadCredentials(slug string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credsLoadedBy = append(m.credsLoadedBy, slug)
	if m.loadCredErr != nil {
		return nil, m.loadCredErr
	}
	blob, ok := m.creds[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, slug)
	}
	return blob, nil
}

func (m *memStore) SaveCredentials(slug string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[slug] = append([]byte(nil), blob...)
	m.credSaves++
	return nil
}

func (m *memStore) LoadSnapshot(slug string) (mirror.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadSnapErr != nil {
		return mirror.Snapshot{}, m.loadSnapErr
	}
	snap, ok := m.snaps[slug]
	if !ok {
		return mirror.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (m *memStore) SaveSnapshot(slug string, snap mirror.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[slug] = snap
	m.snapSaves++
	return nil
}

func (m *memStore) SnapshotSaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapSaves
}

func (m *memStore) Credentials(slug string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.creds[slug]
	return blob, ok
}

type harness struct {
	t        *testing.T
	dialer   *transporttest.Dialer
	store    *memStore
	registry *Registry
	manager  *Manager

	mu     sync.Mutex
	delays []time.Duration
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dialer:   transporttest.NewDialer(),
		store:    newMemStore(),
		registry: NewRegistry(),
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = time.Hour
	}
	h.manager = NewManager(h.dialer, h.store, h.registry, cfg, zerolog.Nop())
	h.manager.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) Delays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

// run starts Manager.Run in the background and returns its result channel.
func (h *harness) run(ctx context.Context, name string, listeners ...Listener) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.manager.Run(ctx, name, listeners...)
	}()
	return done
}

// nextHandle waits for the dialer to open a handle.
func (h *harness) nextHandle() *transporttest.Handle {
	h.t.Helper()
	select {
	case handle := <-h.dialer.Opened():
		return handle
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a transport handle")
		return nil
	}
}

func (h *harness) waitState(slug string, want State) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("state %s", want), func() bool {
		got, _ := h.registry.State(slug)
		return got == want
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

var errDial = errors.New("dial failed")

// eventRecorder is a Listener that remembers event names.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) HandleEvent(_ context.Context, _ *Session, evt transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := transport.EventName(evt)
	if up, ok := evt.(*transport.MessagesUpsert); ok && len(up.Messages) > 0 {
		name += ":" + up.Messages[0].Key.ID
	}
	r.events = append(r.events, name)
}

func (r *eventRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
