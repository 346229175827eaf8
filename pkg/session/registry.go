// Copyright 2024-2026 Aiku AI

package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aiku/waforward/pkg/transport"
)

// State is a session's position in the connection state machine.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateOpen         State = "OPEN"
	StateReconnecting State = "RECONNECTING"
	StateLoggedOut    State = "CLOSED_LOGGED_OUT"
	StateStopped      State = "STOPPED"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateStopped
}

// Info describes one registry slot.
type Info struct {
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Generation uint64    `json:"generation"`
	Since      time.Time `json:"since"`
}

type slot struct {
	running    bool
	name       string
	generation uint64
	current    *Session
	state      State
	since      time.Time
}

// Registry holds exactly one active Session slot per slug. Every
// construction gets a new generation; writes tagged with an older generation
// are rejected so a replaced session can never touch its successor's state.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// claim marks slug as supervised. It fails when another Run already owns it.
func (r *Registry) claim(slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[slug]
	if !ok {
		sl = &slot{}
		r.slots[slug] = sl
	}
	if sl.running {
		return false
	}
	sl.running = true
	return true
}

func (r *Registry) release(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sl, ok := r.slots[slug]; ok {
		sl.running = false
	}
}

// begin starts a new generation for slug and returns it. The previous
// session, if any, is dropped from the slot.
func (r *Registry) begin(slug, name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[slug]
	if !ok {
		sl = &slot{}
		r.slots[slug] = sl
	}
	sl.name = name
	sl.generation++
	sl.current = nil
	sl.state = StateConnecting
	sl.since = time.Now()
	return sl.generation
}

// install publishes a constructed session. It fails when the slot has moved
// on to a newer generation.
func (r *Registry) install(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[s.Slug]
	if !ok || sl.generation != s.generation {
		return false
	}
	sl.current = s
	return true
}

// setState moves the slot to state if gen is still current.
func (r *Registry) setState(slug string, gen uint64, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[slug]
	if !ok || sl.generation != gen {
		return false
	}
	if sl.state != state {
		sl.state = state
		sl.since = time.Now()
	}
	if state.Terminal() {
		sl.current = nil
	}
	return true
}

// IsCurrent reports whether gen is the live generation of slug.
func (r *Registry) IsCurrent(slug string, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.slots[slug]
	return ok && sl.generation == gen
}

// Current returns the installed session of slug.
func (r *Registry) Current(slug string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.slots[slug]
	if !ok || sl.current == nil {
		return nil, false
	}
	return sl.current, true
}

// State returns the state of slug.
func (r *Registry) State(slug string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.slots[slug]
	if !ok {
		return "", false
	}
	return sl.state, true
}

// Open returns the session of slug if it is connected.
func (r *Registry) Open(slug string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.slots[slug]
	if !ok || sl.current == nil || sl.state != StateOpen {
		state := State("UNKNOWN")
		if ok {
			state = sl.state
		}
		return nil, fmt.Errorf("%w for %s (state %s)", ErrNoLiveSession, slug, state)
	}
	return sl.current, nil
}

// Handle returns the live transport handle of slug.
func (r *Registry) Handle(slug string) (transport.Handle, error) {
	s, err := r.Open(slug)
	if err != nil {
		return nil, err
	}
	return s.handle, nil
}

// List describes every known slot, sorted by slug.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.slots))
	for slug, sl := range r.slots {
		out = append(out, Info{
			Slug:       slug,
			Name:       sl.name,
			State:      sl.state,
			Generation: sl.generation,
			Since:      sl.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
