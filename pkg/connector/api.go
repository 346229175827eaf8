// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/waforward/pkg/gateway"
	"github.com/aiku/waforward/pkg/groups"
	"github.com/aiku/waforward/pkg/session"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/wanode"
)

// Handler returns the admin API.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/sessions
//	GET  /api/sessions/{slug}/chats
//	GET  /api/sessions/{slug}/groups
//	GET  /api/sessions/{slug}/groups/{jid}
//	POST /api/sessions/{slug}/queue/empty
func (c *Connector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", c.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", c.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{slug}/chats", c.handleChats)
	mux.HandleFunc("GET /api/sessions/{slug}/groups", c.handleGroups)
	mux.HandleFunc("GET /api/sessions/{slug}/groups/{jid}", c.handleGroup)
	mux.HandleFunc("POST /api/sessions/{slug}/queue/empty", c.handleEmptyQueue)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Connector) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to write API response")
	}
}

func (c *Connector) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var iqErr *groups.IQError
	switch {
	case errors.Is(err, session.ErrNoLiveSession):
		status = http.StatusServiceUnavailable
	case errors.Is(err, groups.ErrMalformedResponse), errors.Is(err, gateway.ErrMalformedFrame):
		status = http.StatusBadGateway
	case errors.As(err, &iqErr) && iqErr.Code == http.StatusNotFound:
		status = http.StatusNotFound
	case errors.As(err, &iqErr), errors.Is(err, transport.ErrClosed):
		status = http.StatusBadGateway
	}
	c.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (c *Connector) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Connector) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, c.registry.List())
}

// pipelineFor resolves the {slug} path value to a configured session.
func (c *Connector) pipelineFor(w http.ResponseWriter, r *http.Request) (*pipeline, bool) {
	p, ok := c.pipelines[r.PathValue("slug")]
	if !ok {
		c.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown session"})
		return nil, false
	}
	return p, true
}

func (c *Connector) handleChats(w http.ResponseWriter, r *http.Request) {
	p, ok := c.pipelineFor(w, r)
	if !ok {
		return
	}
	sess, err := c.registry.Open(p.slug)
	if err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, sess.Mirror().Chats())
}

func (c *Connector) handleGroups(w http.ResponseWriter, r *http.Request) {
	p, ok := c.pipelineFor(w, r)
	if !ok {
		return
	}
	sess, err := c.registry.Open(p.slug)
	if err != nil {
		c.writeError(w, err)
		return
	}
	all, err := sess.Groups().FetchAllParticipating(r.Context())
	if err != nil {
		c.writeError(w, err)
		return
	}
	sess.Mirror().SetGroups(all)
	out := make([]groups.Metadata, 0, len(all))
	for _, meta := range all {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Connector) handleGroup(w http.ResponseWriter, r *http.Request) {
	p, ok := c.pipelineFor(w, r)
	if !ok {
		return
	}
	sess, err := c.registry.Open(p.slug)
	if err != nil {
		c.writeError(w, err)
		return
	}
	meta, err := sess.Groups().Metadata(r.Context(), wanode.CanonicalGroupID(r.PathValue("jid")))
	if err != nil {
		c.writeError(w, err)
		return
	}
	sess.Mirror().PutGroup(meta)
	c.writeJSON(w, http.StatusOK, meta)
}

func (c *Connector) handleEmptyQueue(w http.ResponseWriter, r *http.Request) {
	p, ok := c.pipelineFor(w, r)
	if !ok {
		return
	}
	if err := p.queue.Empty(r.Context()); err != nil {
		c.writeError(w, err)
		return
	}
	c.Log.Info().Str("queue", p.queue.Name()).Msg("Queue emptied through admin API")
	c.writeJSON(w, http.StatusOK, map[string]string{"queue": p.queue.Name(), "status": "emptied"})
}
