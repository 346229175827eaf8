// Copyright 2024-2026 Aiku AI

// Package gateway implements transport.Dialer over a websocket connection to
// a sidecar process that runs the platform client. Requests and events are
// exchanged as CBOR frames.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiku/waforward/pkg/transport"
)

// DefaultPingInterval is the keepalive period of gateway connections.
const DefaultPingInterval = 30 * time.Second

// Dialer opens gateway handles.
type Dialer struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration

	ws *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(url string, token string) *Dialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Dialer{
		URL:          url,
		Header:       header,
		PingInterval: DefaultPingInterval,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Open connects to the sidecar and announces the session. The returned
// handle's first events come from the sidecar's pairing or resume flow.
func (d *Dialer) Open(ctx context.Context, cfg transport.Config) (transport.Handle, error) {
	conn, resp, err := d.ws.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to gateway (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	h := newHandle(conn, cfg, d.PingInterval)
	if err = h.write(Frame{Op: OpHello, Slug: cfg.Slug, Name: cfg.Name, Credentials: cfg.Credentials}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	h.start()
	h.log.Debug().Str("url", d.URL).Msg("Connected to gateway")
	return h, nil
}
