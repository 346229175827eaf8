// Copyright 2024-2026 Aiku AI

// Package transport defines the narrow contract between the session layer and
// the platform client that owns encryption, framing and the socket itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/wanode"
)

// Disconnect status codes reported in ConnectionUpdate.ErrorCode.
const (
	CodeLoggedOut          = 401
	CodeConnectionLost     = 408
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeRestartRequired    = 515
)

// CodeName returns a readable name for a disconnect status code.
func CodeName(code int) string {
	switch code {
	case CodeLoggedOut:
		return "logged out"
	case CodeConnectionLost:
		return "connection lost"
	case CodeConnectionClosed:
		return "connection closed"
	case CodeConnectionReplaced:
		return "connection replaced"
	case CodeBadSession:
		return "bad session"
	case CodeRestartRequired:
		return "restart required"
	default:
		return fmt.Sprintf("code %d", code)
	}
}

// ErrClosed is returned by handle operations after Close or after the
// connection dropped.
var ErrClosed = errors.New("transport: handle closed")

// Presence is a chat state announced to a peer.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

// MessageLookup resolves a previously seen message so the client can answer
// retry receipts. It returns false when the message is unknown.
type MessageLookup func(key MessageKey) (string, bool)

// Config is what a session hands to the dialer.
type Config struct {
	Slug        string
	Name        string
	Credentials []byte
	GetMessage  MessageLookup
	Log         zerolog.Logger
}

// Dialer opens transport handles.
type Dialer interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one live connection. Events are delivered in arrival order on the
// channel returned by Events, which is closed once the handle is done.
type Handle interface {
	Query(ctx context.Context, req wanode.Node) (wanode.Node, error)
	Events() <-chan Event
	PresenceSubscribe(ctx context.Context, jid string) error
	SendPresenceUpdate(ctx context.Context, presence Presence, jid string) error
	SendMessage(ctx context.Context, jid string, msg OutgoingMessage) (string, error)
	DownloadMedia(ctx context.Context, media Media) (io.ReadCloser, error)
	Close() error
}
