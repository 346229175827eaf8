// Copyright 2024-2026 Aiku AI

package session

import (
	"errors"
	"fmt"
)

// ErrLoggedOut is returned by Manager.Run when the platform ended the
// session for good. The slug must be paired again before it can reconnect.
var ErrLoggedOut = errors.New("session: logged out")

// ErrNoLiveSession is returned when a slug has no open session.
var ErrNoLiveSession = errors.New("session: no live session")

// ErrAlreadyRunning is returned by Manager.Run when the slug is already
// supervised by another call.
var ErrAlreadyRunning = errors.New("session: already running")

// UnrecoverableError reports that reconnecting gave up after the configured
// number of consecutive failed attempts.
type UnrecoverableError struct {
	Slug     string
	Attempts int
	Err      error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("session %s unrecoverable after %d attempts: %v", e.Slug, e.Attempts, e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}
