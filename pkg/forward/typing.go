// Copyright 2024-2026 Aiku AI

package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/aiku/waforward/pkg/transport"
)

// Sender is the part of a transport handle used to deliver messages.
type Sender interface {
	PresenceSubscribe(ctx context.Context, jid string) error
	SendPresenceUpdate(ctx context.Context, presence transport.Presence, jid string) error
	SendMessage(ctx context.Context, jid string, msg transport.OutgoingMessage) (string, error)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// typist sends messages the way a person would: it subscribes to the chat's
// presence, shows composing for a while, pauses and then sends.
type typist struct {
	simulate       bool
	subscribeDelay time.Duration
	typingDelay    time.Duration
	sleep          sleepFunc
}

func newTypist(cfg Config) typist {
	return typist{
		simulate:       cfg.SimulatePresence,
		subscribeDelay: cfg.SubscribeDelay,
		typingDelay:    cfg.TypingDelay,
		sleep:          sleepContext,
	}
}

func (t typist) send(ctx context.Context, s Sender, jid string, msg transport.OutgoingMessage, simulate bool) (string, error) {
	if simulate && t.simulate {
		if err := s.PresenceSubscribe(ctx, jid); err != nil {
			return "", fmt.Errorf("failed to subscribe to presence: %w", err)
		}
		if err := t.sleep(ctx, t.subscribeDelay); err != nil {
			return "", err
		}
		if err := s.SendPresenceUpdate(ctx, transport.PresenceComposing, jid); err != nil {
			return "", fmt.Errorf("failed to send composing presence: %w", err)
		}
		if err := t.sleep(ctx, t.typingDelay); err != nil {
			return "", err
		}
		if err := s.SendPresenceUpdate(ctx, transport.PresencePaused, jid); err != nil {
			return "", fmt.Errorf("failed to send paused presence: %w", err)
		}
	}
	id, err := s.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send %s message: %w", msg.Kind(), err)
	}
	return id, nil
}
