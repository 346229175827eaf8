// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between failed reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff is used when the configuration leaves the delay unset.
var DefaultBackoff = BackoffConfig{
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     2 * time.Minute,
	Jitter:       true,
}

// NextBackoffDelay returns the delay before the given 1-based attempt.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

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
