// Copyright 2024-2026 Aiku AI

// Package forward relays messages from one distinguished sender to a set of
// target chats. The Dispatcher classifies inbound messages and enqueues one
// job per target; the Worker drains the queue and delivers each job with a
// typing simulation.
package forward

import (
	"strings"
	"time"

	"github.com/aiku/waforward/pkg/wanode"
)

// Config is the forwarding behaviour of one session.
type Config struct {
	// Sender is the only chat whose messages are forwarded.
	Sender string `yaml:"sender" toml:"sender"`
	// Marker splits forwarded text; only the part after the last marker is
	// kept. Text without the marker is forwarded whole.
	Marker string `yaml:"marker" toml:"marker"`
	// InvalidFormatReply is sent back to the sender for payloads that cannot
	// be forwarded.
	InvalidFormatReply string `yaml:"invalid_format_reply" toml:"invalid_format_reply"`
	// TargetChatName selects every known chat with exactly this name.
	TargetChatName string `yaml:"target_chat_name" toml:"target_chat_name"`
	// Targets are chat ids that always receive forwarded messages.
	Targets []string `yaml:"targets" toml:"targets"`

	// SimulatePresence runs the typing sequence before every send.
	SimulatePresence bool `yaml:"simulate_presence" toml:"simulate_presence"`
	// SubscribeDelay is the wait between the presence subscription and the
	// composing announcement.
	SubscribeDelay time.Duration `yaml:"subscribe_delay" toml:"subscribe_delay"`
	// TypingDelay is how long the composing state is shown.
	TypingDelay time.Duration `yaml:"typing_delay" toml:"typing_delay"`
	// RatePerMinute caps sends per session. Zero disables the limit.
	RatePerMinute float64 `yaml:"rate_per_minute" toml:"rate_per_minute"`
	// Burst is the number of sends allowed back to back.
	Burst int `yaml:"burst" toml:"burst"`
}

// DefaultConfig matches the typing rhythm of a person.
var DefaultConfig = Config{
	Marker:             "PING",
	InvalidFormatReply: "Invalid format",
	SimulatePresence:   true,
	SubscribeDelay:     time.Second,
	TypingDelay:        3 * time.Second,
	RatePerMinute:      20,
	Burst:              1,
}

// Normalized returns a copy with ids canonicalized and unset values filled
// from DefaultConfig.
func (c Config) Normalized() Config {
	c.Sender = wanode.NormalizeUser(c.Sender)
	targets := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		if t == "" {
			continue
		}
		targets = append(targets, normalizeChat(t))
	}
	c.Targets = targets
	if c.InvalidFormatReply == "" {
		c.InvalidFormatReply = DefaultConfig.InvalidFormatReply
	}
	if c.SubscribeDelay < 0 {
		c.SubscribeDelay = 0
	}
	if c.TypingDelay < 0 {
		c.TypingDelay = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// normalizeChat treats a bare id as a group id.
func normalizeChat(id string) string {
	if !strings.Contains(id, "@") || wanode.IsGroup(id) {
		return wanode.CanonicalGroupID(id)
	}
	return wanode.NormalizeUser(id)
}
