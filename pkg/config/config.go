// Copyright 2024-2026 Aiku AI

// Package config loads the service configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/waforward/pkg/forward"
	"github.com/aiku/waforward/pkg/session"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalid wraps every validation failure of PostProcess.
var ErrInvalid = errors.New("invalid config")

type GatewayConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter"`
}

type SessionConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SyncGroups       bool          `yaml:"sync_groups"`
	MessageLimit     int           `yaml:"message_limit"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type CredentialsConfig struct {
	Seal    bool   `yaml:"seal"`
	KeyFile string `yaml:"key_file"`
}

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type QueueConfig struct {
	Backend    string        `yaml:"backend"`
	RedisURI   string        `yaml:"redis_uri"`
	MaxRetry   int           `yaml:"max_retry"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// SessionEntry is one session to run. Forward replaces the default
// forwarding rules when set.
type SessionEntry struct {
	Name    string          `yaml:"name"`
	Forward *forward.Config `yaml:"forward,omitempty"`
}

// Config is the whole service configuration.
type Config struct {
	DataDir      string            `yaml:"data_dir"`
	Gateway      GatewayConfig     `yaml:"gateway"`
	Session      SessionConfig     `yaml:"session"`
	Credentials  CredentialsConfig `yaml:"credentials"`
	Queue        QueueConfig       `yaml:"queue"`
	Forward      forward.Config    `yaml:"forward"`
	Sessions     []SessionEntry    `yaml:"sessions"`
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills derived defaults.
func (c *Config) PostProcess() error {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	gw, err := url.Parse(c.Gateway.URL)
	if err != nil || (gw.Scheme != "ws" && gw.Scheme != "wss") || gw.Host == "" {
		return fmt.Errorf("%w: gateway.url must be a ws:// or wss:// URL, got %q", ErrInvalid, c.Gateway.URL)
	}
	if c.Gateway.PingInterval < 0 {
		return fmt.Errorf("%w: gateway.ping_interval must not be negative", ErrInvalid)
	}
	if c.Session.SnapshotInterval <= 0 {
		c.Session.SnapshotInterval = session.DefaultSnapshotInterval
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("%w: session.max_attempts must not be negative", ErrInvalid)
	}
	if c.Credentials.Seal && c.Credentials.KeyFile == "" {
		c.Credentials.KeyFile = filepath.Join(c.DataDir, "credentials.key")
	}
	switch c.Queue.Backend {
	case "":
		c.Queue.Backend = QueueMemory
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisURI == "" {
			return fmt.Errorf("%w: queue.redis_uri is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown queue.backend %q", ErrInvalid, c.Queue.Backend)
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("%w: no sessions configured", ErrInvalid)
	}
	seen := make(map[string]string, len(c.Sessions))
	for i := range c.Sessions {
		entry := &c.Sessions[i]
		if entry.Name == "" {
			entry.Name = session.AutoName()
		}
		slug := session.Slugify(entry.Name)
		if other, dup := seen[slug]; dup {
			return fmt.Errorf("%w: sessions %q and %q share the slug %q", ErrInvalid, other, entry.Name, slug)
		}
		seen[slug] = entry.Name
		if fwd := c.ForwardFor(*entry); fwd.Sender == "" {
			return fmt.Errorf("%w: session %q has no forward.sender", ErrInvalid, entry.Name)
		}
	}
	return nil
}

// ForwardFor returns the forwarding rules of a session.
func (c *Config) ForwardFor(entry SessionEntry) forward.Config {
	if entry.Forward != nil {
		return *entry.Forward
	}
	return c.Forward
}

// ManagerConfig converts the session block for session.NewManager.
func (c *Config) ManagerConfig() session.Config {
	return session.Config{
		SnapshotInterval: c.Session.SnapshotInterval,
		SyncGroups:       c.Session.SyncGroups,
		MessageLimit:     c.Session.MessageLimit,
		MaxAttempts:      c.Session.MaxAttempts,
		Backoff: session.BackoffConfig{
			InitialDelay: c.Session.Backoff.InitialDelay,
			Multiplier:   c.Session.Backoff.Multiplier,
			MaxDelay:     c.Session.Backoff.MaxDelay,
			Jitter:       c.Session.Backoff.Jitter,
		},
	}
}

// Logger builds the process logger from the logging block.
func (c *Config) Logger() (*zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "data_dir")
	helper.Copy(up.Str, "gateway", "url")
	helper.Copy(up.Str, "gateway", "token")
	helper.Copy(up.Str, "gateway", "ping_interval")
	helper.Copy(up.Str, "session", "snapshot_interval")
	helper.Copy(up.Bool, "session", "sync_groups")
	helper.Copy(up.Int, "session", "message_limit")
	helper.Copy(up.Int, "session", "max_attempts")
	helper.Copy(up.Str, "session", "backoff", "initial_delay")
	helper.Copy(up.Int|up.Float, "session", "backoff", "multiplier")
	helper.Copy(up.Str, "session", "backoff", "max_delay")
	helper.Copy(up.Bool, "session", "backoff", "jitter")
	helper.Copy(up.Bool, "credentials", "seal")
	helper.Copy(up.Str, "credentials", "key_file")
	helper.Copy(up.Str, "queue", "backend")
	helper.Copy(up.Str, "queue", "redis_uri")
	helper.Copy(up.Int, "queue", "max_retry")
	helper.Copy(up.Str, "queue", "job_timeout")
	helper.Copy(up.Str, "forward", "sender")
	helper.Copy(up.Str, "forward", "marker")
	helper.Copy(up.Str, "forward", "invalid_format_reply")
	helper.Copy(up.Str, "forward", "target_chat_name")
	helper.Copy(up.List, "forward", "targets")
	helper.Copy(up.Bool, "forward", "simulate_presence")
	helper.Copy(up.Str, "forward", "subscribe_delay")
	helper.Copy(up.Str, "forward", "typing_delay")
	helper.Copy(up.Int|up.Float, "forward", "rate_per_minute")
	helper.Copy(up.Int, "forward", "burst")
	helper.Copy(up.List, "sessions")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the bundled example, so keys added in
// newer versions appear with their defaults.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// Load reads the config at path. YAML files are upgraded onto the example
// config first and written back when save is set. TOML files are merged onto
// the example config in memory and never written back.
func Load(path string, save bool) (*Config, error) {
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		return ParseTOML(data)
	}
	data, _, err = up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and validates a YAML config.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseTOML decodes and validates a TOML config. The document uses the same
// keys as the YAML form, and keys it leaves out take their value from the
// example config.
func ParseTOML(data []byte) (*Config, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	var base map[string]any
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	// Route through YAML so both formats share one set of field tags and
	// duration parsing.
	converted, err := yaml.Marshal(mergeMaps(base, raw))
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return ParseYAML(converted)
}

// mergeMaps overlays src onto dst. Nested tables merge key by key, while
// scalars and lists in src replace the value in dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = mergeMaps(dstMap, srcMap)
		} else {
			dst[key] = val
		}
	}
	return dst
}

// WriteExample writes the example config to path. It refuses to overwrite an
// existing file.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create example config: %w", err)
	}
	if _, err = f.WriteString(ExampleConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return f.Close()
}
