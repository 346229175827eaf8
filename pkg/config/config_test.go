// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/waforward/pkg/forward"
	"github.com/aiku/waforward/pkg/session"
)

func exampleWithSender() string {
	return strings.Replace(ExampleConfig, `sender: ""`, `sender: "919560692374@s.whatsapp.net"`, 1)
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	cfg, err := ParseYAML([]byte(exampleWithSender()))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if cfg.Gateway.URL != "ws://localhost:8080/ws" || cfg.Gateway.PingInterval != 30*time.Second {
		t.Errorf("gateway: %+v", cfg.Gateway)
	}
	if cfg.Session.SnapshotInterval != 10*time.Second || !cfg.Session.SyncGroups || cfg.Session.Backoff.MaxDelay != 2*time.Minute {
		t.Errorf("session: %+v", cfg.Session)
	}
	if cfg.Forward.Marker != "PING" || cfg.Forward.TypingDelay != 3*time.Second || cfg.Forward.InvalidFormatReply != "Invalid format" {
		t.Errorf("forward: %+v", cfg.Forward)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Name != "main" {
		t.Errorf("sessions: %+v", cfg.Sessions)
	}
	if cfg.Queue.Backend != QueueMemory || cfg.AdminAPIAddr != "127.0.0.1:29330" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if _, err = cfg.Logger(); err != nil {
		t.Errorf("Logger: %v", err)
	}
}

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
gateway:
  url: wss://gw.example.com/ws
forward:
  sender: "1@s.whatsapp.net"
sessions:
  - name: Sales Team
    forward:
      sender: "2@s.whatsapp.net"
      target_chat_name: Sales
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Gateway.URL != "wss://gw.example.com/ws" {
		t.Errorf("URL: got %q", cfg.Gateway.URL)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := cfg.ForwardFor(cfg.Sessions[0]); got.Sender != "2@s.whatsapp.net" || got.TargetChatName != "Sales" {
		t.Errorf("session override not applied: %+v", got)
	}
	if cfg.DataDir != "./data" || cfg.Session.SnapshotInterval != session.DefaultSnapshotInterval {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestPostProcessValidation(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{
			Gateway:  GatewayConfig{URL: "ws://localhost:1/ws"},
			Forward:  forwardWithSender(),
			Sessions: []SessionEntry{{Name: "main"}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "http gateway", mutate: func(c *Config) { c.Gateway.URL = "http://localhost" }, errMsg: "gateway.url"},
		{name: "missing gateway", mutate: func(c *Config) { c.Gateway.URL = "" }, errMsg: "gateway.url"},
		{name: "negative ping", mutate: func(c *Config) { c.Gateway.PingInterval = -time.Second }, errMsg: "ping_interval"},
		{name: "no sessions", mutate: func(c *Config) { c.Sessions = nil }, errMsg: "no sessions"},
		{name: "slug clash", mutate: func(c *Config) {
			c.Sessions = []SessionEntry{{Name: "team_a"}, {Name: "team_a"}}
		}, errMsg: "share the slug"},
		{name: "no sender", mutate: func(c *Config) { c.Forward.Sender = "" }, errMsg: "forward.sender"},
		{name: "redis without uri", mutate: func(c *Config) { c.Queue.Backend = QueueRedis }, errMsg: "redis_uri"},
		{name: "unknown backend", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, errMsg: "queue.backend"},
		{name: "negative attempts", mutate: func(c *Config) { c.Session.MaxAttempts = -1 }, errMsg: "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.PostProcess()
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("got %v, want error mentioning %q", err, tt.errMsg)
			}
		})
	}
}

func TestPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Gateway:     GatewayConfig{URL: "ws://localhost:1/ws"},
		Forward:     forwardWithSender(),
		Sessions:    []SessionEntry{{}},
		Credentials: CredentialsConfig{Seal: true},
		DataDir:     "/var/lib/waforward",
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.Sessions[0].Name, "autoId_") {
		t.Errorf("empty session name not generated: %q", cfg.Sessions[0].Name)
	}
	if cfg.Credentials.KeyFile != filepath.Join("/var/lib/waforward", "credentials.key") {
		t.Errorf("key file = %q", cfg.Credentials.KeyFile)
	}
	if cfg.Queue.Backend != QueueMemory {
		t.Errorf("backend = %q", cfg.Queue.Backend)
	}
}

func TestParseTOML(t *testing.T) {
	t.Parallel()
	input := `
data_dir = "/srv/waforward"
admin_api_addr = ":29330"

[gateway]
url = "ws://sidecar:8080/ws"
ping_interval = "15s"

[session]
snapshot_interval = "5s"
max_attempts = 5

[session.backoff]
initial_delay = "500ms"
multiplier = 1.5

[queue]
backend = "redis"
redis_uri = "redis://redis:6379/1"

[forward]
sender = "919560692374@s.whatsapp.net"
targets = ["120363000000000001"]
typing_delay = "2s"
rate_per_minute = 10

[[sessions]]
name = "kartik"
`
	cfg, err := ParseTOML([]byte(input))
	if err != nil {
		t.Fatalf("ParseTOML: %v", err)
	}
	if cfg.DataDir != "/srv/waforward" || cfg.Gateway.PingInterval != 15*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
	mc := cfg.ManagerConfig()
	if mc.SnapshotInterval != 5*time.Second || mc.MaxAttempts != 5 || mc.Backoff.InitialDelay != 500*time.Millisecond || mc.Backoff.Multiplier != 1.5 {
		t.Errorf("manager config %+v", mc)
	}
	if cfg.Queue.Backend != QueueRedis || cfg.Queue.RedisURI != "redis://redis:6379/1" {
		t.Errorf("queue %+v", cfg.Queue)
	}
	if cfg.Forward.TypingDelay != 2*time.Second || cfg.Forward.RatePerMinute != 10 || len(cfg.Forward.Targets) != 1 {
		t.Errorf("forward %+v", cfg.Forward)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Name != "kartik" {
		t.Errorf("sessions %+v", cfg.Sessions)
	}
}

func TestParseTOMLKeepsExampleDefaults(t *testing.T) {
	t.Parallel()
	input := `
[gateway]
url = "ws://sidecar:8080/ws"

[session.backoff]
max_delay = "30s"

[forward]
sender = "1@s.whatsapp.net"

[[sessions]]
name = "kartik"
`
	cfg, err := ParseTOML([]byte(input))
	if err != nil {
		t.Fatalf("ParseTOML: %v", err)
	}
	fwd := cfg.Forward
	if !fwd.SimulatePresence || fwd.SubscribeDelay != time.Second || fwd.TypingDelay != 3*time.Second {
		t.Errorf("presence defaults lost: %+v", fwd)
	}
	if fwd.RatePerMinute != 20 || fwd.Burst != 1 || fwd.Marker != "PING" {
		t.Errorf("forward defaults lost: %+v", fwd)
	}
	mc := cfg.ManagerConfig()
	if mc.Backoff.MaxDelay != 30*time.Second || mc.Backoff.InitialDelay != time.Second || mc.Backoff.Multiplier != 2 {
		t.Errorf("backoff not merged: %+v", mc.Backoff)
	}
	if cfg.Queue.Backend != QueueMemory || cfg.DataDir != "./data" {
		t.Errorf("top-level defaults lost: %+v", cfg)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Name != "kartik" {
		t.Errorf("sessions must replace the example list: %+v", cfg.Sessions)
	}
}

func TestMergeMaps(t *testing.T) {
	t.Parallel()
	dst := map[string]any{
		"a": 1,
		"nested": map[string]any{"x": "keep", "y": "old"},
		"list":   []any{"one", "two"},
	}
	src := map[string]any{
		"nested": map[string]any{"y": "new"},
		"list":   []any{"three"},
		"b":      true,
	}
	got := mergeMaps(dst, src)
	nested := got["nested"].(map[string]any)
	if nested["x"] != "keep" || nested["y"] != "new" {
		t.Errorf("nested = %v", nested)
	}
	if list := got["list"].([]any); len(list) != 1 || list[0] != "three" {
		t.Errorf("list = %v", list)
	}
	if got["a"] != 1 || got["b"] != true {
		t.Errorf("merged = %v", got)
	}
}

func TestParseTOMLInvalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseTOML([]byte("data_dir = ")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestLoadTOMLFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[gateway]\nurl = \"ws://x:1/ws\"\n[forward]\nsender = \"1@s.whatsapp.net\"\n[[sessions]]\nname = \"a\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.URL != "ws://x:1/ws" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestWriteExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteExample(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != ExampleConfig {
		t.Fatalf("example not written: %v", err)
	}
	if err = WriteExample(path); err == nil {
		t.Error("WriteExample must not overwrite an existing file")
	}
}

func forwardWithSender() forward.Config {
	cfg := forward.DefaultConfig
	cfg.Sender = "919560692374@s.whatsapp.net"
	return cfg
}
