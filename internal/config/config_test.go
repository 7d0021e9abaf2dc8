package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.URL != def.Server.URL {
		t.Fatalf("server.url = %q, want %q", cfg.Server.URL, def.Server.URL)
	}
	if cfg.AckTimeout() != 30*time.Second {
		t.Fatalf("AckTimeout() = %v, want 30s", cfg.AckTimeout())
	}
	if p := cfg.Policy(); p.Base != 500*time.Millisecond || p.Max != 30*time.Second || p.MaxAttempts != 10 {
		t.Fatalf("Policy() = %+v, want defaults", p)
	}
	if strings.Contains(cfg.Project.Path, "$") {
		t.Fatalf("project.path = %q, want expanded", cfg.Project.Path)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
server:
  url: https://example.com/base
  token: "  s3cret  "
project:
  path: /work/demo
session:
  id: abc
reconnect:
  base_ms: 100
  max_ms: 2000
  jitter: 0
  max_attempts: 3
delivery:
  ack_timeout_ms: 1500
terminal:
  screen_cols: 0
  screen_rows: 0
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.URL != "https://example.com/base" || cfg.Server.Token != "s3cret" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.ProjectName() != "demo" {
		t.Fatalf("ProjectName() = %q, want demo", cfg.ProjectName())
	}
	if cfg.Session.ID != "abc" {
		t.Fatalf("session.id = %q, want abc", cfg.Session.ID)
	}
	if p := cfg.Policy(); p.Base != 100*time.Millisecond || p.Max != 2*time.Second || p.Jitter != 0 || p.MaxAttempts != 3 {
		t.Fatalf("Policy() = %+v", p)
	}
	if cfg.AckTimeout() != 1500*time.Millisecond {
		t.Fatalf("AckTimeout() = %v, want 1.5s", cfg.AckTimeout())
	}
	if cfg.Delivery.QueueCapacity != 256 {
		t.Fatalf("queue_capacity = %d, want default 256", cfg.Delivery.QueueCapacity)
	}
	if cfg.Terminal.ScreenCols != 0 || cfg.Logging.Level != "debug" {
		t.Fatalf("terminal/logging = %+v/%+v", cfg.Terminal, cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
server:
  url: https://example.com
`)
	t.Setenv("SESSIONLINK_SERVER_URL", "http://127.0.0.1:9999")
	t.Setenv("SESSIONLINK_DELIVERY_ACK_TIMEOUT_MS", "250")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.URL != "http://127.0.0.1:9999" {
		t.Fatalf("server.url = %q, want env override", cfg.Server.URL)
	}
	if cfg.AckTimeout() != 250*time.Millisecond {
		t.Fatalf("AckTimeout() = %v, want 250ms", cfg.AckTimeout())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"version", "config_version: 7", "unsupported config_version"},
		{"url without host", "config_version: 1\nserver:\n  url: example.com", "server.url"},
		{"url scheme", "config_version: 1\nserver:\n  url: ftp://example.com", "not supported"},
		{"jitter", "config_version: 1\nreconnect:\n  jitter: 2", "reconnect.jitter"},
		{"screen", "config_version: 1\nterminal:\n  screen_cols: 80\n  screen_rows: 0", "terminal.screen_cols"},
		{"level", "config_version: 1\nlogging:\n  level: loud", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if written != path {
		t.Fatalf("WriteDefault() = %q, want %q", written, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "ack_timeout_ms: 30000") {
		t.Fatalf("default file missing ack_timeout_ms:\n%s", data)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load(default) error = %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatal("expected WriteDefault to refuse overwriting")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault(overwrite) error = %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "config_version: 1\ndelivery:\n  ack_timeout_ms: 1000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 8)
	if err := Watch(ctx, path, nil, func(cfg Config) { got <- cfg }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte("config_version: 1\nlogging:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(path, []byte("config_version: 1\ndelivery:\n  ack_timeout_ms: 2000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.Logging.Level == "loud" {
				t.Fatal("invalid config was delivered")
			}
			if cfg.AckTimeout() == 2*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
