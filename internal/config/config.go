// Package config loads sessionlink settings from YAML, environment
// variables and defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gastownhall/sessionlink/internal/backoff"
)

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EnvPrefix prefixes environment overrides, e.g. SESSIONLINK_SERVER_URL.
const EnvPrefix = "SESSIONLINK"

// Config is the top-level configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Server        ServerConfig    `mapstructure:"server" yaml:"server"`
	Project       ProjectConfig   `mapstructure:"project" yaml:"project"`
	Session       SessionConfig   `mapstructure:"session" yaml:"session"`
	Reconnect     ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Delivery      DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	Terminal      TerminalConfig  `mapstructure:"terminal" yaml:"terminal"`
	History       HistoryConfig   `mapstructure:"history" yaml:"history"`
	Logging       LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig locates the remote service.
type ServerConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token"`
}

// ProjectConfig names the project commands run in.
type ProjectConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	Name string `mapstructure:"name" yaml:"name"`
}

// SessionConfig resumes an existing session when ID is set.
type SessionConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// ReconnectConfig tunes the reconnect backoff.
type ReconnectConfig struct {
	BaseMS      int     `mapstructure:"base_ms" yaml:"base_ms"`
	MaxMS       int     `mapstructure:"max_ms" yaml:"max_ms"`
	Jitter      float64 `mapstructure:"jitter" yaml:"jitter"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DeliveryConfig bounds message delivery.
type DeliveryConfig struct {
	AckTimeoutMS      int `mapstructure:"ack_timeout_ms" yaml:"ack_timeout_ms"`
	QueueCapacity     int `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	MaxRetainedFailed int `mapstructure:"max_retained_failed" yaml:"max_retained_failed"`
}

// TerminalConfig controls shell output decoding. A zero screen size
// disables the screen mirror.
type TerminalConfig struct {
	MaxPendingBytes int `mapstructure:"max_pending_bytes" yaml:"max_pending_bytes"`
	ScreenCols      int `mapstructure:"screen_cols" yaml:"screen_cols"`
	ScreenRows      int `mapstructure:"screen_rows" yaml:"screen_rows"`
}

// HistoryConfig controls history paging.
type HistoryConfig struct {
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
}

// LoggingConfig sets the minimum log level: trace, debug, info, warn or error.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Server:        ServerConfig{URL: "http://localhost:3001"},
		Project:       ProjectConfig{Path: "$PWD"},
		Reconnect: ReconnectConfig{
			BaseMS:      int(backoff.DefaultBase / time.Millisecond),
			MaxMS:       int(backoff.DefaultMax / time.Millisecond),
			Jitter:      backoff.DefaultJitter,
			MaxAttempts: backoff.DefaultMaxAttempts,
		},
		Delivery: DeliveryConfig{
			AckTimeoutMS:      30_000,
			QueueCapacity:     256,
			MaxRetainedFailed: 256,
		},
		Terminal: TerminalConfig{
			MaxPendingBytes: 512,
			ScreenCols:      120,
			ScreenRows:      40,
		},
		History: HistoryConfig{PageSize: 50},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sessionlink", "config.yaml"), nil
}

// Policy returns the reconnect policy.
func (c Config) Policy() backoff.Policy {
	return backoff.Policy{
		Base:        time.Duration(c.Reconnect.BaseMS) * time.Millisecond,
		Max:         time.Duration(c.Reconnect.MaxMS) * time.Millisecond,
		Jitter:      c.Reconnect.Jitter,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// AckTimeout returns the delivery acknowledgement timeout.
func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.Delivery.AckTimeoutMS) * time.Millisecond
}

// ProjectName returns the configured project name, or the last element of
// the project path.
func (c Config) ProjectName() string {
	if c.Project.Name != "" {
		return c.Project.Name
	}
	if c.Project.Path == "" {
		return ""
	}
	return filepath.Base(c.Project.Path)
}
