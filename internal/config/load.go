package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path, then applies SESSIONLINK_*
// environment overrides. If path is empty, uses DefaultConfigPath. A
// missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		configLoaded = true
	}

	if configLoaded && v.GetInt("config_version") != CurrentConfigVersion {
		return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Project.Path = os.ExpandEnv(cfg.Project.Path)
	cfg.Server.Token = strings.TrimSpace(cfg.Server.Token)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("server.url", cfg.Server.URL)
	v.SetDefault("server.token", cfg.Server.Token)
	v.SetDefault("project.path", cfg.Project.Path)
	v.SetDefault("project.name", cfg.Project.Name)
	v.SetDefault("session.id", cfg.Session.ID)
	v.SetDefault("reconnect.base_ms", cfg.Reconnect.BaseMS)
	v.SetDefault("reconnect.max_ms", cfg.Reconnect.MaxMS)
	v.SetDefault("reconnect.jitter", cfg.Reconnect.Jitter)
	v.SetDefault("reconnect.max_attempts", cfg.Reconnect.MaxAttempts)
	v.SetDefault("delivery.ack_timeout_ms", cfg.Delivery.AckTimeoutMS)
	v.SetDefault("delivery.queue_capacity", cfg.Delivery.QueueCapacity)
	v.SetDefault("delivery.max_retained_failed", cfg.Delivery.MaxRetainedFailed)
	v.SetDefault("terminal.max_pending_bytes", cfg.Terminal.MaxPendingBytes)
	v.SetDefault("terminal.screen_cols", cfg.Terminal.ScreenCols)
	v.SetDefault("terminal.screen_rows", cfg.Terminal.ScreenRows)
	v.SetDefault("history.page_size", cfg.History.PageSize)
	v.SetDefault("logging.level", cfg.Logging.Level)
}

// Validate checks values that would otherwise fail far from their source.
func (c Config) Validate() error {
	serverURL := strings.TrimSpace(c.Server.URL)
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must include scheme and host (e.g. https://example.com)")
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url scheme %q is not supported", parsed.Scheme)
	}
	if c.Reconnect.BaseMS < 0 || c.Reconnect.MaxMS < 0 || c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect values must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if c.Delivery.QueueCapacity < 0 || c.Delivery.MaxRetainedFailed < 0 {
		return fmt.Errorf("delivery limits must not be negative")
	}
	if (c.Terminal.ScreenCols == 0) != (c.Terminal.ScreenRows == 0) || c.Terminal.ScreenCols < 0 || c.Terminal.ScreenRows < 0 {
		return fmt.Errorf("terminal.screen_cols and terminal.screen_rows must both be positive or both be zero")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", c.Logging.Level)
	}
	return nil
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
