// Package config loads the codelink client configuration from YAML with
// environment-variable overrides for the connection endpoint and token.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/nvollmar/codelink/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultRequestTimeout      = 30 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultReconnectDelay      = 2 * time.Second
	DefaultMaxReconnectDelay   = 60 * time.Second
	DefaultMaxReconnectTries   = 10
	DefaultMaxMissedHeartbeats = 0 // log-only; no forced reconnect
)

// Environment override variables.
const (
	EnvServerURL = "CODELINK_SERVER_URL"
	EnvToken     = "CODELINK_TOKEN"
)

// Config represents the complete codelink configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig identifies the bridge endpoint and credentials.
type ServerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ConnectionConfig tunes timeouts, heartbeat, and the reconnect policy.
type ConnectionConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// MaxReconnectTries bounds automatic reconnection after a transport
	// loss. -1 disables auto-reconnect entirely; zero means unset and
	// falls back to the default.
	MaxReconnectTries int `yaml:"max_reconnect_tries"`

	// MaxMissedHeartbeats escalates that many consecutive failed pings to
	// a forced reconnect. Zero keeps pings log-only.
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats"`
}

// LoggingConfig controls the structured JSONL logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Default returns a Config with all defaults applied and no endpoint set.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			RequestTimeout:      DefaultRequestTimeout,
			HeartbeatInterval:   DefaultHeartbeatInterval,
			ReconnectDelay:      DefaultReconnectDelay,
			MaxReconnectDelay:   DefaultMaxReconnectDelay,
			MaxReconnectTries:   DefaultMaxReconnectTries,
			MaxMissedHeartbeats: DefaultMaxMissedHeartbeats,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty), merges it over the defaults, and
// applies environment overrides. Callers apply any further runtime
// overrides and then Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "reading config file").
				WithContext("path", path)
		}

		var override Config
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing YAML").
				WithContext("path", path)
		}
		merge(cfg, &override)
	}

	applyEnv(cfg)
	return cfg, nil
}

// merge copies set fields of override onto base.
func merge(base, override *Config) {
	if override.Server.URL != "" {
		base.Server.URL = override.Server.URL
	}
	if override.Server.Token != "" {
		base.Server.Token = override.Server.Token
	}
	if override.Connection.RequestTimeout != 0 {
		base.Connection.RequestTimeout = override.Connection.RequestTimeout
	}
	if override.Connection.HeartbeatInterval != 0 {
		base.Connection.HeartbeatInterval = override.Connection.HeartbeatInterval
	}
	if override.Connection.ReconnectDelay != 0 {
		base.Connection.ReconnectDelay = override.Connection.ReconnectDelay
	}
	if override.Connection.MaxReconnectDelay != 0 {
		base.Connection.MaxReconnectDelay = override.Connection.MaxReconnectDelay
	}
	if override.Connection.MaxReconnectTries != 0 {
		base.Connection.MaxReconnectTries = override.Connection.MaxReconnectTries
	}
	if override.Connection.MaxMissedHeartbeats != 0 {
		base.Connection.MaxMissedHeartbeats = override.Connection.MaxMissedHeartbeats
	}
	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
}

func applyEnv(cfg *Config) {
	if url := os.Getenv(EnvServerURL); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv(EnvToken); token != "" {
		cfg.Server.Token = token
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "server url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "server url must use ws:// or wss://").
			WithContext("url", c.Server.URL)
	}
	if c.Server.Token == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "auth token is required")
	}
	if c.Connection.RequestTimeout <= 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "request timeout must be positive")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "heartbeat interval must be positive")
	}
	if c.Connection.ReconnectDelay <= 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "reconnect delay must be positive")
	}
	if c.Connection.MaxReconnectDelay < c.Connection.ReconnectDelay {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "max reconnect delay must be >= reconnect delay")
	}
	if c.Connection.MaxReconnectTries < -1 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "max reconnect tries must be >= -1")
	}
	if c.Connection.MaxMissedHeartbeats < 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "max missed heartbeats must be >= 0")
	}
	return nil
}
