package config

import (
	"fmt"
	"log/slog"
	"time"
)

// Config is the root configuration for a cabled instance.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Router     RouterConfig     `yaml:"router"`
	Backend    BackendConfig    `yaml:"backend"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	PublishPath     string        `yaml:"publish_path"`     // POST <publish_path>/{topic}
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // Empty allows same-origin only; "*" allows all
	Subprotocols    []string      `yaml:"subprotocols"`     // In preference order
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for open sessions
}

// ConnectionConfig holds per-websocket transport settings.
type ConnectionConfig struct {
	ReadLimit    int64         `yaml:"read_limit"` // Max inbound frame size in bytes
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

// RouterConfig holds the topic route table and inbound rate limit.
type RouterConfig struct {
	RateLimit float64       `yaml:"rate_limit"` // Envelopes per second per connection; 0 disables
	RateBurst int           `yaml:"rate_burst"`
	Routes    []RouteConfig `yaml:"routes"`
}

// RouteConfig binds a topic pattern to a named handler.
type RouteConfig struct {
	Pattern string `yaml:"pattern"` // "room:*" or an exact topic
	Handler string `yaml:"handler"` // "chat" or "lobby"
}

// BackendConfig holds in-memory backend settings.
type BackendConfig struct {
	FeedBufferSize int `yaml:"feed_buffer_size"`
	FeedMaxSize    int `yaml:"feed_max_size"`
}

// ArchiveConfig holds the optional PostgreSQL event archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Topics        []string      `yaml:"topics"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // Defaults to true
	Path    string `yaml:"path"`
}

// IsEnabled reports whether metrics are served.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", l.Level, err)
	}
	return level, nil
}
