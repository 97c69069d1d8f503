package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  addr: ":9000"
  ws_path: /socket
  allowed_origins: ["https://example.com"]
  subprotocols: [cable.v1]
connection:
  write_timeout: 5s
router:
  rate_limit: 50
  routes:
    - pattern: "room:*"
      handler: chat
logging:
  level: debug
  format: json
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if cfg.Server.WSPath != "/socket" {
		t.Errorf("Server.WSPath = %q, want %q", cfg.Server.WSPath, "/socket")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://example.com" {
		t.Errorf("Server.AllowedOrigins = %v, want [https://example.com]", cfg.Server.AllowedOrigins)
	}
	if cfg.Connection.WriteTimeout != 5*time.Second {
		t.Errorf("Connection.WriteTimeout = %v, want 5s", cfg.Connection.WriteTimeout)
	}
	if cfg.Router.RateLimit != 50 {
		t.Errorf("Router.RateLimit = %v, want 50", cfg.Router.RateLimit)
	}
	if len(cfg.Router.Routes) != 1 || cfg.Router.Routes[0].Handler != "chat" {
		t.Errorf("Router.Routes = %+v, want one chat route", cfg.Router.Routes)
	}

	// Load does not apply defaults
	if cfg.Server.PublishPath != "" {
		t.Errorf("Server.PublishPath = %q, want empty before defaults", cfg.Server.PublishPath)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_ARCHIVE_PASSWORD", "secret123")

	yaml := `
archive:
  enabled: true
  topics: ["room:1"]
  database:
    host: localhost
    name: cable
    user: cable
    password: ${TEST_ARCHIVE_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Archive.Database.Password != "secret123" {
		t.Errorf("Archive.Database.Password = %q, want %q", cfg.Archive.Database.Password, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "server:\n  addr: \":9000\"\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if cfg.Server.WSPath != DefaultWSPath {
		t.Errorf("Server.WSPath = %q, want default %q", cfg.Server.WSPath, DefaultWSPath)
	}
	if cfg.Connection.PongWait != DefaultPongWait {
		t.Errorf("Connection.PongWait = %v, want default %v", cfg.Connection.PongWait, DefaultPongWait)
	}
	if cfg.Archive.Database.Port != DefaultDBPort {
		t.Errorf("Archive.Database.Port = %d, want default %d", cfg.Archive.Database.Port, DefaultDBPort)
	}
	if len(cfg.Router.Routes) != 2 {
		t.Errorf("len(Router.Routes) = %d, want 2 default routes", len(cfg.Router.Routes))
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should default to enabled")
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "logging:\n  format: xml\n")

	if _, err := LoadAndValidate(path); err == nil {
		t.Fatal("LoadAndValidate should reject logging.format xml")
	}

	path = writeTempFile(t, "server:\n  addr: \":9000\"\n")
	if _, err := LoadAndValidate(path); err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempFile(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load should fail for invalid yaml")
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg, err := Parse([]byte("metrics:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("metrics.enabled: false should disable metrics")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		got, err := LoggingConfig{Level: tt.level}.SlogLevel()
		if err != nil {
			t.Errorf("SlogLevel(%q) failed: %v", tt.level, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}

	if _, err := (LoggingConfig{Level: "loud"}).SlogLevel(); err == nil {
		t.Error("SlogLevel(loud) should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return Default()
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "relative ws path",
			mutate:  func(c *Config) { c.Server.WSPath = "ws" },
			wantErr: `server.ws_path must start with '/', got "ws"`,
		},
		{
			name: "ping interval not below pong wait",
			mutate: func(c *Config) {
				c.Connection.PingInterval = 30 * time.Second
				c.Connection.PongWait = 30 * time.Second
			},
			wantErr: "connection.ping_interval (30s) must be less than pong_wait (30s)",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Router.RateLimit = -1 },
			wantErr: "router.rate_limit must be >= 0",
		},
		{
			name:    "route without handler",
			mutate:  func(c *Config) { c.Router.Routes = []RouteConfig{{Pattern: "room:*"}} },
			wantErr: "router.routes[0].handler is required",
		},
		{
			name:    "feed max below buffer",
			mutate:  func(c *Config) { c.Backend.FeedMaxSize = 10 },
			wantErr: "backend.feed_max_size (10) cannot be less than feed_buffer_size (256)",
		},
		{
			name:    "archive without topics",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantErr: "archive.topics is required when archive is enabled",
		},
		{
			name: "archive without database host",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Topics = []string{"room:1"}
			},
			wantErr: "archive.database.host is required",
		},
		{
			name: "archive min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Topics = []string{"room:1"}
				c.Archive.Database = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5, MinConns: 10}
			},
			wantErr: "archive.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: `logging.level must be debug, info, warn or error, got "loud"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestExampleConfig(t *testing.T) {
	t.Setenv("CABLE_DB_PASSWORD", "example")

	cfg, err := LoadAndValidate(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("LoadAndValidate(config.example.yaml) failed: %v", err)
	}

	if cfg.Archive.Database.Password != "example" {
		t.Errorf("Archive.Database.Password = %q, want %q", cfg.Archive.Database.Password, "example")
	}
	if len(cfg.Router.Routes) != 2 {
		t.Errorf("len(Router.Routes) = %d, want 2", len(cfg.Router.Routes))
	}
}
