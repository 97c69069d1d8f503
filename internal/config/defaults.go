package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr            = ":8080"
	DefaultWSPath          = "/ws"
	DefaultPublishPath     = "/topics"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadLimit       = 64 * 1024
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 27 * time.Second
	DefaultPongWait        = 30 * time.Second
	DefaultRateBurst       = 20
	DefaultFeedBufferSize  = 256
	DefaultFeedMaxSize     = 65536
	DefaultBatchSize       = 500
	DefaultFlushInterval   = 1 * time.Second
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultMetricsPath     = "/metrics"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// DefaultRoutes serves chat rooms and the lobby.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Pattern: "room:*", Handler: "chat"},
		{Pattern: "lobby", Handler: "lobby"},
	}
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.PublishPath == "" {
		c.Server.PublishPath = DefaultPublishPath
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Connection defaults
	if c.Connection.ReadLimit == 0 {
		c.Connection.ReadLimit = DefaultReadLimit
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PongWait == 0 {
		c.Connection.PongWait = DefaultPongWait
	}

	// Router defaults
	if c.Router.RateBurst == 0 {
		c.Router.RateBurst = DefaultRateBurst
	}
	if len(c.Router.Routes) == 0 {
		c.Router.Routes = DefaultRoutes()
	}

	// Backend defaults
	if c.Backend.FeedBufferSize == 0 {
		c.Backend.FeedBufferSize = DefaultFeedBufferSize
	}
	if c.Backend.FeedMaxSize == 0 {
		c.Backend.FeedMaxSize = DefaultFeedMaxSize
	}

	// Archive defaults
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	applyDBDefaults(&c.Archive.Database)

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
