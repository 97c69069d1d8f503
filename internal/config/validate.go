package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}
	if c.Server.PublishPath != "" && !strings.HasPrefix(c.Server.PublishPath, "/") {
		return fmt.Errorf("server.publish_path must start with '/', got %q", c.Server.PublishPath)
	}

	if c.Connection.ReadLimit < 1 {
		return errors.New("connection.read_limit must be >= 1")
	}
	if c.Connection.PingInterval >= c.Connection.PongWait {
		return fmt.Errorf("connection.ping_interval (%s) must be less than pong_wait (%s)",
			c.Connection.PingInterval, c.Connection.PongWait)
	}

	if c.Router.RateLimit < 0 {
		return errors.New("router.rate_limit must be >= 0")
	}
	if c.Router.RateBurst < 1 {
		return errors.New("router.rate_burst must be >= 1")
	}
	for i, r := range c.Router.Routes {
		if r.Pattern == "" {
			return fmt.Errorf("router.routes[%d].pattern is required", i)
		}
		if r.Handler == "" {
			return fmt.Errorf("router.routes[%d].handler is required", i)
		}
	}

	if c.Backend.FeedBufferSize < 1 {
		return errors.New("backend.feed_buffer_size must be >= 1")
	}
	if c.Backend.FeedMaxSize < c.Backend.FeedBufferSize {
		return fmt.Errorf("backend.feed_max_size (%d) cannot be less than feed_buffer_size (%d)",
			c.Backend.FeedMaxSize, c.Backend.FeedBufferSize)
	}

	if c.Archive.Enabled {
		if len(c.Archive.Topics) == 0 {
			return errors.New("archive.topics is required when archive is enabled")
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
