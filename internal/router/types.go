package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/cable/internal/channel"
)

// Errors
var (
	ErrInvalidPattern = errors.New("invalid topic pattern")
)

// Config holds configuration for the Router.
type Config struct {
	// Inbound envelope rate per connection. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// Subprotocols the server is willing to speak, in preference order.
	Subprotocols []string
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit: 0,
		RateBurst: 20,
	}
}

// Pattern matches topics. A pattern ending in '*' matches every topic that
// starts with the text before it; any other pattern matches exactly.
type Pattern struct {
	raw      string
	prefix   string
	wildcard bool
}

// ParsePattern validates s. '*' is only allowed as the final character.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	idx := strings.IndexByte(s, '*')
	if idx >= 0 && idx != len(s)-1 {
		return Pattern{}, fmt.Errorf("%w: %q has '*' before the end", ErrInvalidPattern, s)
	}
	if idx < 0 {
		return Pattern{raw: s, prefix: s}, nil
	}
	return Pattern{raw: s, prefix: s[:idx], wildcard: true}, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether topic matches the pattern.
func (p Pattern) Match(topic string) bool {
	if p.wildcard {
		return strings.HasPrefix(topic, p.prefix)
	}
	return topic == p.prefix
}

func (p Pattern) String() string {
	return p.raw
}

// Route binds a pattern to the factory building its handlers.
type Route struct {
	Pattern Pattern
	Factory channel.Factory
}

// Stats contains runtime statistics.
type Stats struct {
	SessionsTotal     int64
	SessionsActive    int64
	EnvelopesReceived int64
	EnvelopesRouted   int64
	EnvelopesDropped  int64
	ProtocolErrors    int64
	ImplicitLeaves    int64
}
