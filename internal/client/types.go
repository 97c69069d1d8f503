package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Reserved event names.
const (
	EventJoin      = "__join__"
	EventLeave     = "__leave__"
	EventHeartbeat = "__heartbeat__"
	EventReply     = "__reply__"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("client already closed")
	ErrStaleConnection = errors.New("connection stale: no traffic received")
	ErrRejected        = errors.New("request rejected")
)

// Config holds client configuration.
type Config struct {
	URL          string
	Header       http.Header // Extra handshake headers
	Subprotocols []string

	WriteTimeout      time.Duration // Write deadline per frame
	ReplyTimeout      time.Duration // Wait for a reply when ctx has no deadline
	HeartbeatInterval time.Duration // 0 disables the heartbeat loop
	StaleTimeout      time.Duration // No inbound traffic for this long is an error
	BufferSize        int           // Capacity of the Messages channel
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		WriteTimeout:      10 * time.Second,
		ReplyTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StaleTimeout:      90 * time.Second,
		BufferSize:        256,
	}
}

// Message is an inbound frame that was not a reply to a pending request:
// broadcasts and HTTP-published events.
type Message struct {
	Topic      string
	Event      string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Reply is the server's answer to a join or push.
type Reply struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// OK reports whether the request succeeded.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Decode unmarshals the reply payload into v.
func (r Reply) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ReplyError is returned when the server answers with an error status.
type ReplyError struct {
	Topic  string
	Event  string
	Ref    int64
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s %s (ref %d): %s", e.Topic, e.Event, e.Ref, e.Reason)
}

func (e *ReplyError) Is(target error) bool {
	return target == ErrRejected
}

// envelope is the wire form of every frame in both directions.
type envelope struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   *int64          `json:"ref,omitempty"`
}
