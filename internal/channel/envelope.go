package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rickgao/cable/internal/connection"
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

// ErrMalformedEnvelope is returned for envelopes missing required fields.
// It matches connection.ErrProtocol.
var ErrMalformedEnvelope = fmt.Errorf("malformed envelope: %w", connection.ErrProtocol)

// Kind classifies an envelope by its event name.
type Kind int

const (
	KindApplication Kind = iota
	KindJoin
	KindLeave
	KindHeartbeat
)

// KindOf maps an event name to its kind.
func KindOf(name string) Kind {
	switch name {
	case EventJoin:
		return KindJoin
	case EventLeave:
		return KindLeave
	case EventHeartbeat:
		return KindHeartbeat
	default:
		return KindApplication
	}
}

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "application"
	}
}

// Envelope is one inbound message. It is immutable once parsed.
type Envelope struct {
	Topic      string
	Name       string
	Ref        int64
	Data       json.RawMessage // nil when absent
	ReceivedAt time.Time

	conn *connection.Connection
}

// wireEnvelope is the outbound wire format.
type wireEnvelope struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  any    `json:"data"`
	Ref   *int64 `json:"ref,omitempty"`
}

// replyPayload is the data of a __reply__ envelope.
type replyPayload struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// ParseEnvelope validates and extracts an inbound envelope. topic and event
// must be non-empty strings; ref, when present, must be an integer.
func ParseEnvelope(data []byte, conn *connection.Connection) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedEnvelope)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	fields := gjson.GetManyBytes(data, "topic", "event", "ref", "data")
	topic, event, ref, payload := fields[0], fields[1], fields[2], fields[3]

	if topic.Type != gjson.String || topic.Str == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrMalformedEnvelope)
	}
	if event.Type != gjson.String || event.Str == "" {
		return nil, fmt.Errorf("%w: event is required", ErrMalformedEnvelope)
	}

	env := &Envelope{
		Topic:      topic.Str,
		Name:       event.Str,
		ReceivedAt: time.Now(),
		conn:       conn,
	}

	if ref.Exists() && ref.Type != gjson.Null {
		if ref.Type != gjson.Number || ref.Num != float64(ref.Int()) {
			return nil, fmt.Errorf("%w: ref must be an integer", ErrMalformedEnvelope)
		}
		env.Ref = ref.Int()
	}
	if payload.Exists() {
		env.Data = json.RawMessage(payload.Raw)
	}

	return env, nil
}

// Kind returns the envelope's kind.
func (e *Envelope) Kind() Kind {
	return KindOf(e.Name)
}

// Connection returns the connection the envelope arrived on.
func (e *Envelope) Connection() *connection.Connection {
	return e.conn
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("decode envelope data: no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// Reply sends a successful __reply__ to the originating connection.
func (e *Envelope) Reply(ctx context.Context, data any) error {
	return e.Respond(ctx, data, true)
}

// ReplyError sends a failed __reply__ to the originating connection.
func (e *Envelope) ReplyError(ctx context.Context, data any) error {
	return e.Respond(ctx, data, false)
}

// Respond sends a __reply__ echoing the envelope's topic and ref.
func (e *Envelope) Respond(ctx context.Context, data any, success bool) error {
	if e.conn == nil {
		return errors.New("reply: envelope has no connection")
	}
	status := StatusOK
	if !success {
		status = StatusError
	}
	ref := e.Ref
	return e.conn.SendJSON(ctx, wireEnvelope{
		Topic: e.Topic,
		Event: EventReply,
		Data:  replyPayload{Status: status, Data: data},
		Ref:   &ref,
	}, connection.JSONText)
}
