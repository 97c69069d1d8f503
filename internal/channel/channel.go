package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/connection"
	"github.com/rickgao/cable/internal/metrics"
)

// ErrUnauthorized matches every *AuthorizationError.
var ErrUnauthorized = errors.New("unauthorized")

// AuthorizationError denies a join with a reason sent back to the client.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error {
	return ErrUnauthorized
}

// Deny returns an *AuthorizationError for use in Handler.Authorize.
func Deny(reason string) error {
	return &AuthorizationError{Reason: reason}
}

// defaultDenyReason is replied when Authorize returns false without an error.
const defaultDenyReason = "not authorized to join"

// State is the lifecycle state of one Channel instance.
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler holds the topic-specific behavior of a channel.
type Handler interface {
	// Authorize is called on every join attempt. Returning false or an
	// *AuthorizationError denies the join; any other error ends the session.
	Authorize(ctx context.Context, ch *Channel, scope connection.Scope) (bool, error)

	// Joined runs after the channel was added to the backend.
	Joined(ctx context.Context, ch *Channel) error

	// Left runs after the channel was removed from the backend.
	Left(ctx context.Context, ch *Channel) error

	// Received handles every non-reserved event.
	Received(ctx context.Context, ch *Channel, env *Envelope) error
}

// Factory builds a fresh Handler for one dispatch.
type Factory func() Handler

// BaseHandler authorizes everyone and ignores lifecycle events.
type BaseHandler struct{}

func (BaseHandler) Authorize(context.Context, *Channel, connection.Scope) (bool, error) {
	return true, nil
}

func (BaseHandler) Joined(context.Context, *Channel) error { return nil }

func (BaseHandler) Left(context.Context, *Channel) error { return nil }

func (BaseHandler) Received(context.Context, *Channel, *Envelope) error { return nil }

// Channel binds a concrete topic on one connection to a Handler.
type Channel struct {
	topic   string
	conn    *connection.Connection
	backend backend.Backend
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	state State
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records join outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// New creates an unjoined channel for topic on conn.
func New(topic string, conn *connection.Connection, b backend.Backend, h Handler, opts ...Option) *Channel {
	if h == nil {
		h = BaseHandler{}
	}
	c := &Channel{
		topic:   topic,
		conn:    conn,
		backend: b,
		handler: h,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("topic", topic)
	return c
}

var _ backend.Member = (*Channel)(nil)

// Topic returns the concrete topic this channel serves.
func (c *Channel) Topic() string {
	return c.topic
}

// Connection returns the owning connection.
func (c *Channel) Connection() *connection.Connection {
	return c.conn
}

// Handler returns the channel's handler.
func (c *Channel) Handler() Handler {
	return c.handler
}

// State returns the lifecycle state.
func (c *Channel) State() State {
	return c.state
}

// Logger returns a logger scoped to the channel's topic.
func (c *Channel) Logger() *slog.Logger {
	return c.logger
}

// Key identifies the membership of this connection in this topic.
func (c *Channel) Key() backend.MemberKey {
	return backend.MemberKey{ConnID: c.conn.ID(), Topic: c.topic}
}

// Deliver writes a published event to the connection.
func (c *Channel) Deliver(ctx context.Context, ev backend.Event) error {
	var data any
	if len(ev.Data) > 0 {
		data = ev.Data
	}
	return c.conn.SendJSON(ctx, wireEnvelope{
		Topic: ev.Topic,
		Event: ev.Name,
		Data:  data,
	}, connection.JSONText)
}

// Broadcast publishes an event to every other member of the topic.
func (c *Channel) Broadcast(ctx context.Context, name string, data any) (backend.PublishResult, error) {
	return c.publish(ctx, name, data, c.Key())
}

// BroadcastAll publishes an event to every member of the topic, this
// connection included.
func (c *Channel) BroadcastAll(ctx context.Context, name string, data any) (backend.PublishResult, error) {
	return c.publish(ctx, name, data, backend.MemberKey{})
}

func (c *Channel) publish(ctx context.Context, name string, data any, origin backend.MemberKey) (backend.PublishResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return backend.PublishResult{}, fmt.Errorf("encode event data: %w", err)
	}
	res, err := c.backend.Publish(ctx, c.topic, backend.NewEvent(c.topic, name, raw, origin))
	if err != nil {
		return res, fmt.Errorf("publish %s: %w", name, err)
	}
	if len(res.Failures) > 0 {
		c.logger.Warn("broadcast partially failed",
			"event", name,
			"delivered", res.Delivered,
			"failed", len(res.Failures),
		)
	}
	return res, nil
}

// Dispatch routes env by kind.
func (c *Channel) Dispatch(ctx context.Context, env *Envelope) error {
	switch env.Kind() {
	case KindJoin:
		return c.join(ctx, env)
	case KindLeave:
		return c.Leave(ctx)
	case KindHeartbeat:
		return c.heartbeat(ctx, env)
	case KindApplication:
		return c.handler.Received(ctx, c, env)
	default:
		return fmt.Errorf("dispatch: unknown kind %v", env.Kind())
	}
}

func (c *Channel) join(ctx context.Context, env *Envelope) error {
	ok, err := c.handler.Authorize(ctx, c, c.conn.Scope())

	var authErr *AuthorizationError
	reason := ""
	switch {
	case errors.As(err, &authErr):
		reason = authErr.Reason
	case err != nil:
		return fmt.Errorf("authorize %s: %w", c.topic, err)
	case !ok:
		reason = defaultDenyReason
	}

	if reason != "" {
		c.metrics.Join("unauthorized")
		c.logger.Info("join denied", "conn_id", c.conn.ID(), "reason", reason)
		return env.ReplyError(ctx, reason)
	}

	// Rejoining an existing membership only acknowledges it
	if c.backend.Has(ctx, c.Key()) {
		c.state = StateJoined
		c.logger.Debug("already joined", "conn_id", c.conn.ID())
		return env.Reply(ctx, struct{}{})
	}

	if err := c.backend.Add(ctx, c); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	c.state = StateJoined
	c.metrics.Join("ok")

	if err := c.handler.Joined(ctx, c); err != nil {
		// The join never completed, so there is no Left hook to run
		if rmErr := c.backend.Remove(context.WithoutCancel(ctx), c); rmErr != nil {
			c.logger.Warn("join rollback failed", "conn_id", c.conn.ID(), "error", rmErr)
		}
		c.state = StateUnjoined
		return fmt.Errorf("joined hook: %w", err)
	}

	if err := env.Reply(ctx, struct{}{}); err != nil {
		if leaveErr := c.Leave(context.WithoutCancel(ctx)); leaveErr != nil {
			return errors.Join(err, leaveErr)
		}
		return err
	}

	c.logger.Debug("joined", "conn_id", c.conn.ID())
	return nil
}

// Leave removes the channel from the backend and runs the Left hook. No
// reply is sent.
func (c *Channel) Leave(ctx context.Context) error {
	if err := c.backend.Remove(ctx, c); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	c.state = StateLeft

	if err := c.handler.Left(ctx, c); err != nil {
		return fmt.Errorf("left hook: %w", err)
	}

	c.logger.Debug("left", "conn_id", c.conn.ID())
	return nil
}

func (c *Channel) heartbeat(ctx context.Context, env *Envelope) error {
	ref := env.Ref
	return c.conn.SendJSON(ctx, wireEnvelope{
		Topic: env.Topic,
		Event: EventHeartbeat,
		Data:  struct{}{},
		Ref:   &ref,
	}, connection.JSONText)
}
