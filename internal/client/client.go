// Package client is a Go client for the cable envelope protocol. It joins
// topics, pushes events and correlates replies by ref.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection to a cable server.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan Message
	errors   chan error
	done     chan struct{} // Closed by Close
	readDone chan struct{} // Closed when readLoop exits

	// Write serialization
	writeMu sync.Mutex

	// Ref correlation
	nextRef   atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan envelope

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastSeenAt time.Time
	joined     []string
}

// New creates a client. Call Connect to dial.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		pending:  make(map[int64]chan envelope),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c := New(cfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the websocket connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect: already connected")
	}
	c.mu.Unlock()

	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = v
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     c.cfg.Subprotocols,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastSeenAt = time.Now()
	c.mu.Unlock()

	// Server pings count as traffic
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go c.readLoop()
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "subprotocol", conn.Subprotocol())
	return nil
}

// Subprotocol returns the subprotocol the server selected.
func (c *Client) Subprotocol() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.Subprotocol()
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

// Messages returns broadcasts and other unsolicited frames. The channel is
// closed when the connection ends.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns connection errors.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Done is closed when the connection has stopped reading.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Joined returns the topics joined through this client, in join order.
func (c *Client) Joined() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.joined...)
}

// Join joins topic. A denied join returns a *ReplyError.
func (c *Client) Join(ctx context.Context, topic string, payload any) (Reply, error) {
	reply, err := c.request(ctx, topic, EventJoin, payload)
	if err != nil {
		return reply, err
	}

	c.mu.Lock()
	c.joined = appendUnique(c.joined, topic)
	c.mu.Unlock()
	return reply, nil
}

// Leave leaves topic. The server does not answer leaves, so Leave returns
// once the frame is written.
func (c *Client) Leave(ctx context.Context, topic string) error {
	ref := c.nextRef.Add(1)
	if err := c.write(ctx, envelope{Topic: topic, Event: EventLeave, Ref: &ref}); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined = removeTopic(c.joined, topic)
	c.mu.Unlock()
	return nil
}

// Push sends event to topic and waits for the reply.
func (c *Client) Push(ctx context.Context, topic, event string, payload any) (Reply, error) {
	return c.request(ctx, topic, event, payload)
}

// Heartbeat sends a heartbeat on topic and waits for the acknowledgement.
// The topic must be routed by the server, otherwise no ack arrives.
func (c *Client) Heartbeat(ctx context.Context, topic string) error {
	_, err := c.roundTrip(ctx, envelope{Topic: topic, Event: EventHeartbeat})
	return err
}

// request sends one envelope and converts the reply.
func (c *Client) request(ctx context.Context, topic, event string, payload any) (Reply, error) {
	env := envelope{Topic: topic, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Data = data
	}

	in, err := c.roundTrip(ctx, env)
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	if err := json.Unmarshal(in.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK() {
		reason := string(reply.Data)
		var s string
		if json.Unmarshal(reply.Data, &s) == nil {
			reason = s
		}
		return reply, &ReplyError{Topic: topic, Event: event, Ref: *in.Ref, Reason: reason}
	}
	return reply, nil
}

// roundTrip assigns a ref, writes env and waits for the frame carrying the
// same ref.
func (c *Client) roundTrip(ctx context.Context, env envelope) (envelope, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReplyTimeout)
		defer cancel()
	}

	ref := c.nextRef.Add(1)
	env.Ref = &ref

	wait := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[ref] = wait
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, env); err != nil {
		return envelope{}, err
	}

	select {
	case in := <-wait:
		return in, nil
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("%s %s (ref %d): %w", env.Topic, env.Event, ref, ctx.Err())
	case <-c.readDone:
		return envelope{}, ErrNotConnected
	}
}

// write encodes env as one text frame.
func (c *Client) write(ctx context.Context, env envelope) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// The earlier of the write timeout and ctx's deadline; zero clears it
	var deadline time.Time
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s %s: %w", env.Topic, env.Event, err)
	}
	return nil
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// readLoop reads frames, hands replies to their waiters and everything else
// to the messages channel.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.readDone)
		close(c.messages)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
			default:
				c.report(err)
			}
			return
		}
		c.touch()

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("undecodable frame", "error", err, "size", len(data))
			continue
		}

		if env.Ref != nil && c.resolve(env) {
			continue
		}

		msg := Message{
			Topic:      env.Topic,
			Event:      env.Event,
			Data:       env.Data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message", "topic", env.Topic, "event", env.Event)
		}
	}
}

// resolve hands env to the request waiting on its ref.
func (c *Client) resolve(env envelope) bool {
	c.pendingMu.Lock()
	wait, ok := c.pending[*env.Ref]
	if ok {
		delete(c.pending, *env.Ref)
	}
	c.pendingMu.Unlock()

	if ok {
		wait <- env
	}
	return ok
}

func (c *Client) report(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// heartbeatLoop keeps joined topics alive and detects stale connections.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if joined := c.Joined(); len(joined) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval)
				err := c.Heartbeat(ctx, joined[0])
				cancel()
				if err != nil {
					c.logger.Debug("heartbeat failed", "topic", joined[0], "error", err)
				}
			}

			// Check for stale connection
			c.mu.RLock()
			lastSeen := c.lastSeenAt
			c.mu.RUnlock()

			if c.cfg.StaleTimeout > 0 && time.Since(lastSeen) > c.cfg.StaleTimeout {
				c.logger.Warn("no traffic received, connection stale",
					"last_seen", lastSeen,
					"timeout", c.cfg.StaleTimeout,
				)
				c.report(ErrStaleConnection)
				return
			}
		}
	}
}

func appendUnique(topics []string, topic string) []string {
	for _, t := range topics {
		if t == topic {
			return topics
		}
	}
	return append(topics, topic)
}

func removeTopic(topics []string, topic string) []string {
	out := topics[:0]
	for _, t := range topics {
		if t != topic {
			out = append(out, t)
		}
	}
	return out
}
