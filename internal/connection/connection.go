package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Connection is one accepted duplex session.
//
// Receive is meant to be driven by a single goroutine (the session loop).
// Send may be called from any goroutine; writes are serialized.
type Connection struct {
	id        uuid.UUID
	transport Transport
	scope     Scope

	// Operation serialization
	recvMu sync.Mutex
	sendMu sync.Mutex

	// State
	mu          sync.RWMutex
	clientState State
	appState    State
}

// Option configures a Connection.
type Option func(*Connection)

// WithID overrides the generated connection ID.
func WithID(id uuid.UUID) Option {
	return func(c *Connection) {
		c.id = id
	}
}

// New wraps a transport in a fresh CONNECTING/CONNECTING connection.
func New(t Transport, opts ...Option) *Connection {
	c := &Connection{
		id:          uuid.New(),
		transport:   t,
		scope:       t.Scope(),
		clientState: StateConnecting,
		appState:    StateConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the stable identifier of this session.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Scope returns the request scope the session was opened with.
func (c *Connection) Scope() Scope {
	return c.scope
}

// ClientState returns the inbound side of the state machine.
func (c *Connection) ClientState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientState
}

// ApplicationState returns the outbound side of the state machine.
func (c *Connection) ApplicationState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appState
}

// Receive pulls one message from the transport, enforcing legal ordering.
func (c *Connection) Receive(ctx context.Context) (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	state := c.ClientState()
	if state == StateDisconnected {
		return Message{}, &StateError{Op: "receive", State: state}
	}

	msg, err := c.transport.Receive(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("receive: %w", err)
	}

	next, err := nextClientState(state, msg.Type)
	if err != nil {
		return Message{}, err
	}

	c.mu.Lock()
	c.clientState = next
	c.mu.Unlock()

	return msg, nil
}

// Send emits one message to the transport, enforcing legal ordering.
func (c *Connection) Send(ctx context.Context, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	state := c.ApplicationState()
	next, err := nextApplicationState(state, msg.Type)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.appState = next
	c.mu.Unlock()

	return c.transport.Send(ctx, msg)
}

// Accept completes the handshake. If the connect message has not been
// observed yet it is consumed first.
func (c *Connection) Accept(ctx context.Context, subprotocol string) error {
	if c.ClientState() == StateConnecting {
		if _, err := c.Receive(ctx); err != nil {
			return err
		}
	}
	return c.Send(ctx, Message{Type: TypeAccept, Subprotocol: subprotocol})
}

// Close sends a close message with the given code.
func (c *Connection) Close(ctx context.Context, code int, reason string) error {
	return c.Send(ctx, Message{Type: TypeClose, Code: code, Reason: reason})
}

// ReceiveText returns the next text frame.
func (c *Connection) ReceiveText(ctx context.Context) (string, error) {
	msg, err := c.receiveData(ctx, "receive text")
	if err != nil {
		return "", err
	}
	if msg.Binary {
		return "", fmt.Errorf("receive text: %w", ErrUnexpectedFrame)
	}
	return string(msg.Data), nil
}

// ReceiveBytes returns the next binary frame.
func (c *Connection) ReceiveBytes(ctx context.Context) ([]byte, error) {
	msg, err := c.receiveData(ctx, "receive bytes")
	if err != nil {
		return nil, err
	}
	if !msg.Binary {
		return nil, fmt.Errorf("receive bytes: %w", ErrUnexpectedFrame)
	}
	return msg.Data, nil
}

// ReceiveJSON decodes the next frame into v. JSONText expects a text frame,
// JSONBinary a binary frame holding UTF-8 JSON.
func (c *Connection) ReceiveJSON(ctx context.Context, v any, mode JSONMode) error {
	var data []byte
	var err error
	switch mode {
	case JSONBinary:
		data, err = c.ReceiveBytes(ctx)
	default:
		var text string
		text, err = c.ReceiveText(ctx)
		data = []byte(text)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// SendText writes a UTF-8 text frame.
func (c *Connection) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, Message{Type: TypeSend, Data: []byte(text)})
}

// SendBytes writes a binary frame.
func (c *Connection) SendBytes(ctx context.Context, data []byte) error {
	return c.Send(ctx, Message{Type: TypeSend, Data: data, Binary: true})
}

// SendJSON serializes v and writes it as text or binary.
func (c *Connection) SendJSON(ctx context.Context, v any, mode JSONMode) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return c.Send(ctx, Message{Type: TypeSend, Data: data, Binary: mode == JSONBinary})
}

// receiveData asserts the handshake is done, receives one message and turns
// a disconnect into *DisconnectError.
func (c *Connection) receiveData(ctx context.Context, op string) (Message, error) {
	if state := c.ApplicationState(); state != StateConnected {
		return Message{}, &StateError{Op: op, State: state}
	}

	msg, err := c.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	if msg.Type == TypeDisconnect {
		return Message{}, &DisconnectError{Code: msg.Code}
	}
	return msg, nil
}

func nextClientState(state State, t MessageType) (State, error) {
	switch state {
	case StateConnecting:
		if t == TypeConnect {
			return StateConnected, nil
		}
	case StateConnected:
		switch t {
		case TypeReceive:
			return StateConnected, nil
		case TypeDisconnect:
			return StateDisconnected, nil
		}
	}
	return state, &StateError{Op: "receive", State: state, Type: t}
}

func nextApplicationState(state State, t MessageType) (State, error) {
	switch state {
	case StateConnecting:
		switch t {
		case TypeAccept:
			return StateConnected, nil
		case TypeClose:
			return StateDisconnected, nil
		}
	case StateConnected:
		switch t {
		case TypeSend:
			return StateConnected, nil
		case TypeClose:
			return StateDisconnected, nil
		}
	case StateDisconnected:
		return state, &StateError{Op: "send", State: state}
	}
	return state, &StateError{Op: "send", State: state, Type: t}
}
