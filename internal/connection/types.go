package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Errors
var (
	ErrProtocol        = errors.New("protocol violation")
	ErrDisconnected    = errors.New("disconnected")
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	ErrNotUpgraded     = errors.New("transport not upgraded")
)

// Close codes used by this package (RFC 6455).
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseAbnormal      = 1006
	CloseMessageTooBig = 1009
	CloseInternalError = 1011
)

// State is one side of the handshake state machine.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageType identifies a transport-level message.
type MessageType string

const (
	// Inbound
	TypeConnect    MessageType = "websocket.connect"
	TypeReceive    MessageType = "websocket.receive"
	TypeDisconnect MessageType = "websocket.disconnect"

	// Outbound
	TypeAccept MessageType = "websocket.accept"
	TypeSend   MessageType = "websocket.send"
	TypeClose  MessageType = "websocket.close"
)

// Message is the unit exchanged with a Transport.
type Message struct {
	Type MessageType

	Data   []byte // Frame payload (receive/send)
	Binary bool   // True for binary frames, false for UTF-8 text

	Code        int    // Close code (disconnect/close)
	Reason      string // Close reason (close)
	Subprotocol string // Selected subprotocol (accept)
}

// Transport is the raw duplex boundary provided by the hosting server.
type Transport interface {
	// Receive blocks until the next inbound message.
	Receive(ctx context.Context) (Message, error)

	// Send emits an outbound message.
	Send(ctx context.Context, msg Message) error

	// Scope describes the request that opened the session.
	Scope() Scope
}

// Scope is the request context a session was opened with.
type Scope struct {
	Path         string
	Query        url.Values
	Header       http.Header
	RemoteAddr   string
	Subprotocols []string
	OpenedAt     time.Time

	// Values holds data attached by middleware (e.g. an authenticated user).
	Values map[string]any
}

// Value returns a middleware-attached value.
func (s Scope) Value(key string) (any, bool) {
	if s.Values == nil {
		return nil, false
	}
	v, ok := s.Values[key]
	return v, ok
}

// StateError reports a call that is illegal for the current state.
type StateError struct {
	Op    string
	State State
	Type  MessageType // Offending message type, if any
}

func (e *StateError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: message %q not allowed in state %s", e.Op, e.Type, e.State)
	}
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

// Unwrap makes every StateError match ErrProtocol.
func (e *StateError) Unwrap() error {
	return ErrProtocol
}

// DisconnectError is returned by typed receives when the peer went away.
type DisconnectError struct {
	Code int
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected (code %d)", e.Code)
}

func (e *DisconnectError) Unwrap() error {
	return ErrDisconnected
}

// JSONMode selects the frame type used for JSON payloads.
type JSONMode int

const (
	JSONText JSONMode = iota
	JSONBinary
)

// TransportConfig configures a WebSocketTransport.
type TransportConfig struct {
	ReadLimit    int64         // Max inbound frame size in bytes
	WriteTimeout time.Duration // Write deadline for sends
	PingInterval time.Duration // Server ping period, 0 disables keepalive
	PongWait     time.Duration // Read deadline extended on every pong
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReadLimit:    64 * 1024,
		WriteTimeout: 10 * time.Second,
		PingInterval: 27 * time.Second,
		PongWait:     30 * time.Second,
	}
}
