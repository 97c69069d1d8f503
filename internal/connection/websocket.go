package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts an HTTP upgrade request to the Transport
// boundary. The upgrade is deferred until the application sends accept,
// so a close sent while CONNECTING rejects the handshake instead.
type WebSocketTransport struct {
	cfg      TransportConfig
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	w     http.ResponseWriter
	r     *http.Request
	scope Scope

	conn *websocket.Conn
	done chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu               sync.Mutex
	connectDelivered bool
	upgradeFailed    bool
	closed           bool
}

// NewWebSocketTransport creates a transport for one upgrade request.
func NewWebSocketTransport(
	w http.ResponseWriter,
	r *http.Request,
	upgrader *websocket.Upgrader,
	cfg TransportConfig,
	logger *slog.Logger,
) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}

	return &WebSocketTransport{
		cfg:      cfg,
		upgrader: upgrader,
		logger:   logger,
		w:        w,
		r:        r,
		scope:    ScopeFromRequest(r),
		done:     make(chan struct{}),
	}
}

// ScopeFromRequest captures the parts of r a channel may authorize against.
func ScopeFromRequest(r *http.Request) Scope {
	return Scope{
		Path:         r.URL.Path,
		Query:        r.URL.Query(),
		Header:       r.Header.Clone(),
		RemoteAddr:   r.RemoteAddr,
		Subprotocols: websocket.Subprotocols(r),
		OpenedAt:     time.Now(),
		Values:       make(map[string]any),
	}
}

// Scope returns the request scope.
func (t *WebSocketTransport) Scope() Scope {
	return t.scope
}

// Receive returns the synthesized connect message first, then one message
// per inbound frame. Any read failure is reported as a disconnect.
func (t *WebSocketTransport) Receive(ctx context.Context) (Message, error) {
	t.mu.Lock()
	if !t.connectDelivered {
		t.connectDelivered = true
		t.mu.Unlock()
		return Message{Type: TypeConnect}, nil
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return Message{}, ErrNotUpgraded
	}

	// Unblock the read if ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frameType, data, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, ctxErr
		}
		code := closeCode(err)
		t.logger.Debug("websocket read ended", "code", code, "error", err)
		return Message{Type: TypeDisconnect, Code: code}, nil
	}

	return Message{
		Type:   TypeReceive,
		Data:   data,
		Binary: frameType == websocket.BinaryMessage,
	}, nil
}

// Send performs the action an outbound message stands for.
func (t *WebSocketTransport) Send(ctx context.Context, msg Message) error {
	switch msg.Type {
	case TypeAccept:
		return t.upgrade(msg.Subprotocol)
	case TypeSend:
		return t.write(msg)
	case TypeClose:
		return t.close(msg)
	default:
		return fmt.Errorf("send %q: %w", msg.Type, ErrProtocol)
	}
}

// Close releases the underlying connection without a close handshake.
// Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *WebSocketTransport) upgrade(subprotocol string) error {
	var header http.Header
	if subprotocol != "" {
		header = http.Header{}
		header.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	conn, err := t.upgrader.Upgrade(t.w, t.r, header)
	if err != nil {
		// Upgrade already replied with an HTTP error
		t.mu.Lock()
		t.upgradeFailed = true
		t.mu.Unlock()
		return fmt.Errorf("upgrade: %w", err)
	}

	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}
	if t.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		})
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.cfg.PingInterval > 0 {
		go t.pingLoop(conn)
	}

	t.logger.Debug("websocket accepted",
		"remote_addr", t.scope.RemoteAddr,
		"subprotocol", subprotocol,
	)
	return nil
}

func (t *WebSocketTransport) write(msg Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotUpgraded
	}

	frameType := websocket.TextMessage
	if msg.Binary {
		frameType = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(frameType, msg.Data)
}

func (t *WebSocketTransport) close(msg Message) error {
	t.mu.Lock()
	conn := t.conn
	upgradeFailed := t.upgradeFailed
	t.mu.Unlock()

	// Handshake never completed: reject it
	if conn == nil {
		if !upgradeFailed {
			http.Error(t.w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		}
		return t.Close()
	}

	code := msg.Code
	if code == 0 {
		code = CloseNormal
	}
	deadline := time.Now().Add(time.Second)
	if t.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(t.cfg.WriteTimeout)
	}
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, msg.Reason),
		deadline,
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.logger.Debug("failed to send close frame", "error", err)
	}
	return t.Close()
}

// pingLoop keeps the peer's pong handler extending our read deadline.
func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return CloseMessageTooBig
	}
	return CloseAbnormal
}
