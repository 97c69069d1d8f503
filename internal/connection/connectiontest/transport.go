// Package connectiontest provides an in-memory Transport for tests.
package connectiontest

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/rickgao/cable/internal/connection"
)

// Transport is a scripted connection.Transport. Inbound messages are queued
// with Push; outbound messages are recorded and observable via Sent and Out.
type Transport struct {
	scope connection.Scope
	in    chan connection.Message
	out   chan connection.Message

	mu      sync.Mutex
	sent    []connection.Message
	sendErr error
}

// New creates a transport whose connect message is already queued.
func New() *Transport {
	return NewWithScope(connection.Scope{
		Path:   "/ws",
		Query:  url.Values{},
		Values: make(map[string]any),
	})
}

// NewWithScope creates a transport with a custom scope.
func NewWithScope(scope connection.Scope) *Transport {
	t := &Transport{
		scope: scope,
		in:    make(chan connection.Message, 64),
		out:   make(chan connection.Message, 256),
	}
	t.in <- connection.Message{Type: connection.TypeConnect}
	return t
}

// Scope implements connection.Transport.
func (t *Transport) Scope() connection.Scope {
	return t.scope
}

// Receive implements connection.Transport.
func (t *Transport) Receive(ctx context.Context) (connection.Message, error) {
	select {
	case <-ctx.Done():
		return connection.Message{}, ctx.Err()
	case msg := <-t.in:
		return msg, nil
	}
}

// Send implements connection.Transport.
func (t *Transport) Send(_ context.Context, msg connection.Message) error {
	t.mu.Lock()
	err := t.sendErr
	if err == nil {
		t.sent = append(t.sent, msg)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	select {
	case t.out <- msg:
	default:
	}
	return nil
}

// Push queues an inbound message.
func (t *Transport) Push(msg connection.Message) {
	t.in <- msg
}

// PushText queues an inbound text frame.
func (t *Transport) PushText(text string) {
	t.Push(connection.Message{Type: connection.TypeReceive, Data: []byte(text)})
}

// PushJSON marshals v and queues it as a text frame.
func (t *Transport) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.Push(connection.Message{Type: connection.TypeReceive, Data: data})
}

// Disconnect queues a disconnect with code.
func (t *Transport) Disconnect(code int) {
	t.Push(connection.Message{Type: connection.TypeDisconnect, Code: code})
}

// FailSends makes every following Send return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Out streams outbound messages as they are sent.
func (t *Transport) Out() <-chan connection.Message {
	return t.out
}

// Sent returns a copy of every outbound message so far.
func (t *Transport) Sent() []connection.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]connection.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// Frames returns the data of every outbound send message as strings.
func (t *Transport) Frames() []string {
	var frames []string
	for _, msg := range t.Sent() {
		if msg.Type == connection.TypeSend {
			frames = append(frames, string(msg.Data))
		}
	}
	return frames
}

var _ connection.Transport = (*Transport)(nil)
