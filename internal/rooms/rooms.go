// Package rooms provides the topic handlers served by cabled: ChatRoom for
// "room:<id>" topics and Lobby for presence on the "lobby" topic.
package rooms

import (
	"context"
	"fmt"
	"strings"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/channel"
	"github.com/rickgao/cable/internal/connection"
)

// Event names emitted by the handlers.
const (
	EventMessage    = "message"
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
	EventWho        = "who"
)

// Nick returns the display name a connection asked for with ?nick=, or
// "anonymous".
func Nick(scope connection.Scope) string {
	if v, ok := scope.Value("nick"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if nick := strings.TrimSpace(scope.Query.Get("nick")); nick != "" {
		return nick
	}
	return "anonymous"
}

// Presence is the member lookup used by Lobby.
type Presence interface {
	Members(topic string) []backend.MemberKey
}

// userEvent is the payload of user_joined and user_left.
type userEvent struct {
	User string `json:"user"`
}

// chatMessage is the payload of a broadcast chat line.
type chatMessage struct {
	User string `json:"user"`
	Body any    `json:"body"`
}

// ChatRoom relays "message" events to every other member of a room.
type ChatRoom struct {
	channel.BaseHandler
}

// NewChatRoom is a channel.Factory.
func NewChatRoom() channel.Handler {
	return &ChatRoom{}
}

// RoomID returns the part of topic after "room:".
func RoomID(topic string) string {
	_, id, _ := strings.Cut(topic, ":")
	return id
}

// Authorize denies topics without a room id.
func (r *ChatRoom) Authorize(_ context.Context, ch *channel.Channel, _ connection.Scope) (bool, error) {
	if RoomID(ch.Topic()) == "" {
		return false, channel.Deny("room id is required")
	}
	return true, nil
}

// Joined announces the new member to the room.
func (r *ChatRoom) Joined(ctx context.Context, ch *channel.Channel) error {
	_, err := ch.Broadcast(ctx, EventUserJoined, userEvent{User: Nick(ch.Connection().Scope())})
	return err
}

// Left announces the departure to the room.
func (r *ChatRoom) Left(ctx context.Context, ch *channel.Channel) error {
	_, err := ch.Broadcast(ctx, EventUserLeft, userEvent{User: Nick(ch.Connection().Scope())})
	return err
}

// Received acknowledges a message and broadcasts it. Other events get an
// error reply.
func (r *ChatRoom) Received(ctx context.Context, ch *channel.Channel, env *channel.Envelope) error {
	if env.Name != EventMessage {
		return env.ReplyError(ctx, fmt.Sprintf("unknown event %q", env.Name))
	}

	var body any
	if len(env.Data) > 0 {
		body = env.Data
	}
	res, err := ch.Broadcast(ctx, EventMessage, chatMessage{
		User: Nick(ch.Connection().Scope()),
		Body: body,
	})
	if err != nil {
		return err
	}

	ch.Logger().Debug("message relayed", "ref", env.Ref, "delivered", res.Delivered)
	return env.Reply(ctx, "Accepted")
}

// Lobby tracks who is connected. Joining announces the member; "who" replies
// with the current member count.
type Lobby struct {
	channel.BaseHandler
	presence Presence
}

// LobbyFactory returns a channel.Factory for Lobby handlers backed by p.
func LobbyFactory(p Presence) channel.Factory {
	return func() channel.Handler {
		return &Lobby{presence: p}
	}
}

// Joined announces the new member to everyone already in the lobby.
func (l *Lobby) Joined(ctx context.Context, ch *channel.Channel) error {
	_, err := ch.Broadcast(ctx, EventUserJoined, userEvent{User: Nick(ch.Connection().Scope())})
	return err
}

// Left announces the departure.
func (l *Lobby) Left(ctx context.Context, ch *channel.Channel) error {
	_, err := ch.Broadcast(ctx, EventUserLeft, userEvent{User: Nick(ch.Connection().Scope())})
	return err
}

// Received answers "who" with the number of members.
func (l *Lobby) Received(ctx context.Context, ch *channel.Channel, env *channel.Envelope) error {
	if env.Name != EventWho {
		return env.ReplyError(ctx, fmt.Sprintf("unknown event %q", env.Name))
	}
	return env.Reply(ctx, map[string]int{"online": len(l.presence.Members(ch.Topic()))})
}
