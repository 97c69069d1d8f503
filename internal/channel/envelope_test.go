package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/cable/internal/connection"
	"github.com/rickgao/cable/internal/connection/connectiontest"
)

func acceptedConn(t *testing.T) (*connection.Connection, *connectiontest.Transport) {
	t.Helper()
	tr := connectiontest.New()
	conn := connection.New(tr)
	require.NoError(t, conn.Accept(context.Background(), ""))
	return conn, tr
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic":"room:1","event":"message","ref":7,"data":{"body":"hi"}}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "room:1", env.Topic)
	assert.Equal(t, "message", env.Name)
	assert.Equal(t, int64(7), env.Ref)
	assert.JSONEq(t, `{"body":"hi"}`, string(env.Data))
	assert.Equal(t, KindApplication, env.Kind())
	assert.False(t, env.ReceivedAt.IsZero())
}

func TestParseEnvelope_OptionalFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic":"room:1","event":"__join__"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), env.Ref)
	assert.Nil(t, env.Data)
	assert.Equal(t, KindJoin, env.Kind())
}

func TestParseEnvelope_NullData(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic":"t","event":"e","data":null,"ref":null}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "null", string(env.Data))
	assert.Equal(t, int64(0), env.Ref)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{"topic":`},
		{"array", `["room:1","message"]`},
		{"string", `"hello"`},
		{"missing topic", `{"event":"message"}`},
		{"empty topic", `{"topic":"","event":"message"}`},
		{"numeric topic", `{"topic":1,"event":"message"}`},
		{"missing event", `{"topic":"room:1"}`},
		{"empty event", `{"topic":"room:1","event":""}`},
		{"string ref", `{"topic":"room:1","event":"message","ref":"7"}`},
		{"fractional ref", `{"topic":"room:1","event":"message","ref":1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.input), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
			assert.ErrorIs(t, err, connection.ErrProtocol)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		want Kind
	}{
		{EventJoin, KindJoin},
		{EventLeave, KindLeave},
		{EventHeartbeat, KindHeartbeat},
		{EventReply, KindApplication},
		{"message", KindApplication},
		{"__other__", KindApplication},
	}

	for _, tt := range tests {
		if got := KindOf(tt.name); got != tt.want {
			t.Errorf("KindOf(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnvelope_Decode(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic":"t","event":"e","data":{"body":"hi"}}`), nil)
	require.NoError(t, err)

	var payload struct {
		Body string `json:"body"`
	}
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "hi", payload.Body)

	empty, err := ParseEnvelope([]byte(`{"topic":"t","event":"e"}`), nil)
	require.NoError(t, err)
	assert.Error(t, empty.Decode(&payload))
}

func TestEnvelope_Reply(t *testing.T) {
	conn, tr := acceptedConn(t)

	env, err := ParseEnvelope([]byte(`{"topic":"room:1","event":"message","ref":7,"data":{"body":"hi"}}`), conn)
	require.NoError(t, err)
	require.NoError(t, env.Reply(context.Background(), "Accepted"))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, `{"topic":"room:1","event":"__reply__","data":{"status":"ok","data":"Accepted"},"ref":7}`, frames[0])
}

func TestEnvelope_ReplyError(t *testing.T) {
	conn, tr := acceptedConn(t)

	env, err := ParseEnvelope([]byte(`{"topic":"room:1","event":"message"}`), conn)
	require.NoError(t, err)
	require.NoError(t, env.ReplyError(context.Background(), "nope"))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"topic":"room:1","event":"__reply__","data":{"status":"error","data":"nope"},"ref":0}`, frames[0])
}

func TestEnvelope_ReplyWithoutConnection(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"topic":"t","event":"e"}`), nil)
	require.NoError(t, err)
	assert.Error(t, env.Reply(context.Background(), nil))
}

func TestEnvelope_ReplyAfterClose(t *testing.T) {
	conn, _ := acceptedConn(t)
	require.NoError(t, conn.Close(context.Background(), connection.CloseNormal, ""))

	env, err := ParseEnvelope([]byte(`{"topic":"t","event":"e"}`), conn)
	require.NoError(t, err)

	err = env.Reply(context.Background(), nil)
	var stateErr *connection.StateError
	assert.True(t, errors.As(err, &stateErr))
}
