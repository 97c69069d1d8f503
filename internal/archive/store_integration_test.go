//go:build integration

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/database"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cable",
			"POSTGRES_PASSWORD": "cable",
			"POSTGRES_DB":       "cable",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://cable:cable@%s:%s/cable?sslmode=disable", host, port.Port())
	pool, err := database.ConnectString(ctx, connStr, 1, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.EnsureSchema(ctx, pool))
	return pool
}

func TestPGStore_Insert(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := NewPGStore(pool)

	origin := uuid.New()
	rows := []Row{
		{EventID: uuid.New(), Topic: "room:1", Event: "message", Data: json.RawMessage(`{"body":"hi"}`), OriginConn: &origin, PublishedAt: time.Now()},
		{EventID: uuid.New(), Topic: "room:1", Event: "notice", PublishedAt: time.Now()},
	}

	conflicts, err := store.Insert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, conflicts)

	// Same IDs again are skipped
	conflicts, err = store.Insert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, conflicts)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM channel_events`).Scan(&count))
	assert.Equal(t, 2, count)

	var body string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT data->>'body' FROM channel_events WHERE event_id = $1`, rows[0].EventID).Scan(&body))
	assert.Equal(t, "hi", body)

	var originConn *uuid.UUID
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT origin_conn FROM channel_events WHERE event_id = $1`, rows[1].EventID).Scan(&originConn))
	assert.Nil(t, originConn)
}

func TestArchiver_EndToEnd(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	b := backend.NewInMemory(backend.DefaultConfig())

	a := New(Config{Topics: []string{"room:1"}, BatchSize: 10, FlushInterval: 50 * time.Millisecond}, b, NewPGStore(pool))
	require.NoError(t, a.Start(ctx))

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "room:1", backend.NewEvent("room:1", "message", json.RawMessage(fmt.Sprintf(`%d`, i)), backend.MemberKey{}))
		require.NoError(t, err)
	}

	require.NoError(t, a.Stop(ctx))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM channel_events WHERE topic = 'room:1'`).Scan(&count))
	assert.Equal(t, 5, count)
}
