package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the archive table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS channel_events (
    event_id     UUID PRIMARY KEY,
    topic        TEXT NOT NULL,
    event        TEXT NOT NULL,
    data         JSONB,
    origin_conn  UUID,
    published_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS channel_events_topic_published_at_idx
    ON channel_events (topic, published_at);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
