package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Config configures an Archiver.
type Config struct {
	// Topics to archive. Each gets its own Subscribe feed.
	Topics []string

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// FlushTimeout bounds each database round trip.
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Row is one channel_events row.
type Row struct {
	EventID     uuid.UUID
	Topic       string
	Event       string
	Data        json.RawMessage // nil is stored as NULL
	OriginConn  *uuid.UUID      // nil for server-side publishes
	PublishedAt time.Time
}

// Store persists rows.
type Store interface {
	// Insert writes rows, skipping event IDs already present, and returns
	// how many were skipped.
	Insert(ctx context.Context, rows []Row) (conflicts int, err error)
}

// Stats contains runtime statistics.
type Stats struct {
	Received  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Lost      int64 // Rows in failed flushes
}
