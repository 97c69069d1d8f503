package archive

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertEventSQL = `
	INSERT INTO channel_events (event_id, topic, event, data, origin_conn, published_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (event_id) DO NOTHING
`

// PGStore writes rows to PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a store on pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool}
}

var _ Store = (*PGStore)(nil)

// Insert sends rows as one pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) Insert(ctx context.Context, rows []Row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		var data any
		if len(r.Data) > 0 {
			data = r.Data
		}
		batch.Queue(insertEventSQL, r.EventID, r.Topic, r.Event, data, r.OriginConn, r.PublishedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
