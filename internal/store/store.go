package store

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB holds the Postgres pool for confirmed-segment persistence.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS segments (
	id           BIGSERIAL PRIMARY KEY,
	source_id    TEXT NOT NULL,
	slot         TEXT NOT NULL,
	text         TEXT NOT NULL,
	end_seconds  DOUBLE PRECISION,
	language     TEXT NOT NULL DEFAULT '',
	words        JSONB,
	confirmed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_confirmed_at ON segments (confirmed_at);
CREATE INDEX IF NOT EXISTS idx_segments_source ON segments (source_id, confirmed_at);
`

func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 8
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}

// SegmentRow is one confirmed transcription segment.
type SegmentRow struct {
	SourceID    string
	Slot        string
	Text        string
	EndSeconds  float64
	Language    string
	Words       json.RawMessage
	ConfirmedAt time.Time
}

// InsertSegments bulk-inserts confirmed segments.
func (db *DB) InsertSegments(ctx context.Context, rows []SegmentRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := db.Pool.CopyFrom(ctx,
		pgx.Identifier{"segments"},
		[]string{"source_id", "slot", "text", "end_seconds", "language", "words", "confirmed_at"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.SourceID, r.Slot, r.Text, r.EndSeconds, r.Language, r.Words, r.ConfirmedAt}, nil
		}),
	)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecentSegments returns the latest confirmed segments, newest first.
func (db *DB) RecentSegments(ctx context.Context, limit int) ([]SegmentRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT source_id, slot, text, end_seconds, language, words, confirmed_at
		 FROM segments ORDER BY confirmed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var r SegmentRow
		if err := rows.Scan(&r.SourceID, &r.Slot, &r.Text, &r.EndSeconds, &r.Language, &r.Words, &r.ConfirmedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
