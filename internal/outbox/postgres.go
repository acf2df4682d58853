package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/curation_outbox/internal/curation"
)

// PostgresStore keeps the outbox in the curation.outbox table.
// The schema comes from db.Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool; the store owns it from here on
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Enqueue(ctx context.Context, e curation.Event) error {
	body, err := encodeEvent(e)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO curation.outbox (created_at, kind, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (created_at) DO NOTHING`,
		e.CreatedAt, string(e.Kind), string(body),
	)
	if err != nil {
		return fmt.Errorf("enqueue event %d: %w", e.CreatedAt, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, e.CreatedAt)
	}
	return nil
}

func (s *PostgresStore) Oldest(ctx context.Context) (curation.Event, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM curation.outbox
		ORDER BY created_at ASC
		LIMIT 1`).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return curation.Event{}, ErrEmpty
	}
	if err != nil {
		return curation.Event{}, fmt.Errorf("read oldest event: %w", err)
	}
	return decodeEvent(body)
}

func (s *PostgresStore) Remove(ctx context.Context, key int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM curation.outbox WHERE created_at = $1`, key); err != nil {
		return fmt.Errorf("remove event %d: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM curation.outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) LastKey(ctx context.Context) (int64, error) {
	var key int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM curation.outbox`).Scan(&key); err != nil {
		return 0, fmt.Errorf("read last key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]curation.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT body FROM curation.outbox ORDER BY created_at ASC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT body FROM curation.outbox ORDER BY created_at ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []curation.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := decodeEvent(body)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
