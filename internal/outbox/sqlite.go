package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/austindbirch/curation_outbox/internal/curation"
)

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	created_at  INTEGER PRIMARY KEY,
	kind        TEXT    NOT NULL,
	body        BLOB    NOT NULL,
	enqueued_at INTEGER NOT NULL
);`

// SQLiteStore keeps the outbox in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the outbox database at path.
//
// The database runs in WAL mode with synchronous=FULL so that a committed
// Enqueue or Remove survives a crash. A single connection serialises writers.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect outbox database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply outbox schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, e curation.Event) error {
	body, err := encodeEvent(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (created_at, kind, body, enqueued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(created_at) DO NOTHING`,
		e.CreatedAt, string(e.Kind), body, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue event %d: %w", e.CreatedAt, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue event %d: %w", e.CreatedAt, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, e.CreatedAt)
	}
	return nil
}

func (s *SQLiteStore) Oldest(ctx context.Context) (curation.Event, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM outbox ORDER BY created_at ASC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return curation.Event{}, ErrEmpty
	}
	if err != nil {
		return curation.Event{}, fmt.Errorf("read oldest event: %w", err)
	}
	return decodeEvent(body)
}

func (s *SQLiteStore) Remove(ctx context.Context, key int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE created_at = ?`, key); err != nil {
		return fmt.Errorf("remove event %d: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LastKey(ctx context.Context) (int64, error) {
	var key int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM outbox`).Scan(&key); err != nil {
		return 0, fmt.Errorf("read last key: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]curation.Event, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM outbox ORDER BY created_at ASC LIMIT ?`, limit)
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
