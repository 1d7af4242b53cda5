package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists outbox entries in a client-local SQLite file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the outbox database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		headers JSON,
		body BLOB,
		created_at INTEGER NOT NULL,
		tries INTEGER NOT NULL DEFAULT 0,
		max_tries INTEGER NOT NULL,
		next_at INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS outbox_next_at ON outbox (next_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStorage) Add(ctx context.Context, e Entry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, method, url, headers, body, created_at, tries, max_tries, next_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Method, e.URL, string(headers), e.Body,
		e.CreatedAt.UnixMilli(), e.Tries, e.MaxTries, e.NextAt.UnixMilli(), e.IdempotencyKey)
	return err
}

func (s *SQLiteStorage) Update(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET tries = ?, next_at = ? WHERE id = ?`,
		e.Tries, e.NextAt.UnixMilli(), e.ID)
	return err
}

func (s *SQLiteStorage) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) Due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, url, headers, body, created_at, tries, max_tries, next_at, idempotency_key
		  FROM outbox
		 WHERE next_at <= ?
		 ORDER BY next_at
		 LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var headers string
		var createdAt, nextAt int64
		if err := rows.Scan(&e.ID, &e.Method, &e.URL, &headers, &e.Body,
			&createdAt, &e.Tries, &e.MaxTries, &nextAt, &e.IdempotencyKey); err != nil {
			return nil, err
		}
		if headers != "" && headers != "null" {
			if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
				return nil, fmt.Errorf("corrupt headers in outbox entry %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		e.NextAt = time.UnixMilli(nextAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
