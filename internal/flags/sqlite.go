package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the flag store.
const schema = `
CREATE TABLE IF NOT EXISTS flags (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// SQLite is a Store backed by a single-file SQLite database. Every Set
// is its own transaction committed with synchronous=FULL.
type SQLite struct {
	db       *sql.DB
	path     string
	readOnly bool
	closed   atomic.Bool
}

// OpenSQLite opens or creates the database at path. A read-only store
// requires the database to exist.
func OpenSQLite(path string, readOnly bool, busyTimeout time.Duration) (*SQLite, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_journal_mode", "DELETE")
	q.Set("_synchronous", "FULL")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	if readOnly {
		q.Set("mode", "ro")
	}
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if readOnly {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("open database read-only: %w", err)
		}
	} else if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, path: path, readOnly: readOnly}, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key, def string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("flags: read %s: %w", key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return &WriteError{Key: key, Err: ErrClosed}
	}
	if s.readOnly {
		return &WriteError{Key: key, Err: ErrReadOnly}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

// UpdatedAt returns when key was last written, or the zero time if unset.
func (s *SQLite) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM flags WHERE key = ?`, key).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("flags: read %s: %w", key, err)
	}
	return time.Unix(0, ns), nil
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file.
func (s *SQLite) Path() string {
	return s.path
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
