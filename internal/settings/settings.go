// Package settings persists the small set of user preferences beacon-radar
// keeps between runs in a sqlite key-value table.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "modernc.org/sqlite"
)

// Persisted keys.
const (
	KeyUserID         = "throneUserId"
	KeyBackgroundMode = "backgroundMode"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("settings: store closed")

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store is a sqlite-backed key-value store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if needed) the store at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("settings: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the value for key and whether it was set.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// UserID returns the stored Throne user id, "" when unset.
func (s *Store) UserID() (string, error) {
	v, _, err := s.Get(context.Background(), KeyUserID)
	return v, err
}

func (s *Store) SetUserID(id string) error {
	return s.Set(context.Background(), KeyUserID, id)
}

// BackgroundMode returns the stored flag, false when unset.
func (s *Store) BackgroundMode() (bool, error) {
	v, ok, err := s.Get(context.Background(), KeyBackgroundMode)
	if err != nil || !ok {
		return false, err
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("settings: parse %s: %w", KeyBackgroundMode, err)
	}
	return enabled, nil
}

func (s *Store) SetBackgroundMode(enabled bool) error {
	return s.Set(context.Background(), KeyBackgroundMode, strconv.FormatBool(enabled))
}
