// Package sqlitestore is a storage.Area backed by a single SQLite table,
// using the pure Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/pkg/storage"

	_ "modernc.org/sqlite" // register the sqlite driver
)

const opTimeout = 5 * time.Second

// Store is an Area persisted in a kv table.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	events *notify.Notifier[storage.Event]
}

// compile-time check
var _ storage.Area = (*Store)(nil)

// Open opens (or creates) the database at path. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ddl := `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure kv table: %w", err)
	}
	return &Store{db: db, events: notify.New[storage.Event]()}, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Set(origin, key, value string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	cancel()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}

	s.events.Publish(storage.Event{Key: key, Value: value, Origin: origin})
	return nil
}

func (s *Store) Remove(origin, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	cancel()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.events.Publish(storage.Event{Key: key, Removed: true, Origin: origin})
	}
	return nil
}

// Watch only sees writes made through this Store; SQLite has no change feed
// across processes.
func (s *Store) Watch(fn storage.Listener) func() {
	return s.events.Subscribe(fn)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
