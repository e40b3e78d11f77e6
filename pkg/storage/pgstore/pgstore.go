// Package pgstore is a storage.Area kept in PostgreSQL. Every write is
// announced with NOTIFY so that all daemons sharing the database see each
// other's changes, the way tabs of one origin share localStorage. A dropped
// listener connection is re-established with backoff; notifications sent
// while it was down are lost.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celerix-dev/celerix-cms/internal/logging"
	"github.com/celerix-dev/celerix-cms/internal/notify"
	"github.com/celerix-dev/celerix-cms/pkg/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the LISTEN/NOTIFY channel shared by every instance.
const Channel = "cms_kv"

const (
	opTimeout  = 5 * time.Second
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

var logger = logging.New("pgstore")

// notice is the NOTIFY payload. Values are not included because NOTIFY
// payloads are capped at 8000 bytes; listeners re-read the row instead.
type notice struct {
	Instance string `json:"instance"`
	Key      string `json:"key"`
	Removed  bool   `json:"removed,omitempty"`
}

// Store is a Postgres-backed Area.
type Store struct {
	pool     *pgxpool.Pool
	instance string
	events   *notify.Notifier[storage.Event]

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// backend pid of the LISTEN connection
	listenerPID atomic.Uint32
}

// compile-time check
var _ storage.Area = (*Store)(nil)

// Open connects to dsn, ensures the kv table and starts listening on Channel.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	ddl := `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure kv table: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:     pool,
		instance: uuid.NewString(),
		events:   notify.New[storage.Event](),
		cancel:   cancel,
	}
	conn, err := s.subscribe(ctx)
	if err != nil {
		cancel()
		pool.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.listen(listenCtx, conn)
	return s, nil
}

// subscribe takes a connection out of the pool and issues LISTEN on it.
func (s *Store) subscribe(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	s.listenerPID.Store(conn.Conn().PgConn().PID())
	return conn, nil
}

func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, storage.ErrClosed
	}
	return s.get(key)
}

func (s *Store) get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Set(origin, key, value string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	err := s.write(key, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		_, err := tx.Exec(ctx,
			`INSERT INTO kv(key, value, updated_at) VALUES($1, $2, now())
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value)
		return err == nil, err
	}, false)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	s.events.Publish(storage.Event{Key: key, Value: value, Origin: origin})
	return nil
}

func (s *Store) Remove(origin, key string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	var existed bool
	err := s.write(key, func(ctx context.Context, tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		if err != nil {
			return false, err
		}
		existed = tag.RowsAffected() > 0
		return existed, nil
	}, true)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if existed {
		s.events.Publish(storage.Event{Key: key, Removed: true, Origin: origin})
	}
	return nil
}

// write runs op and, when it changed something, the NOTIFY in one transaction.
func (s *Store) write(key string, op func(context.Context, pgx.Tx) (bool, error), removed bool) error {
	payload, err := json.Marshal(notice{Instance: s.instance, Key: key, Removed: removed})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		changed, err := op(ctx, tx)
		if err != nil || !changed {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer s.wg.Done()

	for {
		err := s.receive(ctx, conn)
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("listener lost: %v; reconnecting", err)

		conn = s.resubscribe(ctx)
		if conn == nil {
			return
		}
		logger.Infof("listener reconnected")
	}
}

// resubscribe retries subscribe with backoff until it works or ctx ends.
func (s *Store) resubscribe(ctx context.Context) *pgxpool.Conn {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opTimeout)
		conn, err := s.subscribe(attemptCtx)
		cancel()
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Debugf("listener reconnect failed: %v", err)
		backoff = min(backoff*2, maxBackoff)
	}
}

// receive publishes notifications from conn until it fails or ctx ends.
func (s *Store) receive(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var msg notice
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			logger.Warnf("ignoring malformed notification: %v", err)
			continue
		}
		if msg.Instance == s.instance {
			continue // already published in-process with its origin
		}

		ev := storage.Event{Key: msg.Key, Removed: msg.Removed}
		if !msg.Removed {
			v, ok, err := s.get(msg.Key)
			if err != nil {
				logger.Warnf("re-reading %s after notification: %v", msg.Key, err)
				continue
			}
			if !ok {
				ev.Removed = true
			}
			ev.Value = v
		}
		s.events.Publish(ev)
	}
}

// Watch sees writes from this process and, through LISTEN, from every other
// process connected to the same database.
func (s *Store) Watch(fn storage.Listener) func() {
	return s.events.Subscribe(fn)
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return nil
}
