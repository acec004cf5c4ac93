// Package rotation implements the RotationStore: a durable
// (callerKey, gatewayModel) -> lastIndex cursor used to round-robin across
// a Rule's candidates. Reads and updates for a given key are serialized
// through a per-key mutex striping scheme, while different keys proceed
// fully in parallel.
//
// The durable backend is PostgreSQL (sqlRowStore, using database/sql +
// lib/pq); an in-memory backend (memRowStore) backs unit tests against
// an interchangeable rowStore interface rather than a mocking framework.
package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/lib/pq"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS model_rotation (
	api_key          TEXT NOT NULL,
	gateway_model    TEXT NOT NULL,
	last_model_index INTEGER NOT NULL,
	PRIMARY KEY (api_key, gateway_model)
)`

// rowKey identifies one model_rotation row.
type rowKey struct {
	callerKey    string
	gatewayModel string
}

// rowStore is the minimal persistence contract NextIndex needs. Swappable
// so the rotation algorithm can be unit tested without a live Postgres
// instance.
type rowStore interface {
	// nextIndex computes and durably persists the next index for key given
	// n candidates, per the upsert-on-first-use semantics documented on
	// Store.NextIndex.
	nextIndex(ctx context.Context, key rowKey, n int) (int, error)
}

// Store is the durable rotation cursor store.
type Store struct {
	rows   rowStore
	db     *sql.DB // nil when backed by an in-memory rowStore (tests only)
	logger *slog.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open connects to dsn (a PostgreSQL connection string), ensures the
// model_rotation table exists, and returns a ready Store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rotation: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("rotation: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("rotation: create table: %w", err)
	}
	return newStore(&sqlRowStore{db: db}, db, logger), nil
}

func newStore(rows rowStore, db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rows:     rows,
		db:       db,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Close releases the underlying database connection pool, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextIndex computes and persists the next rotation index for
// (callerKey, gatewayModel, n):
//   - no row exists: insert lastIndex=0, return 0.
//   - row exists: next = (lastIndex+1) mod n; update; return next.
//   - on any storage failure: log and return 0, degrading to a fixed
//     ordering rather than failing the request.
//
// n<=0 always returns 0 without touching storage (spec: "for N=0 returns 0,
// never called in practice").
func (s *Store) NextIndex(ctx context.Context, callerKey, gatewayModel string, n int) int {
	if n <= 0 {
		return 0
	}

	lock := s.lockFor(callerKey + "\x00" + gatewayModel)
	lock.Lock()
	defer lock.Unlock()

	idx, err := s.rows.nextIndex(ctx, rowKey{callerKey: callerKey, gatewayModel: gatewayModel}, n)
	if err != nil {
		s.logger.Error("rotation: storage failure, degrading to fixed ordering",
			"caller_key", redactKey(callerKey), "gateway_model", gatewayModel, "error", err)
		return 0
	}
	return idx
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[key] = lock
	}
	return lock
}

// redactKey avoids ever logging a caller's full API key.
func redactKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// sqlRowStore is the PostgreSQL-backed rowStore.
type sqlRowStore struct {
	db *sql.DB
}

func (r *sqlRowStore) nextIndex(ctx context.Context, key rowKey, n int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last int
	err = tx.QueryRowContext(ctx,
		`SELECT last_model_index FROM model_rotation WHERE api_key=$1 AND gateway_model=$2 FOR UPDATE`,
		key.callerKey, key.gatewayModel,
	).Scan(&last)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_rotation (api_key, gateway_model, last_model_index) VALUES ($1, $2, 0)`,
			key.callerKey, key.gatewayModel,
		); err != nil {
			return 0, err
		}
		return 0, tx.Commit()
	case err != nil:
		return 0, err
	}

	next := (last + 1) % n
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_rotation SET last_model_index=$1 WHERE api_key=$2 AND gateway_model=$3`,
		next, key.callerKey, key.gatewayModel,
	); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}
