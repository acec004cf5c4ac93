package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

// Non-blocking, batched sink: Emit never blocks the request hot path. It
// pushes onto a buffered channel drained by a background goroutine, the
// same non-blocking pattern logger.Logger uses for its slog output —
// repointed here at a tokens_usage Postgres table instead of log lines.
const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS tokens_usage (
	id                SERIAL PRIMARY KEY,
	timestamp         TIMESTAMPTZ NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	reasoning_tokens  INTEGER NOT NULL,
	cached_tokens     INTEGER NOT NULL,
	cost              REAL NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL
)`

const createUsageTimestampIndexSQL = `
CREATE INDEX IF NOT EXISTS tokens_usage_timestamp_idx ON tokens_usage (timestamp)`

// PostgresSink persists UsageRecords to the tokens_usage table asynchronously.
type PostgresSink struct {
	db *sql.DB

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
	logger  *slog.Logger
}

// OpenPostgresSink connects to dsn, ensures the tokens_usage table exists,
// and starts the background flush goroutine.
func OpenPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createUsageTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createUsageTimestampIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: create index: %w", err)
	}

	s := &PostgresSink{
		db:     db,
		ch:     make(chan Record, channelBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.wg.Add(1)
	// The flush goroutine outlives ctx cancellation so Close can still
	// persist the records left in the buffer at shutdown.
	go s.run(context.WithoutCancel(ctx))
	return s, nil
}

// Emit enqueues rec for async persistence. Never blocks: if the channel is
// full the record is dropped and counted (see DroppedRecords).
func (s *PostgresSink) Emit(rec Record) {
	select {
	case s.ch <- rec:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// DroppedRecords returns the count of records dropped due to a full buffer.
func (s *PostgresSink) DroppedRecords() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains any buffered records, flushes them, and waits for the
// background goroutine to exit.
func (s *PostgresSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *PostgresSink) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(ctx, batch); err != nil {
			s.logger.Error("usage: failed to persist batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PostgresSink) insertBatch(ctx context.Context, batch []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tokens_usage
			(timestamp, prompt_tokens, completion_tokens, total_tokens, reasoning_tokens, cached_tokens, cost, model, provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			ts, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.ReasoningTokens, rec.CachedTokens, rec.CostUSD, rec.Model, rec.Provider,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Stats aggregates usage over [since, now) by model+provider, backing the
// supplemented GET /v1/stats admin endpoint.
type Stats struct {
	Model            string `json:"model"`
	Provider         string `json:"provider"`
	Count            int64  `json:"count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryStats reads aggregate token counts grouped by model+provider for
// records at or after since.
func (s *PostgresSink) QueryStats(ctx context.Context, since time.Time) ([]Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, provider, COUNT(*), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM tokens_usage
		WHERE timestamp >= $1
		GROUP BY model, provider
		ORDER BY model, provider`, since)
	if err != nil {
		return nil, fmt.Errorf("usage: query stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var st Stats
		if err := rows.Scan(&st.Model, &st.Provider, &st.Count, &st.PromptTokens, &st.CompletionTokens, &st.TotalTokens); err != nil {
			return nil, fmt.Errorf("usage: scan stats row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
