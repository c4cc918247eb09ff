// Package store keeps a history of quote runs in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quotebot/internal/reporting"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createRunsTable = `
    CREATE TABLE IF NOT EXISTS quote_runs (
        id         TEXT PRIMARY KEY,
        success    BOOLEAN NOT NULL,
        error      TEXT,
        summary    JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL
    );
`

const insertRun = `
    INSERT INTO quote_runs (id, success, error, summary, created_at)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (id) DO UPDATE SET
        success = EXCLUDED.success,
        error = EXCLUDED.error,
        summary = EXCLUDED.summary;
`

const selectRecentRuns = `
    SELECT id, success, COALESCE(error, ''), summary, created_at
    FROM quote_runs
    ORDER BY created_at DESC
    LIMIT $1;
`

// Run is one row of the history.
type Run struct {
	ID        string
	Success   bool
	Error     string
	Summary   reporting.Summary
	CreatedAt time.Time
}

// Store is the PostgreSQL run history.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Connect opens a pool for url and wraps it in a Store. The returned close
// function releases the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the history table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createRunsTable); err != nil {
		return fmt.Errorf("failed to create quote_runs table: %w", err)
	}
	return nil
}

// SaveRun records the result document of run runID. Saving the same run
// again overwrites its outcome but keeps the original creation time.
func (s *Store) SaveRun(ctx context.Context, runID string, doc reporting.Document) error {
	summary, err := jsoniter.Marshal(doc.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, doc.Timestamp)
	if err != nil {
		createdAt = s.now()
	}

	var errText *string
	if doc.Error != "" {
		errText = &doc.Error
	}

	if _, err := s.pool.Exec(ctx, insertRun, runID, doc.Success, errText, string(summary), createdAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	s.log.Debug("Run saved", zap.String("run_id", runID), zap.Bool("success", doc.Success))
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, selectRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			summary []byte
		)
		if err := rows.Scan(&r.ID, &r.Success, &r.Error, &summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if len(summary) > 0 {
			if err := jsoniter.Unmarshal(summary, &r.Summary); err != nil {
				return nil, fmt.Errorf("failed to decode summary of run %s: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
