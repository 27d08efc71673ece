// Package store persists the pipeline's durable state in PostgreSQL: the
// append-only outcome log, the open-position book, and versioned parameter
// documents.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolInterface defines the pool operations the store needs, so tests can
// substitute a mock pool
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store wraps the PostgreSQL connection pool
type Store struct {
	pool PoolInterface
}

// New creates a store backed by a fresh connection pool
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created")
	return &Store{pool: pool}, nil
}

// NewWithPool creates a store over an existing pool (or a mock in tests)
func NewWithPool(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool when the store owns one
func (s *Store) Close() {
	if p, ok := s.pool.(*pgxpool.Pool); ok && p != nil {
		p.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS outcomes (
		id UUID PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		position_id UUID,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		reason TEXT NOT NULL,
		pnl_pct DOUBLE PRECISION NOT NULL,
		hold_time_ms BIGINT NOT NULL,
		features JSONB,
		regime TEXT NOT NULL DEFAULT '',
		closed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol ON outcomes (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_regime ON outcomes (regime)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_strategy ON outcomes (strategy)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		stop_loss DOUBLE PRECISION NOT NULL,
		take_profit DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		candidate_id TEXT NOT NULL,
		origin_score DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		status_changed TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
	`CREATE TABLE IF NOT EXISTS parameter_sets (
		version BIGINT PRIMARY KEY,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema when absent
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	if p, ok := s.pool.(*pgxpool.Pool); ok {
		return p.Ping(ctx)
	}
	return nil
}
