// Package store is the Postgres persistence layer. Every write is an
// idempotent upsert keyed by the row's natural unique constraint, so
// run retries and concurrent writers never collide destructively.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"MetalFlow/internal/observability"
)

// Store bundles the repositories over one connection pool.
type Store struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		log:     log.With().Str("component", "store").Logger(),
		metrics: metrics,
	}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string, log zerolog.Logger, metrics *observability.Metrics) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, log, metrics), nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for the migrator.
func (s *Store) DB() *sql.DB { return s.db }

// observe records statement latency and errors per query name.
func (s *Store) observe(query string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
	if err != nil && err != sql.ErrNoRows {
		s.metrics.StoreErrors.WithLabelValues(query).Inc()
	}
}
