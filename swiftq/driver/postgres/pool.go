// Package postgres is the schema authority and storage layer: it owns
// the connection pool, the versioned migration ladder, and every SQL
// statement the queue & job manager issues. Grounded on the teacher's
// internal/store package (pgxpool wrapper, embedded migrations) and
// taskharbor's driver/postgres package (Driver shape, NewWithPool).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrClosed  = errors.New("postgres driver is closed")
	ErrNilPool = errors.New("nil pgx pool")
)

// Store wraps a pgxpool.Pool and the schema authority's migration step.
type Store struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// New connects to dsn, applies the maximum pool size, and returns a
// Store. It does not run migrations — callers invoke Migrate
// explicitly, matching spec.md §6's "opens the pool, then asks the
// schema authority to idempotently install or migrate" ordering.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an already-constructed pool, letting callers share
// a pool across components or supply a test double.
func NewWithPool(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	return &Store{pool: pool}, nil
}

// Migrate idempotently installs or upgrades the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return ApplyMigrations(ctx, s.pool)
}

// Close releases the pool. Safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pgxpool.Pool for components (archive
// offload, version leader-election) that need raw access.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
