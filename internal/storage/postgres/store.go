// Package postgres provides pgx-backed persistence for the watch domain.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricehound/internal/watch"
)

// DB is the slice of pgxpool.Pool the stores need. pgxmock implements the
// same surface, which keeps the lease logic testable without a server.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Store owns the shared connection pool and hands out the per-aggregate
// stores.
type Store struct {
	db    DB
	clock watch.Clock
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config, clock watch.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool, clock: clock}, nil
}

// NewWithDB constructs a Store from an existing pool (primarily for testing).
func NewWithDB(db DB, clock watch.Clock) *Store {
	return &Store{db: db, clock: clock}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// DraftJobs returns the draft job store.
func (s *Store) DraftJobs() *DraftJobStore {
	return &DraftJobStore{db: s.db, clock: s.clock}
}

// Jobs returns the recurring job store.
func (s *Store) Jobs() *JobStore {
	return &JobStore{db: s.db, clock: s.clock}
}

// Users returns the user store.
func (s *Store) Users() *UserStore {
	return &UserStore{db: s.db, clock: s.clock}
}

// Tokens returns the token store.
func (s *Store) Tokens() *TokenStore {
	return &TokenStore{db: s.db, clock: s.clock}
}

// Emails returns the sent-email log store.
func (s *Store) Emails() *EmailStore {
	return &EmailStore{db: s.db, clock: s.clock}
}
