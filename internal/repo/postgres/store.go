// Package postgres is the pooled client/server storage backend, built on
// pgx/v5. The pool is bounded; callers beyond MaxConns wait for a free
// connection until their context expires.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tbourn/play-review-bridge/internal/repo"
)

// Options configures the pooled backend.
type Options struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnectTimeout  time.Duration
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// Store is the PostgreSQL implementation of repo.Store.
type Store struct {
	pgRecords

	opts Options

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

var _ repo.Store = (*Store)(nil)

// New returns an uninitialized store.
func New(opts Options) *Store {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxConnIdleTime <= 0 {
		opts.MaxConnIdleTime = 5 * time.Minute
	}
	if opts.MaxConnLifetime <= 0 {
		opts.MaxConnLifetime = 30 * time.Minute
	}
	s := &Store{opts: opts}
	s.pgRecords = pgRecords{conn: s.handle}
	return s
}

// Dialect implements repo.Store.
func (s *Store) Dialect() repo.Dialect { return repo.DialectPostgres }

// Initialize creates the pool and verifies connectivity within
// ConnectTimeout. Failures are reported as repo.ErrConnection.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(s.opts.DSN)
	if err != nil {
		return repo.Connection(fmt.Errorf("parse dsn: %w", err))
	}
	cfg.MaxConns = s.opts.MaxConns
	cfg.MinConns = s.opts.MinConns
	cfg.MaxConnIdleTime = s.opts.MaxConnIdleTime
	cfg.MaxConnLifetime = s.opts.MaxConnLifetime
	cfg.ConnConfig.ConnectTimeout = s.opts.ConnectTimeout

	pctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pctx, cfg)
	if err != nil {
		return repo.Connection(err)
	}
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return repo.Connection(err)
	}
	s.pool = pool
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Pool exposes the underlying pool, or nil before Initialize.
func (s *Store) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

func (s *Store) handle() (dbtx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, repo.ErrNotInitialized
	}
	return s.pool, nil
}

// Begin implements repo.Store.
func (s *Store) Begin(ctx context.Context) (repo.Tx, error) {
	pool := s.Pool()
	if pool == nil {
		return nil, repo.ErrNotInitialized
	}
	ptx, err := pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	t := &Tx{tx: ptx}
	t.pgRecords = pgRecords{conn: func() (dbtx, error) { return ptx, nil }}
	return t, nil
}

// WithTx implements repo.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	return repo.RunTx(ctx, s, fn)
}

// Tx is an open PostgreSQL transaction.
type Tx struct {
	pgRecords
	tx pgx.Tx
}

var _ repo.Tx = (*Tx)(nil)

// Dialect implements repo.Tx.
func (t *Tx) Dialect() repo.Dialect { return repo.DialectPostgres }

// Commit implements repo.Tx.
func (t *Tx) Commit(ctx context.Context) error { return mapErr(t.tx.Commit(ctx)) }

// Rollback implements repo.Tx. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return mapErr(err)
}

// mapErr translates pgx errors into the repo taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrConstraintViolation) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514": // unique, foreign key, check
			return repo.Constraint(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return repo.Connection(err)
	}
	if repo.LooksLikeConstraint(err) {
		return repo.Constraint(err)
	}
	return err
}
