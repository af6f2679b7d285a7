// Package sqlite is the embedded single-file storage backend, built on GORM
// and the pure-Go SQLite driver. The database runs in WAL mode with relaxed
// synchronous durability; readers proceed concurrently while writers are
// serialized by the store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/play-review-bridge/internal/repo"
)

// Options configures the embedded backend.
type Options struct {
	// Path is a filesystem path, ":memory:" or a "file:" URI.
	Path string
	// BusyTimeout bounds how long a connection waits on a locked database.
	BusyTimeout time.Duration
	// MaxOpenConns caps the read pool. In-memory databases always use one.
	MaxOpenConns int
	// Tracing installs the OpenTelemetry GORM plugin.
	Tracing bool
	// LogLevel is the GORM logger level; zero means silent.
	LogLevel logger.LogLevel
}

// Store is the SQLite implementation of repo.Store.
type Store struct {
	gormRecords

	opts Options

	mu sync.RWMutex
	db *gorm.DB

	// wmu serializes writers: store-level writes hold it for one statement,
	// transactions hold it from Begin until Commit or Rollback.
	wmu sync.Mutex
}

var _ repo.Store = (*Store)(nil)

// New returns an uninitialized store.
func New(opts Options) *Store {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	s := &Store{opts: opts}
	s.gormRecords = gormRecords{conn: s.handle, lock: s.lockWriter}
	return s
}

// Dialect implements repo.Store.
func (s *Store) Dialect() repo.Dialect { return repo.DialectSQLite }

// Initialize opens the database file, applies the connection PRAGMAs and
// sizes the pool. Failures are reported as repo.ErrConnection.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := Open(s.opts)
	if err != nil {
		return repo.Connection(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return repo.Connection(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return repo.Connection(err)
	}
	s.db = db
	return nil
}

// Open opens (or creates) a SQLite database and applies PRAGMAs through the
// DSN so that every pooled connection carries them.
func Open(opts Options) (*gorm.DB, error) {
	memory := isMemory(opts.Path)
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if !memory {
		if dir := filepath.Dir(opts.Path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, err
			}
		}
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(gsqlite.Open(dsn(opts)), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("install tracing plugin: %w", err)
		}
	}

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		if memory {
			sqlDB.SetMaxOpenConns(1)
			sqlDB.SetMaxIdleConns(1)
			sqlDB.SetConnMaxLifetime(0)
			sqlDB.SetConnMaxIdleTime(0)
		} else {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
			sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
			sqlDB.SetConnMaxIdleTime(5 * time.Minute)
			sqlDB.SetConnMaxLifetime(30 * time.Minute)
		}
	}
	return db, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func dsn(opts Options) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()),
	}
	if !isMemory(opts.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(opts.Path, "?") {
		sep = "&"
	}
	return opts.Path + sep + strings.Join(pragmas, "&")
}

// DB exposes the underlying GORM handle, or nil before Initialize.
func (s *Store) DB() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Close releases the connection pool. The store can be initialized again
// afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) handle() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, repo.ErrNotInitialized
	}
	return s.db, nil
}

func (s *Store) lockWriter() func() {
	s.wmu.Lock()
	return s.wmu.Unlock
}

// Begin opens a write transaction. The writer lock is held until the
// transaction ends.
func (s *Store) Begin(ctx context.Context) (repo.Tx, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	s.wmu.Lock()
	gtx := db.WithContext(ctx).Begin(&sql.TxOptions{})
	if gtx.Error != nil {
		s.wmu.Unlock()
		return nil, mapErr(gtx.Error)
	}
	t := &Tx{db: gtx, release: s.wmu.Unlock}
	t.gormRecords = gormRecords{
		conn: func() (*gorm.DB, error) { return t.db, nil },
		lock: noLock,
	}
	return t, nil
}

// WithTx implements repo.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	return repo.RunTx(ctx, s, fn)
}

// Tx is an open SQLite transaction.
type Tx struct {
	gormRecords

	db      *gorm.DB
	once    sync.Once
	release func()
	done    bool
}

var _ repo.Tx = (*Tx)(nil)

// Dialect implements repo.Tx.
func (t *Tx) Dialect() repo.Dialect { return repo.DialectSQLite }

// Commit implements repo.Tx.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("sqlite: transaction already finished")
	}
	t.done = true
	defer t.once.Do(t.release)
	return mapErr(t.db.Commit().Error)
}

// Rollback implements repo.Tx.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.once.Do(t.release)
	err := t.db.Rollback().Error
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return mapErr(err)
}

func noLock() func() { return func() {} }
