package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/repo/repotest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("bridge_%d.db", time.Now().UnixNano()))
	st := New(Options{Path: path})
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() { _ = st.Close() })
	if _, err := repo.ApplyPending(context.Background(), st, repo.Migrations()); err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	return st
}

func TestConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return newTestStore(t) })
}

func TestOpen_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "app.db")
	st := New(Options{Path: bad})
	err := st.Initialize(context.Background())
	if !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "cannot find") ||
		strings.Contains(lower, "unable to open database file")) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInitialize_SetsPragmasAndPool(t *testing.T) {
	st := newTestStore(t)
	db := st.DB()

	var (
		journalMode string
		syncVal     int
		fkOn        int
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("journal_mode = %q; want wal", journalMode)
	}
	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	if syncVal != 1 { // NORMAL
		t.Fatalf("synchronous = %d; want 1", syncVal)
	}
	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fkOn != 1 {
		t.Fatalf("foreign_keys = %d; want 1", fkOn)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Fatalf("busy_timeout = %d; want 5000", busyMS)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 10 {
		t.Fatalf("MaxOpenConnections = %d; want 10", got)
	}
}

func TestMemoryDatabaseUsesSingleConnection(t *testing.T) {
	st := New(Options{Path: "file:sqlite_memory_test?mode=memory&cache=shared"})
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sqlDB, _ := st.DB().DB()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("MaxOpenConnections = %d; want 1", got)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	st := New(Options{Path: filepath.Join(t.TempDir(), "x.db")})
	ctx := context.Background()
	if _, err := st.GetReview(ctx, "r1"); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("GetReview: expected ErrNotInitialized, got %v", err)
	}
	if err := st.UpsertReview(ctx, &domain.ReviewRecord{ReviewID: "r1"}); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("UpsertReview: expected ErrNotInitialized, got %v", err)
	}
	if _, err := st.Begin(ctx); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("Begin: expected ErrNotInitialized, got %v", err)
	}
	if _, err := st.Exec(ctx, "SELECT 1"); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("Exec: expected ErrNotInitialized, got %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close on uninitialized store: %v", err)
	}
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- st.WithTx(ctx, func(tx repo.Tx) error {
				return tx.UpsertReview(ctx, &domain.ReviewRecord{
					ReviewID: fmt.Sprintf("tx-%d", i), AppID: "app", AuthorName: "a",
					StarRating: 4, CreatedAt: base, LastModifiedAt: base.Add(time.Duration(i) * time.Second),
				})
			})
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- st.UpsertReview(ctx, &domain.ReviewRecord{
				ReviewID: fmt.Sprintf("direct-%d", i), AppID: "app", AuthorName: "a",
				StarRating: 3, CreatedAt: base, LastModifiedAt: base,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
	if n, err := st.CountReviews(ctx, "app"); err != nil || n != 40 {
		t.Fatalf("CountReviews = %d, %v", n, err)
	}
}

func TestCloseThenReinitialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	st := New(Options{Path: path})
	ctx := context.Background()
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := repo.ApplyPending(ctx, st, repo.Migrations()); err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	n, err := repo.ApplyPending(ctx, st, repo.Migrations())
	if err != nil || n != 0 {
		t.Fatalf("second run applied %d, %v", n, err)
	}
}
