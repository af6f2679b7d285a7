package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

func TestNew_Defaults(t *testing.T) {
	st := New(Options{DSN: "postgres://localhost/bridge"})
	if st.opts.MaxConns != 10 {
		t.Fatalf("MaxConns = %d; want 10", st.opts.MaxConns)
	}
	if st.opts.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %v", st.opts.ConnectTimeout)
	}
	if st.opts.MaxConnIdleTime != 5*time.Minute || st.opts.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected idle/lifetime: %v %v", st.opts.MaxConnIdleTime, st.opts.MaxConnLifetime)
	}
	if st.Dialect() != repo.DialectPostgres {
		t.Fatalf("Dialect() = %q", st.Dialect())
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	st := New(Options{DSN: "postgres://localhost/bridge"})
	ctx := context.Background()
	if _, err := st.GetReview(ctx, "r1"); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("GetReview: %v", err)
	}
	if err := st.CreateRoomMapping(ctx, &domain.RoomMapping{}); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("CreateRoomMapping: %v", err)
	}
	if _, err := st.Query(ctx, "SELECT 1"); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("Query: %v", err)
	}
	if _, err := st.Begin(ctx); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("Begin: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestInitialize_BadDSN(t *testing.T) {
	st := New(Options{DSN: "::not a dsn::"})
	if err := st.Initialize(context.Background()); !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestMapErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{pgx.ErrNoRows, repo.ErrNotFound},
		{fmt.Errorf("wrapped: %w", pgx.ErrNoRows), repo.ErrNotFound},
		{&pgconn.PgError{Code: "23505", Message: "duplicate key value"}, repo.ErrConstraintViolation},
		{&pgconn.PgError{Code: "23503", Message: "foreign key"}, repo.ErrConstraintViolation},
		{&pgconn.PgError{Code: "23514", Message: "check"}, repo.ErrConstraintViolation},
		{repo.ErrNotFound, repo.ErrNotFound},
	}
	for _, c := range cases {
		if got := mapErr(c.in); !errors.Is(got, c.want) {
			t.Fatalf("mapErr(%v) = %v; want %v", c.in, got, c.want)
		}
	}
	syntax := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	if got := mapErr(syntax); errors.Is(got, repo.ErrConstraintViolation) || got != syntax {
		t.Fatalf("syntax error should pass through, got %v", got)
	}
	if mapErr(nil) != nil {
		t.Fatalf("nil should map to nil")
	}
}
