//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/repo/repotest"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

// startPostgres launches a disposable server and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "bridge",
			"POSTGRES_PASSWORD": "bridge",
			"POSTGRES_DB":       "bridge",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://bridge:bridge@%s:%s/bridge?sslmode=disable", host, port.Port())
}

func TestConformance(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	n := 0
	repotest.Run(t, func(t *testing.T) repo.Store {
		// One database per subtest keeps the cases independent.
		n++
		name := fmt.Sprintf("conf_%d", n)
		admin := New(Options{DSN: dsn, MaxConns: 2})
		if err := admin.Initialize(ctx); err != nil {
			t.Fatalf("admin Initialize: %v", err)
		}
		if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
			t.Fatalf("create database: %v", err)
		}
		_ = admin.Close()

		st := New(Options{DSN: replaceDB(dsn, name), MaxConns: 4})
		if err := st.Initialize(ctx); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if _, err := repo.ApplyPending(ctx, st, repo.Migrations()); err != nil {
			t.Fatalf("ApplyPending: %v", err)
		}
		return st
	})
}

func TestPoolQueuesBeyondMaxConns(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	st := New(Options{DSN: dsn, MaxConns: 2})
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, err := st.Query(ctx, "SELECT 1 AS one FROM pg_sleep(0.2)")
			errs <- err
		}()
	}
	for i := 0; i < 6; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("queued query failed: %v", err)
		}
	}
	if got := st.Pool().Stat().MaxConns(); got != 2 {
		t.Fatalf("MaxConns = %d; want 2", got)
	}
}

func TestInitialize_Unreachable(t *testing.T) {
	st := New(Options{DSN: "postgres://nobody:x@127.0.0.1:1/none?sslmode=disable", ConnectTimeout: time.Second})
	err := st.Initialize(context.Background())
	if !errors.Is(err, repo.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if _, err := st.GetReview(context.Background(), "r"); !errors.Is(err, repo.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func replaceDB(dsn, name string) string {
	// dsn ends with "/bridge?sslmode=disable".
	const suffix = "/bridge?sslmode=disable"
	return dsn[:len(dsn)-len(suffix)] + "/" + name + "?sslmode=disable"
}
