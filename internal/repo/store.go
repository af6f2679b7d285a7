// Package repo defines the backend-agnostic storage contract for the bridge:
// the Store and Tx interfaces, the typed record operations both backends
// implement, the error taxonomy and the migration runner.
//
// Two implementations live in sub-packages:
//
//   - repo/sqlite: embedded single-file backend (GORM + pure-Go SQLite).
//   - repo/postgres: pooled client/server backend (pgx/v5 pgxpool).
//
// Both satisfy Store identically. Callers never branch on the backend; the
// only backend-visible detail is Dialect, which migrations use to pick DDL.
//
// Usage:
//
//	st := sqlite.New(sqlite.Options{Path: "bridge.db"})
//	if err := st.Initialize(ctx); err != nil { ... }
//	if _, err := repo.ApplyPending(ctx, st, repo.Migrations()); err != nil { ... }
//	err := st.WithTx(ctx, func(tx repo.Tx) error {
//	    return tx.UpsertReview(ctx, &rec)
//	})
package repo

import (
	"context"
	"time"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// Dialect names the SQL flavour of a backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Result is returned by Exec. LastInsertID is only meaningful for inserts
// into tables with a generated integer key.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Row is one result row of a raw Query keyed by column name.
type Row map[string]any

// Querier runs raw SQL. Statements use "?" placeholders on every backend.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (Result, error)
}

// Records is the typed CRUD surface over every record family. Store and Tx
// both implement it, so the same calls work inside and outside a
// transaction.
type Records interface {
	// Reviews
	UpsertReview(ctx context.Context, r *domain.ReviewRecord) error
	GetReview(ctx context.Context, reviewID string) (*domain.ReviewRecord, error)
	GetReviewsModifiedSince(ctx context.Context, appID string, since time.Time, limit int) ([]domain.ReviewRecord, error)
	LatestReviewModifiedAt(ctx context.Context, appID string) (*time.Time, error)
	CountReviews(ctx context.Context, appID string) (int64, error)
	ListReviewsPage(ctx context.Context, appID string, offset, limit int) ([]domain.ReviewRecord, error)

	// User mappings
	CreateUserMapping(ctx context.Context, m *domain.UserMapping) error
	GetUserMappingByReview(ctx context.Context, reviewID string) (*domain.UserMapping, error)
	TouchUserMapping(ctx context.Context, reviewID string, at time.Time) error
	CountUserMappings(ctx context.Context, reviewID string) (int64, error)
	DeleteUserMappingsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)

	// Room mappings
	CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error
	UpdateRoomMapping(ctx context.Context, m *domain.RoomMapping) error
	GetRoomMapping(ctx context.Context, chatRoomID string) (*domain.RoomMapping, error)
	FindPrimaryRoom(ctx context.Context, appID string, kind domain.RoomKind) (*domain.RoomMapping, error)
	ListRoomMappings(ctx context.Context, appID string) ([]domain.RoomMapping, error)
	DeleteRoomMapping(ctx context.Context, chatRoomID string) error

	// Message mappings
	CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error
	GetMessageMappingByEvent(ctx context.Context, chatEventID string) (*domain.MessageMapping, error)
	FindMessageMapping(ctx context.Context, reviewID string, kind domain.MessageKind) (*domain.MessageMapping, error)
	CountMessageMappings(ctx context.Context, reviewID string, kind domain.MessageKind) (int64, error)

	// Chat messages
	UpsertChatMessage(ctx context.Context, m *domain.ChatMessageRecord) error
	GetChatMessage(ctx context.Context, eventID string) (*domain.ChatMessageRecord, error)

	// App configs
	UpsertAppConfig(ctx context.Context, c *domain.AppConfigRecord) error
	GetAppConfig(ctx context.Context, appID string) (*domain.AppConfigRecord, error)

	// Poll states
	UpsertPollState(ctx context.Context, p *domain.PollState) error
	GetPollState(ctx context.Context, appID string) (*domain.PollState, error)

	// Maintenance log
	AppendMaintenanceLog(ctx context.Context, e *domain.MaintenanceLogEntry) error
	ListMaintenanceLog(ctx context.Context, limit int) ([]domain.MaintenanceLogEntry, error)

	// Reply queue
	CreateReplyJob(ctx context.Context, j *domain.ReplyJob) error
	GetReplyJobByReview(ctx context.Context, reviewID string) (*domain.ReplyJob, error)
	UpdateReplyJob(ctx context.Context, j *domain.ReplyJob) error
	ListDueReplyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ReplyJob, error)
	ResetSendingReplyJobs(ctx context.Context, now time.Time) (int64, error)
	CountReplyJobsByState(ctx context.Context) ([]domain.ReplyStateCount, error)
	ListFailedReplyJobs(ctx context.Context) ([]domain.ReplyJob, error)
}

// Tx is an open transaction. Exactly one of Commit or Rollback ends it;
// calling Rollback after Commit is a no-op.
type Tx interface {
	Records
	Querier
	Dialect() Dialect
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a storage backend. Every method other than Initialize and Close
// returns ErrNotInitialized until Initialize has succeeded.
type Store interface {
	Records
	Querier
	Dialect() Dialect
	Initialize(ctx context.Context) error
	Close() error
	Begin(ctx context.Context) (Tx, error)
	// WithTx runs fn inside a transaction, committing when fn returns nil
	// and rolling back otherwise. fn must use the Tx it is given, never the
	// Store.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
