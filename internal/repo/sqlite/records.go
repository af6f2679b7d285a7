package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

// gormRecords implements repo.Records and repo.Querier over a GORM handle.
// The store supplies a lock that serializes writers; inside a transaction
// the lock is already held and lock is a no-op.
type gormRecords struct {
	conn func() (*gorm.DB, error)
	lock func() func()
}

func (r gormRecords) read(ctx context.Context) (*gorm.DB, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	return db.WithContext(ctx), nil
}

// write runs fn with the writer lock held.
func (r gormRecords) write(ctx context.Context, fn func(db *gorm.DB) error) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	defer r.lock()()
	return mapErr(fn(db.WithContext(ctx)))
}

// mapErr translates GORM and driver errors into the repo taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return repo.ErrNotFound
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrConstraintViolation):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated), errors.Is(err, gorm.ErrCheckConstraintViolated):
		return repo.Constraint(err)
	case repo.LooksLikeConstraint(err):
		return repo.Constraint(err)
	}
	return err
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ---- raw SQL ----

// Query implements repo.Querier.
func (r gormRecords) Query(ctx context.Context, query string, args ...any) ([]repo.Row, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := db.Raw(query, args...).Scan(&raw).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]repo.Row, len(raw))
	for i, m := range raw {
		out[i] = repo.Row(m)
	}
	return out, nil
}

// Exec implements repo.Querier. It goes through the connection pool (or
// the open transaction) directly so that the driver's LastInsertId is
// available.
func (r gormRecords) Exec(ctx context.Context, query string, args ...any) (repo.Result, error) {
	var out repo.Result
	err := r.write(ctx, func(db *gorm.DB) error {
		res, err := db.Statement.ConnPool.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		out.RowsAffected, _ = res.RowsAffected()
		out.LastInsertID, _ = res.LastInsertId()
		return nil
	})
	return out, err
}

// ---- reviews ----

var reviewMutable = []string{
	"app_id", "author_name", "text", "star_rating", "language_code", "device",
	"os_version", "app_version_code", "app_version_name", "created_at",
	"last_modified_at", "has_reply", "reply_text", "reply_created_at", "reply_modified_at",
}

// UpsertReview inserts the review or, on primary-key conflict, overwrites
// every mutable column.
func (r gormRecords) UpsertReview(ctx context.Context, rec *domain.ReviewRecord) error {
	rec.CreatedAt = utc(rec.CreatedAt)
	rec.LastModifiedAt = utc(rec.LastModifiedAt)
	rec.ReplyCreatedAt = utcPtr(rec.ReplyCreatedAt)
	rec.ReplyModifiedAt = utcPtr(rec.ReplyModifiedAt)
	return r.write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "review_id"}},
			DoUpdates: clause.AssignmentColumns(reviewMutable),
		}).Create(rec).Error
	})
}

func (r gormRecords) GetReview(ctx context.Context, reviewID string) (*domain.ReviewRecord, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var rec domain.ReviewRecord
	if err := db.Where("review_id = ?", reviewID).First(&rec).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

// GetReviewsModifiedSince returns the app's reviews with
// last_modified_at >= since, oldest first. limit <= 0 means no limit.
func (r gormRecords) GetReviewsModifiedSince(ctx context.Context, appID string, since time.Time, limit int) ([]domain.ReviewRecord, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("app_id = ? AND last_modified_at >= ?", appID, since.UTC()).
		Order("last_modified_at ASC").
		Order("review_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.ReviewRecord
	return out, mapErr(q.Find(&out).Error)
}

// LatestReviewModifiedAt returns the app's watermark, or nil when no review
// has been stored yet.
func (r gormRecords) LatestReviewModifiedAt(ctx context.Context, appID string) (*time.Time, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	// Get latest last_modified_at (avoid MAX() -> TEXT in SQLite)
	var rows []struct {
		LastModifiedAt time.Time
	}
	err = db.Model(&domain.ReviewRecord{}).
		Select("last_modified_at").
		Where("app_id = ?", appID).
		Order("last_modified_at DESC").
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	t := rows[0].LastModifiedAt.UTC()
	return &t, nil
}

func (r gormRecords) CountReviews(ctx context.Context, appID string) (int64, error) {
	db, err := r.read(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.Model(&domain.ReviewRecord{}).Where("app_id = ?", appID).Count(&n).Error
	return n, mapErr(err)
}

// ListReviewsPage returns reviews newest first.
func (r gormRecords) ListReviewsPage(ctx context.Context, appID string, offset, limit int) ([]domain.ReviewRecord, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ReviewRecord
	err = db.Where("app_id = ?", appID).
		Order("last_modified_at DESC").
		Order("review_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, mapErr(err)
}

// ---- user mappings ----

func (r gormRecords) CreateUserMapping(ctx context.Context, m *domain.UserMapping) error {
	m.CreatedAt = utc(m.CreatedAt)
	m.LastActiveAt = utc(m.LastActiveAt)
	return r.write(ctx, func(db *gorm.DB) error { return db.Create(m).Error })
}

func (r gormRecords) GetUserMappingByReview(ctx context.Context, reviewID string) (*domain.UserMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.UserMapping
	if err := db.Where("review_id = ?", reviewID).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// TouchUserMapping sets last_active_at. It returns repo.ErrNotFound when no
// mapping exists for reviewID.
func (r gormRecords) TouchUserMapping(ctx context.Context, reviewID string, at time.Time) error {
	return r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&domain.UserMapping{}).
			Where("review_id = ?", reviewID).
			Update("last_active_at", utc(at))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}

func (r gormRecords) CountUserMappings(ctx context.Context, reviewID string) (int64, error) {
	db, err := r.read(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.Model(&domain.UserMapping{}).Where("review_id = ?", reviewID).Count(&n).Error
	return n, mapErr(err)
}

func (r gormRecords) DeleteUserMappingsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.write(ctx, func(db *gorm.DB) error {
		res := db.Where("last_active_at < ?", cutoff.UTC()).Delete(&domain.UserMapping{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// ---- room mappings ----

func (r gormRecords) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	m.CreatedAt = utc(m.CreatedAt)
	m.UpdatedAt = utc(m.UpdatedAt)
	return r.write(ctx, func(db *gorm.DB) error { return db.Create(m).Error })
}

// UpdateRoomMapping rewrites the mutable columns of the mapping identified
// by m.ChatRoomID.
func (r gormRecords) UpdateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	m.UpdatedAt = utc(time.Time{})
	return r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&domain.RoomMapping{}).
			Where("chat_room_id = ?", m.ChatRoomID).
			Updates(map[string]any{
				"app_id":           m.AppID,
				"app_display_name": m.AppDisplayName,
				"room_kind":        m.RoomKind,
				"is_primary":       m.IsPrimary,
				"config":           m.Config,
				"updated_at":       m.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}

func (r gormRecords) GetRoomMapping(ctx context.Context, chatRoomID string) (*domain.RoomMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.RoomMapping
	if err := db.Where("chat_room_id = ?", chatRoomID).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (r gormRecords) FindPrimaryRoom(ctx context.Context, appID string, kind domain.RoomKind) (*domain.RoomMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.RoomMapping
	err = db.Where("app_id = ? AND room_kind = ? AND is_primary = ?", appID, kind, true).
		First(&m).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// ListRoomMappings returns the app's rooms; an empty appID lists all rooms.
func (r gormRecords) ListRoomMappings(ctx context.Context, appID string) ([]domain.RoomMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Order("app_id ASC").Order("created_at ASC")
	if appID != "" {
		q = q.Where("app_id = ?", appID)
	}
	var out []domain.RoomMapping
	return out, mapErr(q.Find(&out).Error)
}

// DeleteRoomMapping removes the room; its message mappings cascade.
func (r gormRecords) DeleteRoomMapping(ctx context.Context, chatRoomID string) error {
	return r.write(ctx, func(db *gorm.DB) error {
		res := db.Where("chat_room_id = ?", chatRoomID).Delete(&domain.RoomMapping{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}

// ---- message mappings ----

func (r gormRecords) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	m.CreatedAt = utc(m.CreatedAt)
	m.UpdatedAt = utc(m.UpdatedAt)
	return r.write(ctx, func(db *gorm.DB) error { return db.Create(m).Error })
}

func (r gormRecords) GetMessageMappingByEvent(ctx context.Context, chatEventID string) (*domain.MessageMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.MessageMapping
	if err := db.Where("chat_event_id = ?", chatEventID).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (r gormRecords) FindMessageMapping(ctx context.Context, reviewID string, kind domain.MessageKind) (*domain.MessageMapping, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.MessageMapping
	err = db.Where("external_review_id = ? AND kind = ?", reviewID, kind).
		Order("created_at ASC").
		First(&m).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (r gormRecords) CountMessageMappings(ctx context.Context, reviewID string, kind domain.MessageKind) (int64, error) {
	db, err := r.read(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.Model(&domain.MessageMapping{}).
		Where("external_review_id = ? AND kind = ?", reviewID, kind).
		Count(&n).Error
	return n, mapErr(err)
}

// ---- chat messages ----

var chatMessageMutable = []string{"room_id", "sender_id", "content", "timestamp", "is_bridge_originated"}

func (r gormRecords) UpsertChatMessage(ctx context.Context, m *domain.ChatMessageRecord) error {
	m.Timestamp = utc(m.Timestamp)
	return r.write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns(chatMessageMutable),
		}).Create(m).Error
	})
}

func (r gormRecords) GetChatMessage(ctx context.Context, eventID string) (*domain.ChatMessageRecord, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var m domain.ChatMessageRecord
	if err := db.Where("event_id = ?", eventID).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// ---- app configs ----

func (r gormRecords) UpsertAppConfig(ctx context.Context, c *domain.AppConfigRecord) error {
	c.CreatedAt = utc(c.CreatedAt)
	c.UpdatedAt = utc(time.Time{})
	return r.write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "app_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"config_document", "updated_at"}),
		}).Create(c).Error
	})
}

func (r gormRecords) GetAppConfig(ctx context.Context, appID string) (*domain.AppConfigRecord, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var c domain.AppConfigRecord
	if err := db.Where("app_id = ?", appID).First(&c).Error; err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// ---- poll states ----

func (r gormRecords) UpsertPollState(ctx context.Context, p *domain.PollState) error {
	p.RetryFrom = utcPtr(p.RetryFrom)
	p.UpdatedAt = utc(time.Time{})
	return r.write(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "app_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"retry_from", "updated_at"}),
		}).Create(p).Error
	})
}

func (r gormRecords) GetPollState(ctx context.Context, appID string) (*domain.PollState, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var p domain.PollState
	if err := db.Where("app_id = ?", appID).First(&p).Error; err != nil {
		return nil, mapErr(err)
	}
	p.RetryFrom = utcPtr(p.RetryFrom)
	return &p, nil
}

// ---- maintenance log ----

func (r gormRecords) AppendMaintenanceLog(ctx context.Context, e *domain.MaintenanceLogEntry) error {
	e.CreatedAt = utc(e.CreatedAt)
	return r.write(ctx, func(db *gorm.DB) error { return db.Create(e).Error })
}

func (r gormRecords) ListMaintenanceLog(ctx context.Context, limit int) ([]domain.MaintenanceLogEntry, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.MaintenanceLogEntry
	return out, mapErr(q.Find(&out).Error)
}

// ---- reply queue ----

func (r gormRecords) CreateReplyJob(ctx context.Context, j *domain.ReplyJob) error {
	j.CreatedAt = utc(j.CreatedAt)
	j.UpdatedAt = utc(j.UpdatedAt)
	j.NextAttemptAt = utc(j.NextAttemptAt)
	return r.write(ctx, func(db *gorm.DB) error { return db.Create(j).Error })
}

func (r gormRecords) GetReplyJobByReview(ctx context.Context, reviewID string) (*domain.ReplyJob, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var j domain.ReplyJob
	if err := db.Where("review_id = ?", reviewID).First(&j).Error; err != nil {
		return nil, mapErr(err)
	}
	return &j, nil
}

// UpdateReplyJob rewrites the mutable columns of the job identified by j.ID.
func (r gormRecords) UpdateReplyJob(ctx context.Context, j *domain.ReplyJob) error {
	j.UpdatedAt = utc(j.UpdatedAt)
	j.NextAttemptAt = utc(j.NextAttemptAt)
	return r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&domain.ReplyJob{}).
			Where("id = ?", j.ID).
			Updates(map[string]any{
				"text":            j.Text,
				"chat_event_id":   j.ChatEventID,
				"chat_room_id":    j.ChatRoomID,
				"sender_id":       j.SenderID,
				"state":           j.State,
				"attempts":        j.Attempts,
				"next_attempt_at": j.NextAttemptAt,
				"last_error":      j.LastError,
				"updated_at":      j.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
}

// ListDueReplyJobs returns queued and failed jobs whose next attempt is due.
func (r gormRecords) ListDueReplyJobs(ctx context.Context, now time.Time, limit int) ([]domain.ReplyJob, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("state IN ? AND next_attempt_at <= ?",
		[]domain.ReplyState{domain.ReplyQueued, domain.ReplyFailed}, now.UTC()).
		Order("next_attempt_at ASC").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.ReplyJob
	return out, mapErr(q.Find(&out).Error)
}

// ResetSendingReplyJobs requeues jobs left in the sending state by a
// previous process.
func (r gormRecords) ResetSendingReplyJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.write(ctx, func(db *gorm.DB) error {
		res := db.Model(&domain.ReplyJob{}).
			Where("state = ?", domain.ReplySending).
			Updates(map[string]any{
				"state":           domain.ReplyQueued,
				"next_attempt_at": now.UTC(),
				"updated_at":      now.UTC(),
			})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (r gormRecords) CountReplyJobsByState(ctx context.Context) ([]domain.ReplyStateCount, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ReplyStateCount
	err = db.Model(&domain.ReplyJob{}).
		Select("app_id, state, COUNT(*) AS count").
		Group("app_id, state").
		Order("app_id ASC").
		Scan(&out).Error
	return out, mapErr(err)
}

// ListFailedReplyJobs returns jobs carrying an error message, most recently
// updated first.
func (r gormRecords) ListFailedReplyJobs(ctx context.Context) ([]domain.ReplyJob, error) {
	db, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ReplyJob
	err = db.Where("last_error <> ''").
		Order("updated_at DESC").
		Find(&out).Error
	return out, mapErr(err)
}
