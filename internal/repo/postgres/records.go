package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRecords implements repo.Records and repo.Querier with hand-written SQL.
type pgRecords struct {
	conn func() (dbtx, error)
}

func now() time.Time { return time.Now().UTC() }

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t.UTC()
}

func (r pgRecords) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db, err := r.conn()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := db.Exec(ctx, sql, args...)
	return tag, mapErr(err)
}

// execOne is exec that reports repo.ErrNotFound when no row matched.
func (r pgRecords) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r pgRecords) queryRow(ctx context.Context, sql string, args ...any) (pgx.Row, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	return db.QueryRow(ctx, sql, args...), nil
}

func collect[T any](ctx context.Context, r pgRecords, scan func(pgx.Row) (T, error), sql string, args ...any) ([]T, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) { return scan(row) })
	return out, mapErr(err)
}

func one[T any](ctx context.Context, r pgRecords, scan func(pgx.Row) (T, error), sql string, args ...any) (T, error) {
	var zero T
	row, err := r.queryRow(ctx, sql, args...)
	if err != nil {
		return zero, err
	}
	v, err := scan(row)
	if err != nil {
		return zero, mapErr(err)
	}
	return v, nil
}

func count(ctx context.Context, r pgRecords, sql string, args ...any) (int64, error) {
	return one(ctx, r, func(row pgx.Row) (int64, error) {
		var n int64
		return n, row.Scan(&n)
	}, sql, args...)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func normalizeTime(t *time.Time) {
	if !t.IsZero() {
		*t = t.UTC()
	}
}

// ---- raw SQL ----

// Query implements repo.Querier.
func (r pgRecords) Query(ctx context.Context, query string, args ...any) ([]repo.Row, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, repo.Rebind(repo.DialectPostgres, query), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]repo.Row, len(maps))
	for i, m := range maps {
		out[i] = repo.Row(m)
	}
	return out, nil
}

// Exec implements repo.Querier. Statements with a RETURNING clause report
// the first returned column as LastInsertID.
func (r pgRecords) Exec(ctx context.Context, query string, args ...any) (repo.Result, error) {
	q := repo.Rebind(repo.DialectPostgres, query)
	if strings.Contains(strings.ToUpper(q), "RETURNING") {
		row, err := r.queryRow(ctx, q, args...)
		if err != nil {
			return repo.Result{}, err
		}
		var id int64
		if err := row.Scan(&id); err != nil {
			return repo.Result{}, mapErr(err)
		}
		return repo.Result{RowsAffected: 1, LastInsertID: id}, nil
	}
	tag, err := r.exec(ctx, q, args...)
	if err != nil {
		return repo.Result{}, err
	}
	return repo.Result{RowsAffected: tag.RowsAffected()}, nil
}

// ---- reviews ----

const reviewColumns = `review_id, app_id, author_name, text, star_rating, language_code, device,
	os_version, app_version_code, app_version_name, created_at, last_modified_at,
	has_reply, reply_text, reply_created_at, reply_modified_at`

func scanReview(row pgx.Row) (domain.ReviewRecord, error) {
	var r domain.ReviewRecord
	err := row.Scan(&r.ReviewID, &r.AppID, &r.AuthorName, &r.Text, &r.StarRating, &r.LanguageCode,
		&r.Device, &r.OSVersion, &r.AppVersionCode, &r.AppVersionName, &r.CreatedAt,
		&r.LastModifiedAt, &r.HasReply, &r.ReplyText, &r.ReplyCreatedAt, &r.ReplyModifiedAt)
	normalizeTime(&r.CreatedAt)
	normalizeTime(&r.LastModifiedAt)
	r.ReplyCreatedAt = utcPtr(r.ReplyCreatedAt)
	r.ReplyModifiedAt = utcPtr(r.ReplyModifiedAt)
	return r, err
}

// UpsertReview inserts the review or, on primary-key conflict, overwrites
// every mutable column.
func (r pgRecords) UpsertReview(ctx context.Context, rec *domain.ReviewRecord) error {
	rec.CreatedAt = orNow(rec.CreatedAt)
	rec.LastModifiedAt = orNow(rec.LastModifiedAt)
	_, err := r.exec(ctx, `INSERT INTO google_play_reviews (`+reviewColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (review_id) DO UPDATE SET
			app_id = EXCLUDED.app_id,
			author_name = EXCLUDED.author_name,
			text = EXCLUDED.text,
			star_rating = EXCLUDED.star_rating,
			language_code = EXCLUDED.language_code,
			device = EXCLUDED.device,
			os_version = EXCLUDED.os_version,
			app_version_code = EXCLUDED.app_version_code,
			app_version_name = EXCLUDED.app_version_name,
			created_at = EXCLUDED.created_at,
			last_modified_at = EXCLUDED.last_modified_at,
			has_reply = EXCLUDED.has_reply,
			reply_text = EXCLUDED.reply_text,
			reply_created_at = EXCLUDED.reply_created_at,
			reply_modified_at = EXCLUDED.reply_modified_at`,
		rec.ReviewID, rec.AppID, rec.AuthorName, rec.Text, rec.StarRating, rec.LanguageCode,
		rec.Device, rec.OSVersion, rec.AppVersionCode, rec.AppVersionName, rec.CreatedAt,
		rec.LastModifiedAt, rec.HasReply, rec.ReplyText, utcPtr(rec.ReplyCreatedAt), utcPtr(rec.ReplyModifiedAt))
	return err
}

func (r pgRecords) GetReview(ctx context.Context, reviewID string) (*domain.ReviewRecord, error) {
	rec, err := one(ctx, r, scanReview, `SELECT `+reviewColumns+` FROM google_play_reviews WHERE review_id = $1`, reviewID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r pgRecords) GetReviewsModifiedSince(ctx context.Context, appID string, since time.Time, limit int) ([]domain.ReviewRecord, error) {
	q := `SELECT ` + reviewColumns + ` FROM google_play_reviews
		WHERE app_id = $1 AND last_modified_at >= $2
		ORDER BY last_modified_at ASC, review_id ASC`
	args := []any{appID, since.UTC()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	return collect(ctx, r, scanReview, q, args...)
}

func (r pgRecords) LatestReviewModifiedAt(ctx context.Context, appID string) (*time.Time, error) {
	t, err := one(ctx, r, func(row pgx.Row) (*time.Time, error) {
		var t *time.Time
		return t, row.Scan(&t)
	}, `SELECT MAX(last_modified_at) FROM google_play_reviews WHERE app_id = $1`, appID)
	if err != nil {
		return nil, err
	}
	return utcPtr(t), nil
}

func (r pgRecords) CountReviews(ctx context.Context, appID string) (int64, error) {
	return count(ctx, r, `SELECT COUNT(*) FROM google_play_reviews WHERE app_id = $1`, appID)
}

func (r pgRecords) ListReviewsPage(ctx context.Context, appID string, offset, limit int) ([]domain.ReviewRecord, error) {
	return collect(ctx, r, scanReview, `SELECT `+reviewColumns+` FROM google_play_reviews
		WHERE app_id = $1 ORDER BY last_modified_at DESC, review_id ASC OFFSET $2 LIMIT $3`,
		appID, offset, limit)
}

// ---- user mappings ----

const userColumns = `id, review_id, chat_user_id, author_display_name, app_id, created_at, last_active_at`

func scanUser(row pgx.Row) (domain.UserMapping, error) {
	var m domain.UserMapping
	err := row.Scan(&m.ID, &m.ReviewID, &m.ChatUserID, &m.AuthorDisplayName, &m.AppID, &m.CreatedAt, &m.LastActiveAt)
	normalizeTime(&m.CreatedAt)
	normalizeTime(&m.LastActiveAt)
	return m, err
}

func (r pgRecords) CreateUserMapping(ctx context.Context, m *domain.UserMapping) error {
	m.CreatedAt = orNow(m.CreatedAt)
	m.LastActiveAt = orNow(m.LastActiveAt)
	_, err := r.exec(ctx, `INSERT INTO user_mappings (`+userColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ReviewID, m.ChatUserID, m.AuthorDisplayName, m.AppID, m.CreatedAt, m.LastActiveAt)
	return err
}

func (r pgRecords) GetUserMappingByReview(ctx context.Context, reviewID string) (*domain.UserMapping, error) {
	m, err := one(ctx, r, scanUser, `SELECT `+userColumns+` FROM user_mappings WHERE review_id = $1`, reviewID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r pgRecords) TouchUserMapping(ctx context.Context, reviewID string, at time.Time) error {
	return r.execOne(ctx, `UPDATE user_mappings SET last_active_at = $2 WHERE review_id = $1`, reviewID, orNow(at))
}

func (r pgRecords) CountUserMappings(ctx context.Context, reviewID string) (int64, error) {
	return count(ctx, r, `SELECT COUNT(*) FROM user_mappings WHERE review_id = $1`, reviewID)
}

func (r pgRecords) DeleteUserMappingsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.exec(ctx, `DELETE FROM user_mappings WHERE last_active_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- room mappings ----

const roomColumns = `id, app_id, chat_room_id, app_display_name, room_kind, is_primary, config, created_at, updated_at`

func scanRoom(row pgx.Row) (domain.RoomMapping, error) {
	var (
		m    domain.RoomMapping
		kind string
		cfg  []byte
	)
	err := row.Scan(&m.ID, &m.AppID, &m.ChatRoomID, &m.AppDisplayName, &kind, &m.IsPrimary, &cfg, &m.CreatedAt, &m.UpdatedAt)
	m.RoomKind = domain.RoomKind(kind)
	m.Config = domain.JSONDoc(cfg)
	normalizeTime(&m.CreatedAt)
	normalizeTime(&m.UpdatedAt)
	return m, err
}

func (r pgRecords) CreateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	m.CreatedAt = orNow(m.CreatedAt)
	m.UpdatedAt = orNow(m.UpdatedAt)
	_, err := r.exec(ctx, `INSERT INTO room_mappings (`+roomColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)`,
		m.ID, m.AppID, m.ChatRoomID, m.AppDisplayName, string(m.RoomKind), m.IsPrimary,
		string(m.Config.Bytes()), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r pgRecords) UpdateRoomMapping(ctx context.Context, m *domain.RoomMapping) error {
	m.UpdatedAt = now()
	return r.execOne(ctx, `UPDATE room_mappings SET app_id = $2, app_display_name = $3, room_kind = $4,
		is_primary = $5, config = $6::jsonb, updated_at = $7 WHERE chat_room_id = $1`,
		m.ChatRoomID, m.AppID, m.AppDisplayName, string(m.RoomKind), m.IsPrimary, string(m.Config.Bytes()), m.UpdatedAt)
}

func (r pgRecords) GetRoomMapping(ctx context.Context, chatRoomID string) (*domain.RoomMapping, error) {
	m, err := one(ctx, r, scanRoom, `SELECT `+roomColumns+` FROM room_mappings WHERE chat_room_id = $1`, chatRoomID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r pgRecords) FindPrimaryRoom(ctx context.Context, appID string, kind domain.RoomKind) (*domain.RoomMapping, error) {
	m, err := one(ctx, r, scanRoom, `SELECT `+roomColumns+` FROM room_mappings
		WHERE app_id = $1 AND room_kind = $2 AND is_primary LIMIT 1`, appID, string(kind))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r pgRecords) ListRoomMappings(ctx context.Context, appID string) ([]domain.RoomMapping, error) {
	if appID == "" {
		return collect(ctx, r, scanRoom, `SELECT `+roomColumns+` FROM room_mappings ORDER BY app_id ASC, created_at ASC`)
	}
	return collect(ctx, r, scanRoom, `SELECT `+roomColumns+` FROM room_mappings
		WHERE app_id = $1 ORDER BY app_id ASC, created_at ASC`, appID)
}

func (r pgRecords) DeleteRoomMapping(ctx context.Context, chatRoomID string) error {
	return r.execOne(ctx, `DELETE FROM room_mappings WHERE chat_room_id = $1`, chatRoomID)
}

// ---- message mappings ----

const messageColumns = `id, external_review_id, chat_event_id, chat_room_id, kind, app_id, created_at, updated_at`

func scanMessage(row pgx.Row) (domain.MessageMapping, error) {
	var (
		m    domain.MessageMapping
		kind string
	)
	err := row.Scan(&m.ID, &m.ExternalReviewID, &m.ChatEventID, &m.ChatRoomID, &kind, &m.AppID, &m.CreatedAt, &m.UpdatedAt)
	m.Kind = domain.MessageKind(kind)
	normalizeTime(&m.CreatedAt)
	normalizeTime(&m.UpdatedAt)
	return m, err
}

func (r pgRecords) CreateMessageMapping(ctx context.Context, m *domain.MessageMapping) error {
	m.CreatedAt = orNow(m.CreatedAt)
	m.UpdatedAt = orNow(m.UpdatedAt)
	_, err := r.exec(ctx, `INSERT INTO message_mappings (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ExternalReviewID, m.ChatEventID, m.ChatRoomID, string(m.Kind), m.AppID, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r pgRecords) GetMessageMappingByEvent(ctx context.Context, chatEventID string) (*domain.MessageMapping, error) {
	m, err := one(ctx, r, scanMessage, `SELECT `+messageColumns+` FROM message_mappings WHERE chat_event_id = $1`, chatEventID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r pgRecords) FindMessageMapping(ctx context.Context, reviewID string, kind domain.MessageKind) (*domain.MessageMapping, error) {
	m, err := one(ctx, r, scanMessage, `SELECT `+messageColumns+` FROM message_mappings
		WHERE external_review_id = $1 AND kind = $2 ORDER BY created_at ASC LIMIT 1`, reviewID, string(kind))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r pgRecords) CountMessageMappings(ctx context.Context, reviewID string, kind domain.MessageKind) (int64, error) {
	return count(ctx, r, `SELECT COUNT(*) FROM message_mappings WHERE external_review_id = $1 AND kind = $2`,
		reviewID, string(kind))
}

// ---- chat messages ----

func scanChatMessage(row pgx.Row) (domain.ChatMessageRecord, error) {
	var (
		m       domain.ChatMessageRecord
		content []byte
	)
	err := row.Scan(&m.EventID, &m.RoomID, &m.SenderID, &content, &m.Timestamp, &m.IsBridgeOriginated)
	m.Content = domain.JSONDoc(content)
	normalizeTime(&m.Timestamp)
	return m, err
}

func (r pgRecords) UpsertChatMessage(ctx context.Context, m *domain.ChatMessageRecord) error {
	m.Timestamp = orNow(m.Timestamp)
	_, err := r.exec(ctx, `INSERT INTO matrix_messages (event_id, room_id, sender_id, content, timestamp, is_bridge_originated)
		VALUES ($1,$2,$3,$4::jsonb,$5,$6)
		ON CONFLICT (event_id) DO UPDATE SET
			room_id = EXCLUDED.room_id,
			sender_id = EXCLUDED.sender_id,
			content = EXCLUDED.content,
			timestamp = EXCLUDED.timestamp,
			is_bridge_originated = EXCLUDED.is_bridge_originated`,
		m.EventID, m.RoomID, m.SenderID, string(m.Content.Bytes()), m.Timestamp, m.IsBridgeOriginated)
	return err
}

func (r pgRecords) GetChatMessage(ctx context.Context, eventID string) (*domain.ChatMessageRecord, error) {
	m, err := one(ctx, r, scanChatMessage, `SELECT event_id, room_id, sender_id, content, timestamp, is_bridge_originated
		FROM matrix_messages WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ---- app configs ----

func (r pgRecords) UpsertAppConfig(ctx context.Context, c *domain.AppConfigRecord) error {
	c.CreatedAt = orNow(c.CreatedAt)
	c.UpdatedAt = now()
	_, err := r.exec(ctx, `INSERT INTO app_configs (app_id, config_document, created_at, updated_at)
		VALUES ($1,$2::jsonb,$3,$4)
		ON CONFLICT (app_id) DO UPDATE SET
			config_document = EXCLUDED.config_document,
			updated_at = EXCLUDED.updated_at`,
		c.AppID, string(c.ConfigDocument.Bytes()), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r pgRecords) GetAppConfig(ctx context.Context, appID string) (*domain.AppConfigRecord, error) {
	c, err := one(ctx, r, func(row pgx.Row) (domain.AppConfigRecord, error) {
		var (
			c   domain.AppConfigRecord
			doc []byte
		)
		err := row.Scan(&c.AppID, &doc, &c.CreatedAt, &c.UpdatedAt)
		c.ConfigDocument = domain.JSONDoc(doc)
		normalizeTime(&c.CreatedAt)
		normalizeTime(&c.UpdatedAt)
		return c, err
	}, `SELECT app_id, config_document, created_at, updated_at FROM app_configs WHERE app_id = $1`, appID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ---- poll states ----

func (r pgRecords) UpsertPollState(ctx context.Context, p *domain.PollState) error {
	p.RetryFrom = utcPtr(p.RetryFrom)
	p.UpdatedAt = now()
	_, err := r.exec(ctx, `INSERT INTO poll_states (app_id, retry_from, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (app_id) DO UPDATE SET
			retry_from = EXCLUDED.retry_from,
			updated_at = EXCLUDED.updated_at`,
		p.AppID, p.RetryFrom, p.UpdatedAt)
	return err
}

func (r pgRecords) GetPollState(ctx context.Context, appID string) (*domain.PollState, error) {
	p, err := one(ctx, r, func(row pgx.Row) (domain.PollState, error) {
		var p domain.PollState
		err := row.Scan(&p.AppID, &p.RetryFrom, &p.UpdatedAt)
		p.RetryFrom = utcPtr(p.RetryFrom)
		normalizeTime(&p.UpdatedAt)
		return p, err
	}, `SELECT app_id, retry_from, updated_at FROM poll_states WHERE app_id = $1`, appID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ---- maintenance log ----

func (r pgRecords) AppendMaintenanceLog(ctx context.Context, e *domain.MaintenanceLogEntry) error {
	e.CreatedAt = orNow(e.CreatedAt)
	row, err := r.queryRow(ctx, `INSERT INTO maintenance_log (operation, details, rows_affected, created_at)
		VALUES ($1,$2::jsonb,$3,$4) RETURNING id`,
		e.Operation, string(e.Details.Bytes()), e.RowsAffected, e.CreatedAt)
	if err != nil {
		return err
	}
	return mapErr(row.Scan(&e.ID))
}

func (r pgRecords) ListMaintenanceLog(ctx context.Context, limit int) ([]domain.MaintenanceLogEntry, error) {
	q := `SELECT id, operation, details, rows_affected, created_at FROM maintenance_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	return collect(ctx, r, func(row pgx.Row) (domain.MaintenanceLogEntry, error) {
		var (
			e       domain.MaintenanceLogEntry
			details []byte
		)
		err := row.Scan(&e.ID, &e.Operation, &details, &e.RowsAffected, &e.CreatedAt)
		e.Details = domain.JSONDoc(details)
		normalizeTime(&e.CreatedAt)
		return e, err
	}, q, args...)
}

// ---- reply queue ----

const jobColumns = `id, app_id, review_id, text, chat_event_id, chat_room_id, sender_id, state,
	attempts, next_attempt_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (domain.ReplyJob, error) {
	var (
		j     domain.ReplyJob
		state string
	)
	err := row.Scan(&j.ID, &j.AppID, &j.ReviewID, &j.Text, &j.ChatEventID, &j.ChatRoomID, &j.SenderID,
		&state, &j.Attempts, &j.NextAttemptAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	j.State = domain.ReplyState(state)
	normalizeTime(&j.NextAttemptAt)
	normalizeTime(&j.CreatedAt)
	normalizeTime(&j.UpdatedAt)
	return j, err
}

func (r pgRecords) CreateReplyJob(ctx context.Context, j *domain.ReplyJob) error {
	j.CreatedAt = orNow(j.CreatedAt)
	j.UpdatedAt = orNow(j.UpdatedAt)
	j.NextAttemptAt = orNow(j.NextAttemptAt)
	_, err := r.exec(ctx, `INSERT INTO reply_queue (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.AppID, j.ReviewID, j.Text, j.ChatEventID, j.ChatRoomID, j.SenderID, string(j.State),
		j.Attempts, j.NextAttemptAt, j.LastError, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r pgRecords) GetReplyJobByReview(ctx context.Context, reviewID string) (*domain.ReplyJob, error) {
	j, err := one(ctx, r, scanJob, `SELECT `+jobColumns+` FROM reply_queue WHERE review_id = $1`, reviewID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r pgRecords) UpdateReplyJob(ctx context.Context, j *domain.ReplyJob) error {
	j.UpdatedAt = orNow(j.UpdatedAt)
	j.NextAttemptAt = orNow(j.NextAttemptAt)
	return r.execOne(ctx, `UPDATE reply_queue SET text = $2, chat_event_id = $3, chat_room_id = $4,
		sender_id = $5, state = $6, attempts = $7, next_attempt_at = $8, last_error = $9, updated_at = $10
		WHERE id = $1`,
		j.ID, j.Text, j.ChatEventID, j.ChatRoomID, j.SenderID, string(j.State), j.Attempts,
		j.NextAttemptAt, j.LastError, j.UpdatedAt)
}

func (r pgRecords) ListDueReplyJobs(ctx context.Context, at time.Time, limit int) ([]domain.ReplyJob, error) {
	q := `SELECT ` + jobColumns + ` FROM reply_queue
		WHERE state IN ($1, $2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC, created_at ASC`
	args := []any{string(domain.ReplyQueued), string(domain.ReplyFailed), at.UTC()}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	return collect(ctx, r, scanJob, q, args...)
}

func (r pgRecords) ResetSendingReplyJobs(ctx context.Context, at time.Time) (int64, error) {
	tag, err := r.exec(ctx, `UPDATE reply_queue SET state = $1, next_attempt_at = $3, updated_at = $3
		WHERE state = $2`, string(domain.ReplyQueued), string(domain.ReplySending), at.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r pgRecords) CountReplyJobsByState(ctx context.Context) ([]domain.ReplyStateCount, error) {
	return collect(ctx, r, func(row pgx.Row) (domain.ReplyStateCount, error) {
		var (
			c     domain.ReplyStateCount
			state string
		)
		err := row.Scan(&c.AppID, &state, &c.Count)
		c.State = domain.ReplyState(state)
		return c, err
	}, `SELECT app_id, state, COUNT(*) FROM reply_queue GROUP BY app_id, state ORDER BY app_id ASC`)
}

func (r pgRecords) ListFailedReplyJobs(ctx context.Context) ([]domain.ReplyJob, error) {
	return collect(ctx, r, scanJob, `SELECT `+jobColumns+` FROM reply_queue
		WHERE last_error <> '' ORDER BY updated_at DESC`)
}
