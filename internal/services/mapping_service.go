// Package services – MappingService
//
// This file implements MappingService, the consistency core of the bridge.
// It turns business operations (bridging a review, recording a dispatched
// reply, binding a room to an app) into storage calls and enforces the
// invariants that span several record families:
//
//   - a review is bridged at most once (one review-kind MessageMapping);
//   - chat event ids are unique across all apps;
//   - no two RoomMappings share a chat room, and at most one room per
//     (app, kind) is primary;
//   - a UserMapping always references a stored ReviewRecord.
//
// Every multi-record write runs in a single transaction, so either all rows
// become visible or none do.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry the app, review and room identifiers involved.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

const tracerName = "services/MappingService"

// MappingService enforces cross-entity invariants on top of a repo.Store.
type MappingService struct {
	Store repo.Store
	Log   zerolog.Logger

	// Now returns the current time; defaults to time.Now in UTC.
	Now func() time.Time
}

// NewMappingService constructs a MappingService.
func NewMappingService(st repo.Store, log zerolog.Logger) *MappingService {
	return &MappingService{
		Store: st,
		Log:   log.With().Str("component", "mapping").Logger(),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MappingService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AppMappingOptions tunes CreateAppMapping.
type AppMappingOptions struct {
	// Promote makes the room primary even when another primary room exists
	// for the same app and kind; the previous primary is demoted.
	Promote bool
	// Config replaces the room's config document when non-empty.
	Config domain.JSONDoc
}

// CreateAppMapping creates or updates the RoomMapping for roomID. The room
// becomes primary when no primary exists for (appID, kind) or when
// opts.Promote is set; otherwise it is stored as a secondary room.
func (s *MappingService) CreateAppMapping(ctx context.Context, appID, roomID, appName string, kind domain.RoomKind, opts AppMappingOptions) (m *domain.RoomMapping, err error) {
	ctx, span := startSpan(ctx, "CreateAppMapping",
		attribute.String("app.id", appID),
		attribute.String("room.id", roomID),
		attribute.String("room.kind", string(kind)),
	)
	defer func() { endSpan(span, err) }()

	appID, roomID = strings.TrimSpace(appID), strings.TrimSpace(roomID)
	if appID == "" || roomID == "" || !kind.Valid() {
		return nil, ErrInvalidMapping
	}
	if strings.TrimSpace(appName) == "" {
		appName = appID
	}

	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		existing, err := tx.GetRoomMapping(ctx, roomID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		primary, err := tx.FindPrimaryRoom(ctx, appID, kind)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		isPrimary := false
		switch {
		case primary == nil:
			isPrimary = true
		case primary.ChatRoomID == roomID:
			isPrimary = true
		case opts.Promote:
			primary.IsPrimary = false
			if err := tx.UpdateRoomMapping(ctx, primary); err != nil {
				return fmt.Errorf("demote primary room: %w", err)
			}
			isPrimary = true
		}

		if existing != nil {
			existing.AppID = appID
			existing.AppDisplayName = appName
			existing.RoomKind = kind
			existing.IsPrimary = isPrimary
			if !opts.Config.IsEmpty() {
				existing.Config = opts.Config
			}
			if err := tx.UpdateRoomMapping(ctx, existing); err != nil {
				return err
			}
			m = existing
			return nil
		}

		now := s.now()
		m = &domain.RoomMapping{
			ID:             uuid.NewString(),
			AppID:          appID,
			ChatRoomID:     roomID,
			AppDisplayName: appName,
			RoomKind:       kind,
			IsPrimary:      isPrimary,
			Config:         opts.Config,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.CreateRoomMapping(ctx, m)
	})
	if err != nil {
		if errors.Is(err, repo.ErrConstraintViolation) {
			return nil, fmt.Errorf("%w: %v", ErrPrimaryRoomExists, err)
		}
		return nil, err
	}
	s.Log.Info().Str("app_id", appID).Str("room_id", roomID).Str("kind", string(kind)).
		Bool("primary", m.IsPrimary).Msg("app room mapping saved")
	return m, nil
}

// CreateRoomMapping inserts a new RoomMapping as given. A room that is
// already mapped yields ErrRoomAlreadyMapped; asking for a primary room
// when one exists yields ErrPrimaryRoomExists.
func (s *MappingService) CreateRoomMapping(ctx context.Context, in domain.RoomMapping) (m *domain.RoomMapping, err error) {
	ctx, span := startSpan(ctx, "CreateRoomMapping",
		attribute.String("app.id", in.AppID),
		attribute.String("room.id", in.ChatRoomID),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(in.AppID) == "" || strings.TrimSpace(in.ChatRoomID) == "" {
		return nil, ErrInvalidMapping
	}
	if in.RoomKind == "" {
		in.RoomKind = domain.RoomKindReviews
	}
	if !in.RoomKind.Valid() {
		return nil, ErrInvalidMapping
	}
	if in.AppDisplayName == "" {
		in.AppDisplayName = in.AppID
	}

	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.GetRoomMapping(ctx, in.ChatRoomID); err == nil {
			return ErrRoomAlreadyMapped
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if in.IsPrimary {
			if _, err := tx.FindPrimaryRoom(ctx, in.AppID, in.RoomKind); err == nil {
				return ErrPrimaryRoomExists
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		now := s.now()
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.CreatedAt, in.UpdatedAt = now, now
		return tx.CreateRoomMapping(ctx, &in)
	})
	if errors.Is(err, repo.ErrConstraintViolation) {
		return nil, fmt.Errorf("%w: %v", ErrRoomAlreadyMapped, err)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// BridgeResult reports what RecordBridgedReview wrote.
type BridgeResult struct {
	// Recorded is false when the review had already been bridged and the
	// call was a no-op.
	Recorded bool
	// User is the puppet mapping for the review's author.
	User *domain.UserMapping
	// Message is the review-kind mapping (new or pre-existing).
	Message *domain.MessageMapping
}

// errAlreadyRecorded aborts a transaction whose mapping insert lost a race
// against an identical write.
var errAlreadyRecorded = errors.New("already recorded")

// RecordBridgedReview atomically upserts the review, creates (or touches)
// the author's UserMapping and links the review to chatEventID. Calling it
// again for an already bridged review is a no-op.
func (s *MappingService) RecordBridgedReview(ctx context.Context, review *domain.ReviewRecord, chatEventID, roomID, chatUserID string) (res BridgeResult, err error) {
	if review == nil {
		return res, ErrInvalidMapping
	}
	ctx, span := startSpan(ctx, "RecordBridgedReview",
		attribute.String("app.id", review.AppID),
		attribute.String("review.id", review.ReviewID),
		attribute.String("chat.event_id", chatEventID),
	)
	defer func() { endSpan(span, err) }()

	if review.ReviewID == "" || chatEventID == "" || roomID == "" || chatUserID == "" {
		return res, ErrInvalidMapping
	}

	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		existing, err := tx.FindMessageMapping(ctx, review.ReviewID, domain.MessageKindReview)
		if err == nil {
			res.Message = existing
			return errAlreadyRecorded
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		if err := tx.UpsertReview(ctx, review); err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}

		now := s.now()
		user, err := tx.GetUserMappingByReview(ctx, review.ReviewID)
		switch {
		case err == nil:
			if err := tx.TouchUserMapping(ctx, review.ReviewID, now); err != nil {
				return fmt.Errorf("touch user mapping: %w", err)
			}
			user.LastActiveAt = now
		case errors.Is(err, repo.ErrNotFound):
			user = &domain.UserMapping{
				ID:                uuid.NewString(),
				ReviewID:          review.ReviewID,
				ChatUserID:        chatUserID,
				AuthorDisplayName: review.AuthorName,
				AppID:             review.AppID,
				CreatedAt:         now,
				LastActiveAt:      now,
			}
			if err := tx.CreateUserMapping(ctx, user); err != nil {
				return fmt.Errorf("create user mapping: %w", err)
			}
		default:
			return err
		}

		msg := &domain.MessageMapping{
			ID:               uuid.NewString(),
			ExternalReviewID: review.ReviewID,
			ChatEventID:      chatEventID,
			ChatRoomID:       roomID,
			Kind:             domain.MessageKindReview,
			AppID:            review.AppID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateMessageMapping(ctx, msg); err != nil {
			if errors.Is(err, repo.ErrConstraintViolation) {
				return errAlreadyRecorded
			}
			return fmt.Errorf("create message mapping: %w", err)
		}
		res = BridgeResult{Recorded: true, User: user, Message: msg}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		if res.Message == nil {
			mm, err := s.collidedMapping(ctx, chatEventID, review.ReviewID, domain.MessageKindReview)
			if err != nil {
				return BridgeResult{}, err
			}
			res.Message = mm
		}
		s.Log.Debug().Str("review_id", review.ReviewID).Msg("review already bridged")
		return BridgeResult{Recorded: false, Message: res.Message}, nil
	}
	if err != nil {
		return BridgeResult{}, err
	}
	return res, nil
}

// checkEventOwner returns nil when chatEventID is mapped to reviewID, and
// ErrEventConflict when it belongs to another review.
func (s *MappingService) checkEventOwner(ctx context.Context, chatEventID, reviewID string) error {
	mm, err := s.Store.GetMessageMappingByEvent(ctx, chatEventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", repo.ErrConstraintViolation, chatEventID)
		}
		return err
	}
	if mm.ExternalReviewID != reviewID {
		return fmt.Errorf("%w: %s -> %s", ErrEventConflict, chatEventID, mm.ExternalReviewID)
	}
	return nil
}

// collidedMapping explains a mapping insert that hit a unique key. It
// returns the mapping that holds the review's slot for kind, or
// ErrEventConflict when the event already belongs to another review.
func (s *MappingService) collidedMapping(ctx context.Context, chatEventID, reviewID string, kind domain.MessageKind) (*domain.MessageMapping, error) {
	mm, err := s.Store.GetMessageMappingByEvent(ctx, chatEventID)
	switch {
	case err == nil && mm.ExternalReviewID != reviewID:
		return nil, fmt.Errorf("%w: %s -> %s", ErrEventConflict, chatEventID, mm.ExternalReviewID)
	case err == nil:
		return mm, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}
	// The event is unused, so a concurrent writer mapped the review first.
	mm, err = s.Store.FindMessageMapping(ctx, reviewID, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", repo.ErrConstraintViolation, chatEventID)
	}
	return mm, err
}

// RecordDispatchedReply links a delivered reply's chat event to its review.
// It returns false when a reply mapping already exists for the review.
func (s *MappingService) RecordDispatchedReply(ctx context.Context, reviewID, chatEventID, roomID string) (recorded bool, err error) {
	ctx, span := startSpan(ctx, "RecordDispatchedReply",
		attribute.String("review.id", reviewID),
		attribute.String("chat.event_id", chatEventID),
	)
	defer func() { endSpan(span, err) }()

	if reviewID == "" || chatEventID == "" || roomID == "" {
		return false, ErrInvalidMapping
	}

	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.FindMessageMapping(ctx, reviewID, domain.MessageKindReply); err == nil {
			return errAlreadyRecorded
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		appID, err := resolveAppID(ctx, tx, reviewID, roomID)
		if err != nil {
			return err
		}
		now := s.now()
		err = tx.CreateMessageMapping(ctx, &domain.MessageMapping{
			ID:               uuid.NewString(),
			ExternalReviewID: reviewID,
			ChatEventID:      chatEventID,
			ChatRoomID:       roomID,
			Kind:             domain.MessageKindReply,
			AppID:            appID,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if errors.Is(err, repo.ErrConstraintViolation) {
			return errAlreadyRecorded
		}
		if err != nil {
			return err
		}
		if err := tx.TouchUserMapping(ctx, reviewID, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return nil
	})
	if errors.Is(err, errAlreadyRecorded) {
		return false, nil
	}
	return err == nil, err
}

// RecordNotification links a bridge-originated notice to the review it
// concerns. Duplicate event ids are ignored.
func (s *MappingService) RecordNotification(ctx context.Context, reviewID, appID, chatEventID, roomID string) (err error) {
	ctx, span := startSpan(ctx, "RecordNotification",
		attribute.String("review.id", reviewID),
		attribute.String("chat.event_id", chatEventID),
	)
	defer func() { endSpan(span, err) }()

	if reviewID == "" || chatEventID == "" || roomID == "" {
		return ErrInvalidMapping
	}
	now := s.now()
	err = s.Store.CreateMessageMapping(ctx, &domain.MessageMapping{
		ID:               uuid.NewString(),
		ExternalReviewID: reviewID,
		ChatEventID:      chatEventID,
		ChatRoomID:       roomID,
		Kind:             domain.MessageKindNotification,
		AppID:            appID,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if errors.Is(err, repo.ErrConstraintViolation) {
		return s.checkEventOwner(ctx, chatEventID, reviewID)
	}
	return err
}

func resolveAppID(ctx context.Context, tx repo.Tx, reviewID, roomID string) (string, error) {
	if r, err := tx.GetReview(ctx, reviewID); err == nil {
		return r.AppID, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	room, err := tx.GetRoomMapping(ctx, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", err
	}
	return room.AppID, nil
}

// ResolveReviewForChatEvent maps a chat event back to the review it belongs
// to. ok is false when the event is not bridged.
func (s *MappingService) ResolveReviewForChatEvent(ctx context.Context, chatEventID string) (reviewID string, ok bool, err error) {
	ctx, span := startSpan(ctx, "ResolveReviewForChatEvent", attribute.String("chat.event_id", chatEventID))
	defer func() { endSpan(span, err) }()

	mm, err := s.Store.GetMessageMappingByEvent(ctx, chatEventID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return mm.ExternalReviewID, true, nil
}

// IsReviewBridged reports whether a review-kind mapping exists.
func (s *MappingService) IsReviewBridged(ctx context.Context, reviewID string) (bool, error) {
	return s.hasMapping(ctx, reviewID, domain.MessageKindReview)
}

// HasReplyMapping reports whether a reply for the review was dispatched.
func (s *MappingService) HasReplyMapping(ctx context.Context, reviewID string) (bool, error) {
	return s.hasMapping(ctx, reviewID, domain.MessageKindReply)
}

func (s *MappingService) hasMapping(ctx context.Context, reviewID string, kind domain.MessageKind) (bool, error) {
	_, err := s.Store.FindMessageMapping(ctx, reviewID, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UserMappingFor returns the puppet mapping of a review, or
// repo.ErrNotFound.
func (s *MappingService) UserMappingFor(ctx context.Context, reviewID string) (*domain.UserMapping, error) {
	return s.Store.GetUserMappingByReview(ctx, reviewID)
}

// EnsureUserMapping stores the review and its puppet identity before the
// review is delivered, in one transaction, so a mapping never exists
// without its review. An existing mapping is touched and returned.
func (s *MappingService) EnsureUserMapping(ctx context.Context, review *domain.ReviewRecord, chatUserID string) (um *domain.UserMapping, err error) {
	if review == nil || review.ReviewID == "" || chatUserID == "" {
		return nil, ErrInvalidMapping
	}
	ctx, span := startSpan(ctx, "EnsureUserMapping", attribute.String("review.id", review.ReviewID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		if err := tx.UpsertReview(ctx, review); err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}
		existing, err := tx.GetUserMappingByReview(ctx, review.ReviewID)
		if err == nil {
			um = existing
			um.LastActiveAt = now
			return tx.TouchUserMapping(ctx, review.ReviewID, now)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		um = &domain.UserMapping{
			ID:                uuid.NewString(),
			ReviewID:          review.ReviewID,
			ChatUserID:        chatUserID,
			AuthorDisplayName: review.AuthorName,
			AppID:             review.AppID,
			CreatedAt:         now,
			LastActiveAt:      now,
		}
		return tx.CreateUserMapping(ctx, um)
	})
	if err != nil {
		return nil, err
	}
	return um, nil
}

// RefreshReview upserts an observed review without touching mappings. It
// is used for reviews that were bridged earlier and changed at the source.
func (s *MappingService) RefreshReview(ctx context.Context, review *domain.ReviewRecord) error {
	return s.Store.UpsertReview(ctx, review)
}

// GetReview returns the stored review.
func (s *MappingService) GetReview(ctx context.Context, reviewID string) (*domain.ReviewRecord, error) {
	return s.Store.GetReview(ctx, reviewID)
}

// Watermark returns the latest stored LastModifiedAt for the app, or nil.
func (s *MappingService) Watermark(ctx context.Context, appID string) (*time.Time, error) {
	return s.Store.LatestReviewModifiedAt(ctx, appID)
}

// PrimaryRoom returns the primary room of the given kind for an app.
func (s *MappingService) PrimaryRoom(ctx context.Context, appID string, kind domain.RoomKind) (*domain.RoomMapping, error) {
	m, err := s.Store.FindPrimaryRoom(ctx, appID, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return m, err
}

// RoomConfigFor decodes the typed view of a room's config document.
func (s *MappingService) RoomConfigFor(ctx context.Context, roomID string) (domain.RoomConfig, error) {
	var cfg domain.RoomConfig
	m, err := s.Store.GetRoomMapping(ctx, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return cfg, ErrRoomNotFound
	}
	if err != nil {
		return cfg, err
	}
	if err := m.Config.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode room config: %w", err)
	}
	return cfg, nil
}

// ListRooms returns the app's room mappings; an empty appID lists all.
func (s *MappingService) ListRooms(ctx context.Context, appID string) ([]domain.RoomMapping, error) {
	return s.Store.ListRoomMappings(ctx, appID)
}

// RecordChatMessage stores an audit copy of a chat event.
func (s *MappingService) RecordChatMessage(ctx context.Context, m *domain.ChatMessageRecord) error {
	if m == nil || m.EventID == "" {
		return ErrInvalidMapping
	}
	return s.Store.UpsertChatMessage(ctx, m)
}

// IsChatEventProcessed reports whether the chat event was already stored.
func (s *MappingService) IsChatEventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.Store.GetChatMessage(ctx, eventID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListReviewsPage returns a page of stored reviews for an app and the total
// count. Invalid page/pageSize values fall back to defaults.
func (s *MappingService) ListReviewsPage(ctx context.Context, appID string, page, pageSize int) ([]domain.ReviewRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Store.CountReviews(ctx, appID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ReviewRecord{}, 0, nil
	}
	items, err := s.Store.ListReviewsPage(ctx, appID, offset, pageSize)
	return items, total, err
}

// SaveAppConfig persists an override of the static app configuration.
func (s *MappingService) SaveAppConfig(ctx context.Context, appID string, settings domain.AppSettings) error {
	if appID == "" {
		return ErrInvalidMapping
	}
	doc, err := domain.NewJSONDoc(settings)
	if err != nil {
		return err
	}
	return s.Store.UpsertAppConfig(ctx, &domain.AppConfigRecord{AppID: appID, ConfigDocument: doc, CreatedAt: s.now()})
}

// LoadAppConfig returns the persisted override for an app. ok is false
// when none was saved.
func (s *MappingService) LoadAppConfig(ctx context.Context, appID string) (settings domain.AppSettings, ok bool, err error) {
	rec, err := s.Store.GetAppConfig(ctx, appID)
	if errors.Is(err, repo.ErrNotFound) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, err
	}
	if err := rec.ConfigDocument.Decode(&settings); err != nil {
		return settings, false, fmt.Errorf("decode app config: %w", err)
	}
	return settings, true, nil
}

// RetryFloor returns the persisted retry floor of an app's poller, or nil
// when no failed review is pending.
func (s *MappingService) RetryFloor(ctx context.Context, appID string) (*time.Time, error) {
	st, err := s.Store.GetPollState(ctx, appID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st.RetryFrom, nil
}

// SaveRetryFloor persists the retry floor of an app's poller; nil clears it.
func (s *MappingService) SaveRetryFloor(ctx context.Context, appID string, floor *time.Time) error {
	if appID == "" {
		return ErrInvalidMapping
	}
	return s.Store.UpsertPollState(ctx, &domain.PollState{AppID: appID, RetryFrom: floor})
}

// CleanupInactiveUsers deletes user mappings idle for longer than olderThan
// and records the run in the maintenance log, in one transaction.
func (s *MappingService) CleanupInactiveUsers(ctx context.Context, olderThan time.Duration) (deleted int64, err error) {
	ctx, span := startSpan(ctx, "CleanupInactiveUsers", attribute.String("older_than", olderThan.String()))
	defer func() { endSpan(span, err) }()

	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrInvalidMapping)
	}
	now := s.now()
	cutoff := now.Add(-olderThan)
	err = s.Store.WithTx(ctx, func(tx repo.Tx) error {
		n, err := tx.DeleteUserMappingsInactiveSince(ctx, cutoff)
		if err != nil {
			return err
		}
		deleted = n
		details, err := domain.NewJSONDoc(map[string]any{
			"cutoff":     cutoff.Format(time.RFC3339),
			"older_than": olderThan.String(),
		})
		if err != nil {
			return err
		}
		return tx.AppendMaintenanceLog(ctx, &domain.MaintenanceLogEntry{
			Operation:    "cleanup_inactive_users",
			Details:      details,
			RowsAffected: n,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return 0, err
	}
	s.Log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("inactive user mappings cleaned up")
	return deleted, nil
}
