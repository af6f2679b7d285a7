// Package bridge wires the storage engine, the mapping service, the review
// poller and the reply dispatch queue to the two external collaborators and
// owns the process lifecycle.
//
// Run applies pending migrations, starts polling every configured app and
// then serves a suture supervisor holding the reply dispatcher, the
// retention janitor and any extra services (such as the HTTP server) added
// with AddService. Cancelling the context stops the supervisor and every
// app poller; in-flight cycles and deliveries finish first.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/poller"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/services"
)

var (
	// ErrUnknownEvent is returned for replies to chat events the bridge
	// never mapped.
	ErrUnknownEvent = errors.New("chat event is not linked to a review")
	// ErrEventProcessed is returned when an inbound chat event was handled
	// before.
	ErrEventProcessed = errors.New("chat event already processed")
	// ErrInvalidReply is returned for inbound replies missing an event id,
	// room or text.
	ErrInvalidReply = errors.New("invalid incoming reply")
	// ErrBridgeOriginated is returned for messages sent by bridge puppets.
	ErrBridgeOriginated = errors.New("message sent by the bridge")
)

// Options configures a Bridge.
type Options struct {
	Apps []poller.AppConfig
	// Defaults fills the polling parameters an app leaves at zero after
	// its persisted override is merged.
	Defaults  poller.AppConfig
	Poller    poller.Options
	Dispatch  dispatch.Options
	Retention RetentionOptions
	// PuppetPrefix marks sender ids owned by the bridge ("@<prefix>...").
	PuppetPrefix string
	// ShutdownTimeout bounds how long supervised services get to stop.
	ShutdownTimeout time.Duration
}

// Stats is the combined processing snapshot.
type Stats struct {
	Replies map[string]dispatch.AppStats `json:"replies"`
	Pollers []poller.Status              `json:"pollers"`
}

// Bridge is the orchestrator.
type Bridge struct {
	store     repo.Store
	mappings  *services.MappingService
	scheduler *poller.Scheduler
	queue     *dispatch.Queue
	janitor   *Janitor
	sup       *suture.Supervisor
	opts      Options
	log       zerolog.Logger
}

// New assembles a Bridge over an initialized store.
func New(store repo.Store, source ReviewSource, chat ChatClient, log zerolog.Logger, opts Options) *Bridge {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	log = log.With().Str("component", "bridge").Logger()
	mappings := services.NewMappingService(store, log)
	if opts.Poller.Now != nil {
		mappings.Now = opts.Poller.Now
	}

	b := &Bridge{
		store:     store,
		mappings:  mappings,
		scheduler: poller.NewScheduler(source, chat, mappings, log, opts.Poller),
		queue:     dispatch.New(store, source, chat, mappings, log, opts.Dispatch),
		opts:      opts,
		log:       log,
	}
	b.janitor = NewJanitor(mappings, opts.Retention, log)
	b.sup = suture.New("review-bridge", suture.Spec{
		EventHook: func(e suture.Event) {
			b.log.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: opts.ShutdownTimeout,
	})
	b.sup.Add(b.queue)
	b.sup.Add(b.janitor)
	return b
}

// Mappings exposes the mapping service.
func (b *Bridge) Mappings() *services.MappingService { return b.mappings }

// Scheduler exposes the review poller.
func (b *Bridge) Scheduler() *poller.Scheduler { return b.scheduler }

// AddService supervises svc alongside the dispatcher. Call before Run.
func (b *Bridge) AddService(svc suture.Service) { b.sup.Add(svc) }

// Run migrates the store, starts the configured apps and blocks until ctx
// is done.
func (b *Bridge) Run(ctx context.Context) error {
	applied, err := repo.ApplyPending(ctx, b.store, repo.Migrations())
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	b.log.Info().Int("applied", applied).Msg("schema up to date")

	for _, app := range b.opts.Apps {
		if err := b.startApp(ctx, app, true); err != nil {
			b.log.Error().Err(err).Str("app_id", app.AppID).Msg("app not started")
		}
	}

	err = b.sup.Serve(ctx)
	b.scheduler.StopAll()
	if ctx.Err() != nil {
		b.log.Info().Msg("bridge stopped")
		return nil
	}
	return err
}

// StartPollingReviews starts polling an app on request. Non-zero fields of
// app win over the persisted override, which fills the rest. The result is
// persisted, and after a restart it overrides the static configuration. An
// explicit RoomID is mapped as the app's reviews room.
func (b *Bridge) StartPollingReviews(ctx context.Context, app poller.AppConfig) error {
	return b.startApp(ctx, app, false)
}

// startApp starts app merged with its persisted override. With
// overrideWins the saved settings replace app's fields; otherwise they only
// fill app's zero fields.
func (b *Bridge) startApp(ctx context.Context, app poller.AppConfig, overrideWins bool) error {
	if app.AppID == "" {
		return poller.ErrInvalidApp
	}
	saved, ok, err := b.mappings.LoadAppConfig(ctx, app.AppID)
	if err != nil {
		return err
	}
	if ok {
		app = mergeApp(app, saved, overrideWins)
	}
	app = withDefaults(app, b.opts.Defaults)
	if app.RoomID != "" {
		if _, err := b.mappings.CreateAppMapping(ctx, app.AppID, app.RoomID, app.DisplayName,
			domain.RoomKindReviews, services.AppMappingOptions{}); err != nil {
			return fmt.Errorf("map app room: %w", err)
		}
	}
	if err := b.scheduler.Start(app); err != nil {
		return err
	}
	if err := b.mappings.SaveAppConfig(ctx, app.AppID, settingsOf(app)); err != nil {
		b.log.Warn().Err(err).Str("app_id", app.AppID).Msg("app config not persisted")
	}
	return nil
}

// StopPollingReviews stops polling an app.
func (b *Bridge) StopPollingReviews(appID string) error {
	return b.scheduler.Stop(appID)
}

// PollNow runs a poll cycle for the app immediately.
func (b *Bridge) PollNow(ctx context.Context, appID string) (poller.CycleResult, error) {
	return b.scheduler.PollNow(ctx, appID)
}

// QueueReply queues a reply for delivery to the review source.
func (b *Bridge) QueueReply(ctx context.Context, req dispatch.ReplyRequest) (*domain.ReplyJob, error) {
	return b.queue.QueueReply(ctx, req)
}

// OnIncomingReply turns a chat reply to a bridged review into a queued
// reply job. The chat event is stored so redelivered events are rejected
// with ErrEventProcessed.
func (b *Bridge) OnIncomingReply(ctx context.Context, in IncomingReply) (*domain.ReplyJob, error) {
	text := StripReplyFallback(in.Text)
	if in.EventID == "" || in.RoomID == "" || text == "" {
		return nil, ErrInvalidReply
	}
	if b.isPuppet(in.SenderID) {
		return nil, ErrBridgeOriginated
	}
	seen, err := b.mappings.IsChatEventProcessed(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrEventProcessed
	}

	target := in.InReplyTo
	if target == "" {
		target = in.EventID
	}
	reviewID, ok, err := b.mappings.ResolveReviewForChatEvent(ctx, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, target)
	}
	appID, err := b.appForReview(ctx, reviewID, in.RoomID)
	if err != nil {
		return nil, err
	}

	job, err := b.queue.QueueReply(ctx, dispatch.ReplyRequest{
		AppID:       appID,
		ReviewID:    reviewID,
		Text:        text,
		ChatEventID: in.EventID,
		ChatRoomID:  in.RoomID,
		SenderID:    in.SenderID,
	})
	if err != nil {
		return nil, err
	}

	content, err := domain.NewJSONDoc(map[string]any{"body": in.Text, "in_reply_to": in.InReplyTo})
	if err == nil {
		err = b.mappings.RecordChatMessage(ctx, &domain.ChatMessageRecord{
			EventID:   in.EventID,
			RoomID:    in.RoomID,
			SenderID:  in.SenderID,
			Content:   content,
			Timestamp: b.now(),
		})
	}
	if err != nil {
		b.log.Warn().Err(err).Str("event_id", in.EventID).Msg("chat message audit not stored")
	}
	return job, nil
}

func (b *Bridge) now() time.Time {
	if b.opts.Poller.Now != nil {
		return b.opts.Poller.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Bridge) isPuppet(senderID string) bool {
	if b.opts.PuppetPrefix == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimPrefix(senderID, "@"), b.opts.PuppetPrefix)
}

func (b *Bridge) appForReview(ctx context.Context, reviewID, roomID string) (string, error) {
	r, err := b.mappings.GetReview(ctx, reviewID)
	if err == nil {
		return r.AppID, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	room, err := b.store.GetRoomMapping(ctx, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", services.ErrRoomNotFound
	}
	if err != nil {
		return "", err
	}
	return room.AppID, nil
}

// GetAllProcessingStats returns reply queue statistics per app and the
// status of every app poller.
func (b *Bridge) GetAllProcessingStats(ctx context.Context) (Stats, error) {
	replies, err := b.queue.GetAllProcessingStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Replies: replies, Pollers: b.scheduler.Statuses()}, nil
}

// CreateRoomMapping binds a chat room to an app.
func (b *Bridge) CreateRoomMapping(ctx context.Context, m domain.RoomMapping) (*domain.RoomMapping, error) {
	return b.mappings.CreateRoomMapping(ctx, m)
}

// CreateAppRoomMapping creates or updates the mapping of roomID for appID,
// following the primary room rules of the mapping service.
func (b *Bridge) CreateAppRoomMapping(ctx context.Context, appID, roomID, appName string, kind domain.RoomKind, opts services.AppMappingOptions) (*domain.RoomMapping, error) {
	return b.mappings.CreateAppMapping(ctx, appID, roomID, appName, kind, opts)
}

// ListApps returns the status of every polled app, ordered by app id.
func (b *Bridge) ListApps() []poller.Status {
	return b.scheduler.Statuses()
}

// ListRooms returns the rooms mapped to an app.
func (b *Bridge) ListRooms(ctx context.Context, appID string) ([]domain.RoomMapping, error) {
	return b.mappings.ListRooms(ctx, appID)
}

// IsChatEventProcessed reports whether an inbound chat event was handled.
func (b *Bridge) IsChatEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return b.mappings.IsChatEventProcessed(ctx, eventID)
}

// ListReviews returns a page of stored reviews for an app.
func (b *Bridge) ListReviews(ctx context.Context, appID string, page, pageSize int) ([]domain.ReviewRecord, int64, error) {
	return b.mappings.ListReviewsPage(ctx, appID, page, pageSize)
}

// mergeApp layers an app entry and its saved settings. The preferred side
// keeps its non-zero fields and the other side fills the rest.
func mergeApp(app poller.AppConfig, s domain.AppSettings, overrideWins bool) poller.AppConfig {
	saved := poller.AppConfig{
		AppID:             app.AppID,
		DisplayName:       s.DisplayName,
		RoomID:            s.RoomID,
		PollInterval:      time.Duration(s.PollIntervalMs) * time.Millisecond,
		MaxReviewsPerPoll: s.MaxReviewsPerPoll,
		LookbackDays:      s.LookbackDays,
	}
	hi, lo := app, saved
	if overrideWins {
		hi, lo = saved, app
	}
	if hi.DisplayName == "" {
		hi.DisplayName = lo.DisplayName
	}
	if hi.RoomID == "" {
		hi.RoomID = lo.RoomID
	}
	if hi.PollInterval <= 0 {
		hi.PollInterval = lo.PollInterval
	}
	if hi.MaxReviewsPerPoll <= 0 {
		hi.MaxReviewsPerPoll = lo.MaxReviewsPerPoll
	}
	if hi.LookbackDays <= 0 {
		hi.LookbackDays = lo.LookbackDays
	}
	return hi
}

func withDefaults(app, d poller.AppConfig) poller.AppConfig {
	if app.PollInterval <= 0 {
		app.PollInterval = d.PollInterval
	}
	if app.MaxReviewsPerPoll <= 0 {
		app.MaxReviewsPerPoll = d.MaxReviewsPerPoll
	}
	if app.LookbackDays <= 0 {
		app.LookbackDays = d.LookbackDays
	}
	return app
}

func settingsOf(app poller.AppConfig) domain.AppSettings {
	return domain.AppSettings{
		DisplayName:       app.DisplayName,
		PollIntervalMs:    app.PollInterval.Milliseconds(),
		MaxReviewsPerPoll: app.MaxReviewsPerPoll,
		LookbackDays:      app.LookbackDays,
		RoomID:            app.RoomID,
	}
}

// StripReplyFallback removes the quoted fallback block chat clients prepend
// to replies ("> <@user> original text" lines followed by a blank line).
func StripReplyFallback(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i > 0 && i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) {
		// Only quoted lines: keep the text as is.
		i = 0
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}
