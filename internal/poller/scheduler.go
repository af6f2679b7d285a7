// Package poller runs one independent review polling loop per tracked app.
//
// Each app has its own goroutine and timer. A cycle moves the app through
// IDLE -> FETCHING -> RECONCILING -> IDLE: reviews modified since the app's
// watermark are fetched from the review source, and every review that has
// not been bridged yet is delivered to chat and recorded through the
// mapping service. The next timer is armed only after a cycle completes, so
// cycles of one app never overlap. Failures are isolated per review and per
// app.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/services"
)

var (
	// ErrAppRunning is returned by Start for an app that is already polled.
	ErrAppRunning = errors.New("app is already being polled")
	// ErrUnknownApp is returned for operations on an app that is not polled.
	ErrUnknownApp = errors.New("app is not being polled")
	// ErrInvalidApp is returned by Start when the app settings are unusable.
	ErrInvalidApp = errors.New("invalid app polling settings")
	// ErrNoRoom means no chat room is mapped for the app's reviews.
	ErrNoRoom = errors.New("no reviews room mapped for app")
)

// ReviewSource fetches reviews from the store. FetchReviews returns at
// most max reviews modified at or after since, oldest first, so that a
// backlog larger than max is drained over consecutive cycles.
type ReviewSource interface {
	FetchReviews(ctx context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error)
}

// ChatDelivery is the chat side of bridging.
type ChatDelivery interface {
	CreatePuppetUser(ctx context.Context, reviewID, authorName string) (string, error)
	DeliverReview(ctx context.Context, review *domain.ReviewRecord, roomID string) (string, error)
}

// Mappings is the subset of the mapping service the poller needs.
type Mappings interface {
	Watermark(ctx context.Context, appID string) (*time.Time, error)
	IsReviewBridged(ctx context.Context, reviewID string) (bool, error)
	RefreshReview(ctx context.Context, review *domain.ReviewRecord) error
	UserMappingFor(ctx context.Context, reviewID string) (*domain.UserMapping, error)
	EnsureUserMapping(ctx context.Context, review *domain.ReviewRecord, chatUserID string) (*domain.UserMapping, error)
	RecordBridgedReview(ctx context.Context, review *domain.ReviewRecord, chatEventID, roomID, chatUserID string) (services.BridgeResult, error)
	PrimaryRoom(ctx context.Context, appID string, kind domain.RoomKind) (*domain.RoomMapping, error)
	RoomConfigFor(ctx context.Context, roomID string) (domain.RoomConfig, error)
	RetryFloor(ctx context.Context, appID string) (*time.Time, error)
	SaveRetryFloor(ctx context.Context, appID string, floor *time.Time) error
}

// AppConfig holds the polling parameters of one app.
type AppConfig struct {
	AppID             string
	DisplayName       string
	RoomID            string // empty: use the app's primary reviews room
	PollInterval      time.Duration
	MaxReviewsPerPoll int
	LookbackDays      int
}

// State is the phase of an app poller.
type State string

const (
	StateIdle        State = "IDLE"
	StateFetching    State = "FETCHING"
	StateReconciling State = "RECONCILING"
)

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Since     time.Time `json:"since"`
	Fetched   int       `json:"fetched"`
	Bridged   int       `json:"bridged"`
	Refreshed int       `json:"refreshed"`
	Filtered  int       `json:"filtered"`
	Failed    int       `json:"failed"`
	Dropped   int       `json:"dropped"`
	Skipped   int       `json:"skipped"`
}

// Status is a snapshot of one app poller.
type Status struct {
	AppID            string      `json:"app_id"`
	State            State       `json:"state"`
	Running          bool        `json:"running"`
	PollInterval     string      `json:"poll_interval"`
	LastPollAt       *time.Time  `json:"last_poll_at,omitempty"`
	NextPollAt       *time.Time  `json:"next_poll_at,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	LastErrorAt      *time.Time  `json:"last_error_at,omitempty"`
	ReviewsProcessed int64       `json:"reviews_processed"`
	ReviewsDropped   int64       `json:"reviews_dropped"`
	DroppedReviews   []string    `json:"dropped_reviews,omitempty"`
	Cycles           int64       `json:"cycles"`
	LastCycle        CycleResult `json:"last_cycle"`
}

// Options configures a Scheduler.
type Options struct {
	// CallTimeout bounds every collaborator and storage call made during a
	// cycle. Zero means one minute.
	CallTimeout time.Duration
	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
	// StartDelay postpones the first cycle after Start. Zero polls at once.
	StartDelay time.Duration
}

// Scheduler owns the per-app pollers.
type Scheduler struct {
	source   ReviewSource
	chat     ChatDelivery
	mappings Mappings
	log      zerolog.Logger
	opts     Options

	mu   sync.Mutex
	apps map[string]*appPoller
}

// NewScheduler constructs a Scheduler. No app is polled until Start.
func NewScheduler(source ReviewSource, chat ChatDelivery, mappings Mappings, log zerolog.Logger, opts Options) *Scheduler {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		source:   source,
		chat:     chat,
		mappings: mappings,
		log:      log.With().Str("component", "poller").Logger(),
		opts:     opts,
		apps:     make(map[string]*appPoller),
	}
}

// Start begins polling an app in its own goroutine.
func (s *Scheduler) Start(app AppConfig) error {
	if app.AppID == "" || app.PollInterval <= 0 || app.MaxReviewsPerPoll < 1 || app.LookbackDays < 0 {
		return ErrInvalidApp
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.AppID]; ok {
		return ErrAppRunning
	}
	p := newAppPoller(s, app)
	p.setNext(s.opts.StartDelay)
	s.apps[app.AppID] = p
	go p.run(s.opts.StartDelay)
	s.log.Info().Str("app_id", app.AppID).Dur("interval", app.PollInterval).
		Int("lookback_days", app.LookbackDays).Msg("polling started")
	return nil
}

// Stop cancels the app's timer and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop(appID string) error {
	s.mu.Lock()
	p, ok := s.apps[appID]
	if ok {
		delete(s.apps, appID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownApp
	}
	p.stopAndWait()
	s.log.Info().Str("app_id", appID).Msg("polling stopped")
	return nil
}

// StopAll stops every app poller and waits for all of them.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ps := make([]*appPoller, 0, len(s.apps))
	for id, p := range s.apps {
		ps = append(ps, p)
		delete(s.apps, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range ps {
		wg.Add(1)
		go func(p *appPoller) {
			defer wg.Done()
			p.stopAndWait()
		}(p)
	}
	wg.Wait()
}

// Status returns the snapshot of one app.
func (s *Scheduler) Status(appID string) (Status, error) {
	s.mu.Lock()
	p, ok := s.apps[appID]
	s.mu.Unlock()
	if !ok {
		return Status{}, ErrUnknownApp
	}
	return p.status(), nil
}

// Statuses returns snapshots of all polled apps ordered by app id.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	ps := make([]*appPoller, 0, len(s.apps))
	for _, p := range s.apps {
		ps = append(ps, p)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// PollNow runs a cycle for the app immediately, on the app's own goroutine,
// and returns its result. The regular timer is re-armed afterwards.
func (s *Scheduler) PollNow(ctx context.Context, appID string) (CycleResult, error) {
	s.mu.Lock()
	p, ok := s.apps[appID]
	s.mu.Unlock()
	if !ok {
		return CycleResult{}, ErrUnknownApp
	}
	return p.trigger(ctx)
}

// Running reports whether the app is polled.
func (s *Scheduler) Running(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.apps[appID]
	return ok
}
