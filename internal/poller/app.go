package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/services"
)

// maxReviewRetries bounds how many consecutive cycles a failing review keeps
// the fetch window open.
const maxReviewRetries = 5

// maxDroppedShown caps the dropped review ids kept in Status.
const maxDroppedShown = 20

type cycleReply struct {
	res CycleResult
	err error
}

type appPoller struct {
	s   *Scheduler
	cfg AppConfig
	log zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	manual   chan chan cycleReply

	mu   sync.Mutex
	snap Status

	// Owned by the run goroutine. A count at maxReviewRetries marks a
	// dropped review.
	failures map[string]int
}

func newAppPoller(s *Scheduler, cfg AppConfig) *appPoller {
	return &appPoller{
		s:        s,
		cfg:      cfg,
		log:      s.log.With().Str("app_id", cfg.AppID).Logger(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		manual:   make(chan chan cycleReply),
		failures: make(map[string]int),
		snap: Status{
			AppID:        cfg.AppID,
			State:        StateIdle,
			Running:      true,
			PollInterval: cfg.PollInterval.String(),
		},
	}
}

func (p *appPoller) run(delay time.Duration) {
	defer close(p.done)
	for {
		p.setNext(delay)
		timer := time.NewTimer(delay)
		var reply chan cycleReply
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		case reply = <-p.manual:
			timer.Stop()
		}

		res, err := p.cycle()
		if reply != nil {
			reply <- cycleReply{res: res, err: err}
		}
		delay = p.cfg.PollInterval
	}
}

func (p *appPoller) trigger(ctx context.Context) (CycleResult, error) {
	reply := make(chan cycleReply, 1)
	select {
	case p.manual <- reply:
	case <-p.done:
		return CycleResult{}, ErrUnknownApp
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

func (p *appPoller) stopAndWait() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
	p.mu.Lock()
	p.snap.Running = false
	p.snap.NextPollAt = nil
	p.mu.Unlock()
}

func (p *appPoller) status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.snap
	st.DroppedReviews = append([]string(nil), p.snap.DroppedReviews...)
	return st
}

func (p *appPoller) setState(st State) {
	p.mu.Lock()
	p.snap.State = st
	p.mu.Unlock()
}

func (p *appPoller) setNext(delay time.Duration) {
	next := p.s.opts.Now().Add(delay)
	p.mu.Lock()
	p.snap.NextPollAt = &next
	p.mu.Unlock()
}

// call runs fn with a context detached from Stop and bounded by the
// scheduler's call timeout.
func (p *appPoller) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, p.s.opts.CallTimeout)
	defer cancel()
	return fn(cctx)
}

// cycle performs one IDLE -> FETCHING -> RECONCILING -> IDLE pass.
func (p *appPoller) cycle() (res CycleResult, err error) {
	start := p.s.opts.Now()
	ctx := p.log.WithContext(context.Background())
	ctx, span := otel.Tracer("poller").Start(ctx, "poller.cycle",
		trace.WithAttributes(attribute.String("app.id", p.cfg.AppID)))
	outcome := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("reviews.fetched", res.Fetched),
			attribute.Int("reviews.bridged", res.Bridged),
			attribute.Int("reviews.failed", res.Failed),
		)
		span.End()
		p.finish(start, res, err, outcome)
	}()

	p.setState(StateFetching)
	defer p.setState(StateIdle)

	room, roomCfg, err := p.resolveRoom(ctx)
	if err != nil {
		outcome = "no_room"
		return res, err
	}

	prevFloor, since, err := p.window(ctx, start)
	if err != nil {
		outcome = "fetch_error"
		return res, err
	}
	res.Since = since

	var reviews []domain.ReviewRecord
	err = p.call(ctx, func(ctx context.Context) error {
		var ferr error
		reviews, ferr = p.s.source.FetchReviews(ctx, p.cfg.AppID, since, p.cfg.MaxReviewsPerPoll)
		return ferr
	})
	if err != nil {
		outcome = "fetch_error"
		return res, fmt.Errorf("fetch reviews: %w", err)
	}
	res.Fetched = len(reviews)

	p.setState(StateReconciling)
	sort.SliceStable(reviews, func(i, j int) bool {
		return reviews[i].LastModifiedAt.Before(reviews[j].LastModifiedAt)
	})

	var floor *time.Time
	var firstErr error
	for i := range reviews {
		r := &reviews[i]
		if r.AppID == "" {
			r.AppID = p.cfg.AppID
		}
		if p.failures[r.ReviewID] >= maxReviewRetries {
			res.Skipped++
			continue
		}
		result, rerr := p.reconcile(ctx, r, room, roomCfg)
		switch {
		case rerr != nil:
			res.Failed++
			if firstErr == nil {
				firstErr = rerr
			}
			p.failures[r.ReviewID]++
			n := p.failures[r.ReviewID]
			if n >= maxReviewRetries {
				res.Dropped++
				p.drop(r.ReviewID)
				p.log.Error().Err(rerr).Str("review_id", r.ReviewID).Int("attempt", n).
					Msg("review bridging failed; giving up")
				continue
			}
			p.log.Warn().Err(rerr).Str("review_id", r.ReviewID).Int("attempt", n).Msg("review bridging failed")
			if floor != nil && !r.LastModifiedAt.Before(*floor) {
				continue
			}
			t := r.LastModifiedAt
			floor = &t
			// Newer reviews bridged later in this cycle move the watermark
			// past this one, so the floor is stored before they are.
			if prevFloor == nil || floor.Before(*prevFloor) {
				if err := p.saveFloor(ctx, floor); err != nil {
					outcome = "partial"
					return res, err
				}
				prevFloor = floor
			}
		case result == resultBridged:
			res.Bridged++
			delete(p.failures, r.ReviewID)
			reviewsBridged.WithLabelValues(p.cfg.AppID).Inc()
		case result == resultFiltered:
			res.Filtered++
		default:
			res.Refreshed++
			delete(p.failures, r.ReviewID)
		}
	}
	if !sameTime(floor, prevFloor) {
		if err := p.saveFloor(ctx, floor); err != nil {
			outcome = "partial"
			return res, err
		}
	}

	if firstErr != nil {
		outcome = "partial"
		return res, firstErr
	}
	return res, nil
}

// drop records a review that exhausted its retries.
func (p *appPoller) drop(reviewID string) {
	reviewsDropped.WithLabelValues(p.cfg.AppID).Inc()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.ReviewsDropped++
	p.snap.DroppedReviews = append(p.snap.DroppedReviews, reviewID)
	if n := len(p.snap.DroppedReviews); n > maxDroppedShown {
		p.snap.DroppedReviews = p.snap.DroppedReviews[n-maxDroppedShown:]
	}
}

func (p *appPoller) saveFloor(ctx context.Context, floor *time.Time) error {
	err := p.call(ctx, func(ctx context.Context) error {
		return p.s.mappings.SaveRetryFloor(ctx, p.cfg.AppID, floor)
	})
	if err != nil {
		return fmt.Errorf("store retry floor: %w", err)
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (p *appPoller) finish(start time.Time, res CycleResult, err error, outcome string) {
	now := p.s.opts.Now()
	pollCycles.WithLabelValues(p.cfg.AppID, outcome).Inc()
	pollDuration.WithLabelValues(p.cfg.AppID).Observe(now.Sub(start).Seconds())

	p.mu.Lock()
	p.snap.LastPollAt = &now
	p.snap.Cycles++
	p.snap.ReviewsProcessed += int64(res.Bridged)
	p.snap.LastCycle = res
	if err != nil {
		p.snap.LastError = err.Error()
		p.snap.LastErrorAt = &now
	}
	p.mu.Unlock()

	ev := p.log.Info()
	if err != nil && outcome != "partial" {
		ev = p.log.Error().Err(err)
	}
	ev.Str("result", outcome).Int("fetched", res.Fetched).Int("bridged", res.Bridged).
		Int("refreshed", res.Refreshed).Int("filtered", res.Filtered).Int("failed", res.Failed).
		Int("dropped", res.Dropped).Time("since", res.Since).Msg("poll cycle finished")
}

// resolveRoom returns the room reviews are delivered to and its config.
func (p *appPoller) resolveRoom(ctx context.Context) (string, domain.RoomConfig, error) {
	room := p.cfg.RoomID
	if room == "" {
		var m *domain.RoomMapping
		err := p.call(ctx, func(ctx context.Context) error {
			var perr error
			m, perr = p.s.mappings.PrimaryRoom(ctx, p.cfg.AppID, domain.RoomKindReviews)
			return perr
		})
		if errors.Is(err, services.ErrRoomNotFound) {
			return "", domain.RoomConfig{}, ErrNoRoom
		}
		if err != nil {
			return "", domain.RoomConfig{}, err
		}
		room = m.ChatRoomID
	}

	var cfg domain.RoomConfig
	err := p.call(ctx, func(ctx context.Context) error {
		var cerr error
		cfg, cerr = p.s.mappings.RoomConfigFor(ctx, room)
		return cerr
	})
	if errors.Is(err, services.ErrRoomNotFound) {
		return "", cfg, fmt.Errorf("%w: %s", ErrNoRoom, room)
	}
	return room, cfg, err
}

// window returns the persisted retry floor and the fetch window start: the
// stored watermark, or now minus the lookback window, lowered to the floor.
func (p *appPoller) window(ctx context.Context, now time.Time) (floor *time.Time, since time.Time, err error) {
	var wm *time.Time
	err = p.call(ctx, func(ctx context.Context) error {
		var werr error
		if wm, werr = p.s.mappings.Watermark(ctx, p.cfg.AppID); werr != nil {
			return werr
		}
		floor, werr = p.s.mappings.RetryFloor(ctx, p.cfg.AppID)
		return werr
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	since = now.Add(-time.Duration(p.cfg.LookbackDays) * 24 * time.Hour).UTC()
	if wm != nil {
		since = wm.UTC()
	}
	if floor != nil && floor.Before(since) {
		since = floor.UTC()
	}
	return floor, since, nil
}

type reconcileResult int

const (
	resultRefreshed reconcileResult = iota
	resultBridged
	resultFiltered
)

// reconcile bridges a single review. Reviews that were bridged before are
// only refreshed, so overlapping fetch windows never deliver twice.
func (p *appPoller) reconcile(ctx context.Context, r *domain.ReviewRecord, room string, cfg domain.RoomConfig) (reconcileResult, error) {
	m := p.s.mappings
	appID := p.cfg.AppID

	var bridged bool
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		bridged, err = m.IsReviewBridged(ctx, r.ReviewID)
		return err
	}); err != nil {
		bridgeFailures.WithLabelValues(appID, "lookup").Inc()
		return 0, fmt.Errorf("check bridged: %w", err)
	}

	if bridged || (cfg.MinStarRating > 0 && r.StarRating < cfg.MinStarRating) {
		if err := p.call(ctx, func(ctx context.Context) error { return m.RefreshReview(ctx, r) }); err != nil {
			bridgeFailures.WithLabelValues(appID, "refresh").Inc()
			return 0, fmt.Errorf("refresh review: %w", err)
		}
		if bridged {
			return resultRefreshed, nil
		}
		return resultFiltered, nil
	}

	var um *domain.UserMapping
	err := p.call(ctx, func(ctx context.Context) (err error) {
		um, err = m.UserMappingFor(ctx, r.ReviewID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		var userID string
		if err := p.call(ctx, func(ctx context.Context) (err error) {
			userID, err = p.s.chat.CreatePuppetUser(ctx, r.ReviewID, r.AuthorName)
			return err
		}); err != nil {
			bridgeFailures.WithLabelValues(appID, "puppet").Inc()
			return 0, fmt.Errorf("create puppet: %w", err)
		}
		if err := p.call(ctx, func(ctx context.Context) (err error) {
			um, err = m.EnsureUserMapping(ctx, r, userID)
			return err
		}); err != nil {
			bridgeFailures.WithLabelValues(appID, "record").Inc()
			return 0, fmt.Errorf("store puppet mapping: %w", err)
		}
	} else if err != nil {
		bridgeFailures.WithLabelValues(appID, "lookup").Inc()
		return 0, fmt.Errorf("lookup puppet: %w", err)
	}

	var eventID string
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		eventID, err = p.s.chat.DeliverReview(ctx, r, room)
		return err
	}); err != nil {
		bridgeFailures.WithLabelValues(appID, "deliver").Inc()
		return 0, fmt.Errorf("deliver review: %w", err)
	}

	var out services.BridgeResult
	if err := p.call(ctx, func(ctx context.Context) (err error) {
		out, err = m.RecordBridgedReview(ctx, r, eventID, room, um.ChatUserID)
		return err
	}); err != nil {
		bridgeFailures.WithLabelValues(appID, "record").Inc()
		return 0, fmt.Errorf("record bridged review: %w", err)
	}
	if !out.Recorded {
		p.log.Warn().Str("review_id", r.ReviewID).Str("event_id", eventID).
			Msg("review was recorded concurrently; delivered event left unmapped")
		return resultRefreshed, nil
	}
	p.log.Debug().Str("review_id", r.ReviewID).Str("event_id", eventID).Msg("review bridged")
	return resultBridged, nil
}
