package poller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/repo/sqlite"
	"github.com/tbourn/play-review-bridge/internal/services"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ----- fakes -----

type fakeSource struct {
	mu       sync.Mutex
	reviews  []domain.ReviewRecord
	since    []time.Time
	err      error
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func (f *fakeSource) FetchReviews(_ context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	sorted := append([]domain.ReviewRecord(nil), f.reviews...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastModifiedAt.Before(sorted[j].LastModifiedAt)
	})
	var out []domain.ReviewRecord
	for _, r := range sorted {
		if r.AppID == appID && !r.LastModifiedAt.Before(since) && len(out) < max {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) sinceAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since[i]
}

type fakeChat struct {
	mu         sync.Mutex
	deliveries []string
	puppets    []string
	failTimes  map[string]int // review id -> remaining failures
}

func (c *fakeChat) CreatePuppetUser(_ context.Context, reviewID, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puppets = append(c.puppets, reviewID)
	return "@googleplay_" + reviewID + ":hs", nil
}

func (c *fakeChat) DeliverReview(_ context.Context, r *domain.ReviewRecord, roomID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTimes[r.ReviewID] > 0 {
		c.failTimes[r.ReviewID]--
		return "", errors.New("chat unavailable")
	}
	c.deliveries = append(c.deliveries, r.ReviewID)
	return fmt.Sprintf("$ev_%s_%d", r.ReviewID, len(c.deliveries)), nil
}

func (c *fakeChat) count() (deliveries, puppets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries), len(c.puppets)
}

// ----- helpers -----

func newMappings(t *testing.T) (*services.MappingService, repo.Store) {
	t.Helper()
	st := sqlite.New(sqlite.Options{Path: filepath.Join(t.TempDir(), "poller.db")})
	ctx := context.Background()
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := repo.ApplyPending(ctx, st, repo.Migrations()); err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	svc := services.NewMappingService(st, zerolog.Nop())
	svc.Now = func() time.Time { return now }
	return svc, st
}

func mapRoom(t *testing.T, svc *services.MappingService, appID, roomID string, cfg domain.JSONDoc) {
	t.Helper()
	_, err := svc.CreateAppMapping(context.Background(), appID, roomID, appID, domain.RoomKindReviews,
		services.AppMappingOptions{Config: cfg})
	if err != nil {
		t.Fatalf("CreateAppMapping: %v", err)
	}
}

func mkReview(appID, id string, age time.Duration, stars int) domain.ReviewRecord {
	return domain.ReviewRecord{
		ReviewID:       id,
		AppID:          appID,
		AuthorName:     "Author " + id,
		StarRating:     stars,
		CreatedAt:      now.Add(-age),
		LastModifiedAt: now.Add(-age),
	}
}

func newScheduler(src ReviewSource, chat ChatDelivery, m Mappings) *Scheduler {
	return NewScheduler(src, chat, m, zerolog.Nop(), Options{
		Now:        func() time.Time { return now },
		StartDelay: time.Hour, // cycles are driven by PollNow
	})
}

func appCfg(appID string) AppConfig {
	return AppConfig{AppID: appID, PollInterval: 300000 * time.Millisecond, MaxReviewsPerPoll: 50, LookbackDays: 7}
}

// ----- tests -----

func TestScenario_SecondPollBridgesNothing(t *testing.T) {
	const app = "com.example.app"
	svc, st := newMappings(t)
	mapRoom(t, svc, app, "!reviews:hs", nil)

	src := &fakeSource{reviews: []domain.ReviewRecord{
		mkReview(app, "r1", 1*24*time.Hour, 5),
		mkReview(app, "r2", 2*24*time.Hour, 4),
		mkReview(app, "r3", 3*24*time.Hour, 3),
		mkReview(app, "old", 10*24*time.Hour, 1), // outside the lookback window
	}}
	chat := &fakeChat{}
	s := newScheduler(src, chat, svc)
	if err := s.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()

	ctx := context.Background()
	res, err := s.PollNow(ctx, app)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if !src.sinceAt(0).Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("first poll since = %v; want now-7d", src.sinceAt(0))
	}
	if res.Fetched != 3 || res.Bridged != 3 {
		t.Fatalf("first poll = %+v", res)
	}
	if d, _ := chat.count(); d != 3 {
		t.Fatalf("deliveries after first poll = %d", d)
	}

	res, err = s.PollNow(ctx, app)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if !src.sinceAt(1).Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("second poll since = %v; want the watermark", src.sinceAt(1))
	}
	if res.Bridged != 0 || res.Refreshed != res.Fetched {
		t.Fatalf("second poll = %+v", res)
	}
	if d, p := chat.count(); d != 3 || p != 3 {
		t.Fatalf("deliveries=%d puppets=%d after second poll; want 3/3", d, p)
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		if n, _ := st.CountMessageMappings(ctx, id, domain.MessageKindReview); n != 1 {
			t.Fatalf("%s: %d review mappings", id, n)
		}
		if n, _ := st.CountUserMappings(ctx, id); n != 1 {
			t.Fatalf("%s: %d user mappings", id, n)
		}
	}

	status, err := s.Status(app)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ReviewsProcessed != 3 || status.Cycles != 2 || status.State != StateIdle || status.LastError != "" {
		t.Fatalf("status = %+v", status)
	}
	if got := testutil.ToFloat64(reviewsBridged.WithLabelValues(app)); got != 3 {
		t.Fatalf("reviews_bridged_total = %v", got)
	}
}

func TestFailedDeliveryIsRetriedNextCycle(t *testing.T) {
	const app = "com.example.retry"
	svc, st := newMappings(t)
	mapRoom(t, svc, app, "!retry:hs", nil)

	older := mkReview(app, "older", 2*time.Hour, 4)
	newer := mkReview(app, "newer", time.Hour, 4)
	src := &fakeSource{reviews: []domain.ReviewRecord{newer, older}}
	chat := &fakeChat{failTimes: map[string]int{"older": 1}}
	s := newScheduler(src, chat, svc)
	if err := s.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()
	ctx := context.Background()

	res, err := s.PollNow(ctx, app)
	if err == nil || res.Failed != 1 || res.Bridged != 1 {
		t.Fatalf("first cycle = %+v, %v", res, err)
	}
	// The review and its puppet were stored together before the failed
	// delivery; only the review-kind mapping is missing.
	if _, err := st.GetReview(ctx, "older"); err != nil {
		t.Fatalf("failed review should be stored with its puppet: %v", err)
	}
	if n, _ := st.CountUserMappings(ctx, "older"); n != 1 {
		t.Fatalf("puppet mapping count = %d", n)
	}
	if n, _ := st.CountMessageMappings(ctx, "older", domain.MessageKindReview); n != 0 {
		t.Fatalf("failed review has %d review mappings", n)
	}
	if f, _ := svc.RetryFloor(ctx, app); f == nil || !f.Equal(older.LastModifiedAt) {
		t.Fatalf("retry floor = %v; want %v", f, older.LastModifiedAt)
	}
	if st, _ := s.Status(app); st.LastError == "" {
		t.Fatalf("last error not recorded")
	}

	res, err = s.PollNow(ctx, app)
	if err != nil || res.Bridged != 1 {
		t.Fatalf("second cycle = %+v, %v", res, err)
	}
	// The window reopened at the failed review even though the watermark
	// had moved past it.
	if !src.sinceAt(1).Equal(older.LastModifiedAt) {
		t.Fatalf("retry since = %v; want %v", src.sinceAt(1), older.LastModifiedAt)
	}
	if d, p := chat.count(); d != 2 || p != 2 {
		t.Fatalf("deliveries=%d puppets=%d; want 2/2", d, p)
	}

	if f, _ := svc.RetryFloor(ctx, app); f != nil {
		t.Fatalf("retry floor not cleared: %v", f)
	}

	if _, err := s.PollNow(ctx, app); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if !src.sinceAt(2).Equal(newer.LastModifiedAt) {
		t.Fatalf("third since = %v; want watermark", src.sinceAt(2))
	}
}

func TestFailedReviewSurvivesRestart(t *testing.T) {
	const app = "com.example.restart"
	svc, st := newMappings(t)
	mapRoom(t, svc, app, "!restart:hs", nil)

	old := mkReview(app, "old", 2*time.Hour, 4)
	newer := mkReview(app, "new", time.Hour, 4)
	src := &fakeSource{reviews: []domain.ReviewRecord{newer, old}}
	chat := &fakeChat{failTimes: map[string]int{"old": 1}}
	ctx := context.Background()

	first := newScheduler(src, chat, svc)
	if err := first.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res, err := first.PollNow(ctx, app); err == nil || res.Failed != 1 || res.Bridged != 1 {
		t.Fatalf("first cycle = %+v, %v", res, err)
	}
	first.StopAll()

	// A new scheduler over the same storage knows nothing in memory.
	second := newScheduler(src, chat, svc)
	if err := second.Start(appCfg(app)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.StopAll()
	res, err := second.PollNow(ctx, app)
	if err != nil || res.Bridged != 1 {
		t.Fatalf("cycle after restart = %+v, %v", res, err)
	}
	if !src.sinceAt(1).Equal(old.LastModifiedAt) {
		t.Fatalf("since after restart = %v; want %v", src.sinceAt(1), old.LastModifiedAt)
	}
	for _, id := range []string{"old", "new"} {
		if n, _ := st.CountMessageMappings(ctx, id, domain.MessageKindReview); n != 1 {
			t.Fatalf("%s: %d review mappings", id, n)
		}
	}
	if f, _ := svc.RetryFloor(ctx, app); f != nil {
		t.Fatalf("retry floor not cleared: %v", f)
	}
}

func TestBacklogLargerThanMaxIsDrained(t *testing.T) {
	const app = "com.example.backlog"
	svc, st := newMappings(t)
	mapRoom(t, svc, app, "!backlog:hs", nil)

	src := &fakeSource{reviews: []domain.ReviewRecord{
		mkReview(app, "r3", 1*time.Hour, 5),
		mkReview(app, "r2", 2*time.Hour, 5),
		mkReview(app, "r1", 3*time.Hour, 5),
	}}
	chat := &fakeChat{}
	s := newScheduler(src, chat, svc)
	cfg := appCfg(app)
	cfg.MaxReviewsPerPoll = 2
	if err := s.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()
	ctx := context.Background()

	if res, err := s.PollNow(ctx, app); err != nil || res.Bridged != 2 {
		t.Fatalf("first cycle = %+v, %v", res, err)
	}
	if res, err := s.PollNow(ctx, app); err != nil || res.Bridged != 1 {
		t.Fatalf("second cycle = %+v, %v", res, err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		if n, _ := st.CountMessageMappings(ctx, id, domain.MessageKindReview); n != 1 {
			t.Fatalf("%s: %d review mappings", id, n)
		}
	}
}

func TestReviewIsDroppedAfterMaxRetries(t *testing.T) {
	const app = "com.example.drop"
	svc, _ := newMappings(t)
	mapRoom(t, svc, app, "!drop:hs", nil)

	src := &fakeSource{reviews: []domain.ReviewRecord{mkReview(app, "bad", time.Hour, 3)}}
	chat := &fakeChat{failTimes: map[string]int{"bad": 1000}}
	s := newScheduler(src, chat, svc)
	if err := s.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()
	ctx := context.Background()

	var res CycleResult
	for i := 1; i <= maxReviewRetries; i++ {
		res, _ = s.PollNow(ctx, app)
		if res.Failed != 1 {
			t.Fatalf("cycle %d = %+v", i, res)
		}
	}
	if res.Dropped != 1 {
		t.Fatalf("last cycle = %+v; want one dropped review", res)
	}
	st, _ := s.Status(app)
	if st.ReviewsDropped != 1 || len(st.DroppedReviews) != 1 || st.DroppedReviews[0] != "bad" {
		t.Fatalf("status = %+v", st)
	}
	if got := testutil.ToFloat64(reviewsDropped.WithLabelValues(app)); got != 1 {
		t.Fatalf("reviews_dropped_total = %v", got)
	}
	if f, _ := svc.RetryFloor(ctx, app); f != nil {
		t.Fatalf("dropped review still holds the floor: %v", f)
	}

	res, err := s.PollNow(ctx, app)
	if err != nil || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("cycle after drop = %+v, %v", res, err)
	}
	if d, _ := chat.count(); d != 0 {
		t.Fatalf("deliveries = %d", d)
	}
}

func TestFetchErrorIsIsolatedPerApp(t *testing.T) {
	svc, _ := newMappings(t)
	mapRoom(t, svc, "app.bad", "!bad:hs", nil)
	mapRoom(t, svc, "app.good", "!good:hs", nil)

	bad := &fakeSource{err: errors.New("quota exceeded")}
	good := &fakeSource{reviews: []domain.ReviewRecord{mkReview("app.good", "g1", time.Hour, 5)}}
	chat := &fakeChat{}

	sBad := newScheduler(bad, chat, svc)
	sGood := newScheduler(good, chat, svc)
	for _, s := range []*Scheduler{sBad, sGood} {
		defer s.StopAll()
	}
	if err := sBad.Start(appCfg("app.bad")); err != nil {
		t.Fatalf("Start bad: %v", err)
	}
	if err := sGood.Start(appCfg("app.good")); err != nil {
		t.Fatalf("Start good: %v", err)
	}

	ctx := context.Background()
	if _, err := sBad.PollNow(ctx, "app.bad"); err == nil {
		t.Fatalf("expected fetch error")
	}
	if !sBad.Running("app.bad") {
		t.Fatalf("a failed fetch must not stop the app poller")
	}
	st, _ := sBad.Status("app.bad")
	if st.LastErrorAt == nil || st.Cycles != 1 {
		t.Fatalf("status = %+v", st)
	}
	if res, err := sGood.PollNow(ctx, "app.good"); err != nil || res.Bridged != 1 {
		t.Fatalf("good app = %+v, %v", res, err)
	}
	if got := testutil.ToFloat64(pollCycles.WithLabelValues("app.bad", "fetch_error")); got != 1 {
		t.Fatalf("fetch_error cycles = %v", got)
	}
}

func TestMinStarRatingFiltersDelivery(t *testing.T) {
	const app = "com.example.filter"
	svc, st := newMappings(t)
	mapRoom(t, svc, app, "!filter:hs", domain.JSONDoc(`{"min_star_rating":4}`))

	src := &fakeSource{reviews: []domain.ReviewRecord{
		mkReview(app, "low", 2*time.Hour, 2),
		mkReview(app, "high", time.Hour, 5),
	}}
	chat := &fakeChat{}
	s := newScheduler(src, chat, svc)
	if err := s.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()

	res, err := s.PollNow(context.Background(), app)
	if err != nil || res.Bridged != 1 || res.Filtered != 1 {
		t.Fatalf("cycle = %+v, %v", res, err)
	}
	if _, err := st.GetReview(context.Background(), "low"); err != nil {
		t.Fatalf("filtered review should still be stored: %v", err)
	}
	if d, _ := chat.count(); d != 1 {
		t.Fatalf("deliveries = %d", d)
	}
}

func TestNoRoomMapped(t *testing.T) {
	svc, _ := newMappings(t)
	s := newScheduler(&fakeSource{}, &fakeChat{}, svc)
	if err := s.Start(appCfg("app.noroom")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()
	if _, err := s.PollNow(context.Background(), "app.noroom"); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("expected ErrNoRoom, got %v", err)
	}

	// An explicit room that was never mapped is reported the same way.
	cfg := appCfg("app.explicit")
	cfg.RoomID = "!missing:hs"
	if err := s.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.PollNow(context.Background(), "app.explicit"); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("expected ErrNoRoom, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	svc, _ := newMappings(t)
	s := newScheduler(&fakeSource{}, &fakeChat{}, svc)

	if err := s.Start(AppConfig{AppID: "x"}); !errors.Is(err, ErrInvalidApp) {
		t.Fatalf("expected ErrInvalidApp, got %v", err)
	}
	if err := s.Start(appCfg("a")); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := s.Start(appCfg("a")); !errors.Is(err, ErrAppRunning) {
		t.Fatalf("expected ErrAppRunning, got %v", err)
	}
	if err := s.Start(appCfg("b")); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	sts := s.Statuses()
	if len(sts) != 2 || sts[0].AppID != "a" || sts[1].AppID != "b" || !sts[0].Running {
		t.Fatalf("statuses = %+v", sts)
	}
	if sts[0].NextPollAt == nil || !sts[0].NextPollAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("next poll = %v", sts[0].NextPollAt)
	}

	if err := s.Stop("a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop("a"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
	if _, err := s.Status("a"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
	if _, err := s.PollNow(context.Background(), "a"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}

	s.StopAll()
	if len(s.Statuses()) != 0 || s.Running("b") {
		t.Fatalf("StopAll left pollers behind")
	}
	// Restart after stop is allowed.
	if err := s.Start(appCfg("a")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.StopAll()
}

func TestTimerDrivenCyclesDoNotOverlap(t *testing.T) {
	const app = "com.example.timer"
	svc, _ := newMappings(t)
	mapRoom(t, svc, app, "!timer:hs", nil)

	src := &fakeSource{delay: 15 * time.Millisecond}
	s := NewScheduler(src, &fakeChat{}, svc, zerolog.Nop(), Options{})
	cfg := appCfg(app)
	cfg.PollInterval = 5 * time.Millisecond
	if err := s.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, _ := s.Status(app)
		if st.Cycles >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer did not drive 3 cycles: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.StopAll()
	if got := atomic.LoadInt32(&src.maxSeen); got != 1 {
		t.Fatalf("overlapping cycles: max concurrent fetches = %d", got)
	}
}

func TestPollNowHonoursContext(t *testing.T) {
	const app = "com.example.ctx"
	svc, _ := newMappings(t)
	mapRoom(t, svc, app, "!ctx:hs", nil)
	src := &fakeSource{delay: 200 * time.Millisecond}
	s := newScheduler(src, &fakeChat{}, svc)
	if err := s.Start(appCfg(app)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.PollNow(ctx, app); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
