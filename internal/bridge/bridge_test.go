package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/poller"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/repo/sqlite"
	"github.com/tbourn/play-review-bridge/internal/services"
)

const appID = "com.example.app"

type fakeSource struct {
	mu      sync.Mutex
	reviews []domain.ReviewRecord
	replies map[string]string
}

func (f *fakeSource) FetchReviews(_ context.Context, app string, since time.Time, max int) ([]domain.ReviewRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReviewRecord
	for _, r := range f.reviews {
		if r.AppID == app && !r.LastModifiedAt.Before(since) && len(out) < max {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) SendReply(_ context.Context, _, reviewID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[string]string{}
	}
	f.replies[reviewID] = text
	return nil
}

func (f *fakeSource) reply(reviewID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.replies[reviewID]
	return s, ok
}

type fakeChat struct {
	mu      sync.Mutex
	events  map[string]string // review id -> event id
	notices []string
}

func (c *fakeChat) DeliverReview(_ context.Context, r *domain.ReviewRecord, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = map[string]string{}
	}
	id := "$review_" + r.ReviewID
	c.events[r.ReviewID] = id
	return id, nil
}

func (c *fakeChat) CreatePuppetUser(_ context.Context, reviewID, _ string) (string, error) {
	return "@googleplay_" + reviewID + ":hs", nil
}

func (c *fakeChat) SendNotice(_ context.Context, _, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
	return fmt.Sprintf("$notice_%d", len(c.notices)), nil
}

func (c *fakeChat) event(reviewID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.events[reviewID]
	return id, ok
}

func newStore(t *testing.T) repo.Store {
	t.Helper()
	st := sqlite.New(sqlite.Options{Path: filepath.Join(t.TempDir(), "bridge.db")})
	ctx := context.Background()
	if err := st.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := repo.ApplyPending(ctx, st, repo.Migrations()); err != nil {
		t.Fatalf("ApplyPending: %v", err)
	}
	return st
}

func testOptions(apps ...poller.AppConfig) Options {
	return Options{
		Apps:         apps,
		Defaults:     poller.AppConfig{PollInterval: time.Hour, MaxReviewsPerPoll: 50, LookbackDays: 7},
		Dispatch:     dispatch.Options{PollInterval: 10 * time.Millisecond},
		PuppetPrefix: "googleplay_",
	}
}

func review(id string) domain.ReviewRecord {
	now := time.Now().UTC()
	return domain.ReviewRecord{
		ReviewID:       id,
		AppID:          appID,
		AuthorName:     "Author " + id,
		StarRating:     4,
		CreatedAt:      now.Add(-time.Hour),
		LastModifiedAt: now.Add(-time.Hour),
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_ReviewToChatAndReplyBack(t *testing.T) {
	st := newStore(t)
	src := &fakeSource{reviews: []domain.ReviewRecord{review("r1")}}
	chat := &fakeChat{}
	b := New(st, src, chat, zerolog.Nop(), testOptions(poller.AppConfig{AppID: appID, RoomID: "!reviews:hs"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	var reviewEvent string
	eventually(t, "review delivery", func() bool {
		id, ok := chat.event("r1")
		reviewEvent = id
		return ok
	})
	eventually(t, "review mapping", func() bool {
		ok, err := b.Mappings().IsReviewBridged(context.Background(), "r1")
		return err == nil && ok
	})

	job, err := b.OnIncomingReply(context.Background(), IncomingReply{
		EventID:   "$reply1",
		InReplyTo: reviewEvent,
		RoomID:    "!reviews:hs",
		SenderID:  "@dev:hs",
		Text:      "> <@googleplay_r1:hs> Great app\n\nThanks for the feedback!",
	})
	if err != nil {
		t.Fatalf("OnIncomingReply: %v", err)
	}
	if job.Text != "Thanks for the feedback!" || job.AppID != appID {
		t.Fatalf("job = %+v", job)
	}

	eventually(t, "reply delivery", func() bool {
		text, ok := src.reply("r1")
		return ok && text == "Thanks for the feedback!"
	})
	eventually(t, "reply mapping", func() bool {
		ok, err := b.Mappings().HasReplyMapping(context.Background(), "r1")
		return err == nil && ok
	})

	stats, err := b.GetAllProcessingStats(context.Background())
	if err != nil {
		t.Fatalf("GetAllProcessingStats: %v", err)
	}
	if len(stats.Pollers) != 1 || stats.Pollers[0].AppID != appID {
		t.Fatalf("pollers = %+v", stats.Pollers)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if b.Scheduler().Running(appID) {
		t.Fatalf("poller still running after shutdown")
	}
}

func TestOnIncomingReply_Rejections(t *testing.T) {
	st := newStore(t)
	b := New(st, &fakeSource{}, &fakeChat{}, zerolog.Nop(), testOptions())
	ctx := context.Background()

	if _, err := b.CreateAppRoomMapping(ctx, appID, "!reviews:hs", "Example", domain.RoomKindReviews, services.AppMappingOptions{}); err != nil {
		t.Fatalf("CreateAppRoomMapping: %v", err)
	}
	r := review("r1")
	if _, err := b.Mappings().RecordBridgedReview(ctx, &r, "$review_r1", "!reviews:hs", "@googleplay_r1:hs"); err != nil {
		t.Fatalf("RecordBridgedReview: %v", err)
	}

	base := IncomingReply{EventID: "$reply1", InReplyTo: "$review_r1", RoomID: "!reviews:hs", SenderID: "@dev:hs", Text: "hi"}

	puppet := base
	puppet.SenderID = "@googleplay_r1:hs"
	if _, err := b.OnIncomingReply(ctx, puppet); !errors.Is(err, ErrBridgeOriginated) {
		t.Fatalf("puppet sender: err = %v", err)
	}

	unknown := base
	unknown.InReplyTo = "$nope"
	if _, err := b.OnIncomingReply(ctx, unknown); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("unknown target: err = %v", err)
	}

	empty := base
	empty.Text = "   "
	if _, err := b.OnIncomingReply(ctx, empty); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("empty text: err = %v", err)
	}

	if _, err := b.OnIncomingReply(ctx, base); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if _, err := b.OnIncomingReply(ctx, base); !errors.Is(err, ErrEventProcessed) {
		t.Fatalf("redelivered event: err = %v", err)
	}

	second := base
	second.EventID = "$reply2"
	if _, err := b.OnIncomingReply(ctx, second); !errors.Is(err, dispatch.ErrReplyInFlight) {
		t.Fatalf("second reply while queued: err = %v", err)
	}
}

func TestStartPollingReviews_PersistsOverride(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	opts := testOptions()
	opts.Poller.StartDelay = time.Hour

	b := New(st, &fakeSource{}, &fakeChat{}, zerolog.Nop(), opts)
	app := poller.AppConfig{AppID: appID, DisplayName: "Example", RoomID: "!reviews:hs", PollInterval: 2 * time.Minute, MaxReviewsPerPoll: 10}
	if err := b.StartPollingReviews(ctx, app); err != nil {
		t.Fatalf("StartPollingReviews: %v", err)
	}
	if err := b.StartPollingReviews(ctx, app); !errors.Is(err, poller.ErrAppRunning) {
		t.Fatalf("second start: err = %v", err)
	}
	if err := b.StopPollingReviews(appID); err != nil {
		t.Fatalf("StopPollingReviews: %v", err)
	}

	room, err := b.Mappings().PrimaryRoom(ctx, appID, domain.RoomKindReviews)
	if err != nil || room.ChatRoomID != "!reviews:hs" {
		t.Fatalf("PrimaryRoom = %+v, %v", room, err)
	}

	// A restarted bridge with a bare app entry picks up the override.
	b2 := New(st, &fakeSource{}, &fakeChat{}, zerolog.Nop(), opts)
	if err := b2.StartPollingReviews(ctx, poller.AppConfig{AppID: appID}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer b2.Scheduler().StopAll()
	s, err := b2.Scheduler().Status(appID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.PollInterval != (2 * time.Minute).String() {
		t.Fatalf("poll interval = %s", s.PollInterval)
	}
	saved, ok, err := b2.Mappings().LoadAppConfig(ctx, appID)
	if err != nil || !ok {
		t.Fatalf("LoadAppConfig = %v, %v", ok, err)
	}
	if saved.MaxReviewsPerPoll != 10 || saved.LookbackDays != 7 || saved.DisplayName != "Example" {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestSavedOverrideBeatsStaticConfig(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	opts := testOptions()
	opts.Poller.StartDelay = time.Hour

	b := New(st, &fakeSource{}, &fakeChat{}, zerolog.Nop(), opts)
	override := poller.AppConfig{AppID: appID, RoomID: "!reviews:hs", PollInterval: 2 * time.Minute, MaxReviewsPerPoll: 10}
	if err := b.StartPollingReviews(ctx, override); err != nil {
		t.Fatalf("StartPollingReviews: %v", err)
	}
	b.Scheduler().StopAll()

	// The static entry of a restarted bridge yields to the saved override
	// and only fills fields the override leaves empty.
	b2 := New(st, &fakeSource{}, &fakeChat{}, zerolog.Nop(), opts)
	static := poller.AppConfig{AppID: appID, DisplayName: "Static", PollInterval: 10 * time.Minute, MaxReviewsPerPoll: 30}
	if err := b2.startApp(ctx, static, true); err != nil {
		t.Fatalf("startApp: %v", err)
	}
	s, err := b2.Scheduler().Status(appID)
	if err != nil || s.PollInterval != (2*time.Minute).String() {
		t.Fatalf("poll interval = %+v, %v", s.PollInterval, err)
	}
	saved, _, err := b2.Mappings().LoadAppConfig(ctx, appID)
	if err != nil || saved.MaxReviewsPerPoll != 10 || saved.DisplayName != "Static" {
		t.Fatalf("saved = %+v, %v", saved, err)
	}

	// An explicit request still beats the saved override.
	b2.Scheduler().StopAll()
	if err := b2.StartPollingReviews(ctx, poller.AppConfig{AppID: appID, PollInterval: 7 * time.Minute}); err != nil {
		t.Fatalf("StartPollingReviews: %v", err)
	}
	defer b2.Scheduler().StopAll()
	if s, _ := b2.Scheduler().Status(appID); s.PollInterval != (7 * time.Minute).String() {
		t.Fatalf("poll interval after request = %s", s.PollInterval)
	}
}

func TestMergeApp(t *testing.T) {
	app := poller.AppConfig{AppID: "a", PollInterval: time.Minute}
	saved := domain.AppSettings{PollIntervalMs: 120000, LookbackDays: 3, RoomID: "!r"}

	got := mergeApp(app, saved, false)
	if got.PollInterval != time.Minute || got.LookbackDays != 3 || got.RoomID != "!r" || got.AppID != "a" {
		t.Fatalf("request wins = %+v", got)
	}
	got = mergeApp(app, saved, true)
	if got.PollInterval != 2*time.Minute || got.LookbackDays != 3 || got.RoomID != "!r" || got.AppID != "a" {
		t.Fatalf("override wins = %+v", got)
	}
}

func TestStripReplyFallback(t *testing.T) {
	cases := map[string]string{
		"plain text":                         "plain text",
		"> <@a:hs> quoted\n\nanswer":         "answer",
		"> line one\n> line two\n\nanswer\n": "answer",
		"> only quoted":                      "> only quoted",
		"  padded  ":                         "padded",
		"> q\r\n\r\nwindows":                 "windows",
	}
	for in, want := range cases {
		if got := StripReplyFallback(in); got != want {
			t.Fatalf("StripReplyFallback(%q) = %q, want %q", in, got, want)
		}
	}
}

type countingCleaner struct {
	calls     int
	olderThan time.Duration
	err       error
}

func (c *countingCleaner) CleanupInactiveUsers(_ context.Context, olderThan time.Duration) (int64, error) {
	c.calls++
	c.olderThan = olderThan
	return 3, c.err
}

func TestJanitor(t *testing.T) {
	c := &countingCleaner{}
	j := NewJanitor(c, RetentionOptions{Inactivity: 24 * time.Hour}, zerolog.Nop())
	if n := j.Sweep(context.Background()); n != 3 || c.olderThan != 24*time.Hour {
		t.Fatalf("Sweep = %d (olderThan %s)", n, c.olderThan)
	}

	c.err = errors.New("db down")
	if n := j.Sweep(context.Background()); n != 0 {
		t.Fatalf("Sweep on error = %d", n)
	}

	// Disabled janitor blocks until cancelled without sweeping.
	idle := NewJanitor(c, RetentionOptions{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := idle.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v", err)
	}
	if c.calls != 2 {
		t.Fatalf("calls = %d", c.calls)
	}
}
