package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/bridge"
	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/http/middleware"
	"github.com/tbourn/play-review-bridge/internal/poller"
	"github.com/tbourn/play-review-bridge/internal/services"
)

// stubBridge records calls and returns canned results.
type stubBridge struct {
	started   []poller.AppConfig
	startErr  error
	stopErr   error
	pollErr   error
	rooms     []domain.RoomMapping
	roomOpts  services.AppMappingOptions
	roomErr   error
	reviews   []domain.ReviewRecord
	total     int64
	incoming  []bridge.IncomingReply
	replyErr  error
	queued    []dispatch.ReplyRequest
	queueErr  error
	statsErr  error
	processed map[string]bool
}

func (s *stubBridge) GetAllProcessingStats(context.Context) (bridge.Stats, error) {
	return bridge.Stats{Replies: map[string]dispatch.AppStats{"com.a": {Queued: 2}}}, s.statsErr
}

func (s *stubBridge) ListApps() []poller.Status {
	return []poller.Status{{AppID: "com.a", State: poller.StateIdle, Running: true}}
}

func (s *stubBridge) StartPollingReviews(_ context.Context, app poller.AppConfig) error {
	s.started = append(s.started, app)
	return s.startErr
}

func (s *stubBridge) StopPollingReviews(string) error { return s.stopErr }

func (s *stubBridge) PollNow(context.Context, string) (poller.CycleResult, error) {
	return poller.CycleResult{Fetched: 3, Bridged: 2}, s.pollErr
}

func (s *stubBridge) ListRooms(context.Context, string) ([]domain.RoomMapping, error) {
	return s.rooms, nil
}

func (s *stubBridge) CreateRoomMapping(_ context.Context, m domain.RoomMapping) (*domain.RoomMapping, error) {
	if s.roomErr != nil {
		return nil, s.roomErr
	}
	return &m, nil
}

func (s *stubBridge) CreateAppRoomMapping(_ context.Context, appID, roomID, appName string, kind domain.RoomKind, opts services.AppMappingOptions) (*domain.RoomMapping, error) {
	s.roomOpts = opts
	if s.roomErr != nil {
		return nil, s.roomErr
	}
	return &domain.RoomMapping{AppID: appID, ChatRoomID: roomID, AppDisplayName: appName, RoomKind: kind, Config: opts.Config}, nil
}

func (s *stubBridge) ListReviews(_ context.Context, _ string, page, size int) ([]domain.ReviewRecord, int64, error) {
	return s.reviews, s.total, nil
}

func (s *stubBridge) OnIncomingReply(_ context.Context, in bridge.IncomingReply) (*domain.ReplyJob, error) {
	s.incoming = append(s.incoming, in)
	if s.replyErr != nil {
		return nil, s.replyErr
	}
	return &domain.ReplyJob{ID: "job-1", ReviewID: "r1", State: domain.ReplyQueued}, nil
}

func (s *stubBridge) QueueReply(_ context.Context, req dispatch.ReplyRequest) (*domain.ReplyJob, error) {
	s.queued = append(s.queued, req)
	if s.queueErr != nil {
		return nil, s.queueErr
	}
	return &domain.ReplyJob{ID: "job-2", ReviewID: req.ReviewID, State: domain.ReplyQueued}, nil
}

func newRouter(s *stubBridge) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.AccessLog(zerolog.Nop(), middleware.RedactOptions{}))
	h := New(s)
	api := r.Group("/api/v1")
	api.GET("/stats", h.Stats)
	api.GET("/apps", h.ListApps)
	api.POST("/apps/:id/start", h.StartApp)
	api.POST("/apps/:id/stop", h.StopApp)
	api.POST("/apps/:id/poll", h.PollApp)
	api.GET("/apps/:id/rooms", h.ListRooms)
	api.POST("/apps/:id/rooms", h.CreateAppRoom)
	api.POST("/rooms", h.CreateRoom)
	api.GET("/apps/:id/reviews", h.ListReviews)
	api.POST("/replies", h.QueueReply)
	lookup := func(_ context.Context, key string) (bool, error) { return s.processed[key], nil }
	api.POST("/chat/replies", middleware.BearerToken("hook"), middleware.EventDedupe(middleware.DedupeOptions{}, lookup), h.ChatReply)
	return r
}

func do(r *gin.Engine, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	if er.RequestID == "" {
		t.Fatalf("error without request id: %s", w.Body.String())
	}
	return er.Code
}

func TestStatsAndApps(t *testing.T) {
	s := &stubBridge{}
	r := newRouter(s)

	w := do(r, http.MethodGet, "/api/v1/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"com.a"`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/api/v1/apps", "")
	var apps AppsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &apps); err != nil || len(apps.Apps) != 1 {
		t.Fatalf("apps: %s (%v)", w.Body.String(), err)
	}

	s.statsErr = errors.New("db gone")
	if w := do(r, http.MethodGet, "/api/v1/stats", ""); w.Code != http.StatusInternalServerError || errCode(t, w) != ErrCodeStatsFailed {
		t.Fatalf("stats error: %d %s", w.Code, w.Body.String())
	}
}

func TestStartStopPoll(t *testing.T) {
	s := &stubBridge{}
	r := newRouter(s)

	w := do(r, http.MethodPost, "/api/v1/apps/com.a/start", `{"room_id":" !r:hs ","poll_interval":"2m","max_reviews_per_poll":10}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	want := poller.AppConfig{AppID: "com.a", RoomID: "!r:hs", PollInterval: 2 * time.Minute, MaxReviewsPerPoll: 10}
	if diff := cmp.Diff(want, s.started[0]); diff != "" {
		t.Fatalf("started app (-want +got):\n%s", diff)
	}
	if w := do(r, http.MethodPost, "/api/v1/apps/com.b/start", ""); w.Code != http.StatusAccepted || s.started[1].AppID != "com.b" {
		t.Fatalf("start without body: %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/apps/com.a/start", `{"poll_interval":"soon"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad interval: %d", w.Code)
	}

	s.startErr = poller.ErrAppRunning
	if w := do(r, http.MethodPost, "/api/v1/apps/com.a/start", ""); w.Code != http.StatusConflict || errCode(t, w) != ErrCodeConflict {
		t.Fatalf("running: %d", w.Code)
	}

	if w := do(r, http.MethodPost, "/api/v1/apps/com.a/stop", ""); w.Code != http.StatusNoContent {
		t.Fatalf("stop: %d", w.Code)
	}
	s.stopErr = poller.ErrUnknownApp
	if w := do(r, http.MethodPost, "/api/v1/apps/com.x/stop", ""); w.Code != http.StatusNotFound {
		t.Fatalf("stop unknown: %d", w.Code)
	}

	w = do(r, http.MethodPost, "/api/v1/apps/com.a/poll", "")
	var res poller.CycleResult
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &res) != nil || res.Bridged != 2 {
		t.Fatalf("poll: %d %s", w.Code, w.Body.String())
	}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{poller.ErrUnknownApp, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("x: %w", poller.ErrNoRoom), http.StatusConflict, ErrCodeNoRoom},
		{domain.Transient(errors.New("api 503")), http.StatusBadGateway, ErrCodePollFailed},
	}
	for _, tc := range cases {
		s.pollErr = tc.err
		w := do(r, http.MethodPost, "/api/v1/apps/com.a/poll", "")
		if w.Code != tc.status || errCode(t, w) != tc.code {
			t.Fatalf("poll error %v: %d %s", tc.err, w.Code, w.Body.String())
		}
	}
}

func TestRooms(t *testing.T) {
	s := &stubBridge{}
	r := newRouter(s)

	if w := do(r, http.MethodGet, "/api/v1/apps/com.a/rooms", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"rooms":[]`) {
		t.Fatalf("empty rooms: %d %s", w.Code, w.Body.String())
	}

	w := do(r, http.MethodPost, "/api/v1/apps/com.a/rooms", `{"room_id":"!r:hs","promote":true,"config":{"min_star_rating":3,"format":"plain"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create app room: %d %s", w.Code, w.Body.String())
	}
	var cfg domain.RoomConfig
	if err := s.roomOpts.Config.Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if !s.roomOpts.Promote || cfg.MinStarRating != 3 || cfg.Format != "plain" {
		t.Fatalf("opts = %+v cfg = %+v", s.roomOpts, cfg)
	}
	var m domain.RoomMapping
	_ = json.Unmarshal(w.Body.Bytes(), &m)
	if m.RoomKind != domain.RoomKindReviews {
		t.Fatalf("default kind = %q", m.RoomKind)
	}

	if w := do(r, http.MethodPost, "/api/v1/apps/com.a/rooms", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing room id: %d", w.Code)
	}

	s.roomErr = services.ErrRoomAlreadyMapped
	if w := do(r, http.MethodPost, "/api/v1/rooms", `{"app_id":"com.a","chat_room_id":"!r:hs","room_kind":"reviews"}`); w.Code != http.StatusConflict {
		t.Fatalf("duplicate room: %d", w.Code)
	}
	s.roomErr = services.ErrInvalidMapping
	if w := do(r, http.MethodPost, "/api/v1/rooms", `{"app_id":"com.a"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid room: %d", w.Code)
	}
}

func TestListReviews_PaginationAndETag(t *testing.T) {
	mod := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := &stubBridge{
		reviews: []domain.ReviewRecord{{ReviewID: "r1", AppID: "com.a", LastModifiedAt: mod}},
		total:   41,
	}
	r := newRouter(s)

	w := do(r, http.MethodGet, "/api/v1/apps/com.a/reviews?page=2&page_size=20", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var resp ReviewsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Pagination{Page: 2, PageSize: 20, Total: 41, TotalPages: 3, HasNext: true}
	if diff := cmp.Diff(want, resp.Pagination); diff != "" {
		t.Fatalf("pagination (-want +got):\n%s", diff)
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"reviews:com.a:2:20:41:`) {
		t.Fatalf("etag = %q", etag)
	}
	if w := do(r, http.MethodGet, "/api/v1/apps/com.a/reviews?page=2&page_size=20", "", "If-None-Match", etag); w.Code != http.StatusNotModified {
		t.Fatalf("conditional: %d", w.Code)
	}
}

func TestChatReplyWebhook(t *testing.T) {
	s := &stubBridge{processed: map[string]bool{"$old:hs": true}}
	r := newRouter(s)
	body := `{"event_id":"$e1:hs","in_reply_to":"$review:hs","room_id":"!r:hs","sender_id":"@dev:hs","text":"thanks"}`
	auth := []string{"Authorization", "Bearer hook"}

	if w := do(r, http.MethodPost, "/api/v1/chat/replies", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/v1/chat/replies", body, auth...)
	var resp WebhookResponse
	if w.Code != http.StatusAccepted || json.Unmarshal(w.Body.Bytes(), &resp) != nil || resp.Status != "queued" || resp.Job.ID != "job-1" {
		t.Fatalf("queued: %d %s", w.Code, w.Body.String())
	}
	if s.incoming[0].InReplyTo != "$review:hs" {
		t.Fatalf("incoming = %+v", s.incoming[0])
	}

	// Event id taken from the idempotency key when the body omits it.
	w = do(r, http.MethodPost, "/api/v1/chat/replies", `{"in_reply_to":"$review:hs","room_id":"!r:hs","text":"hi"}`,
		"Authorization", "Bearer hook", middleware.HeaderIdempotencyKey, "$e2:hs")
	if w.Code != http.StatusAccepted || s.incoming[1].EventID != "$e2:hs" {
		t.Fatalf("key fallback: %d %+v", w.Code, s.incoming)
	}

	// Replays are acknowledged without reaching the bridge.
	n := len(s.incoming)
	w = do(r, http.MethodPost, "/api/v1/chat/replies", body, "Authorization", "Bearer hook", middleware.HeaderIdempotencyKey, "$old:hs")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") || len(s.incoming) != n {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}

	outcomes := []struct {
		err    error
		status int
		text   string
	}{
		{bridge.ErrEventProcessed, http.StatusOK, `"duplicate"`},
		{bridge.ErrBridgeOriginated, http.StatusOK, `"ignored"`},
		{fmt.Errorf("%w: $x", bridge.ErrUnknownEvent), http.StatusOK, `"ignored"`},
		{dispatch.ErrDuplicateReply, http.StatusConflict, ErrCodeConflict},
		{bridge.ErrInvalidReply, http.StatusBadRequest, ErrCodeBadRequest},
		{errors.New("db down"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, o := range outcomes {
		s.replyErr = o.err
		w := do(r, http.MethodPost, "/api/v1/chat/replies", body, auth...)
		if w.Code != o.status || !strings.Contains(w.Body.String(), o.text) {
			t.Fatalf("%v: %d %s", o.err, w.Code, w.Body.String())
		}
	}

	if w := do(r, http.MethodPost, "/api/v1/chat/replies", "{", auth...); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", w.Code)
	}
}

func TestQueueReply(t *testing.T) {
	s := &stubBridge{}
	r := newRouter(s)
	body := `{"app_id":"com.a","review_id":"r9","text":"hi","chat_event_id":"$e:hs","chat_room_id":"!r:hs"}`

	if w := do(r, http.MethodPost, "/api/v1/replies", body); w.Code != http.StatusAccepted || s.queued[0].ReviewID != "r9" {
		t.Fatalf("queue: %d %s", w.Code, w.Body.String())
	}
	s.queueErr = dispatch.ErrReplyInFlight
	if w := do(r, http.MethodPost, "/api/v1/replies", body); w.Code != http.StatusConflict {
		t.Fatalf("in flight: %d", w.Code)
	}
	s.queueErr = errors.New("disk full")
	if w := do(r, http.MethodPost, "/api/v1/replies", body); w.Code != http.StatusInternalServerError || errCode(t, w) != ErrCodeQueueFailed {
		t.Fatalf("queue failure: %d %s", w.Code, w.Body.String())
	}
}

func TestFail_LogsServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.AccessLog(zerolog.New(&buf), middleware.RedactOptions{}))
	r.GET("/boom", func(c *gin.Context) { Fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom") })
	r.GET("/nope", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope") })

	do(r, http.MethodGet, "/boom", "")
	if !strings.Contains(buf.String(), `"message":"kaboom"`) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}
	buf.Reset()
	do(r, http.MethodGet, "/nope", "")
	if strings.Contains(buf.String(), "api error") {
		t.Fatalf("4xx logged as api error: %s", buf.String())
	}
}
