package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/play-review-bridge/internal/bridge"
	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/poller"
	"github.com/tbourn/play-review-bridge/internal/services"
	"github.com/tbourn/play-review-bridge/internal/utils"
)

// Bridge is the orchestrator surface the ops API drives. *bridge.Bridge
// implements it.
type Bridge interface {
	GetAllProcessingStats(ctx context.Context) (bridge.Stats, error)
	ListApps() []poller.Status
	StartPollingReviews(ctx context.Context, app poller.AppConfig) error
	StopPollingReviews(appID string) error
	PollNow(ctx context.Context, appID string) (poller.CycleResult, error)
	ListRooms(ctx context.Context, appID string) ([]domain.RoomMapping, error)
	CreateRoomMapping(ctx context.Context, m domain.RoomMapping) (*domain.RoomMapping, error)
	CreateAppRoomMapping(ctx context.Context, appID, roomID, appName string, kind domain.RoomKind, opts services.AppMappingOptions) (*domain.RoomMapping, error)
	ListReviews(ctx context.Context, appID string, page, pageSize int) ([]domain.ReviewRecord, int64, error)
	OnIncomingReply(ctx context.Context, in bridge.IncomingReply) (*domain.ReplyJob, error)
	QueueReply(ctx context.Context, req dispatch.ReplyRequest) (*domain.ReplyJob, error)
}

// Handlers groups the ops API endpoints.
type Handlers struct {
	b Bridge
}

// New binds the handlers to a bridge.
func New(b Bridge) *Handlers { return &Handlers{b: b} }

//
// DTOs
//

// StartAppRequest overrides polling settings when starting an app. Zero
// fields keep the persisted or configured value.
type StartAppRequest struct {
	DisplayName       string `json:"display_name" example:"Example App"`
	RoomID            string `json:"room_id" example:"!reviews:example.org"`
	PollInterval      string `json:"poll_interval" example:"5m"`
	MaxReviewsPerPoll int    `json:"max_reviews_per_poll" binding:"gte=0,lte=1000" example:"100"`
	LookbackDays      int    `json:"lookback_days" binding:"gte=0" example:"7"`
}

// AppRoomRequest maps a room to the app in the path.
type AppRoomRequest struct {
	RoomID  string            `json:"room_id" binding:"required" example:"!reviews:example.org"`
	AppName string            `json:"app_name" example:"Example App"`
	Kind    domain.RoomKind   `json:"kind" example:"reviews"`
	Promote bool              `json:"promote"`
	Config  domain.RoomConfig `json:"config"`
}

// AppsResponse lists polled apps.
type AppsResponse struct {
	Apps []poller.Status `json:"apps"`
}

// RoomsResponse lists the rooms of an app.
type RoomsResponse struct {
	Rooms []domain.RoomMapping `json:"rooms"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ReviewsResponse wraps a page of stored reviews.
type ReviewsResponse struct {
	Reviews    []domain.ReviewRecord `json:"reviews"`
	Pagination Pagination            `json:"pagination"`
}

//
// Handlers
//

// Stats godoc
// @ID       getStats
// @Summary  Processing statistics
// @Tags     Ops
// @Produce  json
// @Success  200 {object} bridge.Stats
// @Failure  500 {object} handlers.ErrorResponse
// @Router   /stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.b.GetAllProcessingStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// ListApps godoc
// @ID       listApps
// @Summary  Polled apps and their poller status
// @Tags     Apps
// @Produce  json
// @Success  200 {object} handlers.AppsResponse
// @Router   /apps [get]
func (h *Handlers) ListApps(c *gin.Context) {
	ok(c, http.StatusOK, AppsResponse{Apps: h.b.ListApps()})
}

// StartApp godoc
// @ID       startApp
// @Summary  Start polling an app
// @Tags     Apps
// @Accept   json
// @Produce  json
// @Param    id   path string true "Package name"
// @Param    body body handlers.StartAppRequest false "Overrides"
// @Success  202 {string} string "Accepted"
// @Failure  400 {object} handlers.ErrorResponse
// @Failure  409 {object} handlers.ErrorResponse "Already polled"
// @Router   /apps/{id}/start [post]
func (h *Handlers) StartApp(c *gin.Context) {
	var req StartAppRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	app := poller.AppConfig{
		AppID:             c.Param("id"),
		DisplayName:       strings.TrimSpace(req.DisplayName),
		RoomID:            strings.TrimSpace(req.RoomID),
		MaxReviewsPerPoll: req.MaxReviewsPerPoll,
		LookbackDays:      req.LookbackDays,
	}
	if req.PollInterval != "" {
		d, err := time.ParseDuration(req.PollInterval)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "poll_interval must be a positive duration such as 5m")
			return
		}
		app.PollInterval = d
	}
	if err := h.b.StartPollingReviews(c.Request.Context(), app); err != nil {
		failFor(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// StopApp godoc
// @ID       stopApp
// @Summary  Stop polling an app
// @Tags     Apps
// @Param    id path string true "Package name"
// @Success  204 {string} string "No Content"
// @Failure  404 {object} handlers.ErrorResponse
// @Router   /apps/{id}/stop [post]
func (h *Handlers) StopApp(c *gin.Context) {
	if err := h.b.StopPollingReviews(c.Param("id")); err != nil {
		failFor(c, err)
		return
	}
	noContent(c)
}

// PollApp godoc
// @ID       pollApp
// @Summary  Run a poll cycle now
// @Tags     Apps
// @Produce  json
// @Param    id path string true "Package name"
// @Success  200 {object} poller.CycleResult
// @Failure  404 {object} handlers.ErrorResponse
// @Failure  409 {object} handlers.ErrorResponse "No reviews room"
// @Failure  502 {object} handlers.ErrorResponse "Review source failure"
// @Router   /apps/{id}/poll [post]
func (h *Handlers) PollApp(c *gin.Context) {
	res, err := h.b.PollNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if status, code := classify(err); status != http.StatusInternalServerError {
			fail(c, status, code, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, ErrCodePollFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// ListRooms godoc
// @ID       listRooms
// @Summary  Rooms mapped to an app
// @Tags     Rooms
// @Produce  json
// @Param    id path string true "Package name"
// @Success  200 {object} handlers.RoomsResponse
// @Router   /apps/{id}/rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.b.ListRooms(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if rooms == nil {
		rooms = []domain.RoomMapping{}
	}
	ok(c, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// CreateAppRoom godoc
// @ID       createAppRoom
// @Summary  Map a room to an app
// @Tags     Rooms
// @Accept   json
// @Produce  json
// @Param    id   path string true "Package name"
// @Param    body body handlers.AppRoomRequest true "Room"
// @Success  201 {object} domain.RoomMapping
// @Failure  400 {object} handlers.ErrorResponse
// @Failure  409 {object} handlers.ErrorResponse
// @Router   /apps/{id}/rooms [post]
func (h *Handlers) CreateAppRoom(c *gin.Context) {
	var req AppRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "room_id required")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.RoomKindReviews
	}
	cfg, err := domain.NewJSONDoc(req.Config)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid config")
		return
	}
	m, err := h.b.CreateAppRoomMapping(c.Request.Context(), c.Param("id"), req.RoomID, req.AppName, req.Kind,
		services.AppMappingOptions{Promote: req.Promote, Config: cfg})
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, http.StatusCreated, m)
}

// CreateRoom godoc
// @ID       createRoom
// @Summary  Insert a room mapping
// @Tags     Rooms
// @Accept   json
// @Produce  json
// @Param    body body domain.RoomMapping true "Room mapping"
// @Success  201 {object} domain.RoomMapping
// @Failure  400 {object} handlers.ErrorResponse
// @Failure  409 {object} handlers.ErrorResponse
// @Router   /rooms [post]
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req domain.RoomMapping
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	m, err := h.b.CreateRoomMapping(c.Request.Context(), req)
	if err != nil {
		failFor(c, err)
		return
	}
	ok(c, http.StatusCreated, m)
}

// ListReviews godoc
// @ID       listReviews
// @Summary  Stored reviews of an app (paginated)
// @Description Supports a weak ETag via If-None-Match and may return 304.
// @Tags     Reviews
// @Produce  json
// @Param    id            path   string true  "Package name"
// @Param    page          query  int    false "Page number" minimum(1) default(1)
// @Param    page_size     query  int    false "Items per page" minimum(1) maximum(100) default(20)
// @Param    If-None-Match header string false "Return 304 if ETag matches"
// @Success  200 {object} handlers.ReviewsResponse
// @Success  304 {string} string "Not Modified"
// @Router   /apps/{id}/reviews [get]
func (h *Handlers) ListReviews(c *gin.Context) {
	appID := c.Param("id")
	page, size := utils.ParsePage(c.Query("page"), c.Query("page_size"))

	items, total, err := h.b.ListReviews(c.Request.Context(), appID, page, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	var newest int64
	for _, r := range items {
		if ts := r.LastModifiedAt.Unix(); ts > newest {
			newest = ts
		}
	}
	etag := fmt.Sprintf(`W/"reviews:%s:%d:%d:%d:%d"`, appID, page, size, total, newest)
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	pages := utils.TotalPages(total, size)
	ok(c, http.StatusOK, ReviewsResponse{
		Reviews: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: pages,
			HasNext:    page < pages,
		},
	})
}

// classify maps bridge errors onto HTTP statuses and error codes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, poller.ErrUnknownApp),
		errors.Is(err, services.ErrRoomNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, poller.ErrNoRoom):
		return http.StatusConflict, ErrCodeNoRoom
	case errors.Is(err, poller.ErrAppRunning),
		errors.Is(err, services.ErrRoomAlreadyMapped),
		errors.Is(err, services.ErrPrimaryRoomExists),
		errors.Is(err, services.ErrEventConflict),
		errors.Is(err, dispatch.ErrDuplicateReply),
		errors.Is(err, dispatch.ErrReplyInFlight):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, poller.ErrInvalidApp),
		errors.Is(err, services.ErrInvalidMapping),
		errors.Is(err, dispatch.ErrInvalidReply),
		errors.Is(err, bridge.ErrInvalidReply):
		return http.StatusBadRequest, ErrCodeBadRequest
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

func failFor(c *gin.Context, err error) {
	status, code := classify(err)
	fail(c, status, code, err.Error())
}
