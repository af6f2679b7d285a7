package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/play-review-bridge/internal/bridge"
	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/domain"
	"github.com/tbourn/play-review-bridge/internal/http/middleware"
)

// WebhookResponse acknowledges an inbound chat event.
type WebhookResponse struct {
	// Status is "queued", "duplicate" or "ignored".
	Status string           `json:"status" example:"queued"`
	Reason string           `json:"reason,omitempty"`
	Job    *domain.ReplyJob `json:"job,omitempty"`
}

// ChatReply godoc
// @ID          chatReply
// @Summary     Inbound reply webhook
// @Description Called by the chat gateway for replies in bridged rooms. Events
// @Description that are not replies to a bridged review, or that were sent by
// @Description bridge puppets, are acknowledged and ignored so the gateway
// @Description stops retrying them.
// @Tags        Webhook
// @Accept      json
// @Produce     json
// @Param       Authorization   header string false "Bearer webhook token"
// @Param       Idempotency-Key header string false "Chat event id"
// @Param       body            body   bridge.IncomingReply true "Reply event"
// @Success     200 {object} handlers.WebhookResponse "Duplicate or ignored"
// @Success     202 {object} handlers.WebhookResponse "Queued"
// @Failure     400 {object} handlers.ErrorResponse
// @Failure     401 {object} handlers.ErrorResponse
// @Failure     409 {object} handlers.ErrorResponse "Review already answered"
// @Router      /chat/replies [post]
func (h *Handlers) ChatReply(c *gin.Context) {
	if middleware.IsReplay(c) {
		ok(c, http.StatusOK, WebhookResponse{Status: "duplicate"})
		return
	}
	var in bridge.IncomingReply
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if key, found := middleware.GetIdempotencyKey(c); found && in.EventID == "" {
		in.EventID = key
	}

	job, err := h.b.OnIncomingReply(c.Request.Context(), in)
	switch {
	case err == nil:
		ok(c, http.StatusAccepted, WebhookResponse{Status: "queued", Job: job})
	case errors.Is(err, bridge.ErrEventProcessed):
		ok(c, http.StatusOK, WebhookResponse{Status: "duplicate"})
	case errors.Is(err, bridge.ErrBridgeOriginated),
		errors.Is(err, bridge.ErrUnknownEvent):
		middleware.LoggerFrom(c).Debug().Err(err).Msg("webhook event ignored")
		ok(c, http.StatusOK, WebhookResponse{Status: "ignored", Reason: err.Error()})
	default:
		failFor(c, err)
	}
}

// QueueReply godoc
// @ID       queueReply
// @Summary  Queue a reply for a review directly
// @Tags     Replies
// @Accept   json
// @Produce  json
// @Param    body body dispatch.ReplyRequest true "Reply"
// @Success  202 {object} domain.ReplyJob
// @Failure  400 {object} handlers.ErrorResponse
// @Failure  409 {object} handlers.ErrorResponse
// @Router   /replies [post]
func (h *Handlers) QueueReply(c *gin.Context) {
	var req dispatch.ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	job, err := h.b.QueueReply(c.Request.Context(), req)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			code = ErrCodeQueueFailed
		}
		fail(c, status, code, err.Error())
		return
	}
	ok(c, http.StatusAccepted, job)
}
