// Package handlers implements the bridge's ops API: processing stats, app
// polling control, room mappings, stored review listings and the inbound
// reply webhook used by the chat gateway.
//
// Every error is answered with ErrorResponse carrying a stable code from
// errors.go, so operators' scripts can branch on it:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "conflict",
//	  "message": "app is already being polled"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/play-review-bridge/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID, to correlate with server logs.
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code.
	Code string `json:"code" example:"not_found"`
	// Human-readable message.
	Message string `json:"message" example:"app is not being polled"`
}

// fail aborts the request with an ErrorResponse. 5xx answers are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }
