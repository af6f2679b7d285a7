package handlers

// Error codes carried by ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Bridge specific.
	ErrCodeNoRoom      = "no_room"
	ErrCodePollFailed  = "poll_failed"
	ErrCodeQueueFailed = "queue_failed"
	ErrCodeStatsFailed = "stats_failed"
	ErrCodeListFailed  = "list_failed"
)
