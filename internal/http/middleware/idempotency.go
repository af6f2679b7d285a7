package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the chat event id of a webhook delivery.
// The gateway retries a delivery with the same key until it sees a 2xx.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// defaultKeyPattern accepts chat event ids such as "$abc:example.org".
var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:$!@/+=]+$`)

// ProcessedLookup reports whether the event identified by key was already
// handled. Lookup errors do not block the request.
type ProcessedLookup func(ctx context.Context, key string) (bool, error)

// DedupeOptions configures EventDedupe.
type DedupeOptions struct {
	MaxLen  int            // default 255
	Pattern *regexp.Regexp // default accepts chat event ids
}

// EventDedupe validates the Idempotency-Key header of webhook deliveries
// and marks the request as a replay when lookup reports the event as
// processed. Replays skip rate limiting; the handler decides how to answer
// them. Requests without the header pass through untouched.
func EventDedupe(opts DedupeOptions, lookup ProcessedLookup) gin.HandlerFunc {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 255
	}
	if opts.Pattern == nil {
		opts.Pattern = defaultKeyPattern
	}
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > opts.MaxLen || !opts.Pattern.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_request",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			done, err := lookup(c.Request.Context(), key)
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
			if done {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the validated key stored by EventDedupe.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s := c.GetString(ctxKeyIdemKey)
	return s, s != ""
}

// IsReplay reports whether EventDedupe found the event already processed.
func IsReplay(c *gin.Context) bool { return c.GetBool(ctxKeyIdemReplay) }

// IsRateBypass reports whether the request is exempt from rate limiting.
func IsRateBypass(c *gin.Context) bool { return c.GetBool(ctxKeyRateBypass) }
