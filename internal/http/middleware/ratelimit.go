package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the bucket a request is charged to.
type KeyFunc func(*gin.Context) string

// KeyByClientIP charges requests to the client address.
func KeyByClientIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

// KeyByRoute charges requests to the client address per registered route,
// so a burst of webhook deliveries does not starve the stats endpoints.
func KeyByRoute() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() + " " + c.FullPath() }
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket limiter keyed per client.
// Buckets idle for longer than ten minutes are evicted every few thousand
// lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (at least 1).
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByClientIP()
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		ttl:     10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Evict before the lookup so a stale bucket is not refreshed.
	rl.lookups++
	if rl.lookups >= 5000 {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.ttl {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}
	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// Len reports the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Handler enforces the limit. Requests flagged as webhook replays by
// EventDedupe are not charged.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		lim := rl.limiter(rl.keyFn(c), time.Now())
		if lim.Allow() {
			c.Next()
			return
		}
		retry := 1
		if rl.rps > 0 {
			if secs := int(1/float64(rl.rps) + 0.999); secs > retry {
				retry = secs
			}
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
