package reviewsource

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

// Source is the review source contract the bridge depends on.
type Source interface {
	FetchReviews(ctx context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error)
	SendReply(ctx context.Context, appID, reviewID, text string) error
}

var (
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "review_source_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
	breakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_source_requests_total",
			Help: "Review source calls by operation and result (success|failure|rejected).",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(breakerState, breakerRequests)
}

// BreakerOptions tunes the circuit breaker.
type BreakerOptions struct {
	Name        string
	Failures    uint32        // consecutive failures that open the circuit (default 5)
	OpenTimeout time.Duration // open -> half-open delay (default 1m)
}

// Breaker wraps a Source with a circuit breaker. Permanent errors do not
// count as failures; a rejected call is reported as transient.
type Breaker struct {
	next Source
	cb   *gobreaker.CircuitBreaker[[]domain.ReviewRecord]
	name string
}

// NewBreaker wraps next.
func NewBreaker(next Source, opts BreakerOptions, log zerolog.Logger) *Breaker {
	if opts.Name == "" {
		opts.Name = "googleplay"
	}
	if opts.Failures == 0 {
		opts.Failures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Minute
	}
	log = log.With().Str("component", "review-source-breaker").Logger()
	breakerState.WithLabelValues(opts.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]domain.ReviewRecord](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(stateValue(to))
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Breaker{next: next, cb: cb, name: opts.Name}
}

// FetchReviews implements Source.
func (b *Breaker) FetchReviews(ctx context.Context, appID string, since time.Time, max int) ([]domain.ReviewRecord, error) {
	out, err := b.cb.Execute(func() ([]domain.ReviewRecord, error) {
		return b.next.FetchReviews(ctx, appID, since, max)
	})
	return out, b.result("fetch", err)
}

// SendReply implements Source.
func (b *Breaker) SendReply(ctx context.Context, appID, reviewID, text string) error {
	_, err := b.cb.Execute(func() ([]domain.ReviewRecord, error) {
		return nil, b.next.SendReply(ctx, appID, reviewID, text)
	})
	return b.result("reply", err)
}

// State returns the breaker state name.
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) result(op string, err error) error {
	switch {
	case err == nil:
		breakerRequests.WithLabelValues(op, "success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		breakerRequests.WithLabelValues(op, "rejected").Inc()
		return domain.Transient(err)
	default:
		breakerRequests.WithLabelValues(op, "failure").Inc()
		return err
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
