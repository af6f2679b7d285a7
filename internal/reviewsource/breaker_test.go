package reviewsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tbourn/play-review-bridge/internal/domain"
)

type stubSource struct {
	calls int
	err   error
}

func (s *stubSource) FetchReviews(context.Context, string, time.Time, int) ([]domain.ReviewRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []domain.ReviewRecord{{ReviewID: "r1"}}, nil
}

func (s *stubSource) SendReply(context.Context, string, string, string) error {
	s.calls++
	return s.err
}

func TestBreaker_OpensAfterTransientFailures(t *testing.T) {
	stub := &stubSource{err: domain.Transient(errors.New("503"))}
	b := NewBreaker(stub, BreakerOptions{Name: "test-open", Failures: 2, OpenTimeout: time.Hour}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.FetchReviews(ctx, "app", time.Time{}, 10); err == nil {
			t.Fatalf("expected failure")
		}
	}
	if b.State() != "open" {
		t.Fatalf("state = %s", b.State())
	}

	err := b.SendReply(ctx, "app", "r1", "hi")
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, domain.ErrTransientDelivery) {
		t.Fatalf("expected transient open-state error, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("calls = %d; rejected calls must not reach the source", stub.calls)
	}
	if got := testutil.ToFloat64(breakerState.WithLabelValues("test-open")); got != 2 {
		t.Fatalf("state gauge = %v", got)
	}
	if got := testutil.ToFloat64(breakerRequests.WithLabelValues("reply", "rejected")); got < 1 {
		t.Fatalf("rejected counter = %v", got)
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	stub := &stubSource{err: domain.Permanent(errors.New("403"))}
	b := NewBreaker(stub, BreakerOptions{Name: "test-permanent", Failures: 1}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		err := b.SendReply(context.Background(), "app", "r1", "hi")
		if !domain.IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	}
	if b.State() != "closed" || stub.calls != 3 {
		t.Fatalf("state = %s calls = %d", b.State(), stub.calls)
	}
}

func TestBreaker_PassesResults(t *testing.T) {
	b := NewBreaker(&stubSource{}, BreakerOptions{}, zerolog.Nop())
	got, err := b.FetchReviews(context.Background(), "app", time.Time{}, 10)
	if err != nil || len(got) != 1 || got[0].ReviewID != "r1" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if b.name != "googleplay" {
		t.Fatalf("default name = %q", b.name)
	}
}
