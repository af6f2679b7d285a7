package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	// pollCycles counts completed poll cycles by app and outcome
	// (ok|partial|fetch_error|no_room).
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_poll_cycles_total",
			Help: "Total number of review poll cycles.",
		},
		[]string{"app_id", "result"},
	)

	// reviewsBridged counts reviews delivered to chat and recorded.
	reviewsBridged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_bridged_total",
			Help: "Total number of reviews bridged into chat.",
		},
		[]string{"app_id"},
	)

	// reviewsDropped counts reviews given up on after maxReviewRetries
	// failed cycles.
	reviewsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_dropped_total",
			Help: "Total number of reviews dropped after repeated bridging failures.",
		},
		[]string{"app_id"},
	)

	// bridgeFailures counts per-review failures by stage
	// (puppet|deliver|record|refresh|lookup).
	bridgeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_bridge_failures_total",
			Help: "Total number of per-review bridging failures.",
		},
		[]string{"app_id", "stage"},
	)

	// pollDuration records cycle duration in seconds.
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "review_poll_duration_seconds",
			Help:    "Duration of review poll cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app_id"},
	)
)

func init() {
	prometheus.MustRegister(pollCycles, reviewsBridged, reviewsDropped, bridgeFailures, pollDuration)
}
