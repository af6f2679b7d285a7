package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	// replyTransitions counts reply job state changes.
	replyTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_transitions_total",
			Help: "Total number of reply job state transitions.",
		},
		[]string{"app_id", "from", "to"},
	)

	// replySendDuration records the latency of SendReply calls.
	replySendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reply_send_duration_seconds",
			Help:    "Duration of reply delivery attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app_id", "result"},
	)
)

func init() {
	prometheus.MustRegister(replyTransitions, replySendDuration)
}
