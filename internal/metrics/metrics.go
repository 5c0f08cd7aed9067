package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	QuotaConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_consume_total",
			Help: "Consume attempts that reached the store, by quota type and outcome.",
		},
		[]string{"quota_type", "outcome"},
	)

	QuotaResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_resets_total",
			Help: "Lazy quota resets applied, by quota type.",
		},
		[]string{"quota_type"},
	)

	QuotaEventsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_events_persisted_total",
			Help: "Quota events written to the event log, by event type.",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		QuotaConsumeTotal,
		QuotaResetsTotal,
		QuotaEventsPersistedTotal,
	)
}
