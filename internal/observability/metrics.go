// README: Prometheus collectors for matching, routing, sweeping and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	// MatchAttempts counts scans by direction (request|offer) and outcome.
	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_attempts_total", Help: "Matching scans by direction and outcome"},
		[]string{"direction", "outcome"},
	)
	MatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Matching scan latency", Buckets: prometheus.DefBuckets},
		[]string{"direction"},
	)
	ReserveConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reserve_conflicts_total", Help: "Lost capacity reservations by losing entity"},
		[]string{"entity"},
	)
	MatchResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_resolutions_total", Help: "Match state transitions out of proposed"},
		[]string{"state"},
	)
	RouteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "route_lookups_total", Help: "Route geometry lookups by source/outcome"},
		[]string{"outcome"},
	)
	SweptEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "swept_entities_total", Help: "Entities expired by the sweeper"},
		[]string{"entity"},
	)
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Failed notification deliveries by sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
