package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client-engine collectors.
var (
	SessionConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "session_connects_total", Help: "Transport session connect attempts by outcome"},
		[]string{"outcome"},
	)
	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "session_reconnects_total", Help: "Successful reconnects after a drop"})
	EventsFolded      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "ride_events_folded_total", Help: "Events applied to ride state machines by result"},
		[]string{"result"},
	)
	StaleEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "stale_events_dropped_total", Help: "Push events discarded as stale"})
	SnapshotFetches    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "snapshot_fetches_total", Help: "Ride snapshot fetches by outcome"},
		[]string{"outcome"},
	)
	LocationsPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync", Name: "driver_locations_published_total", Help: "Driver location fixes published"})
	LocationsSkipped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync", Name: "driver_locations_skipped_total", Help: "Driver location fixes suppressed by reason"},
		[]string{"reason"},
	)
)

// Simulator collectors.
var (
	MatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridesync_sim", Name: "matches_total", Help: "Total number of matches offered"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridesync_sim", Name: "drivers_online", Help: "Number of available drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridesync_sim", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridesync_sim",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
