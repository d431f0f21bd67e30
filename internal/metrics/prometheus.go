package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var MessagesIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_messages_ingested_total",
		Help: "Uplinks accepted by ingress, by source and payload shape",
	},
	[]string{"source", "shape"},
)

var MessagesDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_messages_dropped_total",
		Help: "Uplinks dropped before or during processing",
	},
	[]string{"reason"},
)

var MessagesProcessedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "telemetry_messages_processed_total",
		Help: "Queue entries persisted and acked",
	},
)

var PointsWrittenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "telemetry_points_written_total",
		Help: "Measurement points written to the durable store",
	},
)

var ViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_violations_total",
		Help: "Samples outside configured limits",
	},
	[]string{"unit", "bound"},
)

var AlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_alerts_total",
		Help: "Alert delivery outcomes",
	},
	[]string{"outcome"},
)

var AlertRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_alert_retries_total",
		Help: "Pending alert retry outcomes",
	},
	[]string{"outcome"},
)

var CacheLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_cache_lookups_total",
		Help: "Resolver lookups by kind and the tier that answered",
	},
	[]string{"kind", "tier"},
)

var ActiveConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "telemetry_ws_connections",
		Help: "Live WebSocket connections",
	},
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var initOnce sync.Once

// Init registers every collector with the default registry; safe to call more than once
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			MessagesIngestedTotal,
			MessagesDroppedTotal,
			MessagesProcessedTotal,
			PointsWrittenTotal,
			ViolationsTotal,
			AlertsTotal,
			AlertRetriesTotal,
			CacheLookupsTotal,
			ActiveConnections,
			HttpRequestsTotal,
			HttpRequestDuration,
			HttpRateLimitRejectionsTotal,
		)
	})
}
