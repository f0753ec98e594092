// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event kinds for EventsEmitted.
const (
	EventData      = "data"
	EventKeepalive = "keepalive"
	EventError     = "error"
)

var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Number of connected stream clients",
		},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Events written to stream clients by kind",
		},
		[]string{"kind"},
	)

	ObservationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_observations_total",
			Help: "Observations delivered to stream clients",
		},
		[]string{"table"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_query_duration_seconds",
			Help:    "Duration of source table queries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"table", "mode"},
	)

	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_query_errors_total",
			Help: "Recovered source errors by kind (query, row)",
		},
		[]string{"table", "kind"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_notifications_total",
			Help: "Change notifications received per table",
		},
		[]string{"table"},
	)
)

// RecordQuery observes one source query.
func RecordQuery(table, mode string, d time.Duration, err error) {
	QueryDuration.WithLabelValues(table, mode).Observe(d.Seconds())
	if err != nil {
		QueryErrors.WithLabelValues(table, "query").Inc()
	}
}

// RecordBadRow counts a row skipped for its shape.
func RecordBadRow(table string) {
	QueryErrors.WithLabelValues(table, "row").Inc()
}
