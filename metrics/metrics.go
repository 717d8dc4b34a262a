// Package metrics defines the Prometheus instruments for the engine,
// exposed on /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts classify+dispatch cycles by trigger source and
	// final status (completed, rejected, error).
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routewatch_cycles_total",
		Help: "Total number of classify+dispatch cycles",
	}, []string{"source", "status"})

	// ChangesDetected counts emitted change records by kind. The primary
	// signal for schedule churn.
	ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routewatch_changes_detected_total",
		Help: "Total number of change records produced by the classifier",
	}, []string{"kind"})

	// NotificationsTotal counts per-channel outcomes: sent, suppressed,
	// queued, failed. A growing failed series means a channel is down.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routewatch_notifications_total",
		Help: "Per-channel notification outcomes",
	}, []string{"channel", "outcome"})

	// CycleDuration measures end-to-end cycle latency including channel
	// sends.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "routewatch_cycle_duration_seconds",
		Help:    "Duration of classify+dispatch cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DigestBacklog tracks users with at least one queued digest entry.
	DigestBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routewatch_digest_backlog_users",
		Help: "Number of users with pending digest entries",
	})
)
