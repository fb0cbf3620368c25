package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clavis_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// PermissionChecks counts permission evaluations and their outcome (allowed|denied|error).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clavis_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"permission", "result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clavis_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// LockoutTrips counts fixed-window guard trips by guard name.
	LockoutTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clavis_lockout_trips_total",
			Help: "Number of times an attempt counter crossed its threshold",
		},
		[]string{"guard"},
	)

	// SecurityEvents counts recorded security events by severity.
	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clavis_security_events_total",
			Help: "Security events appended to the audit store",
		},
		[]string{"severity"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clavis_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
