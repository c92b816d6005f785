/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint, and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supernode_api_requests_total",
		Help: "Total HTTP API requests",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supernode_api_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supernode_api_active_connections",
		Help: "In-flight HTTP requests",
	})

	// WebSocketConnections tracks open device sockets.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supernode_websocket_connections",
		Help: "Open device WebSocket connections",
	})

	// DevicesOnline tracks online devices per role.
	DevicesOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supernode_devices_online",
		Help: "Devices currently marked online, by role",
	}, []string{"role"})

	// MessagesTotal counts inbound transport messages by kind and outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supernode_messages_total",
		Help: "Inbound transport messages by type and outcome",
	}, []string{"type", "outcome"})

	// HeartbeatsTotal counts heartbeats processed.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supernode_heartbeats_total",
		Help: "Device heartbeats processed",
	})

	// LivenessTimeoutsTotal counts devices demoted by the sweep.
	LivenessTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supernode_liveness_timeouts_total",
		Help: "Devices marked offline by the liveness sweep",
	})

	// AIQueryDuration observes answer-generation latency per provider.
	AIQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supernode_ai_query_duration_seconds",
		Help:    "AI query latency by provider and outcome",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "outcome"})

	// AttendanceEntriesTotal counts attendance entries by outcome.
	AttendanceEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supernode_attendance_entries_total",
		Help: "Attendance entries by outcome (recorded, cooldown, error)",
	}, []string{"outcome"})

	// DatabaseQueryDuration observes gorm operation latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supernode_database_query_duration_seconds",
		Help:    "Database operation duration by operation and table",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed gorm operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supernode_database_errors_total",
		Help: "Database operation errors by operation",
	}, []string{"operation"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
