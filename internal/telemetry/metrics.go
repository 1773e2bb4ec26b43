/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API metrics.
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomair_api_request_duration_seconds",
		Help:    "HTTP request latency by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_api_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_api_active_connections",
		Help: "HTTP requests currently in flight.",
	})

	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_websocket_connections",
		Help: "Room panels currently attached over websocket.",
	})
)

// Dispatcher metrics.
var (
	DispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_dispatch_requests_total",
		Help: "Admission decisions by tier and outcome.",
	}, []string{"tier", "outcome"})

	DispatchEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_dispatch_evictions_total",
		Help: "Serving rooms moved to waiting, by reason.",
	}, []string{"reason"})

	DispatchChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_dispatch_charges_total",
		Help: "Metering units charged, by tier.",
	}, []string{"tier"})

	DispatchServingRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_dispatch_serving_rooms",
		Help: "Rooms occupying a serving slot.",
	})

	DispatchWaitingRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_dispatch_waiting_rooms",
		Help: "Rooms in the waiting pool.",
	})

	DispatchTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_dispatch_ticks_total",
		Help: "Promotion and billing ticks processed.",
	}, []string{"kind"})

	DispatchTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomair_dispatch_tick_duration_seconds",
		Help:    "Time spent inside one tick, lock wait included.",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	}, []string{"kind"})
)

// Ledger, notification and usage metrics.
var (
	LedgerJournalPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_ledger_journal_pending",
		Help: "Charges accepted in memory but not yet persisted.",
	})

	LedgerJournalErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomair_ledger_journal_errors_total",
		Help: "Failed attempts to persist a charge.",
	})

	LedgerChargesPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomair_ledger_charges_persisted_total",
		Help: "Charges written to the ledger store.",
	})

	LedgerChargesDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomair_ledger_charges_dead_lettered_total",
		Help: "Charges the ledger store rejected permanently. Their amounts remain in the in-memory bill only.",
	})

	NotifyDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_notify_delivered_total",
		Help: "Room events delivered, by channel.",
	}, []string{"channel"})

	NotifyDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_notify_dropped_total",
		Help: "Room events dropped, by reason.",
	}, []string{"reason"})

	EventBusPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_eventbus_publish_errors_total",
		Help: "Event bus publish failures, by backend.",
	}, []string{"backend"})

	UsageRecordsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomair_usage_records_written_total",
		Help: "Usage records persisted.",
	})

	UsageDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_usage_dropped_total",
		Help: "Usage records lost, by reason.",
	}, []string{"reason"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomair_database_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomair_database_errors_total",
		Help: "Failed database operations by operation and table.",
	}, []string{"operation", "table"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomair_database_connections_active",
		Help: "Open connections in the database pool.",
	})
)
