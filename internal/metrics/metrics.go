// Package metrics provides Prometheus instrumentation for the whiteboard
// relay. It exposes gauges for connection and room counts, counters for event
// throughput and persistence outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "board_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one local member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "board_active_rooms",
		Help: "Current number of rooms with local members",
	})

	// AuthFailures counts refused upgrades, labeled by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "board_auth_failures_total",
		Help: "Total number of refused connection credentials",
	}, []string{"reason"}) // reason = "invalid", "expired"

	// EventsTotal counts inbound frames, labeled by kind and outcome.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "board_events_total",
		Help: "Total number of inbound frames processed",
	}, []string{"kind", "outcome"}) // outcome = "accepted", "rejected", "rate_limited"

	// FanoutDeliveries counts frames queued to recipients, labeled by origin.
	FanoutDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "board_fanout_deliveries_total",
		Help: "Total number of frames queued to room members",
	}, []string{"origin"}) // origin = "local", "remote"

	// SlowConsumers counts connections evicted because their send queue filled.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_slow_consumers_total",
		Help: "Total number of connections evicted for a full send queue",
	})

	// PresenceBroadcasts counts userCount broadcasts.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_presence_broadcasts_total",
		Help: "Total number of presence count broadcasts",
	})

	// PersistTotal counts durable log submissions, labeled by result.
	PersistTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "board_persist_total",
		Help: "Total number of durable log submissions",
	}, []string{"result"}) // result = "ok", "error", "dropped", "skipped"

	// PersistLatency records durable append latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "board_persist_latency_seconds",
		Help:    "Durable append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessageLatency records inbound frame processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "board_message_latency_seconds",
		Help:    "Inbound frame processing latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// HistorySkipped counts stored entries skipped while loading history.
	HistorySkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_history_skipped_total",
		Help: "Total number of malformed stored entries skipped by history loads",
	})

	// HTTPRequests counts HTTP requests, labeled by route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "board_http_requests_total",
		Help: "Total number of HTTP requests served",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		AuthFailures,
		EventsTotal,
		FanoutDeliveries,
		SlowConsumers,
		PresenceBroadcasts,
		PersistTotal,
		PersistLatency,
		MessageLatency,
		HistorySkipped,
		HTTPRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
