// Package metrics provides Prometheus instrumentation for the realtime
// messenger. It exposes gauges for connections and online users, counters for
// event throughput and failures, and a histogram for handler latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of identities in the connection registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_online_users",
		Help: "Current number of authenticated identities",
	})

	// EventsTotal counts inbound events, labeled by event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_total",
		Help: "Total number of inbound events processed",
	}, []string{"event"})

	// ValidationErrors counts inbound events rejected by validation or
	// authorization, labeled by event name.
	ValidationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_validation_errors_total",
		Help: "Total number of inbound events rejected",
	}, []string{"event"})

	// RoutingMisses counts deliveries skipped because the receiver was offline.
	RoutingMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_routing_misses_total",
		Help: "Total number of deliveries skipped for offline receivers",
	}, []string{"kind"}) // kind = "message", "payment"

	// RateLimited counts inbound events dropped by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_rate_limited_total",
		Help: "Total number of inbound events dropped by rate limiting",
	}, []string{"event"})

	// SinkDropped counts advisory persistence calls dropped because the
	// queue was full.
	SinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_sink_dropped_total",
		Help: "Total number of advisory sink calls dropped",
	})

	// SlowConsumers counts connections closed because their outbound queue
	// was full.
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_slow_consumers_total",
		Help: "Total number of connections evicted for not draining outbound frames",
	})

	// HandlerDuration records how long the coordinator spends on one event.
	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_handler_duration_seconds",
		Help:    "Coordinator handler latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"event"})

	// ArchivedTotal counts events written by the archiver, labeled by kind.
	ArchivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_archived_total",
		Help: "Total number of bus events archived",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		ValidationErrors,
		RoutingMisses,
		RateLimited,
		SinkDropped,
		SlowConsumers,
		HandlerDuration,
		ArchivedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
