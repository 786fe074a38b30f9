package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime chat gateway.
//
// Naming convention: namespace_subsystem_name
// - namespace: harmony (application-level grouping)
// - subsystem: websocket, conversation, ai, call (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, online users, active streams)
// - Counter: Cumulative events (messages routed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of live sockets
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harmony",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users with at least one socket
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harmony",
		Subsystem: "websocket",
		Name:      "users_online",
		Help:      "Current number of online users",
	})

	// WebsocketEvents tracks the total number of inbound events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks time spent handling inbound events
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harmony",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MessagesRouted tracks messages persisted and fanned out per conversation kind
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "conversation",
		Name:      "messages_total",
		Help:      "Total chat messages routed",
	}, []string{"kind"})

	// ActiveAIStreams tracks currently running AI completion streams
	ActiveAIStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harmony",
		Subsystem: "ai",
		Name:      "streams_active",
		Help:      "Current number of in-flight AI streams",
	})

	// AIStreamOutcomes counts terminal stream states (done, cancelled, error)
	AIStreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "ai",
		Name:      "stream_outcomes_total",
		Help:      "Terminal AI stream outcomes",
	}, []string{"outcome"})

	// ActiveCalls tracks calls in a non-terminal state
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harmony",
		Subsystem: "call",
		Name:      "calls_active",
		Help:      "Current number of non-terminal calls",
	})

	// CallOutcomes counts terminal call states
	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "call",
		Name:      "outcomes_total",
		Help:      "Terminal call outcomes",
	}, []string{"state"})

	// SignalsRelayed counts relayed SDP/ICE frames
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "call",
		Name:      "signals_relayed_total",
		Help:      "Total signaling frames relayed between call peers",
	}, []string{"kind"})

	// NotificationsCreated counts persisted notifications
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "conversation",
		Name:      "notifications_total",
		Help:      "Total notifications persisted",
	}, []string{"kind"})

	// RateLimitExceeded counts rejected events/connections
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope", "key_type"})

	// CircuitBreakerState tracks the bus circuit breaker (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harmony",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts publishes dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"name"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
