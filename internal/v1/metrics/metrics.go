package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the whisper chat core.
//
// Naming convention: namespace_subsystem_name
// - namespace: whisper (application-level grouping)
// - subsystem: session, room, overlay (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (sessions, rooms, links)
// - Counter: cumulative events (messages, rejections)

var (
	// ActiveSessions tracks the current number of attached chat sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisper",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of active chat sessions",
	})

	// KnownRooms tracks the number of rooms the directory knows about.
	KnownRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisper",
		Subsystem: "room",
		Name:      "rooms_known",
		Help:      "Number of rooms currently occupied or holding history",
	})

	// MessagesPublished counts outbound publishes per outcome.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Subsystem: "overlay",
		Name:      "messages_published_total",
		Help:      "Total messages published to the overlay",
	}, []string{"status"})

	// MessagesReceived counts inbound overlay messages per outcome.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Subsystem: "overlay",
		Name:      "messages_received_total",
		Help:      "Total messages received from the overlay",
	}, []string{"status"})

	// OverlayLinks tracks the number of live overlay connections.
	OverlayLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "whisper",
		Subsystem: "overlay",
		Name:      "links_active",
		Help:      "Current number of connected overlay peers",
	})

	// RateLimitRejections counts admission rejections per surface.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whisper",
		Subsystem: "session",
		Name:      "rate_limit_rejections_total",
		Help:      "Total events rejected by rate limiting",
	}, []string{"surface"})

	// CircuitBreakerState exposes the publish breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "whisper",
		Subsystem: "overlay",
		Name:      "circuit_breaker_state",
		Help:      "Publish circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
