// Package metrics provides Prometheus instrumentation for the ticket chat
// client and the development relay. Collectors are process-wide and
// registered at init, so every conversation in a process shares them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 for the current transport state of the most
	// recently updated conversation, 0 for the others.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ticketchat_connection_state",
		Help: "Transport state of the active ticket conversation",
	}, []string{"state"}) // state = "idle", "connecting", "connected", "disconnected"

	// ReconnectAttempts counts scheduled reconnects, labeled by outcome:
	// "scheduled" or "exhausted".
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketchat_reconnect_attempts_total",
		Help: "Reconnect decisions taken by the reconnection policy",
	}, []string{"outcome"})

	// OutboundMessages counts composed messages by result.
	OutboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketchat_outbound_messages_total",
		Help: "Outbound messages by result",
	}, []string{"result"}) // result = "submitted", "sent", "failed", "rejected", "cancelled", "retried"

	// AckLatency records the time from submit to relay acknowledgement.
	AckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketchat_ack_latency_seconds",
		Help:    "Time from submit to acknowledgement",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// InboundEvents counts transport events by type.
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketchat_inbound_events_total",
		Help: "Transport events received",
	}, []string{"type"})

	// RelayConnections tracks the current number of relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketchat_relay_connections",
		Help: "Current number of active relay WebSocket connections",
	})

	// RelayRooms tracks ticket rooms with at least one local connection.
	RelayRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ticketchat_relay_rooms",
		Help: "Current number of ticket rooms with local connections",
	})

	// RelayMessages counts frames the relay handled, labeled by type.
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketchat_relay_messages_total",
		Help: "Frames processed by the relay",
	}, []string{"type"})

	// RelayThrottled counts events dropped by relay throttles.
	RelayThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketchat_relay_throttled_total",
		Help: "Events dropped by relay throttles",
	}, []string{"kind"}) // kind = "typing", "online"

	// RelayLatency records relay frame processing latency in seconds.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketchat_relay_latency_seconds",
		Help:    "Relay frame processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		OutboundMessages,
		AckLatency,
		InboundEvents,
		RelayConnections,
		RelayRooms,
		RelayMessages,
		RelayThrottled,
		RelayLatency,
	)
}

var connectionStates = []string{"idle", "connecting", "connected", "disconnected"}

// SetConnectionState marks state as current and clears the others.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
