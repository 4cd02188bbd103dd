// Package metrics defines the Prometheus metrics of the courier node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Messaging metrics
	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_queued_total",
			Help: "Total outbound messages written to the ledger",
		},
	)

	SequenceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_sequence_conflicts_total",
			Help: "Total lost races for an outbound sequence number",
		},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_received_total",
			Help: "Total inbound messages by result",
		},
		[]string{"result"}, // "accepted", "duplicate", "rejected", "error"
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Total batch delivery attempts",
		},
		[]string{"result"}, // "delivered", "no_channel", "unreachable", "failed", "backlog_pending"
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_push_notifications_total",
			Help: "Total push notification attempts",
		},
		[]string{"result"},
	)

	SealWatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_seal_watches_total",
			Help: "Total seal watch registrations",
		},
		[]string{"result"}, // "registered", "duplicate", "foreign_network"
	)
)

// RegisterLiveSessions exposes the number of websocket sessions connected
// to this node. It must be called at most once.
func RegisterLiveSessions(count func() int) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "courier_live_sessions",
			Help: "Websocket sessions connected to this node",
		},
		func() float64 { return float64(count()) },
	)
}
