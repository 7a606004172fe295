// Package metrics provides Prometheus instrumentation for the Kindling
// messaging core. It exposes gauges for connection and room counts, counters
// for message and push throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindling_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenRooms tracks the number of match rooms with at least one joined user.
	OpenRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindling_open_rooms",
		Help: "Current number of match rooms with at least one joined user",
	})

	// MessagesTotal counts message send outcomes, labeled by
	// outcome: "sent", "denied", "invalid", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindling_messages_total",
		Help: "Total number of message sends by outcome",
	}, []string{"outcome"})

	// SendLatency records end-to-end send handling latency in seconds
	// (authorization through persistence and fan-out).
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindling_send_latency_seconds",
		Help:    "Message send handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PushesTotal counts push notification outcomes, labeled by
	// outcome: "sent", "skipped", "no_tokens", or "failed".
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindling_pushes_total",
		Help: "Total number of push notification decisions by outcome",
	}, []string{"outcome"})

	// ReadReceiptsTotal counts mark-as-read operations.
	ReadReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kindling_read_receipts_total",
		Help: "Total number of mark-as-read operations",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenRooms,
		MessagesTotal,
		SendLatency,
		PushesTotal,
		ReadReceiptsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
