package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Spyglass service
type Metrics struct {
	// WebSocket Hub metrics
	HubConnections *prometheus.GaugeVec
	HubMessages    *prometheus.CounterVec

	// Session metrics
	SessionTransitions *prometheus.CounterVec

	// Broker metrics
	TraceMessages  *prometheus.CounterVec
	BrokerDuration *prometheus.HistogramVec
}
