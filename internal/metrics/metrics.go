// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgw_connections_total",
		Help: "Total WebSocket connections accepted.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgw_connections_active",
		Help: "Currently active WebSocket connections.",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgw_connections_rejected_total",
		Help: "Connection attempts rejected, by reason.",
	}, []string{"reason"})

	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgw_disconnects_total",
		Help: "Disconnections by reason.",
	}, []string{"reason"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgw_messages_received_total",
		Help: "Inbound frames received, by type.",
	}, []string{"type"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgw_messages_sent_total",
		Help: "Outbound frames written to clients.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgw_rate_limited_total",
		Help: "Requests denied by the rate limiter, by window.",
	}, []string{"window"})

	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgw_streams_started_total",
		Help: "Model response streams started.",
	})

	StreamsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgw_streams_completed_total",
		Help: "Model response streams completed, by outcome.",
	}, []string{"outcome"})

	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgw_host_cpu_percent",
		Help: "Host CPU utilization percent, sampled periodically.",
	})

	MemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgw_host_memory_bytes",
		Help: "Host resident memory usage in bytes, sampled periodically.",
	})
)

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
