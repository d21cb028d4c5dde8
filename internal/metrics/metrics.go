// Package metrics exposes the hub's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	messagesIn     *prometheus.CounterVec
	messagesOut    *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   prometheus.Histogram
	schedulerFires *prometheus.CounterVec
	authFailures   prometheus.Counter
	activeRunners  prometheus.Gauge
	proxyRequests  *prometheus.CounterVec
}

// New builds and registers the hub collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flohub_websocket_connections",
			Help: "Currently connected WebSocket clients.",
		}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flohub_messages_received_total",
			Help: "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flohub_messages_sent_total",
			Help: "Outbound WebSocket messages by type.",
		}, []string{"type"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flohub_tool_calls_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flohub_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 10),
		}),
		schedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flohub_scheduler_fires_total",
			Help: "Schedule firings by kind.",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flohub_auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		activeRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flohub_active_runners",
			Help: "Agent runners currently live.",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flohub_proxy_requests_total",
			Help: "API proxy requests by provider.",
		}, []string{"provider"}),
	}
	registry.MustRegister(
		m.connections, m.messagesIn, m.messagesOut,
		m.toolCalls, m.toolDuration, m.schedulerFires,
		m.authFailures, m.activeRunners, m.proxyRequests,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ClientConnected bumps the connection gauge.
func (m *Metrics) ClientConnected() { m.connections.Inc() }

// ClientDisconnected drops the connection gauge.
func (m *Metrics) ClientDisconnected() { m.connections.Dec() }

// MessageReceived counts one inbound frame.
func (m *Metrics) MessageReceived(msgType string) {
	m.messagesIn.WithLabelValues(msgType).Inc()
}

// MessageSent counts one outbound frame.
func (m *Metrics) MessageSent(msgType string) {
	m.messagesOut.WithLabelValues(msgType).Inc()
}

// RecordToolCall counts one tool execution. The signature matches the
// tool executor's audit sink so the hub can fan out to both.
func (m *Metrics) RecordToolCall(_ string, toolName string, isError bool, duration time.Duration) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(toolName, outcome).Inc()
	m.toolDuration.Observe(duration.Seconds())
}

// ScheduleFired counts one schedule firing.
func (m *Metrics) ScheduleFired(kind string) {
	m.schedulerFires.WithLabelValues(kind).Inc()
}

// AuthFailed counts one rejected auth attempt.
func (m *Metrics) AuthFailed() { m.authFailures.Inc() }

// RunnerStarted bumps the live runner gauge.
func (m *Metrics) RunnerStarted() { m.activeRunners.Inc() }

// RunnerStopped drops the live runner gauge.
func (m *Metrics) RunnerStopped() { m.activeRunners.Dec() }

// ProxyRequest counts one API proxy request.
func (m *Metrics) ProxyRequest(provider string) {
	m.proxyRequests.WithLabelValues(provider).Inc()
}
