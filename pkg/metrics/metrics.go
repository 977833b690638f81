// Package metrics holds the Prometheus collectors exported on /metrics.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "throttle_gateway"

type Metrics struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	sessionsTotal prometheus.Counter
	delivered     *prometheus.CounterVec
	sendErrors    prometheus.Counter
	decodeErrors  *prometheus.CounterVec
	upstreamLines *prometheus.CounterVec
	upstreamQueue prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Currently registered client sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted since start.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to session outbound channels.",
		}, []string{"mode"}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed deliveries to a single session.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Dropped units that failed to decode.",
		}, []string{"source"}),
		upstreamLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_lines_total",
			Help:      "Lines exchanged with the control server.",
		}, []string{"direction"}),
		upstreamQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_queue_length",
			Help:      "Lines waiting for the upstream writer.",
		}),
	}
	m.registry.MustRegister(
		m.sessions,
		m.sessionsTotal,
		m.delivered,
		m.sendErrors,
		m.decodeErrors,
		m.upstreamLines,
		m.upstreamQueue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SessionAccepted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

// Delivered counts n messages fanned out in mode "broadcast" or "routed".
func (m *Metrics) Delivered(mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

// DecodeError counts a dropped unit from "session" or "upstream".
func (m *Metrics) DecodeError(source string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(source).Inc()
}

// UpstreamLine counts a line in direction "in" or "out".
func (m *Metrics) UpstreamLine(direction string) {
	if m == nil {
		return
	}
	m.upstreamLines.WithLabelValues(direction).Inc()
}

func (m *Metrics) SetUpstreamQueue(n int) {
	if m == nil {
		return
	}
	m.upstreamQueue.Set(float64(n))
}
