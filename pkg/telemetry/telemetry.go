// Package telemetry exposes the gateway's operational state in
// Prometheus exposition format. Request traffic is counted as it
// happens; session, admission, and heartbeat figures are scraped from
// their owners' stats surfaces at collection time, so the registry
// never holds a second copy of state that can drift.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/mcphub/pkg/heartbeat"
	"github.com/stacklok/mcphub/pkg/session"
)

const namespace = "mcphub"

// SessionSource yields per-proxy session statistics. *ingress.Server
// satisfies it.
type SessionSource interface {
	Sessions() map[string]session.Stats
}

// AdmissionSource yields rate-limiter statistics. *session.Limiter
// satisfies it.
type AdmissionSource interface {
	Stats() session.RateLimitStats
}

// HeartbeatSource yields heartbeat statistics. *heartbeat.Controller
// satisfies it.
type HeartbeatSource interface {
	Stats() heartbeat.Stats
}

// Config wires the stats surfaces the collector scrapes. Nil sources
// are skipped, which keeps the package usable in partial assemblies
// like tests.
type Config struct {
	Version    string
	Sessions   SessionSource
	Admission  AdmissionSource
	Heartbeats HeartbeatSource
}

// Metrics owns the gateway's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New builds the registry: Go runtime and process collectors, the
// request counters, and the stats collector over cfg's sources.
func New(cfg Config) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied JSON-RPC requests by proxy, method, and outcome.",
		}, []string{"proxy", "method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied JSON-RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"proxy", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		&statsCollector{cfg: cfg},
	)
	if cfg.Version != "" {
		build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Gateway build information.",
		}, []string{"version"})
		build.WithLabelValues(cfg.Version).Set(1)
		m.registry.MustRegister(build)
	}
	return m
}

// Handler serves the registry in exposition format. The gateway mounts
// it on GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest books one proxied JSON-RPC request. Outcome is a small
// enum ("ok", "error"); method is the JSON-RPC method name.
func (m *Metrics) RecordRequest(proxy, method, outcome string, elapsed time.Duration) {
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(proxy, method, outcome).Inc()
	m.requestDuration.WithLabelValues(proxy, method).Observe(elapsed.Seconds())
}
