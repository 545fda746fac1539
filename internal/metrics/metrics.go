// Package metrics exposes gateway request metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayService labels requests the gateway answered itself.
const GatewayService = "__gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics. Each collector owns its registry so
// independent instances never collide.
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	inflight      prometheus.Gauge
	serviceHealth *prometheus.GaugeVec
	reloads       *prometheus.CounterVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests by service, method and status",
		}, []string{"service", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: DefaultBuckets,
		}, []string{"service"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_failures_total",
			Help: "Proxy failures by error source and type",
		}, []string{"source", "type"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_requests_in_flight",
			Help: "Requests currently being proxied",
		}),
		serviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_service_healthy",
			Help: "Backend service health: 1 healthy, 0 unhealthy",
		}, []string{"service"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Configuration reloads by result",
		}, []string{"result"}),
	}
	c.registry.MustRegister(
		c.requests, c.duration, c.failures, c.inflight, c.serviceHealth, c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(service, method string, statusCode int, duration time.Duration) {
	if service == "" {
		service = GatewayService
	}
	c.requests.WithLabelValues(service, method, strconv.Itoa(statusCode)).Inc()
	c.duration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordFailure records a classified proxy failure.
func (c *Collector) RecordFailure(source, typ string) {
	c.failures.WithLabelValues(source, typ).Inc()
}

// TrackInflight increments the in-flight gauge and returns its undo.
func (c *Collector) TrackInflight() func() {
	c.inflight.Inc()
	return c.inflight.Dec
}

// SetServiceHealth sets the health status of a backend service
func (c *Collector) SetServiceHealth(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.serviceHealth.WithLabelValues(service).Set(v)
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
