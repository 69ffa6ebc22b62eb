// Package metrics holds the Prometheus collectors for the live backend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "hwbuddy"

// Metrics holds all Prometheus metrics for the service. It implements the
// observer interfaces of the capture rendezvous, the upload ingress and the
// live connection manager.
type Metrics struct {
	registry *prometheus.Registry

	// Live connection metrics
	LiveConnectionsActive prometheus.Gauge
	LiveConnectionsTotal  prometheus.Counter
	DuplicatesRejected    prometheus.Counter

	// Capture metrics
	CapturesTotal   *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec

	// Upload metrics
	UploadsTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		LiveConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections_active",
			Help:      "Number of open live websocket connections",
		}),
		LiveConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_connections_total",
			Help:      "Total number of accepted live websocket connections",
		}),
		DuplicatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_duplicate_rejected_total",
			Help:      "Live connections refused because the session already had one",
		}),
		CapturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Capture requests by outcome",
		}, []string{"outcome"}),
		CaptureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Time from capture request to resolution in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15, 25, 60},
		}, []string{"outcome"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Image uploads by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.LiveConnectionsActive,
		m.LiveConnectionsTotal,
		m.DuplicatesRejected,
		m.CapturesTotal,
		m.CaptureDuration,
		m.UploadsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(namespace, name, help string, fn func() int) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) ConnectionOpened() {
	m.LiveConnectionsActive.Inc()
	m.LiveConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.LiveConnectionsActive.Dec()
}

func (m *Metrics) DuplicateRejected() {
	m.DuplicatesRejected.Inc()
}

func (m *Metrics) ObserveCapture(outcome string, elapsed time.Duration) {
	m.CapturesTotal.WithLabelValues(outcome).Inc()
	m.CaptureDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUpload(outcome string) {
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}
