// Package metrics collects Prometheus counters and gauges for the
// session and container lifecycle. Each Metrics instance holds its own
// registry so tests never collide on re-registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the honeypot core exports, registered
// against its own registry so tests can construct independent instances.
type Metrics struct {
	registry *prometheus.Registry

	SessionsAdmitted    *prometheus.CounterVec
	SessionsRejected    prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionDuration     prometheus.Histogram
	ContainersCreated   prometheus.Counter
	ContainersFailed    prometheus.Counter
	ContainersActive    prometheus.Gauge
	ProxyBytesTotal     *prometheus.CounterVec
	ConnectionsDropped  prometheus.Counter
	ConnectionsRejected prometheus.Counter
}

// New constructs a Metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "miel",
				Subsystem: "session",
				Name:      "admitted_total",
				Help:      "Total number of sessions admitted, by service.",
			},
			[]string{"service"},
		),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miel",
			Subsystem: "session",
			Name:      "rejected_total",
			Help:      "Total number of sessions rejected at the max_sessions limit.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miel",
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of active sessions.",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "miel",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session duration from admission to finalize.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400, 86400},
		}),
		ContainersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miel",
			Subsystem: "container",
			Name:      "created_total",
			Help:      "Total number of sandbox containers successfully created.",
		}),
		ContainersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miel",
			Subsystem: "container",
			Name:      "failed_total",
			Help:      "Total number of sandbox container create or cleanup failures.",
		}),
		ContainersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miel",
			Subsystem: "container",
			Name:      "active",
			Help:      "Current number of live sandbox containers.",
		}),
		ProxyBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "miel",
				Subsystem: "proxy",
				Name:      "bytes_total",
				Help:      "Total bytes forwarded by the recording proxy, by direction.",
			},
			[]string{"direction"},
		),
		ConnectionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miel",
			Subsystem: "listener",
			Name:      "dropped_total",
			Help:      "Total connections dropped because the session request queue was full.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miel",
			Subsystem: "listener",
			Name:      "rejected_total",
			Help:      "Total connections rejected by the IP/port filter.",
		}),
	}

	registry.MustRegister(
		m.SessionsAdmitted, m.SessionsRejected, m.SessionsActive, m.SessionDuration,
		m.ContainersCreated, m.ContainersFailed, m.ContainersActive,
		m.ProxyBytesTotal, m.ConnectionsDropped, m.ConnectionsRejected,
	)
	return m
}

// Handler returns the promhttp handler for this Metrics' registry,
// mounted at /metrics by cmd/miel when the web UI is enabled.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
