package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "webterm"

const (
	transportSocket = "socket"
	transportGRPC   = "grpc"
	transportHTTP   = "http"
)

// metrics live in a per-server registry so that several servers (e.g. in tests)
// can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter
	spawnFailures   prometheus.Counter
	settingsChanges prometheus.Counter
	connections     *prometheus.GaugeVec
	authRejections  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of terminal sessions with a running process.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_created_total",
			Help:      "Number of terminal sessions created.",
		}),
		spawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_create_failures_total",
			Help:      "Number of session creations that failed, mostly because the shell couldn't be spawned.",
		}),
		settingsChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settings_changes_total",
			Help:      "Number of settings changes broadcast to the connected clients.",
		}),
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of connected clients.",
		}, []string{"transport"}),
		authRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_rejections_total",
			Help:      "Number of requests rejected because of a missing or wrong authentication key.",
		}, []string{"transport"}),
	}
}
