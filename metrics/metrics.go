// Package metrics provides Prometheus instrumentation for the pool engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one pool node.
type Metrics struct {
	// Ordering metrics
	RequestsSubmitted prometheus.Counter
	RequestsCommitted prometheus.Counter
	CommitLatency     prometheus.Histogram

	// Protocol health metrics
	ProtocolViolations prometheus.Counter
	SuspicionsRaised   prometheus.Counter
	ViewChanges        prometheus.Counter
	CurrentView        prometheus.Gauge

	// Catch-up metrics
	CatchupRuns    prometheus.Counter
	CatchupRetries prometheus.Counter
	CatchupFailed  prometheus.Counter
	InstanceLag    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a Metrics instance on its own registry. Every node gets its
// own registry so several nodes can share a process.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of client requests submitted for ordering",
		}),
		RequestsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_committed_total",
			Help:      "Total number of requests committed and delivered",
		}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Latency from submission to committed delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of rejected conflicting or invalid protocol messages",
		}),
		SuspicionsRaised: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicions_raised_total",
			Help:      "Total number of primary suspicions raised by this node",
		}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_changes_total",
			Help:      "Total number of completed view changes",
		}),
		CurrentView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_view",
			Help:      "View number this node currently operates in",
		}),

		CatchupRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_runs_total",
			Help:      "Total number of catch-up procedures started",
		}),
		CatchupRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_retries_total",
			Help:      "Total number of catch-up attempts retried against another peer",
		}),
		CatchupFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_failed_total",
			Help:      "Total number of catch-up procedures abandoned after exhausting all peers",
		}),
		InstanceLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_lag",
			Help:      "Sequence distance between the instance and the pool's stable checkpoint",
		}, []string{"instance"}),

		registry: registry,
	}
}

// Handler returns an HTTP handler exposing this node's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing metrics at /metrics. It blocks, so
// callers typically run it in a goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
