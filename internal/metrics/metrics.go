// Package metrics exposes the coordinator's Prometheus collectors. Everything
// hangs off one private registry so tests can build isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the coordinator's collectors. Create with New.
type Metrics struct {
	reg *prometheus.Registry

	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neurax",
		Subsystem: "engine",
		Name:      "jobs_total",
		Help:      "Terminal job outcomes grouped by mode and status.",
	}, []string{"mode", "status"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "neurax",
		Subsystem: "engine",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock job runtime by mode.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"mode"})

	reg.MustRegister(jobsTotal, jobDuration)

	return &Metrics{
		reg:         reg,
		jobsTotal:   jobsTotal,
		jobDuration: jobDuration,
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveJob records one terminal job outcome.
func (m *Metrics) ObserveJob(mode, status string, runtime time.Duration) {
	m.jobsTotal.WithLabelValues(mode, status).Inc()
	m.jobDuration.WithLabelValues(mode).Observe(runtime.Seconds())
}

// RegisterGauges wires the live gauges to their sources. Each func is called
// at scrape time, so the values are always current without a push loop.
func (m *Metrics) RegisterGauges(activeJobs, liveWorkers, wsClients func() float64) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "neurax",
			Subsystem: "engine",
			Name:      "active_jobs",
			Help:      "Jobs currently queued or running.",
		}, activeJobs),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "neurax",
			Subsystem: "registry",
			Name:      "live_workers",
			Help:      "Workers with a heartbeat younger than the liveness timeout.",
		}, liveWorkers),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "neurax",
			Subsystem: "websocket",
			Name:      "connected_clients",
			Help:      "Open event-channel connections.",
		}, wsClients),
	)
}
