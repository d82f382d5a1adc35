// Package metrics exposes deployment counters and durations in the
// Prometheus format, over HTTP or as a node_exporter textfile.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"provisioner/internal/deploy"
)

const namespace = "provisioner"

// durationBuckets span a quick preview step to a long docker pull.
var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// Metrics implements deploy.Observer.
type Metrics struct {
	reg *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   *prometheus.GaugeVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	hooks        *prometheus.CounterVec
}

var _ deploy.Observer = (*Metrics)(nil)

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide collectors, with Go runtime and process
// metrics registered alongside.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New()
		defaultM.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return defaultM
}

// New returns collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished deployment runs by terminal status.",
		}, []string{"solution", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Deployment run duration in seconds.",
			Buckets:   durationBuckets,
		}, []string{"solution"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "active",
			Help:      "Deployment runs in progress.",
		}, []string{"solution"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "total",
			Help:      "Finished steps by type and status.",
		}, []string{"type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step duration in seconds, for steps that ran.",
			Buckets:   durationBuckets,
		}, []string{"type"}),
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hook",
			Name:      "total",
			Help:      "Action hooks by phase and status.",
		}, []string{"phase", "status"}),
	}
	m.reg.MustRegister(m.runs, m.runDuration, m.activeRuns, m.steps, m.stepDuration, m.hooks)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) RunStarted(solutionID string) {
	m.activeRuns.WithLabelValues(solutionID).Inc()
}

// ObserveRun counts a finished run with its steps and hooks.
func (m *Metrics) ObserveRun(r *deploy.RunResult) {
	m.activeRuns.WithLabelValues(r.SolutionID).Dec()
	m.runs.WithLabelValues(r.SolutionID, string(r.Status)).Inc()
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		m.runDuration.WithLabelValues(r.SolutionID).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
	for i := range r.Steps {
		st := &r.Steps[i]
		m.steps.WithLabelValues(string(st.Type), string(st.Status)).Inc()
		if d := st.Duration(); d > 0 {
			m.stepDuration.WithLabelValues(string(st.Type)).Observe(d.Seconds())
		}
		for _, h := range st.Hooks {
			status := string(h.Status)
			if h.Ignored {
				status = "ignored"
			}
			m.hooks.WithLabelValues(h.Phase, status).Inc()
		}
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry atomically to path for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
