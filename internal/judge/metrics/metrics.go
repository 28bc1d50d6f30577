// Package metrics exposes worker metrics in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        prometheus.Histogram
	ActiveJobs         prometheus.Gauge
	SandboxSessions    *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CoordinatorRetries *prometheus.CounterVec
	Requeues           *prometheus.CounterVec
}

// New registers the worker collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiger_jobs_total",
				Help: "Jobs handled, by outcome",
			},
			[]string{"outcome"}, // done, rejected, system_error, worker_reject, retryable
		),
		JobDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tiger_job_duration_seconds",
				Help:    "Wall time from claim to cleanup",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		ActiveJobs: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tiger_active_jobs",
				Help: "Jobs currently holding a worker slot",
			},
		),
		SandboxSessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiger_sandbox_sessions_total",
				Help: "Sandbox lifecycle events",
			},
			[]string{"event", "result"},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiger_sandbox_command_duration_seconds",
				Help:    "Duration of commands run in the sandbox",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"}, // ok, timeout, fallback
		),
		CoordinatorRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiger_coordinator_retries_total",
				Help: "Retried coordinator calls",
			},
			[]string{"op"},
		),
		Requeues: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiger_requeues_total",
				Help: "Messages put back on the queue, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSession records a sandbox open/close/reset.
func (m *Metrics) ObserveSession(_ context.Context, event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SandboxSessions.WithLabelValues(event, result).Inc()
}

// ObserveCommand records one sandbox command.
func (m *Metrics) ObserveCommand(_ context.Context, elapsed time.Duration, timedOut, fallback bool) {
	result := "ok"
	switch {
	case fallback:
		result = "fallback"
	case timedOut:
		result = "timeout"
	}
	m.CommandDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// CoordinatorRetry matches the coordinator retry hook.
func (m *Metrics) CoordinatorRetry(op string, _ error, _ time.Duration) {
	m.CoordinatorRetries.WithLabelValues(op).Inc()
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(outcome string, elapsed time.Duration) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.JobDuration.Observe(elapsed.Seconds())
	}
}

// ObserveRequeue records what happened to a requeued message.
func (m *Metrics) ObserveRequeue(outcome string) {
	m.Requeues.WithLabelValues(outcome).Inc()
}
