// Package metrics defines the Prometheus collectors for generation jobs,
// artifact downloads, video fetches and deliveries.
//
// All recording methods are safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reelforge"

// Metrics groups the service's collectors.
type Metrics struct {
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	pollErrors       *prometheus.CounterVec
	statusChecks     prometheus.Counter
	downloadAttempts *prometheus.CounterVec
	fetchTotal       *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// New creates the collectors and registers them with reg. Registering twice
// against the same registry reuses the collectors already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_jobs_total",
				Help:      "Generation jobs finished, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_job_duration_seconds",
				Help:      "Wall time from submission to terminal state.",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1200, 1800},
			},
			[]string{"tier"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_poll_errors_total",
				Help:      "Status queries that returned an error, labeled by error kind.",
			},
			[]string{"kind"},
		),
		statusChecks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_checks_total",
				Help:      "Status queries sent to the generation backend.",
			},
		),
		downloadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_download_attempts_total",
				Help:      "Artifact download attempts, labeled by outcome class.",
			},
			[]string{"outcome"},
		),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "video_fetches_total",
				Help:      "Video fetches by platform, winning method and outcome.",
			},
			[]string{"platform", "method", "outcome"},
		),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Files sent to the delivery channel, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Generation jobs waiting for a worker.",
			},
		),
	}

	if reg != nil {
		m.jobsTotal = register(reg, m.jobsTotal)
		m.jobDuration = register(reg, m.jobDuration)
		m.pollErrors = register(reg, m.pollErrors)
		m.statusChecks = register(reg, m.statusChecks)
		m.downloadAttempts = register(reg, m.downloadAttempts)
		m.fetchTotal = register(reg, m.fetchTotal)
		m.deliveriesTotal = register(reg, m.deliveriesTotal)
		m.queueDepth = register(reg, m.queueDepth)
	}
	return m
}

// register registers c, returning the existing collector if an identical
// one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "none"
	}
	return s
}

// JobFinished records a generation job reaching a terminal state.
func (m *Metrics) JobFinished(tier, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(norm(tier), norm(outcome)).Inc()
	m.jobDuration.WithLabelValues(norm(tier)).Observe(elapsed.Seconds())
}

// StatusChecked records one status query.
func (m *Metrics) StatusChecked() {
	if m == nil {
		return
	}
	m.statusChecks.Inc()
}

// PollError records a failed status query.
func (m *Metrics) PollError(kind string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(norm(kind)).Inc()
}

// DownloadAttempt records one artifact download attempt.
func (m *Metrics) DownloadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.downloadAttempts.WithLabelValues(norm(outcome)).Inc()
}

// FetchFinished records a video fetch.
func (m *Metrics) FetchFinished(platform, method, outcome string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(norm(platform), norm(method), norm(outcome)).Inc()
}

// Delivered records a delivery outcome.
func (m *Metrics) Delivered(outcome string) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(norm(outcome)).Inc()
}

// SetQueueDepth reports the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
