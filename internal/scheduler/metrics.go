package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics manages Prometheus instrumentation for scheduler runs.
type Metrics struct {
	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton scheduler metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	m := &Metrics{
		runTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agingos",
				Subsystem: "scheduler",
				Name:      "run_total",
				Help:      "Total job runs by job key and outcome",
			},
			[]string{"job", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agingos",
				Subsystem: "scheduler",
				Name:      "run_duration_seconds",
				Help:      "Job run duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"job"},
		),
	}

	prometheus.MustRegister(
		m.runTotal,
		m.runDuration,
	)

	return m
}

// RecordRun records one finished job run.
func (m *Metrics) RecordRun(job string, ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.runTotal.WithLabelValues(job, outcome).Inc()
	m.runDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordSkip records a tick that found the previous run still in progress.
func (m *Metrics) RecordSkip(job string) {
	m.runTotal.WithLabelValues(job, "skipped").Inc()
}
