package observer

import (
	"context"
	"time"

	"diagrun/internal/diagrun/result"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "diagrun"

// PrometheusMetrics records run metrics into a private registry. The registry can
// be exported as a node_exporter textfile after each run.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	textfile string

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors. textfile may be empty.
func NewPrometheusMetrics(textfile string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished diagnostic runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from container start to termination.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of engine lifecycle stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Engine lifecycle stages that returned a non-zero status.",
		}, []string{"stage"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "End time of the most recent run.",
		}),
	}
	m.registry.MustRegister(m.runs, m.runDuration, m.stageDuration, m.stageFailures, m.lastRun)
	return m
}

// Registry exposes the collectors, e.g. for an HTTP handler or tests.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) ObserveStage(ctx context.Context, stage string, ok bool, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if !ok {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *PrometheusMetrics) ObserveRun(ctx context.Context, res result.RunResult) {
	outcome := result.Kind(res)
	m.runs.WithLabelValues(outcome).Inc()
	if res.EndMs >= res.StartMs && res.StartMs > 0 {
		m.runDuration.WithLabelValues(outcome).Observe(float64(res.EndMs-res.StartMs) / 1000)
	}
	m.lastRun.Set(float64(res.EndMs) / 1000)
}

// Flush writes the registry to the configured textfile. It is a no-op without one.
func (m *PrometheusMetrics) Flush() error {
	if m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.registry)
}
