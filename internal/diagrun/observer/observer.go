// Package observer defines metrics hooks for diagnostic runs.
package observer

import (
	"context"
	"time"

	"diagrun/internal/diagrun/result"
)

// MetricsRecorder records run metrics.
type MetricsRecorder interface {
	ObserveStage(ctx context.Context, stage string, ok bool, elapsed time.Duration)
	ObserveRun(ctx context.Context, res result.RunResult)
}

// NoopMetricsRecorder discards every observation.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveStage(ctx context.Context, stage string, ok bool, elapsed time.Duration) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, res result.RunResult) {}
