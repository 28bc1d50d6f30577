// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveSession(ctx context.Context, event string, err error)
	ObserveCommand(ctx context.Context, elapsed time.Duration, timedOut, fallback bool)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveSession(context.Context, string, error) {}

func (Nop) ObserveCommand(context.Context, time.Duration, bool, bool) {}
