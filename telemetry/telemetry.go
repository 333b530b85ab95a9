// Package telemetry defines the logging, metrics, and tracing facades used by
// the run engine. The interfaces keep the core packages free of direct
// dependencies on any particular observability stack; production wiring uses
// the Clue/OTEL implementations while tests typically use the noop ones.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	Logger interface {
		// Debug emits a debug-level record.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level record.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level record.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level record.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key/value strings.
	Metrics interface {
		// IncCounter increments a counter metric by value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a point-in-time gauge value.
		RecordGauge(name string, value float64, tags ...string)
	}
)

type (
	noopLogger  struct{}
	noopMetrics struct{}
)

// NewNoopLogger returns a Logger that discards all records.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopMetrics returns a Metrics recorder that discards all measurements.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)          {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string)   {}
func (noopMetrics) RecordGauge(string, float64, ...string)         {}
