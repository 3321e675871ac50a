package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all instrumentation events.
	NoopMetrics struct{}

	// NoopTracer produces no-op spans.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics constructs a Metrics recorder that discards all events.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer constructs a Tracer that produces no-op spans.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

// NodeCompleted discards the event.
func (NoopMetrics) NodeCompleted(string, time.Duration) {}

// PatchRejected discards the event.
func (NoopMetrics) PatchRejected(string) {}

// ToolCacheHit discards the event.
func (NoopMetrics) ToolCacheHit(string) {}

// ToolRefused discards the event.
func (NoopMetrics) ToolRefused(string, string) {}

// RunCompleted discards the event.
func (NoopMetrics) RunCompleted(string, time.Duration) {}

// StartNode returns the context unchanged with a no-op span.
func (NoopTracer) StartNode(ctx context.Context, _ string) (context.Context, NodeSpan) {
	return ctx, noopSpan{}
}

// End is a no-op.
func (noopSpan) End(error) {}
