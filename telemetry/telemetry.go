// Package telemetry instruments the pipeline: structured logging with run
// context, typed metrics for the events the engine actually emits (node
// completions, patch rejections, tool refusals, cache hits, run outcomes),
// and per-node tracing spans. Implementations delegate to Clue and
// OpenTelemetry; no-op defaults keep the engine usable without either.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the engine. The
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records the pipeline's instrumentation events. Methods are typed
// to the engine's vocabulary rather than generic counter names so call sites
// cannot drift on label spelling.
type Metrics interface {
	// NodeCompleted records one graph node execution and its duration.
	NodeCompleted(node string, elapsed time.Duration)
	// PatchRejected records a state patch key discarded by reducer
	// validation.
	PatchRejected(node string)
	// ToolCacheHit records a tool envelope served from the cache.
	ToolCacheHit(tool string)
	// ToolRefused records a refused tool request (quota exhausted,
	// duplicate, validation).
	ToolRefused(agent, reason string)
	// RunCompleted records a finished run with its decision classification.
	RunCompleted(decision string, elapsed time.Duration)
}

// NodeSpan is an in-flight tracing span for one node execution. End reports
// the node's outcome: a nil error marks the span OK, anything else records
// the error and marks it failed.
type NodeSpan interface {
	End(err error)
}

// Tracer starts per-node spans. The scheduler opens one span per node visit;
// child operations (tool handlers, provider calls) pick the span up from the
// returned context.
type Tracer interface {
	StartNode(ctx context.Context, node string) (context.Context, NodeSpan)
}
