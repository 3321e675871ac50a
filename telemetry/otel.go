package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/tradegraph/tradegraph"

// OTELMetrics implements Metrics on OpenTelemetry instruments. Instruments
// are created once at construction; recording is allocation-light on the hot
// path. Uses the global MeterProvider; configure it via otel.SetMeterProvider
// before starting runs.
type OTELMetrics struct {
	nodeDuration metric.Float64Histogram
	patchRejects metric.Int64Counter
	cacheHits    metric.Int64Counter
	toolRefusals metric.Int64Counter
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
}

// NewOTELMetrics constructs the pipeline instrument set.
func NewOTELMetrics() Metrics {
	meter := otel.Meter(scopeName)
	m := &OTELMetrics{}
	m.nodeDuration, _ = meter.Float64Histogram("tradegraph.node.duration",
		metric.WithUnit("s"), metric.WithDescription("Graph node execution time"))
	m.patchRejects, _ = meter.Int64Counter("tradegraph.state.patch_rejections",
		metric.WithDescription("State patch keys discarded by reducer validation"))
	m.cacheHits, _ = meter.Int64Counter("tradegraph.tools.cache_hits",
		metric.WithDescription("Tool envelopes served from the cache"))
	m.toolRefusals, _ = meter.Int64Counter("tradegraph.tools.refusals",
		metric.WithDescription("Tool requests refused before execution"))
	m.runs, _ = meter.Int64Counter("tradegraph.runs",
		metric.WithDescription("Completed analysis runs by decision"))
	m.runDuration, _ = meter.Float64Histogram("tradegraph.run.duration",
		metric.WithUnit("s"), metric.WithDescription("End-to-end run time"))
	return m
}

// NodeCompleted implements Metrics.
func (m *OTELMetrics) NodeCompleted(node string, elapsed time.Duration) {
	if m.nodeDuration == nil {
		return
	}
	m.nodeDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("node", node)))
}

// PatchRejected implements Metrics.
func (m *OTELMetrics) PatchRejected(node string) {
	if m.patchRejects == nil {
		return
	}
	m.patchRejects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("node", node)))
}

// ToolCacheHit implements Metrics.
func (m *OTELMetrics) ToolCacheHit(tool string) {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("tool", tool)))
}

// ToolRefused implements Metrics.
func (m *OTELMetrics) ToolRefused(agent, reason string) {
	if m.toolRefusals == nil {
		return
	}
	m.toolRefusals.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("reason", reason),
	))
}

// RunCompleted implements Metrics.
func (m *OTELMetrics) RunCompleted(decision string, elapsed time.Duration) {
	if m.runs != nil {
		m.runs.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("decision", decision)))
	}
	if m.runDuration != nil {
		m.runDuration.Record(context.Background(), elapsed.Seconds())
	}
}

// OTELTracer implements Tracer on OpenTelemetry spans. Uses the global
// TracerProvider; configure it via otel.SetTracerProvider or the standard
// OTEL_EXPORTER_* environment variables.
type OTELTracer struct {
	tracer trace.Tracer
}

// NewOTELTracer constructs a Tracer backed by OpenTelemetry.
func NewOTELTracer() Tracer {
	return &OTELTracer{tracer: otel.Tracer(scopeName)}
}

// StartNode implements Tracer.
func (t *OTELTracer) StartNode(ctx context.Context, node string) (context.Context, NodeSpan) {
	spanCtx, span := t.tracer.Start(ctx, "node."+node,
		trace.WithAttributes(attribute.String("tradegraph.node", node)))
	return spanCtx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

// End implements NodeSpan.
func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
