package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/telemetry"
)

// EnvelopeStatus is the status category of a tool result envelope.
type EnvelopeStatus string

const (
	// StatusOK marks a successful invocation.
	StatusOK EnvelopeStatus = "ok"
	// StatusError marks a refused or failed invocation; ErrorKind carries the
	// classification.
	StatusError EnvelopeStatus = "error"
)

// Envelope is the normalized result of one tool invocation request. The
// invoker produces exactly one envelope per request, even on refusal or
// failure; the analyst channel invariant depends on this.
type Envelope struct {
	// CorrelationID echoes the request id.
	CorrelationID string
	// Tool is the requested tool name.
	Tool string
	// Status is the envelope status category.
	Status EnvelopeStatus
	// Content is the serialized result or refusal text.
	Content string
	// Cached reports whether Content came from the cache.
	Cached bool
	// ErrorKind classifies failures when Status is StatusError.
	ErrorKind resilience.Kind
}

// Message renders the envelope as the tool message appended to the agent
// channel.
func (e *Envelope) Message() model.Message {
	return model.ToolResult(e.CorrelationID, e.Tool, e.Content)
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Quotas caps distinct successful calls per agent kind.
	Quotas map[string]int
	// Timeout bounds each handler call, applied outermost.
	Timeout time.Duration
	// Retry configures the retry layer between timeout and breaker.
	Retry resilience.RetryConfig
	// Cache enables read-through caching of read-only tool results. Nil
	// disables caching.
	Cache resilience.Cache
	// TTLFor maps a tool's data class to its cache TTL. Nil uses a fixed
	// five-minute TTL.
	TTLFor func(class string) time.Duration
	// Breakers shares circuit breakers across tools by breaker group. Nil
	// disables breaking.
	Breakers *resilience.BreakerRegistry
	// Logger and Metrics default to no-ops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Invoker executes tool invocation requests with argument validation,
// deduplication, per-agent quota accounting, caching, and the resilience
// stack. It never returns an error: every outcome is an envelope.
type Invoker struct {
	registry *Registry
	ledger   *Ledger
	opts     InvokerOptions
}

// NewInvoker constructs an invoker over the given registry.
func NewInvoker(registry *Registry, opts InvokerOptions) *Invoker {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Invoker{registry: registry, ledger: NewLedger(), opts: opts}
}

// Ledger exposes the invoker's ledger for state snapshots and tests.
func (i *Invoker) Ledger() *Ledger { return i.ledger }

// Invoke executes one tool invocation request on behalf of agent.
//
// The decision sequence is fixed: unknown tool, invalid arguments, quota
// exhausted, duplicate request, cache, handler. Identical (agent, name,
// arguments, ledger) inputs always yield the same status category; only the
// cached/fresh annotation may differ.
func (i *Invoker) Invoke(ctx context.Context, agent string, call model.ToolCall) *Envelope {
	desc, ok := i.registry.Get(call.Name)
	if !ok {
		return i.refuse(ctx, agent, call, resilience.KindValidationError,
			fmt.Sprintf("tool %q not found", call.Name))
	}
	if err := i.registry.ValidateArgs(call.Name, call.Arguments); err != nil {
		return i.refuse(ctx, agent, call, resilience.KindValidationError,
			fmt.Sprintf("invalid arguments for %q: %v", call.Name, err))
	}
	hash, err := HashArgs(call.Arguments)
	if err != nil {
		return i.refuse(ctx, agent, call, resilience.KindValidationError,
			fmt.Sprintf("arguments for %q are not canonicalizable: %v", call.Name, err))
	}
	if quota, bounded := i.opts.Quotas[agent]; bounded && i.ledger.Count(agent) >= quota {
		i.opts.Metrics.ToolRefused(agent, string(resilience.KindQuotaExhausted))
		return i.refuse(ctx, agent, call, resilience.KindQuotaExhausted,
			fmt.Sprintf("quota exhausted: %s has used all %d tool calls", agent, quota))
	}
	if i.ledger.Seen(agent, call.Name, hash) {
		i.opts.Metrics.ToolRefused(agent, string(resilience.KindDuplicateRequest))
		return i.refuse(ctx, agent, call, resilience.KindDuplicateRequest,
			"duplicate request; vary parameters")
	}

	value, cached, err := i.execute(ctx, desc, hash, call.Arguments)
	if err != nil {
		failure := resilience.Classify(err)
		i.opts.Logger.Warn(ctx, "tool call failed",
			"agent", agent, "tool", call.Name, "kind", string(failure.Kind))
		// The ledger slot stays open for a differently-parameterized retry.
		return &Envelope{
			CorrelationID: call.ID,
			Tool:          call.Name,
			Status:        StatusError,
			Content:       failure.Error(),
			ErrorKind:     failure.Kind,
		}
	}
	i.ledger.Record(agent, call.Name, hash)
	if cached {
		i.opts.Metrics.ToolCacheHit(call.Name)
	}
	return &Envelope{
		CorrelationID: call.ID,
		Tool:          call.Name,
		Status:        StatusOK,
		Content:       renderContent(value),
		Cached:        cached,
	}
}

// InvokeAll executes every request in order, returning one envelope per
// request.
func (i *Invoker) InvokeAll(ctx context.Context, agent string, calls []model.ToolCall) []*Envelope {
	envelopes := make([]*Envelope, 0, len(calls))
	for _, call := range calls {
		envelopes = append(envelopes, i.Invoke(ctx, agent, call))
	}
	return envelopes
}

// execute runs the handler through the cache and the resilience stack:
// Timeout outermost, then Retry, then the tool's circuit breaker.
func (i *Invoker) execute(ctx context.Context, desc *Descriptor, hash string, args map[string]any) (any, bool, error) {
	compute := func(ctx context.Context) (any, error) {
		var value any
		err := resilience.WithTimeout(ctx, i.opts.Timeout, func(ctx context.Context) error {
			return resilience.Retry(ctx, i.opts.Retry, func(ctx context.Context) error {
				run := func(ctx context.Context) error {
					v, err := desc.Handler(ctx, args)
					if err != nil {
						return err
					}
					value = v
					return nil
				}
				if i.opts.Breakers != nil && desc.BreakerGroup != "" {
					return i.opts.Breakers.Get(desc.BreakerGroup).Execute(ctx, run)
				}
				return run(ctx)
			})
		})
		return value, err
	}
	if i.opts.Cache == nil || desc.Classification != ReadOnly {
		value, err := compute(ctx)
		return value, false, err
	}
	ttl := 5 * time.Minute
	if i.opts.TTLFor != nil {
		ttl = i.opts.TTLFor(desc.DataClass)
	}
	return i.opts.Cache.GetOrCompute(ctx, desc.Name+":"+hash, ttl, compute)
}

func (i *Invoker) refuse(ctx context.Context, agent string, call model.ToolCall, kind resilience.Kind, message string) *Envelope {
	i.opts.Logger.Debug(ctx, "tool call refused",
		"agent", agent, "tool", call.Name, "kind", string(kind))
	return &Envelope{
		CorrelationID: call.ID,
		Tool:          call.Name,
		Status:        StatusError,
		Content:       message,
		ErrorKind:     kind,
	}
}

// renderContent serializes handler output into channel text. Strings pass
// through; everything else is JSON.
func renderContent(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
