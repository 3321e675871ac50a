package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tradegraph/tradegraph/agents"
	"github.com/tradegraph/tradegraph/config"
	"github.com/tradegraph/tradegraph/graph"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/telemetry"
	"github.com/tradegraph/tradegraph/tools"
)

// Options overrides per-run execution settings. Nil pointer fields keep the
// configured defaults.
type Options struct {
	// MaxDebateRounds caps the bull/bear exchange.
	MaxDebateRounds *int
	// MaxRiskRounds caps the risk discussion.
	MaxRiskRounds *int
	// RecursionLimit caps node visits per branch.
	RecursionLimit *int
	// Deadline bounds the whole run.
	Deadline *time.Duration
	// QuotaOverrides replaces per-analyst tool quotas.
	QuotaOverrides map[string]int
	// EnableCache toggles the tool result cache.
	EnableCache *bool
	// EnableCircuitBreakers toggles the breaker layer.
	EnableCircuitBreakers *bool
}

// Reports collects the per-stage textual outputs of a run.
type Reports struct {
	Market         string
	Sentiment      string
	News           string
	Fundamentals   string
	InvestmentPlan string
	TraderPlan     string
	RiskJudgment   string
}

// Result is the outcome of one Analyze call.
type Result struct {
	// RunID identifies the run in logs and traces.
	RunID string
	// Decision is the classified trade decision.
	Decision state.Decision
	// Narrative is the full decision text.
	Narrative string
	// Reports holds the per-stage outputs.
	Reports Reports
	// Trace is the ordered node execution record.
	Trace []state.TraceEvent
	// State is the final run state.
	State *state.State
}

// Coordinator is the public entry point. It owns the long-lived collaborators
// (registry, capabilities, telemetry) while per-run structures (state, cache,
// breakers, invoker, graph) are built fresh for every Analyze call so
// independent runs never share mutable state.
type Coordinator struct {
	cfg      config.Config
	quick    model.Capability
	deep     model.Capability
	registry *tools.Registry
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// NewCoordinator constructs a coordinator. quick runs the analysts,
// researchers, and risk perspectives; deep runs the research manager, trader,
// and risk judge. registry supplies the tools available to analysts.
func NewCoordinator(cfg config.Config, quick, deep model.Capability, registry *tools.Registry, opts ...CoordinatorOption) (*Coordinator, error) {
	if quick == nil || deep == nil {
		return nil, fmt.Errorf("both quick and deep capabilities are required")
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		quick:    quick,
		deep:     deep,
		registry: registry,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Analyze runs the full pipeline for one ticker and trade date. It returns an
// error only for invalid input; every in-engine failure degrades to a HOLD
// decision with the trace attached.
func (c *Coordinator) Analyze(ctx context.Context, ticker string, tradeDate time.Time, opts *Options) (*Result, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if tradeDate.IsZero() {
		return nil, fmt.Errorf("trade date is required")
	}

	cfg := c.runConfig(opts)
	runID := uuid.NewString()
	started := time.Now()
	ctx = telemetry.WithRunContext(ctx, runID, ticker, tradeDate)
	c.logger.Info(ctx, "run starting")

	invoker := c.buildInvoker(cfg)
	controller := &agents.DebateController{
		MaxRounds:               cfg.Execution.MaxDebateRounds,
		EarlyConsensusThreshold: cfg.Execution.EarlyConsensusThreshold,
		QualityFloor:            cfg.Execution.ForceConsensusThreshold,
		SoftCap:                 cfg.Execution.DebateSoftCap,
		FocusKeywords:           cfg.DebateFocus,
	}
	g, err := buildGraph(buildInputs{
		cfg:          cfg,
		quick:        c.quick,
		deep:         c.deep,
		registry:     c.registry,
		invoker:      invoker,
		controller:   controller,
		analystTools: analystToolVisibility(c.registry),
		logger:       c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	maxParallel := cfg.Features.MaxParallelAgents
	if !cfg.Features.EnableParallelExecution {
		maxParallel = 1
	}
	scheduler := graph.NewScheduler(g, graph.SchedulerOptions{
		MaxParallel:    maxParallel,
		RecursionLimit: cfg.Execution.RecursionLimit,
		Deadline:       cfg.Execution.ExecutionTimeout,
		Logger:         c.logger,
		Metrics:        c.metrics,
		Tracer:         c.tracer,
	})

	final := scheduler.Execute(ctx, state.New(ticker, tradeDate))
	result := c.buildResult(runID, final)
	c.logger.Info(ctx, "run finished", "decision", string(result.Decision), "nodes", len(result.Trace))
	c.metrics.RunCompleted(string(result.Decision), time.Since(started))
	return result, nil
}

// runConfig copies the configuration and applies per-run option overrides.
func (c *Coordinator) runConfig(opts *Options) config.Config {
	cfg := c.cfg
	// Maps are shared by copy; replace them before mutating.
	quotas := make(map[string]int, len(cfg.Tools.Quotas))
	for k, v := range cfg.Tools.Quotas {
		quotas[k] = v
	}
	cfg.Tools.Quotas = quotas
	if opts == nil {
		return cfg
	}
	if opts.MaxDebateRounds != nil {
		cfg.Execution.MaxDebateRounds = *opts.MaxDebateRounds
	}
	if opts.MaxRiskRounds != nil {
		cfg.Execution.MaxRiskDiscussRounds = *opts.MaxRiskRounds
	}
	if opts.RecursionLimit != nil {
		cfg.Execution.RecursionLimit = *opts.RecursionLimit
	}
	if opts.Deadline != nil {
		cfg.Execution.ExecutionTimeout = *opts.Deadline
	}
	for kind, quota := range opts.QuotaOverrides {
		cfg.Tools.Quotas[kind] = quota
	}
	if opts.EnableCache != nil {
		cfg.Cache.Enabled = *opts.EnableCache
	}
	if opts.EnableCircuitBreakers != nil {
		cfg.Execution.CircuitBreakerEnabled = *opts.EnableCircuitBreakers
	}
	return cfg
}

// buildInvoker assembles the per-run tool invoker with its cache and breaker
// registry.
func (c *Coordinator) buildInvoker(cfg config.Config) *tools.Invoker {
	var cache resilience.Cache
	if cfg.Cache.Enabled && cfg.Features.EnableToolCache {
		if cfg.Cache.RedisAddr != "" {
			cache = resilience.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr}), "")
		} else {
			cache = resilience.NewMemoryCache(cfg.Cache.MaxEntries)
		}
	}
	var breakers *resilience.BreakerRegistry
	if cfg.Execution.CircuitBreakerEnabled {
		breakers = resilience.NewBreakerRegistry(resilience.BreakerConfig{
			FailureThreshold: cfg.Execution.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.Execution.BreakerRecoveryTimeout,
			SuccessThreshold: 1,
			MaxConcurrent:    cfg.Tools.MaxConcurrentPerService,
		})
	}
	return tools.NewInvoker(c.registry, tools.InvokerOptions{
		Quotas:  cfg.Tools.Quotas,
		Timeout: cfg.Tools.Timeout,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.Tools.RetryAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		Cache:    cache,
		TTLFor:   cfg.TTLFor,
		Breakers: breakers,
		Logger:   c.logger,
		Metrics:  c.metrics,
	})
}

// buildResult extracts the decision and reports from the final state. A
// missing or unclassifiable decision becomes the deterministic HOLD fallback.
func (c *Coordinator) buildResult(runID string, final *state.State) *Result {
	// Interrupted runs can leave a committed request message whose tool node
	// never committed its envelopes; roll those back so the channels keep the
	// request/result pairing invariant.
	final = final.RollbackUnanswered()
	narrative := final.FinalDecision
	decision, ok := state.ClassifyDecision(narrative)
	if narrative == "" || !ok {
		decision = state.DecisionHold
		narrative = degradedNarrative(final)
	}
	return &Result{
		RunID:     runID,
		Decision:  decision,
		Narrative: narrative,
		Reports: Reports{
			Market:         final.Report(state.AnalystMarket),
			Sentiment:      final.Report(state.AnalystSocial),
			News:           final.Report(state.AnalystNews),
			Fundamentals:   final.Report(state.AnalystFundamentals),
			InvestmentPlan: final.InvestmentPlan,
			TraderPlan:     final.TraderPlan,
			RiskJudgment:   final.RiskDebate.JudgeDecision,
		},
		Trace: final.Trace,
		State: final,
	}
}

// degradedNarrative explains a HOLD fallback, listing which subsystems never
// produced output.
func degradedNarrative(final *state.State) string {
	var missing []string
	for _, kind := range state.AnalystKinds() {
		report := final.Report(kind)
		if report == "" || strings.HasPrefix(report, agents.FallbackReportPrefix) {
			missing = append(missing, string(kind)+" analysis")
		}
	}
	if final.InvestmentPlan == "" {
		missing = append(missing, "investment plan")
	}
	if final.TraderPlan == "" {
		missing = append(missing, "trader plan")
	}
	if final.RiskDebate.JudgeDecision == "" {
		missing = append(missing, "risk judgment")
	}
	reason := "the pipeline did not complete before its budget was exhausted"
	if len(missing) > 0 {
		reason = "missing: " + strings.Join(missing, ", ")
	}
	return fmt.Sprintf("HOLD — insufficient data to support a trade decision for %s (%s).", final.Ticker, reason)
}
