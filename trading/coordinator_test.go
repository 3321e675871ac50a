package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegraph/tradegraph/agents"
	"github.com/tradegraph/tradegraph/config"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/model/modeltest"
	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/tools"
)

// roleOf derives the agent role from the system message so one capability can
// serve the whole pipeline in tests.
func roleOf(messages []model.Message) string {
	var system string
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			system = m.Content
			break
		}
	}
	switch {
	case strings.Contains(system, "market analyst"):
		return "market"
	case strings.Contains(system, "sentiment analyst"):
		return "social"
	case strings.Contains(system, "news analyst"):
		return "news"
	case strings.Contains(system, "fundamentals analyst"):
		return "fundamentals"
	case strings.Contains(system, "bullish case"):
		return "bull"
	case strings.Contains(system, "bearish case"):
		return "bear"
	case strings.Contains(system, "research manager"):
		return "manager"
	case strings.Contains(system, "trading agent"):
		return "trader"
	case strings.Contains(system, "risk management judge"):
		return "judge"
	case strings.Contains(system, "risk analyst"):
		return "risk"
	default:
		return "unknown"
	}
}

var analystTool = map[string]string{
	"market":       "get_quote",
	"social":       "get_social_sentiment",
	"news":         "get_company_news",
	"fundamentals": "get_fundamentals",
}

// pipelineCapability routes invocations by role, with per-role overrides.
type pipelineCapability struct {
	overrides map[string]model.Capability
	mu        sync.Mutex
	calls     map[string]int
}

func newPipelineCapability(overrides map[string]model.Capability) *pipelineCapability {
	return &pipelineCapability{overrides: overrides, calls: make(map[string]int)}
}

func (p *pipelineCapability) Invoke(ctx context.Context, messages []model.Message, defs []model.ToolDefinition) (*model.Response, error) {
	role := roleOf(messages)
	p.mu.Lock()
	p.calls[role]++
	p.mu.Unlock()
	if override, ok := p.overrides[role]; ok {
		return override.Invoke(ctx, messages, defs)
	}
	switch role {
	case "market", "social", "news", "fundamentals":
		if hasToolMessage(messages) {
			return modeltest.Final(fmt.Sprintf("%s report: reviewed retrieved data and found it unremarkable but sufficient.", role)), nil
		}
		return modeltest.Request(analystTool[role], map[string]any{"symbol": "AAPL"}), nil
	case "bull":
		return modeltest.Final("bull argument: durable growth, expanding margins."), nil
	case "bear":
		return modeltest.Final("bear argument: valuation rich, demand cooling."), nil
	case "manager":
		return modeltest.Final("Investment plan: scale in over two weeks with a 5% stop."), nil
	case "trader":
		return modeltest.Final("Execute staged entry. FINAL TRANSACTION PROPOSAL: BUY"), nil
	case "risk":
		return modeltest.Final("risk view: position size is tolerable at 2% of book."), nil
	case "judge":
		return modeltest.Final("Recommendation: BUY. Exposure is bounded and the plan has clear invalidation."), nil
	}
	return modeltest.Final("unknown role"), nil
}

func hasToolMessage(messages []model.Message) bool {
	for _, m := range messages {
		if m.Role == model.RoleTool {
			return true
		}
	}
	return false
}

// testToolRegistry registers in-process handlers for the default tool names.
// failMarket makes every market-data handler fail so its breaker opens.
func testToolRegistry(t *testing.T, failMarket bool) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()
	register := func(name, class, breaker string, payload any, fail bool) {
		require.NoError(t, registry.Register(&tools.Descriptor{
			Name:         name,
			Description:  name,
			DataClass:    class,
			BreakerGroup: breaker,
			Schema: map[string]any{
				"type":     "object",
				"required": []string{"symbol"},
				"properties": map[string]any{
					"symbol": map[string]any{"type": "string"},
					"page":   map[string]any{"type": "string"},
				},
			},
			Handler: func(context.Context, map[string]any) (any, error) {
				if fail {
					return nil, resilience.NewFailure(resilience.KindAPIError, "service down")
				}
				return payload, nil
			},
		}))
	}
	register("get_quote", "quote", "market-data", map[string]any{"price": 187.5}, failMarket)
	register("get_technical_indicators", "indicators", "market-data", map[string]any{"rsi_14": 55.0}, failMarket)
	register("get_social_sentiment", "social", "social", map[string]any{"post_count": 12}, false)
	register("get_company_news", "news", "news-search", []map[string]any{{"headline": "steady quarter"}}, false)
	register("get_fundamentals", "fundamentals", "fundamentals-api", map[string]any{"peTTM": 28.4}, false)
	return registry
}

func testCoordinator(t *testing.T, quick, deep model.Capability, registry *tools.Registry, mutate func(*config.Config)) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Tools.Timeout = 2 * time.Second
	cfg.Tools.RetryAttempts = 1
	cfg.Execution.ExecutionTimeout = 30 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewCoordinator(cfg, quick, deep, registry)
	require.NoError(t, err)
	return c
}

func tradeDate() time.Time {
	return time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)
}

// checkChannelPairing asserts the request/result invariant: every assistant
// tool request is answered by a tool message with the same correlation id.
func checkChannelPairing(t *testing.T, s *state.State) {
	t.Helper()
	for _, kind := range state.AnalystKinds() {
		msgs := s.Channel(kind)
		answered := map[string]bool{}
		for _, m := range msgs {
			if m.Role == model.RoleTool {
				answered[m.ToolCallID] = true
			}
		}
		for _, m := range msgs {
			if m.Role != model.RoleAssistant {
				continue
			}
			for _, call := range m.ToolCalls {
				assert.True(t, answered[call.ID],
					"%s: request %s (%s) has no result envelope", kind, call.ID, call.Name)
			}
		}
	}
}

// checkLedgerBounds asserts quota and uniqueness invariants.
func checkLedgerBounds(t *testing.T, s *state.State, quotas map[string]int) {
	t.Helper()
	for agent, byTool := range s.Ledger.Calls {
		seen := map[string]bool{}
		total := 0
		for tool, hashes := range byTool {
			for _, h := range hashes {
				key := tool + "|" + h
				assert.False(t, seen[key], "duplicate ledger entry %s for %s", key, agent)
				seen[key] = true
				total++
			}
		}
		if quota, ok := quotas[agent]; ok {
			assert.LessOrEqual(t, total, quota, "agent %s over quota", agent)
		}
	}
}

// Scenario A: happy path, all tools succeed.
func TestAnalyzeHappyPath(t *testing.T) {
	quick := newPipelineCapability(nil)
	deep := newPipelineCapability(nil)
	c := testCoordinator(t, quick, deep, testToolRegistry(t, false), nil)

	res, err := c.Analyze(context.Background(), "AAPL", tradeDate(), nil)
	require.NoError(t, err)

	assert.Equal(t, state.DecisionBuy, res.Decision)
	assert.NotEmpty(t, res.Narrative)
	for name, report := range map[string]string{
		"market":       res.Reports.Market,
		"sentiment":    res.Reports.Sentiment,
		"news":         res.Reports.News,
		"fundamentals": res.Reports.Fundamentals,
	} {
		assert.NotEmpty(t, report, name)
		assert.NotContains(t, report, agents.FallbackReportPrefix, name)
	}
	assert.NotEmpty(t, res.Reports.InvestmentPlan)
	assert.NotEmpty(t, res.Reports.TraderPlan)
	assert.NotEmpty(t, res.Reports.RiskJudgment)

	// Every analyst spent between 1 and quota tool calls.
	for _, kind := range state.AnalystKinds() {
		count := res.State.Ledger.Count(string(kind))
		assert.GreaterOrEqual(t, count, 1, string(kind))
		assert.LessOrEqual(t, count, config.Default().QuotaFor(string(kind)), string(kind))
	}

	for _, ev := range res.Trace {
		assert.NotEqual(t, state.TraceError, ev.Status, ev.Node)
	}
	// Each pipeline stage appears in the trace.
	nodes := map[string]bool{}
	for _, ev := range res.Trace {
		nodes[ev.Node] = true
	}
	for _, want := range []string{NodeDispatcher, NodeAggregator, NodeBullResearcher, NodeBearResearcher,
		NodeResearchManager, NodeTrader, NodeRiskDispatcher, NodeRiskAggregator, NodeRiskJudge} {
		assert.True(t, nodes[want], want)
	}

	checkChannelPairing(t, res.State)
	checkLedgerBounds(t, res.State, config.Default().Tools.Quotas)
}

// Scenario B: the market-data service is down and its breaker opens; the
// rest of the pipeline continues.
func TestAnalyzeMarketDataDown(t *testing.T) {
	marketMock := model.CapabilityFunc(func(_ context.Context, messages []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
		if hasToolMessage(messages) {
			// The envelope carries a failure; nothing to report.
			return modeltest.Final(""), nil
		}
		return modeltest.Request("get_quote", map[string]any{"symbol": "NVDA"}), nil
	})
	quick := newPipelineCapability(map[string]model.Capability{"market": marketMock})
	deep := newPipelineCapability(nil)
	c := testCoordinator(t, quick, deep, testToolRegistry(t, true), func(cfg *config.Config) {
		cfg.Execution.BreakerFailureThreshold = 1
	})

	res, err := c.Analyze(context.Background(), "NVDA", tradeDate(), nil)
	require.NoError(t, err)

	assert.Contains(t, res.Reports.Market, agents.FallbackReportPrefix)
	assert.NotContains(t, res.Reports.News, agents.FallbackReportPrefix)
	assert.NotContains(t, res.Reports.Fundamentals, agents.FallbackReportPrefix)
	assert.Contains(t, []state.Decision{state.DecisionBuy, state.DecisionSell, state.DecisionHold}, res.Decision)
	assert.Contains(t, res.Narrative, state.FieldMarketReport)
	checkChannelPairing(t, res.State)
}

// Scenario C: a capability that keeps requesting the same tool with varying
// arguments runs into the market quota.
func TestAnalyzeQuotaExhaustion(t *testing.T) {
	greedy := &modeltest.GreedyCaller{
		Tool:      "get_quote",
		ArgKey:    "page",
		BaseArgs:  map[string]any{"symbol": "TSLA"},
		FinalText: "market report from partial data",
	}
	quick := newPipelineCapability(map[string]model.Capability{"market": greedy})
	deep := newPipelineCapability(nil)
	c := testCoordinator(t, quick, deep, testToolRegistry(t, false), func(cfg *config.Config) {
		cfg.Execution.RecursionLimit = 60
	})

	res, err := c.Analyze(context.Background(), "TSLA", tradeDate(), nil)
	require.NoError(t, err)

	quota := config.Default().QuotaFor("market")
	assert.Equal(t, quota, res.State.Ledger.Count("market"))
	assert.Equal(t, "market report from partial data", res.Reports.Market)

	// The over-quota request received a refusal envelope.
	var sawQuotaRefusal bool
	for _, m := range res.State.Channel(state.AnalystMarket) {
		if m.Role == model.RoleTool && strings.Contains(m.Content, "quota exhausted") {
			sawQuotaRefusal = true
		}
	}
	assert.True(t, sawQuotaRefusal)

	// The join fires once even though the market branch kept completing
	// after its ledger crossed quota, and the debate runs its single round.
	stageRuns := map[string]int{}
	for _, ev := range res.Trace {
		stageRuns[ev.Node]++
	}
	assert.Equal(t, 1, stageRuns[NodeAggregator])
	assert.Equal(t, 1, stageRuns[NodeBullResearcher])
	assert.Equal(t, 1, stageRuns[NodeBearResearcher])
	assert.Equal(t, 1, res.State.InvestmentDebate.Round)
	assert.Len(t, res.State.InvestmentDebate.BullHistory, 1)
	assert.Len(t, res.State.InvestmentDebate.BearHistory, 1)

	checkChannelPairing(t, res.State)
	checkLedgerBounds(t, res.State, config.Default().Tools.Quotas)
}

// Scenario D: deadline breach. The run returns promptly with a HOLD fallback
// and the channels still satisfy the pairing invariant.
func TestAnalyzeDeadlineBreach(t *testing.T) {
	slow := &modeltest.Sleeper{Sleep: 10 * time.Second, Text: "too late"}
	quick := newPipelineCapability(map[string]model.Capability{
		"market": slow, "social": slow, "news": slow, "fundamentals": slow,
	})
	deep := newPipelineCapability(nil)
	c := testCoordinator(t, quick, deep, testToolRegistry(t, false), nil)

	deadline := 300 * time.Millisecond
	started := time.Now()
	res, err := c.Analyze(context.Background(), "GME", tradeDate(), &Options{Deadline: &deadline})
	require.NoError(t, err)
	elapsed := time.Since(started)

	assert.Less(t, elapsed, 5*time.Second, "analyze must return near the deadline")
	assert.Equal(t, state.DecisionHold, res.Decision)

	var sawStopped bool
	for _, ev := range res.Trace {
		if ev.Status == state.TraceTimeout || ev.Status == state.TraceCancelled {
			sawStopped = true
		}
	}
	assert.True(t, sawStopped, "trace should record the budget breach")
	checkChannelPairing(t, res.State)
}

// Scenario E: early consensus stops the debate after one round even with
// five rounds allowed.
func TestAnalyzeDebateEarlyConsensus(t *testing.T) {
	bearMock := modeltest.NewScripted(modeltest.Final("bear concedes the data is strong.\nQuality Score: 9.0"))
	quick := newPipelineCapability(map[string]model.Capability{"bear": bearMock})
	deep := newPipelineCapability(nil)
	rounds := 5
	c := testCoordinator(t, quick, deep, testToolRegistry(t, false), nil)

	res, err := c.Analyze(context.Background(), "MSFT", tradeDate(), &Options{MaxDebateRounds: &rounds})
	require.NoError(t, err)

	d := res.State.InvestmentDebate
	assert.Equal(t, agents.ExitEarlyConsensus, d.ExitReason)
	assert.Len(t, d.BullHistory, 1)
	assert.Len(t, d.BearHistory, 1)

	bullTurns, bearTurns := 0, 0
	for _, ev := range res.Trace {
		switch ev.Node {
		case NodeBullResearcher:
			bullTurns++
		case NodeBearResearcher:
			bearTurns++
		}
	}
	assert.Equal(t, 1, bullTurns)
	assert.Equal(t, 1, bearTurns)
}

// Scenario F: a duplicate (tool, args) request from the same agent receives
// a duplicate_request envelope and the ledger grows by exactly one.
func TestAnalyzeDuplicateToolRequest(t *testing.T) {
	calls := 0
	dupMock := model.CapabilityFunc(func(_ context.Context, messages []model.Message, _ []model.ToolDefinition) (*model.Response, error) {
		calls++
		switch calls {
		case 1, 2:
			return modeltest.Request("get_quote", map[string]any{"symbol": "AAPL"}), nil
		default:
			return modeltest.Final("market report built from one quote"), nil
		}
	})
	quick := newPipelineCapability(map[string]model.Capability{"market": dupMock})
	deep := newPipelineCapability(nil)
	c := testCoordinator(t, quick, deep, testToolRegistry(t, false), nil)

	res, err := c.Analyze(context.Background(), "AAPL", tradeDate(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.State.Ledger.Count("market"))

	var fresh, dup int
	for _, m := range res.State.Channel(state.AnalystMarket) {
		if m.Role != model.RoleTool {
			continue
		}
		if strings.Contains(m.Content, "vary parameters") {
			dup++
		} else if strings.Contains(m.Content, "price") {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, dup)
	checkChannelPairing(t, res.State)
}

func TestAnalyzeValidatesInput(t *testing.T) {
	c := testCoordinator(t, newPipelineCapability(nil), newPipelineCapability(nil), testToolRegistry(t, false), nil)
	_, err := c.Analyze(context.Background(), "", tradeDate(), nil)
	assert.Error(t, err)
	_, err = c.Analyze(context.Background(), "AAPL", time.Time{}, nil)
	assert.Error(t, err)
}

// Two runs with identical inputs and mocks yield the same decision
// classification and ledger shape.
func TestAnalyzeDeterministic(t *testing.T) {
	run := func() *Result {
		c := testCoordinator(t, newPipelineCapability(nil), newPipelineCapability(nil), testToolRegistry(t, false), nil)
		res, err := c.Analyze(context.Background(), "AAPL", tradeDate(), nil)
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.Decision, b.Decision)
	assert.Equal(t, a.State.Ledger.Totals, b.State.Ledger.Totals)
	for agent, byTool := range a.State.Ledger.Calls {
		assert.Equal(t, byTool, b.State.Ledger.Calls[agent], agent)
	}
}

// Debate bound: max_debate_rounds = 1 means exactly one bull and one bear
// turn before the manager runs.
func TestAnalyzeSingleDebateRound(t *testing.T) {
	c := testCoordinator(t, newPipelineCapability(nil), newPipelineCapability(nil), testToolRegistry(t, false), nil)
	res, err := c.Analyze(context.Background(), "AAPL", tradeDate(), nil)
	require.NoError(t, err)

	d := res.State.InvestmentDebate
	assert.Equal(t, 1, d.Round)
	assert.Equal(t, agents.ExitMaxRounds, d.ExitReason)
	assert.Len(t, d.BullHistory, 1)
	assert.Len(t, d.BearHistory, 1)
	assert.NotEmpty(t, res.Reports.InvestmentPlan)
}

func TestBuildGraphShape(t *testing.T) {
	registry := testToolRegistry(t, false)
	invoker := tools.NewInvoker(registry, tools.InvokerOptions{})
	cfg := config.Default()
	g, err := buildGraph(buildInputs{
		cfg:          cfg,
		quick:        newPipelineCapability(nil),
		deep:         newPipelineCapability(nil),
		registry:     registry,
		invoker:      invoker,
		controller:   &agents.DebateController{MaxRounds: 1},
		analystTools: analystToolVisibility(registry),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, g.Len())
}
