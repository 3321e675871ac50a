package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/model/modeltest"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/tools"
)

func testState(t *testing.T) *state.State {
	t.Helper()
	return state.New("AAPL", time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC))
}

func testAnalysts(t *testing.T) *Analysts {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Descriptor{
		Name:        "get_quote",
		Description: "Fetch a quote",
		DataClass:   "quote",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"price": 187.5}, nil
		},
	}))
	invoker := tools.NewInvoker(registry, tools.InvokerOptions{Quotas: map[string]int{"market": 20}})
	return &Analysts{Registry: registry, Invoker: invoker}
}

func seeded(t *testing.T, kind state.AnalystKind) *state.State {
	t.Helper()
	s := testState(t)
	s, events := s.Apply(state.Patch{state.ChannelField(kind): []model.Message{
		model.System("you are an analyst"),
		model.User("analyze AAPL"),
	}})
	require.Empty(t, events)
	return s
}

func TestAnalystRequestsTools(t *testing.T) {
	a := testAnalysts(t)
	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystMarket,
		Capability: modeltest.NewScripted(modeltest.Request("get_quote", map[string]any{"symbol": "AAPL"})),
		Tools:      []string{"get_quote"},
		Quota:      20,
		Timeout:    time.Second,
	})

	res, err := node(context.Background(), seeded(t, state.AnalystMarket))
	require.NoError(t, err)
	s, _ := seeded(t, state.AnalystMarket).Apply(res.Patch)
	msgs := s.Channel(state.AnalystMarket)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "get_quote", last.ToolCalls[0].Name)
	assert.True(t, NeedsTools(state.AnalystMarket)(s))
}

func TestToolsNodeAnswersEveryRequest(t *testing.T) {
	a := testAnalysts(t)
	s := seeded(t, state.AnalystMarket)
	s, _ = s.Apply(state.Patch{state.ChannelField(state.AnalystMarket): []model.Message{
		model.AssistantToolCalls("",
			model.ToolCall{ID: "c1", Name: "get_quote", Arguments: map[string]any{"symbol": "AAPL"}},
			model.ToolCall{ID: "c2", Name: "bogus", Arguments: map[string]any{}},
		),
	}})

	res, err := a.ToolsNode(state.AnalystMarket)(context.Background(), s)
	require.NoError(t, err)
	s, events := s.Apply(res.Patch)
	require.Empty(t, events)

	msgs := s.Channel(state.AnalystMarket)
	var results []model.Message
	for _, m := range msgs {
		if m.Role == model.RoleTool {
			results = append(results, m)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, 1, s.Ledger.Count("market"))
	assert.False(t, NeedsTools(state.AnalystMarket)(s))
}

func TestAnalystWritesReportAfterToolResults(t *testing.T) {
	a := testAnalysts(t)
	s := seeded(t, state.AnalystMarket)
	s, _ = s.Apply(state.Patch{state.ChannelField(state.AnalystMarket): []model.Message{
		model.AssistantToolCalls("", model.ToolCall{ID: "c1", Name: "get_quote", Arguments: map[string]any{"symbol": "AAPL"}}),
		model.ToolResult("c1", "get_quote", `{"price":187.5}`),
	}})

	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystMarket,
		Capability: modeltest.NewScripted(modeltest.Final("AAPL trades at 187.5 with neutral momentum.")),
		Quota:      20,
		Timeout:    time.Second,
	})
	res, err := node(context.Background(), s)
	require.NoError(t, err)
	s, _ = s.Apply(res.Patch)
	assert.Equal(t, "AAPL trades at 187.5 with neutral momentum.", s.Report(state.AnalystMarket))
	assert.True(t, BranchComplete(state.AnalystMarket, 20)(s))
}

func TestAnalystFinalWithoutDataFallsBack(t *testing.T) {
	a := testAnalysts(t)
	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystNews,
		Capability: modeltest.NewScripted(modeltest.Final("confident report out of thin air")),
		Timeout:    time.Second,
	})
	res, err := node(context.Background(), seeded(t, state.AnalystNews))
	require.NoError(t, err)
	s, _ := seeded(t, state.AnalystNews).Apply(res.Patch)
	assert.Contains(t, s.Report(state.AnalystNews), FallbackReportPrefix)
}

func TestAnalystDirectResponseAllowed(t *testing.T) {
	a := testAnalysts(t)
	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystNews,
		Capability: modeltest.NewScripted(modeltest.Final("direct digest of known coverage")),
		Timeout:    time.Second,
		Direct:     true,
	})
	res, err := node(context.Background(), seeded(t, state.AnalystNews))
	require.NoError(t, err)
	s, _ := seeded(t, state.AnalystNews).Apply(res.Patch)
	assert.Equal(t, "direct digest of known coverage", s.Report(state.AnalystNews))
}

func TestAnalystCapabilityFailureFallsBack(t *testing.T) {
	a := testAnalysts(t)
	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystSocial,
		Capability: &modeltest.Failing{Err: errors.New("provider down")},
		Timeout:    time.Second,
	})
	res, err := node(context.Background(), seeded(t, state.AnalystSocial))
	require.NoError(t, err, "agent runner must not raise across the node boundary")
	s, _ := seeded(t, state.AnalystSocial).Apply(res.Patch)
	assert.Contains(t, s.Report(state.AnalystSocial), FallbackReportPrefix)
	assert.True(t, BranchComplete(state.AnalystSocial, 3)(s))
}

func TestAnalystTimeoutFallsBack(t *testing.T) {
	a := testAnalysts(t)
	node := a.AnalystNode(AnalystSpec{
		Kind:       state.AnalystMarket,
		Capability: &modeltest.Sleeper{Sleep: time.Second, Text: "too late"},
		Timeout:    5 * time.Millisecond,
	})
	started := time.Now()
	res, err := node(context.Background(), seeded(t, state.AnalystMarket))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	s, _ := seeded(t, state.AnalystMarket).Apply(res.Patch)
	assert.Contains(t, s.Report(state.AnalystMarket), FallbackReportPrefix)
}

func TestAnalystSkipsWhenReportSet(t *testing.T) {
	a := testAnalysts(t)
	s := seeded(t, state.AnalystMarket)
	s, _ = s.Apply(state.Patch{state.FieldMarketReport: "already done"})
	scripted := modeltest.NewScripted(modeltest.Final("should not be called"))
	node := a.AnalystNode(AnalystSpec{Kind: state.AnalystMarket, Capability: scripted, Timeout: time.Second})

	res, err := node(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.Patch)
	assert.Zero(t, scripted.Calls())
}

func TestBranchCompleteOnQuota(t *testing.T) {
	s := testState(t)
	s, _ = s.Apply(state.Patch{state.FieldToolLedger: state.ForAgent("social", map[string][]string{
		"get_social_sentiment": {"h1", "h2", "h3"},
	})})
	assert.True(t, BranchComplete(state.AnalystSocial, 3)(s))
	assert.False(t, BranchComplete(state.AnalystSocial, 5)(s))

	// At quota with an unanswered request the branch is still in flight:
	// the refusal envelope and the analyst's partial-data report come first.
	s, _ = s.Apply(state.Patch{state.ChannelField(state.AnalystSocial): []model.Message{
		model.AssistantToolCalls("", model.ToolCall{ID: "c4", Name: "get_social_sentiment"}),
	}})
	assert.False(t, BranchComplete(state.AnalystSocial, 3)(s))

	// Once the refusal lands, quota completes the branch again.
	s, _ = s.Apply(state.Patch{state.ChannelField(state.AnalystSocial): []model.Message{
		model.ToolResult("c4", "get_social_sentiment", "quota exhausted"),
	}})
	assert.True(t, BranchComplete(state.AnalystSocial, 3)(s))
}

func TestAllBranchesComplete(t *testing.T) {
	quotas := map[string]int{"market": 20, "social": 3, "news": 3, "fundamentals": 3}
	s := testState(t)
	cond := AllBranchesComplete(quotas)
	assert.False(t, cond(s))
	for _, kind := range state.AnalystKinds() {
		s, _ = s.Apply(state.Patch{state.ReportField(kind): "done"})
	}
	assert.True(t, cond(s))
}
