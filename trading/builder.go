// Package trading assembles the concrete analysis pipeline and exposes the
// public Analyze entry point. The graph wires the analyst fan-out with tool
// loops, the bull/bear research debate, and the risk fan-out ending in the
// risk judge, all executed by the graph scheduler.
package trading

import (
	"fmt"
	"time"

	"github.com/tradegraph/tradegraph/agents"
	"github.com/tradegraph/tradegraph/config"
	"github.com/tradegraph/tradegraph/graph"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/telemetry"
	"github.com/tradegraph/tradegraph/tools"
)

// Node names in the pipeline graph.
const (
	NodeDispatcher      = "dispatcher"
	NodeAggregator      = "aggregator"
	NodeBullResearcher  = "bull_researcher"
	NodeBearResearcher  = "bear_researcher"
	NodeResearchManager = "research_manager"
	NodeTrader          = "trader"
	NodeRiskDispatcher  = "risk_dispatcher"
	NodeRiskAggregator  = "risk_aggregator"
	NodeRiskJudge       = "risk_judge"
)

// AnalystNodeName returns the analyst node name for a kind.
func AnalystNodeName(kind state.AnalystKind) string { return string(kind) + "_analyst" }

// ToolsNodeName returns the tool node name for a kind.
func ToolsNodeName(kind state.AnalystKind) string { return string(kind) + "_tools" }

// PerspectiveNodeName returns the risk node name for a perspective.
func PerspectiveNodeName(p state.Perspective) string { return string(p) + "_analyst" }

// buildInputs carries everything the graph builder needs.
type buildInputs struct {
	cfg          config.Config
	quick        model.Capability
	deep         model.Capability
	registry     *tools.Registry
	invoker      *tools.Invoker
	controller   *agents.DebateController
	analystTools map[state.AnalystKind][]string
	logger       telemetry.Logger
}

// analystToolVisibility derives each analyst's visible tools from the
// registry's data classes when no explicit mapping is supplied.
func analystToolVisibility(registry *tools.Registry) map[state.AnalystKind][]string {
	return map[state.AnalystKind][]string{
		state.AnalystMarket:       registry.NamesByClass("quote", "indicators"),
		state.AnalystSocial:       registry.NamesByClass("social"),
		state.AnalystNews:         registry.NamesByClass("news"),
		state.AnalystFundamentals: registry.NamesByClass("fundamentals"),
	}
}

// buildGraph assembles the full pipeline.
func buildGraph(in buildInputs) (*graph.Graph, error) {
	g := graph.New()
	quotas := in.cfg.Tools.Quotas
	timeout := in.cfg.Tools.Timeout
	agentTimeout := 4 * timeout
	if agentTimeout <= 0 {
		agentTimeout = time.Minute
	}

	analysts := &agents.Analysts{Registry: in.registry, Invoker: in.invoker, Logger: in.logger}

	if err := g.AddOnceNode(NodeDispatcher, agents.DispatcherNode(in.cfg.Execution.MaxDebateRounds)); err != nil {
		return nil, err
	}
	for _, kind := range state.AnalystKinds() {
		spec := agents.AnalystSpec{
			Kind:       kind,
			Capability: in.quick,
			Tools:      in.analystTools[kind],
			Quota:      quotas[string(kind)],
			Timeout:    agentTimeout,
		}
		if err := g.AddNode(AnalystNodeName(kind), analysts.AnalystNode(spec)); err != nil {
			return nil, err
		}
		if err := g.AddNode(ToolsNodeName(kind), analysts.ToolsNode(kind)); err != nil {
			return nil, err
		}
	}
	if err := g.AddOnceNode(NodeAggregator, agents.AggregatorNode(in.controller, in.logger)); err != nil {
		return nil, err
	}

	researchers := &agents.Researchers{Controller: in.controller}
	if err := g.AddNode(NodeBullResearcher, researchers.Node(agents.ResearcherSpec{
		Bull: true, Capability: in.quick, Timeout: agentTimeout,
	})); err != nil {
		return nil, err
	}
	if err := g.AddNode(NodeBearResearcher, researchers.Node(agents.ResearcherSpec{
		Bull: false, Capability: in.quick, Timeout: agentTimeout,
	})); err != nil {
		return nil, err
	}
	if err := g.AddOnceNode(NodeResearchManager, agents.ResearchManagerNode(in.deep, agentTimeout)); err != nil {
		return nil, err
	}
	if err := g.AddOnceNode(NodeTrader, agents.TraderNode(in.deep, agentTimeout)); err != nil {
		return nil, err
	}
	if err := g.AddOnceNode(NodeRiskDispatcher, agents.RiskDispatcherNode()); err != nil {
		return nil, err
	}
	for _, p := range state.Perspectives() {
		if err := g.AddNode(PerspectiveNodeName(p), agents.RiskPerspectiveNode(p, in.quick, agentTimeout)); err != nil {
			return nil, err
		}
	}
	if err := g.AddOnceNode(NodeRiskAggregator, agents.RiskAggregatorNode()); err != nil {
		return nil, err
	}
	if err := g.AddOnceNode(NodeRiskJudge, agents.RiskJudgeNode(in.deep, agentTimeout)); err != nil {
		return nil, err
	}

	// Analyst fan-out with per-branch tool loops, joined at the aggregator.
	joinReady := agents.AllBranchesComplete(quotas)
	for _, kind := range state.AnalystKinds() {
		analystNode := AnalystNodeName(kind)
		toolsNode := ToolsNodeName(kind)
		if err := g.AddEdge(NodeDispatcher, analystNode); err != nil {
			return nil, err
		}
		if err := g.AddConditionalEdge(analystNode, toolsNode, agents.NeedsTools(kind)); err != nil {
			return nil, err
		}
		if err := g.AddEdge(toolsNode, analystNode); err != nil {
			return nil, err
		}
		if err := g.AddConditionalEdge(analystNode, NodeAggregator, joinReady); err != nil {
			return nil, err
		}
	}

	// Research debate loop.
	if err := g.AddEdge(NodeAggregator, NodeBullResearcher); err != nil {
		return nil, err
	}
	if err := g.AddEdge(NodeBullResearcher, NodeBearResearcher); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdge(NodeBearResearcher, NodeBullResearcher, agents.DebateContinues()); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdge(NodeBearResearcher, NodeResearchManager, agents.DebateFinished()); err != nil {
		return nil, err
	}

	// Decision and risk fan-out.
	if err := g.AddEdge(NodeResearchManager, NodeTrader); err != nil {
		return nil, err
	}
	if err := g.AddEdge(NodeTrader, NodeRiskDispatcher); err != nil {
		return nil, err
	}
	riskJoin := agents.AllPerspectivesComplete()
	for _, p := range state.Perspectives() {
		if err := g.AddEdge(NodeRiskDispatcher, PerspectiveNodeName(p)); err != nil {
			return nil, err
		}
		if err := g.AddConditionalEdge(PerspectiveNodeName(p), NodeRiskAggregator, riskJoin); err != nil {
			return nil, err
		}
	}
	if err := g.AddEdge(NodeRiskAggregator, NodeRiskJudge); err != nil {
		return nil, err
	}

	if err := g.SetStart(NodeDispatcher); err != nil {
		return nil, err
	}
	if got, want := g.Len(), 9+2*len(state.AnalystKinds())+len(state.Perspectives()); got != want {
		return nil, fmt.Errorf("pipeline graph has %d nodes, want %d", got, want)
	}
	return g, nil
}
