package agents

import (
	"context"
	"fmt"

	"github.com/tradegraph/tradegraph/graph"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/state"
	"github.com/tradegraph/tradegraph/telemetry"
)

// analystCharter is the standing instruction per analyst kind.
var analystCharter = map[state.AnalystKind]string{
	state.AnalystMarket: "You are a market analyst. Use the available tools to collect price history and " +
		"technical indicators (trend, momentum, volatility), then write a concise technical report.",
	state.AnalystSocial: "You are a social sentiment analyst. Use the available tools to gauge retail " +
		"sentiment and discussion volume, then write a concise sentiment report.",
	state.AnalystNews: "You are a news analyst. Use the available tools to survey recent coverage and " +
		"macro events affecting the company, then write a concise news report.",
	state.AnalystFundamentals: "You are a fundamentals analyst. Use the available tools to review financials, " +
		"valuation, and guidance, then write a concise fundamentals report.",
}

// DispatcherNode seeds every analyst channel with its charter and the run
// request, and initializes the debate round cap. It is the parallel region's
// entry barrier: every analyst edge leaves from here.
func DispatcherNode(maxDebateRounds int) graph.NodeFunc {
	return func(_ context.Context, snap *state.State) (graph.Result, error) {
		patch := state.Patch{
			state.FieldInvestmentDebate: state.DebateState{MaxRounds: maxDebateRounds},
		}
		request := fmt.Sprintf("Analyze %s for trade date %s.", snap.Ticker, snap.TradeDate.Format("2006-01-02"))
		for _, kind := range state.AnalystKinds() {
			patch[state.ChannelField(kind)] = []model.Message{
				model.System(analystCharter[kind]),
				model.User(request),
			}
		}
		return graph.Result{Patch: patch}, nil
	}
}

// RiskDispatcherNode marks the risk fan-out boundary. The risk perspectives
// read the trader plan straight from their snapshots, so the dispatcher only
// initializes the discussion record.
func RiskDispatcherNode() graph.NodeFunc {
	return func(context.Context, *state.State) (graph.Result, error) {
		return graph.Result{Patch: state.Patch{state.FieldRiskDebate: state.NewRiskDebateState()}}, nil
	}
}

// AggregatorNode is the analyst fan-in barrier. It runs once all branches
// are complete (report written, quota spent, or timed out) and fills any
// still-empty report with the deterministic fallback so downstream nodes
// always receive four reports.
func AggregatorNode(controller *DebateController, logger telemetry.Logger) graph.NodeFunc {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		// The debate starts strictly after aggregation; any debate activity
		// means this barrier already fired.
		d := snap.InvestmentDebate
		if d.ExitReason != "" || len(d.BullHistory) > 0 || len(d.BearHistory) > 0 {
			return graph.Result{}, nil
		}
		patch := state.Patch{}
		for _, kind := range state.AnalystKinds() {
			if snap.Report(kind) == "" {
				logger.Warn(ctx, "analyst branch ended without a report, synthesizing fallback",
					"analyst", string(kind))
				patch[state.ReportField(kind)] = FallbackReport(kind, snap)
			}
		}
		if controller != nil {
			controller.Begin()
		}
		return graph.Result{Patch: patch}, nil
	}
}
