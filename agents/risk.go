package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradegraph/tradegraph/graph"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/state"
)

// perspectiveStance is the standing instruction per risk perspective.
var perspectiveStance = map[state.Perspective]string{
	state.PerspectiveAggressive:   "You advocate for high-reward positioning. Argue why the plan should take more risk.",
	state.PerspectiveConservative: "You advocate for capital preservation. Argue why the plan should take less risk.",
	state.PerspectiveNeutral:      "You weigh both sides. Point out where the aggressive and conservative views each hold.",
}

// RiskPerspectiveNode argues one risk stance over the trader plan. A failed
// capability yields a deterministic unavailable marker so the discussion
// always fills every slot.
func RiskPerspectiveNode(p state.Perspective, capability model.Capability, timeout time.Duration) graph.NodeFunc {
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		if snap.RiskDebate.Responses[p] != "" {
			return graph.Result{}, nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Company: %s, date: %s.\n\nTrader plan:\n%s\n\nInvestment plan:\n%s\n",
			snap.Ticker, snap.TradeDate.Format("2006-01-02"), snap.TraderPlan, snap.InvestmentPlan)
		messages := []model.Message{
			model.System("You are a risk analyst. " + perspectiveStance[p] + " Be concrete about position sizing and exposure."),
			model.User(b.String()),
		}

		resp, err := resilience.WithTimeoutValue(ctx, timeout, func(ctx context.Context) (*model.Response, error) {
			return capability.Invoke(ctx, messages, nil)
		})
		update := state.NewRiskDebateState()
		update.Count = snap.RiskDebate.Count + 1
		if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
			update.Responses[p] = fmt.Sprintf("[%s risk perspective unavailable]", p)
		} else {
			update.Responses[p] = strings.TrimSpace(resp.Text)
		}
		return graph.Result{
			Patch:  state.Patch{state.FieldRiskDebate: update},
			Tokens: usage(resp),
		}, nil
	}
}

// AllPerspectivesComplete is the risk aggregator join barrier.
func AllPerspectivesComplete() graph.Condition {
	return func(s *state.State) bool {
		for _, p := range state.Perspectives() {
			if s.RiskDebate.Responses[p] == "" {
				return false
			}
		}
		return true
	}
}

// RiskAggregatorNode merges the three perspectives into the discussion
// transcript.
func RiskAggregatorNode() graph.NodeFunc {
	return func(_ context.Context, snap *state.State) (graph.Result, error) {
		var lines []string
		for _, p := range state.Perspectives() {
			lines = append(lines, fmt.Sprintf("%s: %s", p, snap.RiskDebate.Responses[p]))
		}
		update := state.NewRiskDebateState()
		update.Transcript = strings.Join(lines, "\n\n")
		update.Count = len(snap.RiskDebate.Responses)
		return graph.Result{Patch: state.Patch{state.FieldRiskDebate: update}}, nil
	}
}

// RiskJudgeNode makes the final trade decision. When any required input is
// missing or synthesized from a fallback, it emits the deterministic HOLD
// narrative enumerating the gaps instead of consulting the capability.
func RiskJudgeNode(capability model.Capability, timeout time.Duration) graph.NodeFunc {
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		if snap.FinalDecision != "" {
			return graph.Result{}, nil
		}
		if missing := missingInputs(snap); len(missing) > 0 {
			narrative := holdFallback(snap, missing)
			update := state.NewRiskDebateState()
			update.JudgeDecision = narrative
			return graph.Result{Patch: state.Patch{
				state.FieldFinalDecision: narrative,
				state.FieldRiskDebate:    update,
			}}, nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Company: %s, date: %s.\n\n", snap.Ticker, snap.TradeDate.Format("2006-01-02"))
		fmt.Fprintf(&b, "Trader plan:\n%s\n\n", snap.TraderPlan)
		fmt.Fprintf(&b, "Risk discussion:\n%s\n\n", snap.RiskDebate.Transcript)
		fmt.Fprintf(&b, "Market report:\n%s\n\n", snap.Report(state.AnalystMarket))
		fmt.Fprintf(&b, "Sentiment report:\n%s\n\n", snap.Report(state.AnalystSocial))
		fmt.Fprintf(&b, "News report:\n%s\n\n", snap.Report(state.AnalystNews))
		fmt.Fprintf(&b, "Fundamentals report:\n%s\n", snap.Report(state.AnalystFundamentals))
		messages := []model.Message{
			model.System("You are the risk management judge. Evaluate the risk analysts' discussion and decide " +
				"the final course of action. State exactly one of BUY, SELL, or HOLD and justify it."),
			model.User(b.String()),
		}

		resp, err := resilience.WithTimeoutValue(ctx, timeout, func(ctx context.Context) (*model.Response, error) {
			return capability.Invoke(ctx, messages, nil)
		})
		var narrative string
		if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
			narrative = holdFallback(snap, []string{"risk judgment"})
		} else {
			narrative = strings.TrimSpace(resp.Text)
			if _, ok := state.ClassifyDecision(narrative); !ok {
				narrative = narrative + "\n\nFinal decision: HOLD (no classifiable recommendation was produced)."
			}
		}
		update := state.NewRiskDebateState()
		update.JudgeDecision = narrative
		return graph.Result{
			Patch: state.Patch{
				state.FieldFinalDecision: narrative,
				state.FieldRiskDebate:    update,
			},
			Tokens: usage(resp),
		}, nil
	}
}

// missingInputs lists the judge's required inputs that are absent or were
// synthesized from fallbacks.
func missingInputs(s *state.State) []string {
	var missing []string
	for _, kind := range state.AnalystKinds() {
		report := s.Report(kind)
		if report == "" || strings.HasPrefix(report, FallbackReportPrefix) {
			missing = append(missing, state.ReportField(kind))
		}
	}
	if s.InvestmentPlan == "" || s.InvestmentPlan == FallbackInvestmentPlan {
		missing = append(missing, "investment_plan")
	}
	if s.RiskDebate.Transcript == "" {
		missing = append(missing, "risk_analyst_debate")
	}
	return missing
}

// holdFallback is the deterministic HOLD narrative for degraded runs.
func holdFallback(s *state.State, missing []string) string {
	return fmt.Sprintf(`Risk Management Decision: HOLD

Reason: insufficient data for a comprehensive risk analysis of %s.

Missing or degraded inputs: %s.

Recommendation: hold the current position until complete analysis is available.`,
		s.Ticker, strings.Join(missing, ", "))
}
