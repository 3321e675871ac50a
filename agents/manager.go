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

// FallbackInvestmentPlan is written when the debate produced no usable
// exchange.
const FallbackInvestmentPlan = "HOLD — insufficient debate: no usable bull/bear exchange was produced."

// FallbackTraderPlan is written when the trader capability fails.
const FallbackTraderPlan = "HOLD — trader plan unavailable: the trading agent could not evaluate the investment plan."

// ResearchManagerNode weighs the completed debate and writes the investment
// plan. A debate with no usable exchange yields the deterministic HOLD plan.
func ResearchManagerNode(capability model.Capability, timeout time.Duration) graph.NodeFunc {
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		if snap.InvestmentPlan != "" {
			return graph.Result{}, nil
		}
		d := snap.InvestmentDebate
		if noUsableExchange(d) {
			return graph.Result{Patch: state.Patch{state.FieldInvestmentPlan: FallbackInvestmentPlan}}, nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Company: %s, date: %s.\n\n", snap.Ticker, snap.TradeDate.Format("2006-01-02"))
		fmt.Fprintf(&b, "Research debate (%d rounds, exit: %s):\n%s\n\n", d.Round, d.ExitReason, d.Transcript)
		fmt.Fprintf(&b, "Market report:\n%s\n\n", snap.Report(state.AnalystMarket))
		fmt.Fprintf(&b, "Fundamentals report:\n%s\n", snap.Report(state.AnalystFundamentals))
		messages := []model.Message{
			model.System("You are the research manager. Weigh the bull and bear arguments and produce " +
				"a concrete investment plan: position, sizing rationale, entry conditions, and invalidation level."),
			model.User(b.String()),
		}

		resp, err := resilience.WithTimeoutValue(ctx, timeout, func(ctx context.Context) (*model.Response, error) {
			return capability.Invoke(ctx, messages, nil)
		})
		if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
			return graph.Result{Patch: state.Patch{state.FieldInvestmentPlan: FallbackInvestmentPlan}}, nil
		}
		return graph.Result{
			Patch:  state.Patch{state.FieldInvestmentPlan: strings.TrimSpace(resp.Text)},
			Tokens: usage(resp),
		}, nil
	}
}

// noUsableExchange reports whether every debate turn was a failure marker.
func noUsableExchange(d state.DebateState) bool {
	for _, turns := range [][]string{d.BullHistory, d.BearHistory} {
		for _, turn := range turns {
			if !strings.Contains(turn, "unavailable]") {
				return false
			}
		}
	}
	return true
}

// TraderNode turns the investment plan into a trader plan.
func TraderNode(capability model.Capability, timeout time.Duration) graph.NodeFunc {
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		if snap.TraderPlan != "" {
			return graph.Result{}, nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Company: %s, date: %s.\n\nInvestment plan:\n%s\n\nMarket report:\n%s\n",
			snap.Ticker, snap.TradeDate.Format("2006-01-02"), snap.InvestmentPlan, snap.Report(state.AnalystMarket))
		messages := []model.Message{
			model.System("You are the trading agent. Convert the investment plan into an actionable trade plan: " +
				"direction, order type, size, and stops. End with FINAL TRANSACTION PROPOSAL: BUY, SELL, or HOLD."),
			model.User(b.String()),
		}

		resp, err := resilience.WithTimeoutValue(ctx, timeout, func(ctx context.Context) (*model.Response, error) {
			return capability.Invoke(ctx, messages, nil)
		})
		if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
			return graph.Result{Patch: state.Patch{state.FieldTraderPlan: FallbackTraderPlan}}, nil
		}
		return graph.Result{
			Patch:  state.Patch{state.FieldTraderPlan: strings.TrimSpace(resp.Text)},
			Tokens: usage(resp),
		}, nil
	}
}
