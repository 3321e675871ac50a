// Package agents turns model capabilities into graph nodes: the four data
// analysts with their tool loops, the bull/bear researchers and their debate
// controller, the research manager, the trader, and the risk perspectives and
// judge. Nodes never return errors across the graph boundary; failures become
// deterministic fallback output so the pipeline always moves forward.
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
	"github.com/tradegraph/tradegraph/telemetry"
	"github.com/tradegraph/tradegraph/tools"
)

// FallbackReportPrefix marks reports synthesized because an agent could not
// produce one. The risk judge scans for it when listing degraded inputs.
const FallbackReportPrefix = "DATA UNAVAILABLE"

// FallbackReport is the deterministic report written when an analyst times
// out, fails, or finishes without any tool data.
func FallbackReport(kind state.AnalystKind, s *state.State) string {
	return fmt.Sprintf("%s — %s analysis for %s on %s could not be completed: required data was not retrieved.",
		FallbackReportPrefix, kind, s.Ticker, s.TradeDate.Format("2006-01-02"))
}

// AnalystSpec configures one analyst branch.
type AnalystSpec struct {
	// Kind selects the channel, report field, and quota bucket.
	Kind state.AnalystKind
	// Capability is the model seam for this analyst.
	Capability model.Capability
	// Tools lists the registered tool names visible to this analyst.
	Tools []string
	// Quota caps the analyst's distinct recorded tool calls.
	Quota int
	// Timeout bounds each capability invocation.
	Timeout time.Duration
	// Direct permits a final report before any tool result has arrived.
	Direct bool
}

// Analysts bundles the collaborators shared by every analyst node.
type Analysts struct {
	Registry *tools.Registry
	Invoker  *tools.Invoker
	Logger   telemetry.Logger
}

// AnalystNode builds the graph node that runs one analyst turn. The node
// reads the analyst's channel from the snapshot and either appends a
// tool-request message, writes the final report, or writes the deterministic
// fallback when the capability fails or times out.
func (a *Analysts) AnalystNode(spec AnalystSpec) graph.NodeFunc {
	logger := a.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		reportField := state.ReportField(spec.Kind)
		channelField := state.ChannelField(spec.Kind)
		if snap.Report(spec.Kind) != "" {
			return graph.Result{}, nil
		}
		messages := snap.Channel(spec.Kind)
		defs := a.Registry.Definitions(spec.Tools...)

		resp, err := resilience.WithTimeoutValue(ctx, spec.Timeout, func(ctx context.Context) (*model.Response, error) {
			return spec.Capability.Invoke(ctx, messages, defs)
		})
		if err == nil && resp == nil {
			err = fmt.Errorf("capability returned no response")
		}
		if err != nil {
			logger.Warn(ctx, "analyst capability failed, writing fallback report",
				"analyst", string(spec.Kind), "error", err.Error())
			return graph.Result{Patch: state.Patch{
				reportField: FallbackReport(spec.Kind, snap),
			}}, nil
		}

		if resp.IsFinal() {
			text := strings.TrimSpace(resp.Text)
			if text == "" || (!spec.Direct && !hasToolResult(messages)) {
				// A final answer grounded in nothing is replaced by the
				// deterministic fallback so the decision stays classifiable.
				return graph.Result{
					Patch:  state.Patch{reportField: FallbackReport(spec.Kind, snap)},
					Tokens: usage(resp),
				}, nil
			}
			return graph.Result{
				Patch: state.Patch{
					reportField:  text,
					channelField: []model.Message{model.Assistant(text)},
				},
				Tokens: usage(resp),
			}, nil
		}

		return graph.Result{
			Patch: state.Patch{
				channelField: []model.Message{model.AssistantToolCalls(resp.Text, resp.ToolCalls...)},
			},
			Tokens: usage(resp),
		}, nil
	}
}

// ToolsNode builds the graph node that answers the analyst's pending tool
// requests. Every request in the last assistant message receives exactly one
// envelope message, and the ledger snapshot is mirrored into the state.
func (a *Analysts) ToolsNode(kind state.AnalystKind) graph.NodeFunc {
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		channelField := state.ChannelField(kind)
		calls := pendingToolCalls(snap.Channel(kind))
		if len(calls) == 0 {
			return graph.Result{}, nil
		}
		envelopes := a.Invoker.InvokeAll(ctx, string(kind), calls)
		messages := make([]model.Message, 0, len(envelopes))
		for _, env := range envelopes {
			messages = append(messages, env.Message())
		}
		return graph.Result{Patch: state.Patch{
			channelField:          messages,
			state.FieldToolLedger: state.ForAgent(string(kind), a.Invoker.Ledger().Snapshot(string(kind))),
		}}, nil
	}
}

// NeedsTools is the analyst → tools edge condition: the channel's last
// message carries unanswered tool requests. Quota does not gate this edge;
// requests past the quota still route to the invoker so each one receives
// its refusal envelope and the channel pairing invariant holds.
func NeedsTools(kind state.AnalystKind) graph.Condition {
	return func(s *state.State) bool {
		if s.Report(kind) != "" {
			return false
		}
		return len(pendingToolCalls(s.Channel(kind))) > 0
	}
}

// BranchComplete reports whether one analyst branch has finished: its report
// is written, or its quota is spent with every request answered, or its last
// assistant turn requested nothing after receiving tool results. The quota
// disjunct waits for pending requests so the analyst gets its refusal
// envelope (and the turn to write a report from partial data) before the
// join proceeds with a fallback.
func BranchComplete(kind state.AnalystKind, quota int) graph.Condition {
	return func(s *state.State) bool {
		if s.Report(kind) != "" {
			return true
		}
		msgs := s.Channel(kind)
		if quota > 0 && s.Ledger.Count(string(kind)) >= quota && len(pendingToolCalls(msgs)) == 0 {
			return true
		}
		last := lastAssistant(msgs)
		return last != nil && len(last.ToolCalls) == 0 && hasToolResult(msgs)
	}
}

// AllBranchesComplete is the aggregator join barrier over every analyst kind.
func AllBranchesComplete(quotas map[string]int) graph.Condition {
	return func(s *state.State) bool {
		for _, kind := range state.AnalystKinds() {
			if !BranchComplete(kind, quotas[string(kind)])(s) {
				return false
			}
		}
		return true
	}
}

// pendingToolCalls returns the tool calls of the last assistant message that
// have no matching tool-result message yet.
func pendingToolCalls(msgs []model.Message) []model.ToolCall {
	last := lastAssistant(msgs)
	if last == nil || len(last.ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]struct{})
	for _, m := range msgs {
		if m.Role == model.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	var pending []model.ToolCall
	for _, call := range last.ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

func lastAssistant(msgs []model.Message) *model.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			return &msgs[i]
		}
	}
	return nil
}

func hasToolResult(msgs []model.Message) bool {
	for _, m := range msgs {
		if m.Role == model.RoleTool {
			return true
		}
	}
	return false
}

func usage(resp *model.Response) *model.TokenUsage {
	if resp == nil {
		return nil
	}
	if resp.Usage.Prompt == 0 && resp.Usage.Completion == 0 {
		return nil
	}
	u := resp.Usage
	return &u
}
