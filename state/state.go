// Package state defines the run state shared by every node in the pipeline,
// its per-field reducers, and patch application semantics. The scheduler owns
// the canonical state; nodes receive immutable snapshots and return patches
// that are merged through the reducers in deterministic field order.
package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tradegraph/tradegraph/model"
)

// AnalystKind identifies one of the four analyst branches.
type AnalystKind string

const (
	// AnalystMarket gathers technical/market data.
	AnalystMarket AnalystKind = "market"
	// AnalystSocial gathers social sentiment.
	AnalystSocial AnalystKind = "social"
	// AnalystNews gathers news coverage.
	AnalystNews AnalystKind = "news"
	// AnalystFundamentals gathers company fundamentals.
	AnalystFundamentals AnalystKind = "fundamentals"
)

// AnalystKinds lists every analyst branch in canonical order.
func AnalystKinds() []AnalystKind {
	return []AnalystKind{AnalystMarket, AnalystSocial, AnalystNews, AnalystFundamentals}
}

// Perspective identifies one of the three risk-perspective branches.
type Perspective string

const (
	// PerspectiveAggressive argues for risk-seeking positioning.
	PerspectiveAggressive Perspective = "aggressive"
	// PerspectiveConservative argues for capital preservation.
	PerspectiveConservative Perspective = "conservative"
	// PerspectiveNeutral weighs both sides.
	PerspectiveNeutral Perspective = "neutral"
)

// Perspectives lists every risk perspective in canonical order.
func Perspectives() []Perspective {
	return []Perspective{PerspectiveAggressive, PerspectiveConservative, PerspectiveNeutral}
}

// Canonical field names. Patches address fields by these names; reducers are
// applied in sorted name order so concurrent merges stay reproducible.
const (
	FieldTicker    = "ticker"
	FieldTradeDate = "trade_date"

	FieldMarketMessages       = "market_messages"
	FieldSocialMessages       = "social_messages"
	FieldNewsMessages         = "news_messages"
	FieldFundamentalsMessages = "fundamentals_messages"

	FieldMarketReport       = "market_report"
	FieldSentimentReport    = "sentiment_report"
	FieldNewsReport         = "news_report"
	FieldFundamentalsReport = "fundamentals_report"

	FieldInvestmentDebate = "investment_debate_state"
	FieldInvestmentPlan   = "investment_plan"
	FieldTraderPlan       = "trader_plan"
	FieldRiskDebate       = "risk_debate_state"
	FieldFinalDecision    = "final_trade_decision"

	FieldToolLedger = "tool_ledger"
	FieldTrace      = "trace"
)

// ChannelField returns the message channel field for an analyst kind.
func ChannelField(kind AnalystKind) string {
	switch kind {
	case AnalystMarket:
		return FieldMarketMessages
	case AnalystSocial:
		return FieldSocialMessages
	case AnalystNews:
		return FieldNewsMessages
	case AnalystFundamentals:
		return FieldFundamentalsMessages
	}
	return ""
}

// ReportField returns the report field for an analyst kind. The social
// analyst writes the sentiment report, matching the caller-facing report
// names.
func ReportField(kind AnalystKind) string {
	switch kind {
	case AnalystMarket:
		return FieldMarketReport
	case AnalystSocial:
		return FieldSentimentReport
	case AnalystNews:
		return FieldNewsReport
	case AnalystFundamentals:
		return FieldFundamentalsReport
	}
	return ""
}

// Patch is a partial state update returned by a node. Every key present is a
// reduce request against the named field.
type Patch map[string]any

// State is the run state. It is created once per run by the coordinator and
// mutated only by the scheduler through Apply.
type State struct {
	// Ticker is the uppercase instrument symbol. Immutable after creation.
	Ticker string
	// TradeDate is the analysis date. Immutable after creation.
	TradeDate time.Time

	// Channels holds the per-analyst ordered message sequences.
	Channels map[AnalystKind][]model.Message
	// Reports holds the per-analyst final reports, keyed by report field.
	Reports map[string]string

	// InvestmentDebate tracks the bull/bear exchange.
	InvestmentDebate DebateState
	// InvestmentPlan is the research manager's verdict.
	InvestmentPlan string
	// TraderPlan is the trader's plan.
	TraderPlan string
	// RiskDebate tracks the risk-perspective discussion.
	RiskDebate RiskDebateState
	// FinalDecision is the risk judge's decision narrative.
	FinalDecision string

	// Ledger mirrors the invoker's tool-call accounting.
	Ledger LedgerSnapshot
	// Trace is the ordered node execution record.
	Trace []TraceEvent
}

// New creates the initial run state. Every other field starts empty.
func New(ticker string, tradeDate time.Time) *State {
	s := &State{
		Ticker:    strings.ToUpper(strings.TrimSpace(ticker)),
		TradeDate: tradeDate,
		Channels:  make(map[AnalystKind][]model.Message, 4),
		Reports:   make(map[string]string, 4),
		Ledger:    NewLedgerSnapshot(),
	}
	for _, kind := range AnalystKinds() {
		s.Channels[kind] = nil
	}
	return s
}

// Clone returns a deep copy. Snapshots handed to nodes are clones so no node
// can reach the canonical state.
func (s *State) Clone() *State {
	c := &State{
		Ticker:           s.Ticker,
		TradeDate:        s.TradeDate,
		Channels:         make(map[AnalystKind][]model.Message, len(s.Channels)),
		Reports:          make(map[string]string, len(s.Reports)),
		InvestmentDebate: s.InvestmentDebate.clone(),
		InvestmentPlan:   s.InvestmentPlan,
		TraderPlan:       s.TraderPlan,
		RiskDebate:       s.RiskDebate.clone(),
		FinalDecision:    s.FinalDecision,
		Ledger:           s.Ledger.clone(),
		Trace:            append([]TraceEvent(nil), s.Trace...),
	}
	for kind, msgs := range s.Channels {
		c.Channels[kind] = append([]model.Message(nil), msgs...)
	}
	for k, v := range s.Reports {
		c.Reports[k] = v
	}
	return c
}

// Report returns the report for an analyst kind.
func (s *State) Report(kind AnalystKind) string {
	return s.Reports[ReportField(kind)]
}

// Channel returns the message channel for an analyst kind.
func (s *State) Channel(kind AnalystKind) []model.Message {
	return s.Channels[kind]
}

// RollbackUnanswered returns a copy of the state with any assistant message
// whose tool requests lack matching result messages removed from its channel.
// The coordinator applies it at run end so interrupted runs still satisfy the
// request/result pairing invariant.
func (s *State) RollbackUnanswered() *State {
	out := s.Clone()
	for kind, msgs := range out.Channels {
		answered := make(map[string]struct{})
		for _, m := range msgs {
			if m.Role == model.RoleTool && m.ToolCallID != "" {
				answered[m.ToolCallID] = struct{}{}
			}
		}
		kept := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Role == model.RoleAssistant && len(m.ToolCalls) > 0 {
				complete := true
				for _, call := range m.ToolCalls {
					if _, ok := answered[call.ID]; !ok {
						complete = false
						break
					}
				}
				if !complete {
					continue
				}
			}
			kept = append(kept, m)
		}
		out.Channels[kind] = kept
	}
	return out
}

// ValidationEvent records a rejected patch key.
type ValidationEvent struct {
	// Field is the rejected patch key.
	Field string
	// Reason describes the violated invariant.
	Reason string
	// At is when the rejection happened.
	At time.Time
}

// Apply merges a patch into the state, returning the new state and any
// validation events for rejected keys. Reducers run in sorted field order;
// rejected keys are discarded while the rest of the patch applies. The
// receiver is never mutated: the accepted subset lands atomically on the
// returned clone.
func (s *State) Apply(patch Patch) (*State, []ValidationEvent) {
	if len(patch) == 0 {
		return s, nil
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	next := s.Clone()
	var events []ValidationEvent
	for _, key := range keys {
		if err := next.reduceField(key, patch[key]); err != nil {
			events = append(events, ValidationEvent{Field: key, Reason: err.Error(), At: time.Now()})
		}
	}
	return next, events
}

// reduceField applies one patch value to the named field in place on a clone.
func (s *State) reduceField(field string, value any) error {
	switch field {
	case FieldTicker:
		v, ok := value.(string)
		if !ok || !strings.EqualFold(v, s.Ticker) {
			return fmt.Errorf("ticker is immutable")
		}
		return nil
	case FieldTradeDate:
		v, ok := value.(time.Time)
		if !ok || !v.Equal(s.TradeDate) {
			return fmt.Errorf("trade date is immutable")
		}
		return nil

	case FieldMarketMessages, FieldSocialMessages, FieldNewsMessages, FieldFundamentalsMessages:
		msgs, err := asMessages(value)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		kind := channelKind(field)
		s.Channels[kind] = ReduceChannel(s.Channels[kind], msgs)
		return nil

	case FieldMarketReport, FieldSentimentReport, FieldNewsReport, FieldFundamentalsReport:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: report must be a string", field)
		}
		s.Reports[field] = ReduceReport(s.Reports[field], v)
		return nil

	case FieldInvestmentDebate:
		v, ok := value.(DebateState)
		if !ok {
			return fmt.Errorf("investment debate patch must be a DebateState")
		}
		s.InvestmentDebate = ReduceDebate(s.InvestmentDebate, v)
		return nil

	case FieldInvestmentPlan:
		return reduceSingleWriter(field, &s.InvestmentPlan, value)
	case FieldTraderPlan:
		return reduceSingleWriter(field, &s.TraderPlan, value)
	case FieldFinalDecision:
		return reduceSingleWriter(field, &s.FinalDecision, value)

	case FieldRiskDebate:
		v, ok := value.(RiskDebateState)
		if !ok {
			return fmt.Errorf("risk debate patch must be a RiskDebateState")
		}
		merged, err := ReduceRiskDebate(s.RiskDebate, v)
		if err != nil {
			return err
		}
		s.RiskDebate = merged
		return nil

	case FieldToolLedger:
		v, ok := value.(LedgerSnapshot)
		if !ok {
			return fmt.Errorf("tool ledger patch must be a LedgerSnapshot")
		}
		s.Ledger = ReduceLedger(s.Ledger, v)
		return nil

	case FieldTrace:
		events, err := asTraceEvents(value)
		if err != nil {
			return err
		}
		s.Trace = append(s.Trace, events...)
		return nil
	}
	return fmt.Errorf("unknown state field %q", field)
}

// reduceSingleWriter enforces write-once semantics: identical rewrites are
// idempotent, differing rewrites are rejected.
func reduceSingleWriter(field string, dst *string, value any) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s must be a string", field)
	}
	if *dst != "" && *dst != v {
		return fmt.Errorf("%s is single-writer and already set", field)
	}
	*dst = v
	return nil
}

func channelKind(field string) AnalystKind {
	switch field {
	case FieldMarketMessages:
		return AnalystMarket
	case FieldSocialMessages:
		return AnalystSocial
	case FieldNewsMessages:
		return AnalystNews
	default:
		return AnalystFundamentals
	}
}

func asMessages(value any) ([]model.Message, error) {
	switch v := value.(type) {
	case []model.Message:
		return v, nil
	case model.Message:
		return []model.Message{v}, nil
	default:
		return nil, fmt.Errorf("channel patch must be messages, got %T", value)
	}
}

func asTraceEvents(value any) ([]TraceEvent, error) {
	switch v := value.(type) {
	case []TraceEvent:
		return v, nil
	case TraceEvent:
		return []TraceEvent{v}, nil
	default:
		return nil, fmt.Errorf("trace patch must be trace events, got %T", value)
	}
}
