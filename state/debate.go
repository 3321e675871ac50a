package state

import (
	"fmt"
	"strings"
)

// DebateState tracks the bull/bear research debate.
type DebateState struct {
	// BullHistory and BearHistory are the per-side turn transcripts.
	BullHistory []string
	BearHistory []string
	// Transcript is the merged exchange.
	Transcript string
	// Round is the completed round count.
	Round int
	// MaxRounds caps the debate.
	MaxRounds int
	// JudgeFeedback is the latest judge commentary.
	JudgeFeedback string
	// Consensus is set when the sides converge.
	Consensus bool
	// QualityScore is the judge's latest 0-10 exchange score.
	QualityScore float64
	// Focus is the next-round focus hint.
	Focus string
	// ExitReason records why the debate ended.
	ExitReason string
}

// ReduceDebate merges debate updates field-wise: histories append with
// deduplication, counts take the maximum, the consensus flag OR-merges, and
// free-text fields prefer the incoming non-empty value.
func ReduceDebate(current, incoming DebateState) DebateState {
	out := current
	out.BullHistory = appendDedup(append([]string(nil), current.BullHistory...), incoming.BullHistory)
	out.BearHistory = appendDedup(append([]string(nil), current.BearHistory...), incoming.BearHistory)
	if incoming.Transcript != "" {
		out.Transcript = incoming.Transcript
	}
	out.Round = max(current.Round, incoming.Round)
	out.MaxRounds = max(current.MaxRounds, incoming.MaxRounds)
	if incoming.JudgeFeedback != "" {
		out.JudgeFeedback = incoming.JudgeFeedback
	}
	out.Consensus = current.Consensus || incoming.Consensus
	if incoming.QualityScore > 0 {
		out.QualityScore = incoming.QualityScore
	}
	if incoming.Focus != "" {
		out.Focus = incoming.Focus
	}
	if incoming.ExitReason != "" {
		out.ExitReason = incoming.ExitReason
	}
	return out
}

func (d DebateState) clone() DebateState {
	c := d
	c.BullHistory = append([]string(nil), d.BullHistory...)
	c.BearHistory = append([]string(nil), d.BearHistory...)
	return c
}

// RiskDebateState tracks the risk-perspective discussion: one response slot
// per perspective, the merged transcript, and the judge's decision.
type RiskDebateState struct {
	// Responses holds one slot per perspective; each slot is single-writer.
	Responses map[Perspective]string
	// Transcript is the merged discussion.
	Transcript string
	// JudgeDecision is the risk judge's verdict.
	JudgeDecision string
	// Count is the number of contributions recorded.
	Count int
}

// NewRiskDebateState constructs an empty risk debate record.
func NewRiskDebateState() RiskDebateState {
	return RiskDebateState{Responses: make(map[Perspective]string)}
}

// ReduceRiskDebate merges risk-debate updates field-wise. Response slots are
// single-writer per perspective: a differing rewrite is rejected.
func ReduceRiskDebate(current, incoming RiskDebateState) (RiskDebateState, error) {
	out := current.clone()
	for p, resp := range incoming.Responses {
		if resp == "" {
			continue
		}
		if existing, ok := out.Responses[p]; ok && existing != "" && existing != resp {
			return current, fmt.Errorf("risk response for %s is single-writer and already set", p)
		}
		out.Responses[p] = resp
	}
	if incoming.Transcript != "" {
		out.Transcript = incoming.Transcript
	}
	if incoming.JudgeDecision != "" {
		if out.JudgeDecision != "" && out.JudgeDecision != incoming.JudgeDecision {
			return current, fmt.Errorf("risk judge decision is single-writer and already set")
		}
		out.JudgeDecision = incoming.JudgeDecision
	}
	out.Count = max(current.Count, incoming.Count)
	return out, nil
}

func (r RiskDebateState) clone() RiskDebateState {
	c := r
	c.Responses = make(map[Perspective]string, len(r.Responses))
	for p, resp := range r.Responses {
		c.Responses[p] = resp
	}
	return c
}

// Decision is a classified trade decision.
type Decision string

const (
	// DecisionBuy recommends opening or adding to a position.
	DecisionBuy Decision = "BUY"
	// DecisionSell recommends exiting or reducing a position.
	DecisionSell Decision = "SELL"
	// DecisionHold recommends no change.
	DecisionHold Decision = "HOLD"
)

// ClassifyDecision extracts the decision token from a narrative. The last
// classifiable token wins so concluding recommendations override quoted
// earlier positions; absence reports false.
func ClassifyDecision(narrative string) (Decision, bool) {
	upper := strings.ToUpper(narrative)
	best := Decision("")
	bestIdx := -1
	for _, d := range []Decision{DecisionBuy, DecisionSell, DecisionHold} {
		if idx := strings.LastIndex(upper, string(d)); idx > bestIdx {
			best, bestIdx = d, idx
		}
	}
	if bestIdx < 0 {
		return "", false
	}
	return best, true
}
