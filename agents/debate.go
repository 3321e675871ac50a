package agents

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tradegraph/tradegraph/graph"
	"github.com/tradegraph/tradegraph/model"
	"github.com/tradegraph/tradegraph/resilience"
	"github.com/tradegraph/tradegraph/state"
)

// Debate exit reasons.
const (
	// ExitEarlyConsensus stops the debate because the quality score crossed
	// the early-consensus threshold.
	ExitEarlyConsensus = "EARLY_CONSENSUS"
	// ExitPerformanceCutoff stops a slow, low-quality debate after round 2.
	ExitPerformanceCutoff = "PERFORMANCE_CUTOFF"
	// ExitMaxRounds stops the debate at the round cap.
	ExitMaxRounds = "MAX_ROUNDS_REACHED"
	// ExitConsensusFlag stops the debate because a node set the consensus flag.
	ExitConsensusFlag = "CONSENSUS_FLAG_SET"
)

// Focus areas for the next debate round. The keyword mapping that selects
// among them is configurable; the set is closed.
const (
	FocusDataEvidence     = "data-evidence"
	FocusRiskAnalysis     = "risk-analysis"
	FocusValuation        = "valuation"
	FocusCompetitive      = "competitive-analysis"
	FocusDeepFundamentals = "deep-fundamentals"
	FocusSynthesis        = "synthesis"
)

// DebateController decides whether the bull/bear exchange continues and what
// the next round should concentrate on. It is pure over (debate state,
// elapsed time) so edge conditions and node patches agree.
type DebateController struct {
	// MaxRounds caps the debate.
	MaxRounds int
	// EarlyConsensusThreshold is the quality score that stops the debate
	// early.
	EarlyConsensusThreshold float64
	// QualityFloor is the score below which a slow debate is cut off.
	QualityFloor float64
	// SoftCap bounds cumulative debate time before the performance cutoff
	// applies.
	SoftCap time.Duration
	// FocusKeywords routes judge-feedback keywords to focus areas. Nil uses
	// DefaultFocusKeywords.
	FocusKeywords map[string]string

	started time.Time
}

// DefaultFocusKeywords is the standard feedback keyword → focus routing.
func DefaultFocusKeywords() map[string]string {
	return map[string]string{
		"data":        FocusDataEvidence,
		"evidence":    FocusDataEvidence,
		"risk":        FocusRiskAnalysis,
		"downside":    FocusRiskAnalysis,
		"valuation":   FocusValuation,
		"price":       FocusValuation,
		"competitive": FocusCompetitive,
		"market":      FocusCompetitive,
	}
}

// Begin marks the start of the debate for soft-cap accounting.
func (c *DebateController) Begin() { c.started = time.Now() }

// Verdict is the controller's decision after a completed round.
type Verdict struct {
	// Continue is true when another round should run.
	Continue bool
	// ExitReason is set when Continue is false.
	ExitReason string
	// Focus is the next-round focus hint when Continue is true.
	Focus string
}

// Evaluate decides whether the debate continues after the given state's most
// recent round.
func (c *DebateController) Evaluate(d state.DebateState) Verdict {
	maxRounds := d.MaxRounds
	if maxRounds <= 0 {
		maxRounds = c.MaxRounds
	}
	if d.Round >= maxRounds {
		return Verdict{ExitReason: ExitMaxRounds}
	}
	if d.Consensus {
		return Verdict{ExitReason: ExitConsensusFlag}
	}
	if c.EarlyConsensusThreshold > 0 && d.QualityScore >= c.EarlyConsensusThreshold {
		return Verdict{ExitReason: ExitEarlyConsensus}
	}
	if c.SoftCap > 0 && !c.started.IsZero() && time.Since(c.started) > c.SoftCap &&
		d.Round >= 2 && d.QualityScore < c.QualityFloor {
		return Verdict{ExitReason: ExitPerformanceCutoff}
	}
	return Verdict{Continue: true, Focus: c.nextFocus(d)}
}

// nextFocus routes judge feedback onto the closed focus set: keyword match
// first, deep fundamentals after round one, synthesis thereafter.
func (c *DebateController) nextFocus(d state.DebateState) string {
	keywords := c.FocusKeywords
	if keywords == nil {
		keywords = DefaultFocusKeywords()
	}
	feedback := strings.ToLower(d.JudgeFeedback)
	if feedback != "" {
		for keyword, focus := range keywords {
			if strings.Contains(feedback, keyword) {
				return focus
			}
		}
	}
	if d.Round == 1 {
		return FocusDeepFundamentals
	}
	return FocusSynthesis
}

// DebateContinues is the bear → bull back-edge condition.
func DebateContinues() graph.Condition {
	return func(s *state.State) bool {
		return s.InvestmentDebate.ExitReason == ""
	}
}

// DebateFinished is the bear → research manager edge condition.
func DebateFinished() graph.Condition {
	return func(s *state.State) bool {
		return s.InvestmentDebate.ExitReason != ""
	}
}

// ResearcherSpec configures one side of the debate.
type ResearcherSpec struct {
	// Bull selects the bull side; false is the bear side.
	Bull bool
	// Capability is the model seam for this researcher.
	Capability model.Capability
	// Timeout bounds each capability invocation.
	Timeout time.Duration
}

// Researchers builds the bull and bear debate nodes around a shared
// controller.
type Researchers struct {
	Controller *DebateController
}

// Node builds a researcher turn. The bull argues first each round; the bear
// closes the round, after which the controller verdict lands in the debate
// state (round counter, focus hint or exit reason).
func (r *Researchers) Node(spec ResearcherSpec) graph.NodeFunc {
	side := "bear"
	if spec.Bull {
		side = "bull"
	}
	return func(ctx context.Context, snap *state.State) (graph.Result, error) {
		d := snap.InvestmentDebate
		if d.ExitReason != "" {
			return graph.Result{}, nil
		}
		round := d.Round + 1

		messages := researcherMessages(side, round, snap)
		resp, err := resilience.WithTimeoutValue(ctx, spec.Timeout, func(ctx context.Context) (*model.Response, error) {
			return spec.Capability.Invoke(ctx, messages, nil)
		})

		var argument string
		if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
			// A failed round is recorded and the debate proceeds.
			argument = fmt.Sprintf("[%s round %d unavailable]", side, round)
		} else {
			argument = strings.TrimSpace(resp.Text)
		}

		update := state.DebateState{MaxRounds: d.MaxRounds}
		entry := fmt.Sprintf("Round %d (%s): %s", round, side, argument)
		if spec.Bull {
			update.BullHistory = []string{entry}
		} else {
			update.BearHistory = []string{entry}
		}
		if score, ok := parseQualityScore(argument); ok {
			update.QualityScore = score
		}
		if feedback, ok := parseJudgeFeedback(argument); ok {
			update.JudgeFeedback = feedback
		}

		// The bear closes the round; fold the controller verdict in so edge
		// conditions observe it on the committed state.
		if !spec.Bull {
			update.Round = round
			closed := state.ReduceDebate(d, update)
			verdict := r.Controller.Evaluate(closed)
			if verdict.Continue {
				update.Focus = verdict.Focus
			} else {
				update.ExitReason = verdict.ExitReason
				if verdict.ExitReason == ExitEarlyConsensus {
					update.Consensus = true
				}
			}
			update.Transcript = mergeTranscript(closed)
		}

		return graph.Result{
			Patch:  state.Patch{state.FieldInvestmentDebate: update},
			Tokens: usage(resp),
		}, nil
	}
}

// researcherMessages builds the prompt for one researcher turn from the
// analyst reports, prior exchange, and the current focus hint.
func researcherMessages(side string, round int, s *state.State) []model.Message {
	stance := "Argue the bullish case: growth, catalysts, and upside."
	if side == "bear" {
		stance = "Argue the bearish case: risks, headwinds, and downside."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s, date: %s. Round %d of the research debate.\n\n", s.Ticker, s.TradeDate.Format("2006-01-02"), round)
	fmt.Fprintf(&b, "Market report:\n%s\n\n", s.Report(state.AnalystMarket))
	fmt.Fprintf(&b, "Sentiment report:\n%s\n\n", s.Report(state.AnalystSocial))
	fmt.Fprintf(&b, "News report:\n%s\n\n", s.Report(state.AnalystNews))
	fmt.Fprintf(&b, "Fundamentals report:\n%s\n\n", s.Report(state.AnalystFundamentals))
	if len(s.InvestmentDebate.BullHistory) > 0 || len(s.InvestmentDebate.BearHistory) > 0 {
		fmt.Fprintf(&b, "Exchange so far:\n%s\n\n", mergeTranscript(s.InvestmentDebate))
	}
	if s.InvestmentDebate.Focus != "" {
		fmt.Fprintf(&b, "Concentrate this round on: %s.\n", s.InvestmentDebate.Focus)
	}
	return []model.Message{
		model.System("You are a securities researcher in a structured debate. " + stance +
			" Ground every claim in the reports provided. Be concise and specific."),
		model.User(b.String()),
	}
}

// mergeTranscript interleaves the two histories in round order.
func mergeTranscript(d state.DebateState) string {
	var lines []string
	for i := 0; i < len(d.BullHistory) || i < len(d.BearHistory); i++ {
		if i < len(d.BullHistory) {
			lines = append(lines, d.BullHistory[i])
		}
		if i < len(d.BearHistory) {
			lines = append(lines, d.BearHistory[i])
		}
	}
	return strings.Join(lines, "\n")
}

var (
	qualityScoreRe  = regexp.MustCompile(`(?i)quality[ _]score:\s*([0-9]+(?:\.[0-9]+)?)`)
	judgeFeedbackRe = regexp.MustCompile(`(?i)judge[ _]feedback:\s*(.+)`)
)

// parseQualityScore extracts a "Quality Score: N" marker from a turn.
func parseQualityScore(text string) (float64, bool) {
	m := qualityScoreRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// parseJudgeFeedback extracts a "Judge Feedback: ..." marker from a turn.
func parseJudgeFeedback(text string) (string, bool) {
	m := judgeFeedbackRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
