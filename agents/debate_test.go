package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegraph/tradegraph/model/modeltest"
	"github.com/tradegraph/tradegraph/state"
)

func controller() *DebateController {
	return &DebateController{
		MaxRounds:               3,
		EarlyConsensusThreshold: 8.5,
		QualityFloor:            7,
		SoftCap:                 time.Minute,
	}
}

func TestControllerMaxRounds(t *testing.T) {
	v := controller().Evaluate(state.DebateState{Round: 3, MaxRounds: 3})
	assert.False(t, v.Continue)
	assert.Equal(t, ExitMaxRounds, v.ExitReason)
}

func TestControllerConsensusFlag(t *testing.T) {
	v := controller().Evaluate(state.DebateState{Round: 1, MaxRounds: 3, Consensus: true})
	assert.Equal(t, ExitConsensusFlag, v.ExitReason)
}

func TestControllerEarlyConsensus(t *testing.T) {
	v := controller().Evaluate(state.DebateState{Round: 1, MaxRounds: 5, QualityScore: 9.0})
	assert.Equal(t, ExitEarlyConsensus, v.ExitReason)
}

func TestControllerPerformanceCutoff(t *testing.T) {
	c := controller()
	c.SoftCap = time.Nanosecond
	c.Begin()
	time.Sleep(time.Millisecond)
	v := c.Evaluate(state.DebateState{Round: 2, MaxRounds: 5, QualityScore: 4})
	assert.Equal(t, ExitPerformanceCutoff, v.ExitReason)

	// Round 1 is never cut off on performance alone.
	v = c.Evaluate(state.DebateState{Round: 1, MaxRounds: 5, QualityScore: 4})
	assert.True(t, v.Continue)
}

func TestControllerFocusRouting(t *testing.T) {
	c := controller()
	cases := []struct {
		feedback string
		want     string
	}{
		{"need more data and evidence", FocusDataEvidence},
		{"what about the downside?", FocusRiskAnalysis},
		{"the valuation is stretched", FocusValuation},
		{"competitive pressure is mounting", FocusCompetitive},
	}
	for _, tc := range cases {
		v := c.Evaluate(state.DebateState{Round: 1, MaxRounds: 5, JudgeFeedback: tc.feedback})
		require.True(t, v.Continue)
		assert.Equal(t, tc.want, v.Focus, tc.feedback)
	}

	// No feedback: deep fundamentals after round one, synthesis later.
	v := c.Evaluate(state.DebateState{Round: 1, MaxRounds: 5})
	assert.Equal(t, FocusDeepFundamentals, v.Focus)
	v = c.Evaluate(state.DebateState{Round: 2, MaxRounds: 5})
	assert.Equal(t, FocusSynthesis, v.Focus)
}

func TestResearcherRoundAdvancesOnBear(t *testing.T) {
	r := &Researchers{Controller: controller()}
	s := testState(t)
	s, _ = s.Apply(state.Patch{state.FieldInvestmentDebate: state.DebateState{MaxRounds: 3}})

	bull := r.Node(ResearcherSpec{Bull: true, Capability: modeltest.NewScripted(modeltest.Final("bull case: growth")), Timeout: time.Second})
	bear := r.Node(ResearcherSpec{Bull: false, Capability: modeltest.NewScripted(modeltest.Final("bear case: margins")), Timeout: time.Second})

	res, err := bull(context.Background(), s)
	require.NoError(t, err)
	s, _ = s.Apply(res.Patch)
	assert.Equal(t, 0, s.InvestmentDebate.Round, "round closes on the bear turn")
	require.Len(t, s.InvestmentDebate.BullHistory, 1)

	res, err = bear(context.Background(), s)
	require.NoError(t, err)
	s, _ = s.Apply(res.Patch)
	assert.Equal(t, 1, s.InvestmentDebate.Round)
	require.Len(t, s.InvestmentDebate.BearHistory, 1)
	assert.True(t, DebateContinues()(s))
	assert.NotEmpty(t, s.InvestmentDebate.Focus)
	assert.Contains(t, s.InvestmentDebate.Transcript, "bull case")
	assert.Contains(t, s.InvestmentDebate.Transcript, "bear case")
}

func TestResearcherQualityScoreStopsDebate(t *testing.T) {
	r := &Researchers{Controller: controller()}
	s := testState(t)
	s, _ = s.Apply(state.Patch{state.FieldInvestmentDebate: state.DebateState{MaxRounds: 5}})

	bear := r.Node(ResearcherSpec{
		Bull:       false,
		Capability: modeltest.NewScripted(modeltest.Final("bear case settled.\nQuality Score: 9.0")),
		Timeout:    time.Second,
	})
	res, err := bear(context.Background(), s)
	require.NoError(t, err)
	s, _ = s.Apply(res.Patch)
	assert.Equal(t, ExitEarlyConsensus, s.InvestmentDebate.ExitReason)
	assert.True(t, s.InvestmentDebate.Consensus)
	assert.True(t, DebateFinished()(s))
}

func TestResearcherFailureRecordsRoundAndProceeds(t *testing.T) {
	r := &Researchers{Controller: controller()}
	s := testState(t)
	s, _ = s.Apply(state.Patch{state.FieldInvestmentDebate: state.DebateState{MaxRounds: 1}})

	bear := r.Node(ResearcherSpec{
		Bull:       false,
		Capability: &modeltest.Failing{Err: assert.AnError},
		Timeout:    time.Second,
	})
	res, err := bear(context.Background(), s)
	require.NoError(t, err)
	s, _ = s.Apply(res.Patch)
	assert.Equal(t, 1, s.InvestmentDebate.Round)
	require.Len(t, s.InvestmentDebate.BearHistory, 1)
	assert.Contains(t, s.InvestmentDebate.BearHistory[0], "unavailable")
	assert.Equal(t, ExitMaxRounds, s.InvestmentDebate.ExitReason)
}

func TestResearcherSkipsAfterDebateExit(t *testing.T) {
	r := &Researchers{Controller: controller()}
	s := testState(t)
	s, _ = s.Apply(state.Patch{state.FieldInvestmentDebate: state.DebateState{
		MaxRounds:  1,
		Round:      1,
		ExitReason: ExitMaxRounds,
	}})

	scripted := modeltest.NewScripted(modeltest.Final("should not argue again"))
	bull := r.Node(ResearcherSpec{Bull: true, Capability: scripted, Timeout: time.Second})
	res, err := bull(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.Patch)
	assert.Zero(t, scripted.Calls())
}

func TestParseMarkers(t *testing.T) {
	score, ok := parseQualityScore("solid exchange. quality_score: 7.25")
	require.True(t, ok)
	assert.InDelta(t, 7.25, score, 0.001)

	_, ok = parseQualityScore("no marker here")
	assert.False(t, ok)

	feedback, ok := parseJudgeFeedback("Judge Feedback: needs more evidence")
	require.True(t, ok)
	assert.Equal(t, "needs more evidence", feedback)
}
