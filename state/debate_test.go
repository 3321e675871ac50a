package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceDebateFieldwise(t *testing.T) {
	current := DebateState{
		BullHistory: []string{"bull round 1"},
		Round:       1,
		MaxRounds:   3,
	}
	incoming := DebateState{
		BullHistory:   []string{"bull round 1", "bull round 2"},
		BearHistory:   []string{"bear round 2"},
		Round:         2,
		JudgeFeedback: "needs more data",
		QualityScore:  6.5,
	}
	merged := ReduceDebate(current, incoming)
	assert.Equal(t, []string{"bull round 1", "bull round 2"}, merged.BullHistory)
	assert.Equal(t, []string{"bear round 2"}, merged.BearHistory)
	assert.Equal(t, 2, merged.Round)
	assert.Equal(t, 3, merged.MaxRounds)
	assert.Equal(t, "needs more data", merged.JudgeFeedback)
	assert.InDelta(t, 6.5, merged.QualityScore, 0.001)
}

func TestReduceDebateConsensusORMerge(t *testing.T) {
	merged := ReduceDebate(DebateState{Consensus: true}, DebateState{Consensus: false})
	assert.True(t, merged.Consensus)
	merged = ReduceDebate(DebateState{}, DebateState{Consensus: true})
	assert.True(t, merged.Consensus)
	merged = ReduceDebate(DebateState{}, DebateState{})
	assert.False(t, merged.Consensus)
}

func TestReduceRiskDebateSlots(t *testing.T) {
	current := NewRiskDebateState()
	incoming := NewRiskDebateState()
	incoming.Responses[PerspectiveAggressive] = "lever up"
	incoming.Count = 1

	merged, err := ReduceRiskDebate(current, incoming)
	require.NoError(t, err)
	assert.Equal(t, "lever up", merged.Responses[PerspectiveAggressive])
	assert.Equal(t, 1, merged.Count)

	// A second write to the same slot with differing content is rejected.
	conflicting := NewRiskDebateState()
	conflicting.Responses[PerspectiveAggressive] = "actually don't"
	_, err = ReduceRiskDebate(merged, conflicting)
	require.Error(t, err)

	// Identical rewrite is fine; other slots fill independently.
	ok := NewRiskDebateState()
	ok.Responses[PerspectiveAggressive] = "lever up"
	ok.Responses[PerspectiveNeutral] = "balance"
	merged, err = ReduceRiskDebate(merged, ok)
	require.NoError(t, err)
	assert.Equal(t, "balance", merged.Responses[PerspectiveNeutral])
}

func TestClassifyDecision(t *testing.T) {
	cases := []struct {
		narrative string
		want      Decision
		ok        bool
	}{
		{"Recommendation: BUY with conviction", DecisionBuy, true},
		{"we should hold for now", DecisionHold, true},
		{"SELL into strength", DecisionSell, true},
		{"the bull case says buy, but final verdict: SELL", DecisionSell, true},
		{"no opinion here", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ClassifyDecision(tc.narrative)
		assert.Equal(t, tc.ok, ok, tc.narrative)
		assert.Equal(t, tc.want, got, tc.narrative)
	}
}
