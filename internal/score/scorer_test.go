package score

import (
	"testing"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/stretchr/testify/require"
)

func TestScoreQuietMonitorHasZeroF1(t *testing.T) {
	s := New(config.Defaults())
	m := &model.MonitorState{IntentType: model.IntentGeneric, Mode: model.ModeE2E}
	b := s.Score(m)
	require.Equal(t, 0.0, b.F1)
}

func TestScorePenalizesFalsePositivesAndNegatives(t *testing.T) {
	s := New(config.Defaults())
	noisy := &model.MonitorState{IntentType: model.IntentPrice, Mode: model.ModeE2E, Confusion: model.ConfusionMatrix{TP: 1, FP: 5, FN: 5}}
	clean := &model.MonitorState{IntentType: model.IntentPrice, Mode: model.ModeE2E, Confusion: model.ConfusionMatrix{TP: 5, TN: 5}}
	require.Less(t, s.Score(noisy).Composite, s.Score(clean).Composite)
}

func TestF1ZeroDenominatorsAreSafe(t *testing.T) {
	require.Equal(t, 0.0, f1Score(model.ConfusionMatrix{TN: 10}))
	require.Equal(t, 1.0, f1Score(model.ConfusionMatrix{TP: 3}))
}

func TestLatencyScoreMatchesSpecFormula(t *testing.T) {
	require.Equal(t, 0.5, latencyScore([]int{1}, 2))
	require.InDelta(t, 0.0, latencyScore([]int{4}, 2), 1e-9)
	// Empty history: avg defaults to sla itself, so the score is the
	// worst case (0), not a neutral default.
	require.Equal(t, 0.0, latencyScore(nil, 2))
}

func TestStabilityScoreBounds(t *testing.T) {
	// mean=0.8, sample stdev=0.01 (n-1=2), ratio=0.01/0.3 -> score=29/30.
	require.InDelta(t, 29.0/30.0, stabilityScore([]float64{0.8, 0.81, 0.79}, 0.3), 1e-9)
	require.Equal(t, 0.0, stabilityScore([]float64{0.9, 0.1, 0.9, 0.1}, 0.2))
	require.Equal(t, 1.0, stabilityScore(nil, 0.2))
	require.Equal(t, 1.0, stabilityScore([]float64{0.1, 0.9}, 0.2))
}

func TestAgentScoreZeroOutsideE2EOrUnused(t *testing.T) {
	require.Equal(t, 0.0, agentScore(model.ModeE2E, model.AgentStats{}))
	require.Equal(t, 0.5, agentScore(model.ModeE2E, model.AgentStats{Correct: 1, Total: 2}))
	require.Equal(t, 0.0, agentScore(model.ModeLive, model.AgentStats{Correct: 1, Total: 2}))
}

func TestLiveModeFoldsAgentWeightIntoF1(t *testing.T) {
	s := New(config.Defaults())
	m := &model.MonitorState{IntentType: model.IntentPrice, Mode: model.ModeLive, Confusion: model.ConfusionMatrix{TP: 3}}
	b := s.Score(m)
	require.Zero(t, b.AgentScore)
}
