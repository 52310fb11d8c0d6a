// Package score computes the efficacy scorer's composite score for a
// monitor: a weighted blend of F1, detection latency against SLA,
// score stability, and agent-decision correctness.
package score

import (
	"math"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/model"
)

// Breakdown is the scorer's full accounting for one evaluation, useful
// for reporting and debugging why a score came out the way it did.
type Breakdown struct {
	F1           float64 `json:"f1"`
	LatencyScore float64 `json:"latency_score"`
	Stability    float64 `json:"stability"`
	AgentScore   float64 `json:"agent_score"`
	Composite    float64 `json:"composite"`
}

// Scorer computes efficacy scores using a fixed weight table.
type Scorer struct {
	weights config.Weights
}

// New returns a Scorer using the given weight configuration.
func New(weights config.Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the composite efficacy score for a monitor's current
// state, using its confusion matrix, detection-latency history, recent
// score history (for stability), and agent stats. The weight profile
// used depends on the monitor's mode: live mode folds the agent weight
// into F1, since there is never ground truth for agent correctness
// outside E2E.
func (s *Scorer) Score(m *model.MonitorState) Breakdown {
	profile := s.weights.ProfileFor(m.IntentType)
	if m.Mode == model.ModeLive {
		profile = s.weights.LiveProfileFor(m.IntentType)
	}
	sla := s.weights.SLAFor(m.IntentType)
	threshold := s.weights.StabilityThresholdFor(m.IntentType)

	f1 := f1Score(m.Confusion)
	latency := latencyScore(m.DetectionLatencies, sla)
	stability := stabilityScore(last(m.RecentScores, 10), threshold)
	agent := agentScore(m.Mode, m.Agent)

	composite := profile.F1*f1 + profile.Agent*agent + profile.Latency*latency + profile.Stability*stability

	return Breakdown{F1: f1, LatencyScore: latency, Stability: stability, AgentScore: agent, Composite: composite}
}

// f1Score is the standard F1 over the cumulative confusion matrix. Every
// ratio safely yields 0 on a zero denominator rather than propagating
// NaN: a monitor that has never produced a positive observation has
// precision, recall, and F1 all numerically 0.
func f1Score(c model.ConfusionMatrix) float64 {
	precision := safeDiv(float64(c.TP), float64(c.TP+c.FP))
	recall := safeDiv(float64(c.TP), float64(c.TP+c.FN))
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// latencyScore is `1 - min(avg_latency, sla) / sla`. avg_latency is the
// mean of the recorded detection latencies, or sla itself when no
// detection has happened yet — an undetected monitor has proven
// nothing about its speed, so it takes the worst case rather than a
// neutral default.
func latencyScore(latencies []int, slaCycles int) float64 {
	if slaCycles <= 0 {
		slaCycles = 1
	}
	avg := float64(slaCycles)
	if len(latencies) > 0 {
		var sum float64
		for _, l := range latencies {
			sum += float64(l)
		}
		avg = sum / float64(len(latencies))
	}
	capped := math.Min(avg, float64(slaCycles))
	return 1 - capped/float64(slaCycles)
}

// stabilityScore is `1 - min(stdev(scores)/threshold, 1)`, using the
// sample standard deviation (n-1) to match the ground truth's
// statistics.stdev. Fewer than three scores is too little signal to
// call unstable, so it returns a neutral 1.
func stabilityScore(scores []float64, threshold float64) float64 {
	if len(scores) < 3 {
		return 1.0
	}
	mean := 0.0
	for _, v := range scores {
		mean += v
	}
	mean /= float64(len(scores))
	var sumSq float64
	for _, v := range scores {
		d := v - mean
		sumSq += d * d
	}
	n := len(scores)
	variance := sumSq
	if n > 1 {
		variance /= float64(n - 1)
	}
	stdev := math.Sqrt(variance)

	if threshold <= 0 {
		threshold = 0.2
	}
	ratio := stdev / threshold
	if ratio > 1 {
		ratio = 1
	}
	return 1 - ratio
}

// agentScore is the agent's decision accuracy in E2E mode. Live mode
// never establishes ground truth for agent correctness, so it is
// always 0 there (its weight is folded into F1 by LiveProfileFor, so
// this value is never actually multiplied into a live composite —
// kept explicit rather than special-cased away).
func agentScore(mode model.Mode, a model.AgentStats) float64 {
	if mode != model.ModeE2E || a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total)
}

// last returns the final n elements of scores, or all of them if
// shorter.
func last(scores []float64, n int) []float64 {
	if len(scores) <= n {
		return scores
	}
	return scores[len(scores)-n:]
}
