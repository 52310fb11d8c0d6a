// Package evaluate classifies probe observations against expectation,
// in two modes: a deterministic evaluator for E2E monitors (where the
// scheduled mutation list is ground truth) and a heuristic evaluator for
// live monitors (where no ground truth exists and "expected" can only
// be taken as unknown-as-false).
package evaluate

import (
	"github.com/corvidlabs/watchloop/internal/model"
)

// E2E is the deterministic evaluator used against the mutation server,
// where the intent's scheduled mutation list is ground truth for
// whether a change was expected at a given cycle.
type E2E struct{}

// ExpectedChange implements the one-cycle detection window: a change is
// expected in effect at cycle c iff the most recent applied mutation
// with ExpectDetection=true and Cycle<=c was applied at cycle c or c-1.
// Beyond that one-cycle window the probe "should already have caught
// it", so an older mutation no longer counts as a live expectation.
func ExpectedChange(applied []model.Mutation, cycle int) bool {
	var latest *model.Mutation
	for i := range applied {
		mu := &applied[i]
		if !mu.ExpectDetection || mu.Cycle > cycle {
			continue
		}
		if latest == nil || mu.Cycle > latest.Cycle {
			latest = mu
		}
	}
	if latest == nil {
		return false
	}
	return latest.Cycle == cycle || latest.Cycle == cycle-1
}

// Evaluate classifies obs against the mutations applied so far, updates
// m.LastTNCycle on a true negative, and records detection latency on a
// true positive (resolving spec Open Question (a): the latency pairing
// reads the monitor's own LastTNCycle field directly rather than
// re-deriving it from trimmed parallel-array history).
func (E2E) Evaluate(m *model.MonitorState, obs model.Observation, applied []model.Mutation) model.Evaluation {
	expected := ExpectedChange(applied, obs.Cycle)
	actual := obs.Changed && !obs.IsError()
	class := model.Classify(expected, actual)

	eval := model.Evaluation{
		Class:          class,
		ExpectedChange: expected,
		ActualChange:   actual,
		AgentCorrect:   e2eAgentCorrectness(class, obs),
		Reason:         reasonFor(class),
	}

	recordLatency(m, obs.Cycle, class)
	return eval
}

func reasonFor(class model.Class) string {
	switch class {
	case model.ClassTP:
		return "mutation expected and change detected"
	case model.ClassTN:
		return "no mutation expected, no change observed"
	case model.ClassFP:
		return "change observed with no mutation expected"
	default:
		return "mutation expected but no change detected"
	}
}

// e2eAgentCorrectness implements spec §4.3: on TP, correct iff notified;
// on TN or FP, correct iff suppressed; on FN, always unknown (there is
// nothing to notify about a change the probe never observed).
func e2eAgentCorrectness(class model.Class, obs model.Observation) model.Tri {
	if class == model.ClassFN {
		return model.TriUnknown
	}
	if obs.Agent == nil {
		return model.TriUnknown
	}
	switch class {
	case model.ClassTP:
		return triOf(obs.Agent.Notified)
	default: // TN, FP
		return triOf(!obs.Agent.Notified)
	}
}

func triOf(b bool) model.Tri {
	if b {
		return model.TriTrue
	}
	return model.TriFalse
}

// Live is the heuristic evaluator used against real sites, where there
// is no ground truth mutation schedule: an error collapses to TN, a
// detected change is always taken as TP, and no change is TN.
// expected_change is recorded as unknown-taken-as-false and
// agent_correct is always unknown, since nothing here establishes
// ground truth for what the notification agent should have done.
type Live struct{}

// Evaluate classifies obs per the live heuristic.
func (Live) Evaluate(m *model.MonitorState, obs model.Observation) model.Evaluation {
	var class model.Class
	switch {
	case obs.IsError():
		class = model.ClassTN
	case obs.Changed:
		class = model.ClassTP
	default:
		class = model.ClassTN
	}

	eval := model.Evaluation{
		Class:          class,
		ExpectedChange: false,
		ActualChange:   obs.Changed && !obs.IsError(),
		AgentCorrect:   model.TriUnknown,
		Reason:         liveReasonFor(class, obs),
	}

	recordLatency(m, obs.Cycle, class)
	return eval
}

func liveReasonFor(class model.Class, obs model.Observation) string {
	switch {
	case obs.IsError():
		return "probe error treated as no observed change"
	case class == model.ClassTP:
		return "change detected"
	default:
		return "no change observed"
	}
}

// recordLatency updates a monitor's detection-latency bookkeeping: a TN
// marks the most recent known-quiet cycle, and a TP measures its
// distance from that mark (defaulting to 1 cycle if no prior TN has
// been recorded).
func recordLatency(m *model.MonitorState, cycle int, class model.Class) {
	switch class {
	case model.ClassTN:
		c := cycle
		m.LastTNCycle = &c
	case model.ClassTP:
		latency := 1
		if m.LastTNCycle != nil {
			if d := cycle - *m.LastTNCycle; d > 0 {
				latency = d
			}
		}
		m.AppendLatency(latency)
	}
}
