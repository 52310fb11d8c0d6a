package evaluate

import (
	"testing"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/stretchr/testify/require"
)

func TestE2ETruePositiveWithinDetectionWindow(t *testing.T) {
	m := &model.MonitorState{}
	zero := 0
	m.LastTNCycle = &zero
	applied := []model.Mutation{{Cycle: 3, Field: "price", Value: "9.99", ExpectDetection: true}}
	obs := model.Observation{Cycle: 3, Changed: true}

	eval := E2E{}.Evaluate(m, obs, applied)
	require.Equal(t, model.ClassTP, eval.Class)
	require.True(t, eval.ExpectedChange)
	require.Len(t, m.DetectionLatencies, 1)
	require.Equal(t, 3, m.DetectionLatencies[0])
}

func TestE2ETruePositiveOneCycleLate(t *testing.T) {
	m := &model.MonitorState{}
	applied := []model.Mutation{{Cycle: 2, ExpectDetection: true}}
	eval := E2E{}.Evaluate(m, model.Observation{Cycle: 3, Changed: true}, applied)
	require.Equal(t, model.ClassTP, eval.Class)
	require.True(t, eval.ExpectedChange)
}

func TestE2EExpectationExpiresAfterDetectionWindow(t *testing.T) {
	m := &model.MonitorState{}
	applied := []model.Mutation{{Cycle: 1, ExpectDetection: true}}
	eval := E2E{}.Evaluate(m, model.Observation{Cycle: 3, Changed: false}, applied)
	require.False(t, eval.ExpectedChange)
	require.Equal(t, model.ClassTN, eval.Class)
}

func TestE2ETrueNegativeUpdatesLastTNCycle(t *testing.T) {
	m := &model.MonitorState{}
	obs := model.Observation{Cycle: 5, Changed: false}
	eval := E2E{}.Evaluate(m, obs, nil)
	require.Equal(t, model.ClassTN, eval.Class)
	require.NotNil(t, m.LastTNCycle)
	require.Equal(t, 5, *m.LastTNCycle)
}

func TestE2EFalsePositiveAndFalseNegative(t *testing.T) {
	m := &model.MonitorState{}
	fp := E2E{}.Evaluate(m, model.Observation{Cycle: 1, Changed: true}, nil)
	require.Equal(t, model.ClassFP, fp.Class)

	applied := []model.Mutation{{Cycle: 2, ExpectDetection: true}}
	fn := E2E{}.Evaluate(m, model.Observation{Cycle: 2, Changed: false}, applied)
	require.Equal(t, model.ClassFN, fn.Class)
	require.Equal(t, model.TriUnknown, fn.AgentCorrect)
}

func TestE2EErrorObservationIsNeverActualChange(t *testing.T) {
	m := &model.MonitorState{}
	obs := model.Observation{Cycle: 1, Changed: false, Err: &model.ObservationError{Message: "timeout"}}
	eval := E2E{}.Evaluate(m, obs, nil)
	require.Equal(t, model.ClassTN, eval.Class)
	require.False(t, eval.ActualChange)
}

func TestE2EAgentCorrectnessOnTPAndTN(t *testing.T) {
	m := &model.MonitorState{}
	applied := []model.Mutation{{Cycle: 1, ExpectDetection: true}}

	notifiedTP := E2E{}.Evaluate(m, model.Observation{Cycle: 1, Changed: true, Agent: &model.AgentOutcome{Notified: true}}, applied)
	require.Equal(t, model.TriTrue, notifiedTP.AgentCorrect)

	m2 := &model.MonitorState{}
	suppressedTN := E2E{}.Evaluate(m2, model.Observation{Cycle: 5, Changed: false, Agent: &model.AgentOutcome{Notified: false}}, nil)
	require.Equal(t, model.TriTrue, suppressedTN.AgentCorrect)

	m3 := &model.MonitorState{}
	wronglyNotifiedTN := E2E{}.Evaluate(m3, model.Observation{Cycle: 5, Changed: false, Agent: &model.AgentOutcome{Notified: true}}, nil)
	require.Equal(t, model.TriFalse, wronglyNotifiedTN.AgentCorrect)
}

func TestLiveChangeIsAlwaysTruePositive(t *testing.T) {
	m := &model.MonitorState{}
	eval := Live{}.Evaluate(m, model.Observation{Cycle: 1, Changed: true, DiffSnippet: "ad rotated"})
	require.Equal(t, model.ClassTP, eval.Class)
	require.Equal(t, model.TriUnknown, eval.AgentCorrect)
	require.False(t, eval.ExpectedChange)
}

func TestLiveNoChangeIsTrueNegative(t *testing.T) {
	m := &model.MonitorState{}
	eval := Live{}.Evaluate(m, model.Observation{Cycle: 1, Changed: false})
	require.Equal(t, model.ClassTN, eval.Class)
}

func TestLiveErrorCollapsesToTrueNegative(t *testing.T) {
	m := &model.MonitorState{}
	eval := Live{}.Evaluate(m, model.Observation{Cycle: 1, Changed: true, Err: &model.ObservationError{Message: "timeout"}})
	require.Equal(t, model.ClassTN, eval.Class)
}

func TestExpectedChangeWindow(t *testing.T) {
	applied := []model.Mutation{{Cycle: 5, ExpectDetection: true}}
	require.False(t, ExpectedChange(applied, 4))
	require.True(t, ExpectedChange(applied, 5))
	require.True(t, ExpectedChange(applied, 6))
	require.False(t, ExpectedChange(applied, 7))
}
