package experiment

import (
	"testing"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/stretchr/testify/require"
)

func newMonitor() *model.MonitorState {
	return &model.MonitorState{Name: "price-retailer-widget", IntentType: model.IntentPrice, DomainClass: "retailer", Mode: model.ModeE2E}
}

func fixedCoin(pickA bool) func() bool { return func() bool { return pickA } }

func TestStartPreMaterializesAllBlocks(t *testing.T) {
	e := New(Config{BlockSize: 3, TotalCycles: 9, ChooseVariantA: fixedCoin(true)})
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)

	require.Equal(t, exp.ID, m.ActiveExperimentID)
	require.Equal(t, model.ExperimentRunning, exp.Status)
	require.Len(t, exp.Blocks, 3)
	require.Equal(t, "auto", exp.Blocks[0].Variant)
	require.Equal(t, "selector", exp.Blocks[1].Variant)
	require.Equal(t, "auto", exp.Blocks[2].Variant)
	require.Equal(t, 0, exp.Blocks[0].StartCycle)
	require.Equal(t, 9, exp.Blocks[2].EndCycle)
}

func TestStartLastBlockMayBeShorter(t *testing.T) {
	e := New(Config{BlockSize: 3, TotalCycles: 7, ChooseVariantA: fixedCoin(true)})
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)
	require.Len(t, exp.Blocks, 3)
	require.Equal(t, 6, exp.Blocks[2].StartCycle)
	require.Equal(t, 7, exp.Blocks[2].EndCycle)
}

func TestVariantForCycleReadsPreAssignedBlock(t *testing.T) {
	e := New(Config{BlockSize: 2, TotalCycles: 6, ChooseVariantA: fixedCoin(true)})
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)

	v0, err := e.VariantForCycle(exp, 0)
	require.NoError(t, err)
	require.Equal(t, "auto", v0)

	v2, err := e.VariantForCycle(exp, 2)
	require.NoError(t, err)
	require.Equal(t, "selector", v2)

	_, err = e.VariantForCycle(exp, 99)
	require.Error(t, err)
}

func TestEvaluateConcludesWithWinnerOnClearEffect(t *testing.T) {
	e := New(Config{BlockSize: 3, TotalCycles: 24, MinPositiveEvents: 5, MinBlocksPerVariant: 4, EffectSizeThreshold: 0.10, ChooseVariantA: fixedCoin(true)})
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)

	// 4 blocks of variant A (cycles 0-2,6-8,12-14,18-20), each with two
	// TP cycles scoring 0.70.
	for _, block := range []int{0, 6, 12, 18} {
		for c := block; c < block+2; c++ {
			require.NoError(t, e.RecordOutcome(exp, c, 0.70, model.ClassTP))
		}
	}
	// 4 blocks of variant B (cycles 3-5,9-11,15-17,21-23), each with two
	// TP cycles scoring a lower 0.50.
	for _, block := range []int{3, 9, 15, 21} {
		for c := block; c < block+2; c++ {
			require.NoError(t, e.RecordOutcome(exp, c, 0.50, model.ClassTP))
		}
	}
	changed := e.Evaluate(exp)

	require.True(t, changed)
	require.Equal(t, model.ExperimentConcluded, exp.Status)
	require.Equal(t, "auto", exp.Winner)
	require.InDelta(t, 0.50, confidenceOf(exp), 1e-9)
}

func TestEvaluateReportsInsufficientDataWhenPositiveEventsAreFew(t *testing.T) {
	e := New(Config{BlockSize: 2, TotalCycles: 8, MinPositiveEvents: 5, MinBlocksPerVariant: 2, EffectSizeThreshold: 0.05, ChooseVariantA: fixedCoin(true)})
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)

	require.NoError(t, e.RecordOutcome(exp, 0, 0.8, model.ClassTP))
	require.NoError(t, e.RecordOutcome(exp, 1, 0.8, model.ClassTP))
	require.NoError(t, e.RecordOutcome(exp, 2, 0.8, model.ClassTP))
	require.NoError(t, e.RecordOutcome(exp, 3, 0.8, model.ClassTP))

	changed := e.Evaluate(exp)
	require.True(t, changed)
	require.Equal(t, model.ExperimentInsufficientData, exp.Status)
}

func TestEvaluateMarksInsufficientDataAfterSingleRecord(t *testing.T) {
	e := New(Defaults())
	m := newMonitor()
	exp := e.Start(m, model.FieldExtraction, "auto", "selector", 0)
	require.NoError(t, e.RecordOutcome(exp, 0, 0.8, model.ClassTP))

	changed := e.Evaluate(exp)
	require.True(t, changed)
	require.Equal(t, model.ExperimentInsufficientData, exp.Status)
}

func TestBuildCreationRuleUsesMonitorFieldsDirectly(t *testing.T) {
	m := newMonitor()
	exp := &model.Experiment{Field: model.FieldExtraction, VariantA: "auto", VariantB: "selector", Winner: "auto", Evidence: "clear win",
		Blocks: []model.Block{{Variant: "auto", Scores: []float64{0.7}, PositiveEvents: 5}}}
	rule := BuildCreationRule(m, exp)
	require.Equal(t, model.IntentPrice, rule.IntentType)
	require.Equal(t, "retailer", rule.DomainClass)
	require.Equal(t, model.ScopeIntentDomain, rule.Scope)
	require.Equal(t, "auto", rule.Recommendation.Extraction)
	require.Equal(t, model.RuleStructural, rule.RuleType)
}

func TestBuildCreationRuleSourceDomainsIsPerMonitorNotDomainClass(t *testing.T) {
	winningExp := func() *model.Experiment {
		return &model.Experiment{Field: model.FieldExtraction, VariantA: "auto", VariantB: "selector", Winner: "auto",
			Blocks: []model.Block{{Variant: "auto", Scores: []float64{0.7}, PositiveEvents: 5}}}
	}

	a := newMonitor()
	a.Name = "price-retailer-a"
	a.URL = "https://shop-a.example.com/widget"
	ruleA := BuildCreationRule(a, winningExp())
	require.Equal(t, []string{"shop-a.example.com"}, ruleA.SourceDomains)

	b := newMonitor()
	b.Name = "price-retailer-b"
	b.URL = "https://shop-b.example.com/widget"
	ruleB := BuildCreationRule(b, winningExp())
	require.Equal(t, []string{"shop-b.example.com"}, ruleB.SourceDomains)

	// Same domain_class ("retailer") on both monitors, but distinct
	// per-monitor source domains: the two monitors must not collide on
	// a single shared SourceDomains entry.
	require.NotEqual(t, ruleA.SourceDomains, ruleB.SourceDomains)
}

func TestBuildCreationRuleSourceDomainsFallsBackToMonitorName(t *testing.T) {
	m := newMonitor()
	m.URL = ""
	exp := &model.Experiment{Field: model.FieldExtraction, VariantA: "auto", VariantB: "selector", Winner: "auto",
		Blocks: []model.Block{{Variant: "auto", Scores: []float64{0.7}, PositiveEvents: 5}}}
	rule := BuildCreationRule(m, exp)
	require.Equal(t, []string{m.Name}, rule.SourceDomains)
}

func TestBuildCreationRuleReturnsNilWithoutWinner(t *testing.T) {
	m := newMonitor()
	exp := &model.Experiment{Field: model.FieldExtraction, Status: model.ExperimentConcluded}
	require.Nil(t, BuildCreationRule(m, exp))
}

func TestBuildCreationRuleFallsBackToNameDerivation(t *testing.T) {
	m := &model.MonitorState{Name: "stock-electronics-gadget"}
	exp := &model.Experiment{Field: model.FieldEngine, VariantA: "http", VariantB: "playwright", Winner: "playwright"}
	rule := BuildCreationRule(m, exp)
	require.Equal(t, model.IntentStock, rule.IntentType)
	require.Equal(t, "electronics", rule.DomainClass)
}

func TestDeriveFromNameFallsBackToGenericForUnknownIntent(t *testing.T) {
	it, domain := deriveFromName("mystery-thing")
	require.Equal(t, model.IntentGeneric, it)
	require.Equal(t, "thing", domain)
}

func TestPlanPicksExtractionFirstThenSkipsTried(t *testing.T) {
	e := New(Defaults())
	m := newMonitor()
	m.Config = model.MonitorConfig{Extraction: "auto", Engine: "http", IntervalSecs: 120}

	exp := e.Plan(m, 0)
	require.NotNil(t, exp)
	require.Equal(t, model.FieldExtraction, exp.Field)

	MarkTried(m, model.FieldExtraction)
	m.ActiveExperimentID = ""
	next := e.Plan(m, 0)
	require.NotNil(t, next)
	require.Equal(t, model.FieldEngine, next.Field)
}

func TestPlanHalvesIntervalForVolatileIntents(t *testing.T) {
	e := New(Defaults())
	m := newMonitor()
	m.Config = model.MonitorConfig{IntervalSecs: 300}
	MarkTried(m, model.FieldExtraction)
	MarkTried(m, model.FieldEngine)

	exp := e.Plan(m, 0)
	require.NotNil(t, exp)
	require.Equal(t, model.FieldIntervalSecs, exp.Field)
	require.Equal(t, "150", exp.VariantB)
}

func TestPlanSkipsInstructionsAndReturnsNilWhenExhausted(t *testing.T) {
	e := New(Defaults())
	m := newMonitor()
	MarkTried(m, model.FieldExtraction)
	MarkTried(m, model.FieldEngine)
	MarkTried(m, model.FieldIntervalSecs)
	MarkTried(m, model.FieldInstructions)

	require.Nil(t, e.Plan(m, 0))
}
