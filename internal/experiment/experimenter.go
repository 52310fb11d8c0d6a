// Package experiment runs time-blocked A/B tests on a monitor's
// configuration fields: the full cycle budget is pre-partitioned into
// fixed-size blocks that strictly alternate variants, so that temporal
// confounds (diurnal patterns, server-side state) land on both variants
// roughly equally rather than skewing whichever ran first. Every
// evaluation checks each variant's positive (TP) events and contributing
// blocks: if either variant is below the thresholds, the experiment is
// marked insufficient data at that evaluation; otherwise it concludes,
// with a winner by a simple effect-size threshold (not full statistical
// significance testing) or with no winner when the effect is below it.
// Grounded on the teacher's ABTestingFramework,
// whose per-variant sample/success accounting is repurposed here from
// HTTP-request variants to monitor-configuration variants.
package experiment

import (
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/google/uuid"
)

// Config controls block sizing and the termination thresholds.
type Config struct {
	BlockSize            int
	TotalCycles          int
	MinPositiveEvents    int
	MinBlocksPerVariant  int
	EffectSizeThreshold  float64

	// ChooseVariantA, when set, decides the initial block's variant
	// deterministically (true picks variant A). Tests inject this to
	// avoid depending on process-global randomness; production leaves it
	// nil and gets a uniform coin flip.
	ChooseVariantA func() bool
}

// Defaults returns the experimenter's default thresholds: a 20-cycle
// total budget cut into 3-cycle blocks, at least 5 positive events
// (correctly-handled changes) and 4 contributing blocks per variant
// before any verdict, and a 0.10 composite-score effect size to declare
// a winner.
func Defaults() Config {
	return Config{BlockSize: 3, TotalCycles: 20, MinPositiveEvents: 5, MinBlocksPerVariant: 4, EffectSizeThreshold: 0.10}
}

// Experimenter creates, advances, and concludes experiments.
type Experimenter struct {
	cfg Config
}

// New returns an Experimenter using cfg, filling any zero field from
// Defaults().
func New(cfg Config) *Experimenter {
	d := Defaults()
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = d.BlockSize
	}
	if cfg.TotalCycles <= 0 {
		cfg.TotalCycles = d.TotalCycles
	}
	if cfg.MinPositiveEvents <= 0 {
		cfg.MinPositiveEvents = d.MinPositiveEvents
	}
	if cfg.MinBlocksPerVariant <= 0 {
		cfg.MinBlocksPerVariant = d.MinBlocksPerVariant
	}
	if cfg.EffectSizeThreshold <= 0 {
		cfg.EffectSizeThreshold = d.EffectSizeThreshold
	}
	return &Experimenter{cfg: cfg}
}

// Start creates a new running experiment on field, pre-materializing
// every block over [startCycle, startCycle+TotalCycles) up front —
// there is no mid-experiment reshuffling. The first block's variant is
// a uniform coin flip; every subsequent block strictly alternates.
func (e *Experimenter) Start(m *model.MonitorState, field model.ExperimentField, variantA, variantB string, startCycle int) *model.Experiment {
	exp := &model.Experiment{
		ID:          uuid.NewString(),
		MonitorName: m.Name,
		Field:       field,
		VariantA:    variantA,
		VariantB:    variantB,
		Status:      model.ExperimentRunning,
		CreatedAt:   time.Now(),
	}

	pickA := e.cfg.ChooseVariantA
	if pickA == nil {
		pickA = func() bool { return rand.Intn(2) == 0 }
	}
	variant := variantB
	if pickA() {
		variant = variantA
	}

	cycle := startCycle
	for cycle < startCycle+e.cfg.TotalCycles {
		end := cycle + e.cfg.BlockSize
		if end > startCycle+e.cfg.TotalCycles {
			end = startCycle + e.cfg.TotalCycles
		}
		exp.Blocks = append(exp.Blocks, model.Block{Variant: variant, StartCycle: cycle, EndCycle: end})
		cycle = end
		if variant == variantA {
			variant = variantB
		} else {
			variant = variantA
		}
	}

	m.ActiveExperimentID = exp.ID
	return exp
}

// VariantForCycle returns the pre-assigned variant active at cycle.
func (e *Experimenter) VariantForCycle(exp *model.Experiment, cycle int) (string, error) {
	if b := exp.BlockFor(cycle); b != nil {
		return b.Variant, nil
	}
	return "", fmt.Errorf("experiment %s: cycle %d falls outside the pre-assigned block schedule", exp.ID, cycle)
}

// RecordOutcome appends cycle's composite score to the block covering
// it and increments that block's positive- or negative-event counter
// depending on class. A cycle outside every block (should not occur,
// since blocks are pre-materialized across the whole budget) is
// dropped with an error rather than panicking.
func (e *Experimenter) RecordOutcome(exp *model.Experiment, cycle int, score float64, class model.Class) error {
	b := exp.BlockFor(cycle)
	if b == nil {
		return fmt.Errorf("experiment %s: cycle %d outside any block, dropped", exp.ID, cycle)
	}
	b.Scores = append(b.Scores, score)
	switch class {
	case model.ClassTP:
		b.PositiveEvents++
	case model.ClassTN:
		b.NegativeEvents++
	}
	return nil
}

// variantStats is the per-variant aggregate across an experiment's
// contributing blocks (those with at least one recorded score).
type variantStats struct {
	blocks   int
	positive int
	mean     float64
}

func aggregateByVariant(exp *model.Experiment, variant string) variantStats {
	var sum float64
	var n int
	stats := variantStats{}
	for _, b := range exp.Blocks {
		if b.Variant != variant || len(b.Scores) == 0 {
			continue
		}
		stats.blocks++
		stats.positive += b.PositiveEvents
		for _, s := range b.Scores {
			sum += s
			n++
		}
	}
	if n > 0 {
		stats.mean = sum / float64(n)
	}
	return stats
}

// Evaluate attempts to conclude exp per spec §4.5's ordered rules,
// mutating Status/Winner/Evidence in place. It returns true if the
// status transitioned out of running this call. Call it after every
// RecordOutcome, as the spec's "attempt to conclude at every record"
// requires.
func (e *Experimenter) Evaluate(exp *model.Experiment) bool {
	if exp.Status.Terminal() {
		return false
	}

	statsA := aggregateByVariant(exp, exp.VariantA)
	statsB := aggregateByVariant(exp, exp.VariantB)

	if statsA.positive < e.cfg.MinPositiveEvents || statsB.positive < e.cfg.MinPositiveEvents ||
		statsA.blocks < e.cfg.MinBlocksPerVariant || statsB.blocks < e.cfg.MinBlocksPerVariant {
		exp.Status = model.ExperimentInsufficientData
		exp.Evidence = fmt.Sprintf(
			"insufficient data: %s positive=%d blocks=%d, %s positive=%d blocks=%d (need >=%d positive and >=%d blocks each)",
			exp.VariantA, statsA.positive, statsA.blocks, exp.VariantB, statsB.positive, statsB.blocks,
			e.cfg.MinPositiveEvents, e.cfg.MinBlocksPerVariant)
		return true
	}

	delta := statsA.mean - statsB.mean
	if abs(delta) < e.cfg.EffectSizeThreshold {
		exp.Status = model.ExperimentConcluded
		exp.Evidence = fmt.Sprintf("%s mean %.3f vs %s mean %.3f: no winner, effect %.3f below threshold %.3f",
			exp.VariantA, statsA.mean, exp.VariantB, statsB.mean, abs(delta), e.cfg.EffectSizeThreshold)
		return true
	}

	exp.Status = model.ExperimentConcluded
	var winnerStats, loserStats variantStats
	if delta > 0 {
		exp.Winner = exp.VariantA
		winnerStats, loserStats = statsA, statsB
	} else {
		exp.Winner = exp.VariantB
		winnerStats, loserStats = statsB, statsA
	}
	confidence := abs(delta) * 2.5
	if confidence > 0.90 {
		confidence = 0.90
	}
	exp.Evidence = fmt.Sprintf("%s mean %.3f (%d blocks, %d positive) beat %s mean %.3f (%d blocks, %d positive); confidence %.2f",
		exp.Winner, winnerStats.mean, winnerStats.blocks, winnerStats.positive,
		otherVariant(exp, exp.Winner), loserStats.mean, loserStats.blocks, loserStats.positive, confidence)
	return true
}

func otherVariant(exp *model.Experiment, variant string) string {
	if variant == exp.VariantA {
		return exp.VariantB
	}
	return exp.VariantA
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// confidenceOf recomputes the winning experiment's confidence from its
// evidence-producing delta, for use by BuildCreationRule.
func confidenceOf(exp *model.Experiment) float64 {
	statsA := aggregateByVariant(exp, exp.VariantA)
	statsB := aggregateByVariant(exp, exp.VariantB)
	delta := abs(statsA.mean - statsB.mean)
	c := delta * 2.5
	if c > 0.90 {
		c = 0.90
	}
	return c
}

// BuildCreationRule emits a creation rule from a concluded, winning
// experiment, or nil if the experiment has no winner (concluded with no
// separation, or insufficient data). It reads intent_type/domain_class
// directly from the monitor (resolving spec Open Question (b)):
// deriveFromName is used only as a fallback for a MonitorState loaded
// from a state.json predating those fields.
func BuildCreationRule(m *model.MonitorState, exp *model.Experiment) *model.CreationRule {
	if exp.Winner == "" {
		return nil
	}

	intentType, domainClass := m.IntentType, m.DomainClass
	if intentType == "" {
		intentType, domainClass = deriveFromName(m.Name)
	}

	rec := model.Recommendation{}
	switch exp.Field {
	case model.FieldEngine:
		rec.Engine = exp.Winner
	case model.FieldExtraction:
		rec.Extraction = exp.Winner
	case model.FieldInstructions:
		rec.InstructionTemplate = exp.Winner
	case model.FieldIntervalSecs:
		if secs, err := strconv.Atoi(exp.Winner); err == nil {
			rec.IntervalSecs = secs
		}
	}

	scope := model.ScopeIntentDomain
	if domainClass == "" {
		scope = model.ScopeIntent
	}

	sourceDomains := []string{sourceDomainIdentifier(m)}

	ruleType := model.RuleHeuristic
	if m.Mode == model.ModeE2E {
		ruleType = model.RuleStructural
	}

	statsWinner := aggregateByVariant(exp, exp.Winner)

	now := time.Now()
	return &model.CreationRule{
		ID:                     uuid.NewString(),
		IntentType:             intentType,
		DomainClass:            domainClass,
		Scope:                  scope,
		Rule:                   fmt.Sprintf("prefer %s=%s", exp.Field, exp.Winner),
		Evidence:               exp.Evidence,
		Confidence:             confidenceOf(exp),
		PositiveEventsObserved: statsWinner.positive,
		Recommendation:         rec,
		SourceDomains:          sourceDomains,
		CreatedAt:              now,
		LastValidated:          now,
		RuleType:               ruleType,
	}
}

// sourceDomainIdentifier returns the per-monitor identifier recorded in a
// creation rule's SourceDomains: the monitor's URL host, or its name if
// the URL is empty or unparseable. DomainClass is a shared category tag
// (e.g. "retailer"), not a per-monitor identity, so using it here would
// make every monitor in the same domain_class collide on the same
// SourceDomains entry and knowledge.distinctDomains could never count
// more than one source domain for a given rule text.
func sourceDomainIdentifier(m *model.MonitorState) string {
	if m.URL != "" {
		if u, err := url.Parse(m.URL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return m.Name
}

// deriveFromName is the legacy fallback convention: a monitor named
// "<intent>-<domain>-..." (e.g. "price-retailer-widget") encodes its
// intent type and domain class as leading hyphen-separated tokens. Only
// used when a loaded MonitorState predates the explicit IntentType
// field.
func deriveFromName(name string) (model.IntentType, string) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) == 0 {
		return model.IntentGeneric, ""
	}
	it := model.IntentType(parts[0])
	switch it {
	case model.IntentPrice, model.IntentStock, model.IntentRelease, model.IntentNews, model.IntentGeneric:
	default:
		it = model.IntentGeneric
	}
	domain := ""
	if len(parts) > 1 {
		domain = parts[1]
	}
	return it, domain
}

// candidateField describes one planner-eligible monitor field and how
// to derive its alternative (candidate) value.
type candidateField struct {
	field     model.ExperimentField
	current   func(cfg model.MonitorConfig) string
	alternate func(cfg model.MonitorConfig, volatile bool) (string, bool)
}

var planOrder = []candidateField{
	{
		field:   model.FieldExtraction,
		current: func(cfg model.MonitorConfig) string { return cfg.Extraction },
		alternate: func(cfg model.MonitorConfig, volatile bool) (string, bool) {
			if cfg.Extraction == "auto" {
				return "selector", true
			}
			if cfg.Extraction == "selector" {
				return "auto", true
			}
			return "auto", true
		},
	},
	{
		field:   model.FieldEngine,
		current: func(cfg model.MonitorConfig) string { return cfg.Engine },
		alternate: func(cfg model.MonitorConfig, volatile bool) (string, bool) {
			if cfg.Engine == "http" {
				return "playwright", true
			}
			if cfg.Engine == "playwright" {
				return "http", true
			}
			return "http", true
		},
	},
	{
		field:   model.FieldIntervalSecs,
		current: func(cfg model.MonitorConfig) string { return fmt.Sprintf("%d", cfg.IntervalSecs) },
		alternate: func(cfg model.MonitorConfig, volatile bool) (string, bool) {
			if cfg.IntervalSecs <= 0 {
				return "", false
			}
			if volatile {
				half := cfg.IntervalSecs / 2
				if half < 60 {
					half = 60
				}
				return fmt.Sprintf("%d", half), true
			}
			return fmt.Sprintf("%d", cfg.IntervalSecs*2), true
		},
	},
	{
		field:   model.FieldInstructions,
		current: func(cfg model.MonitorConfig) string { return cfg.Instructions },
		alternate: func(cfg model.MonitorConfig, volatile bool) (string, bool) {
			// No generic alternative instruction template exists; this
			// field is always skipped by the planner.
			return "", false
		},
	},
}

// VolatileIntent reports whether an intent type is considered volatile
// for interval-halving purposes (price, stock).
func VolatileIntent(it model.IntentType) bool {
	return it == model.IntentPrice || it == model.IntentStock
}

// Plan picks the next field to experiment on for m, in fixed priority
// order, skipping fields m has already run a terminal experiment on and
// fields with no derivable alternative. It returns nil if every field is
// exhausted.
func (e *Experimenter) Plan(m *model.MonitorState, startCycle int) *model.Experiment {
	tried := make(map[model.ExperimentField]bool, len(m.ExperimentedFields))
	for _, f := range m.ExperimentedFields {
		tried[f] = true
	}

	volatile := VolatileIntent(m.IntentType)
	for _, cand := range planOrder {
		if tried[cand.field] {
			continue
		}
		variantA := cand.current(m.Config)
		variantB, ok := cand.alternate(m.Config, volatile)
		if !ok || variantB == "" || variantB == variantA {
			continue
		}
		return e.Start(m, cand.field, variantA, variantB, startCycle)
	}
	return nil
}

// MarkTried records that field has now run a terminal experiment on m,
// so the planner never retries it. Call this whenever Evaluate
// transitions an experiment out of running.
func MarkTried(m *model.MonitorState, field model.ExperimentField) {
	for _, f := range m.ExperimentedFields {
		if f == field {
			return
		}
	}
	m.ExperimentedFields = append(m.ExperimentedFields, field)
}
