// Package config holds the orchestrator's scoring and precedence
// constants: the per-intent efficacy weight profiles, the detection-SLA
// table, and the knowledge base's rule-precedence chain. Defaults mirror
// the teacher's layered configuration idiom (engine/configx), repurposed
// from crawl-policy layering to scoring/rule tables, and are overridable
// from an optional YAML document.
package config

import (
	"fmt"
	"os"

	"github.com/corvidlabs/watchloop/internal/model"
	"gopkg.in/yaml.v3"
)

// WeightProfile is the efficacy scorer's composite weighting for one
// intent type: how much F1, agent correctness, detection latency, and
// stability each contribute to the final score. A well-formed profile
// sums to 1.0; the scorer takes it as a straight weighted sum, no
// renormalization.
type WeightProfile struct {
	F1        float64 `yaml:"f1"`
	Agent     float64 `yaml:"agent"`
	Latency   float64 `yaml:"latency"`
	Stability float64 `yaml:"stability"`
}

// Weights is the complete scoring configuration.
type Weights struct {
	// Profiles maps intent type to its E2E weight profile.
	Profiles map[model.IntentType]WeightProfile `yaml:"profiles"`
	// SLACycles maps intent type to the expected detection-latency SLA,
	// in cycles.
	SLACycles map[model.IntentType]int `yaml:"sla_cycles"`
	// VolatileStabilityThreshold and DefaultStabilityThreshold bound the
	// stdev of the last 10 scores used for the stability sub-score.
	// Volatile intents (price, stock) get the tighter threshold.
	VolatileStabilityThreshold float64 `yaml:"volatile_stability_threshold"`
	DefaultStabilityThreshold  float64 `yaml:"default_stability_threshold"`
}

// PrecedenceChain is the fixed order readers consult when merging
// overlapping creation-rule recommendations, most-specific first.
var PrecedenceChain = []string{"user_override", "site_rule", "domain_rule", "intent_rule", "global_default"}

// volatileIntents tolerate less score variance before being penalized,
// since their whole value proposition is fast, steady detection.
var volatileIntents = map[model.IntentType]bool{
	model.IntentPrice: true,
	model.IntentStock: true,
}

// Defaults returns the scorer's built-in weight profiles and SLA table.
// Price and stock weight latency heaviest since staleness there is
// directly user-visible; release weights F1 heaviest since a missed
// release is the whole point of the monitor.
func Defaults() Weights {
	return Weights{
		Profiles: map[model.IntentType]WeightProfile{
			model.IntentPrice:   {F1: 0.35, Agent: 0.20, Latency: 0.30, Stability: 0.15},
			model.IntentStock:   {F1: 0.40, Agent: 0.25, Latency: 0.20, Stability: 0.15},
			model.IntentRelease: {F1: 0.50, Agent: 0.20, Latency: 0.10, Stability: 0.20},
			model.IntentNews:    {F1: 0.40, Agent: 0.25, Latency: 0.15, Stability: 0.20},
			model.IntentGeneric: {F1: 0.45, Agent: 0.20, Latency: 0.15, Stability: 0.20},
		},
		SLACycles: map[model.IntentType]int{
			model.IntentPrice:   1,
			model.IntentStock:   2,
			model.IntentRelease: 3,
			model.IntentNews:    5,
			model.IntentGeneric: 3,
		},
		VolatileStabilityThreshold: 0.3,
		DefaultStabilityThreshold:  0.2,
	}
}

// ProfileFor returns the E2E weight profile for an intent type, falling
// back to the generic profile if the type is unrecognized.
func (w Weights) ProfileFor(it model.IntentType) WeightProfile {
	if p, ok := w.Profiles[it]; ok {
		return p
	}
	return w.Profiles[model.IntentGeneric]
}

// LiveProfileFor returns the live-mode weight profile: the agent weight
// (meaningless without ground truth — the live evaluator never
// determines agent correctness) is folded into F1 rather than discarded.
func (w Weights) LiveProfileFor(it model.IntentType) WeightProfile {
	p := w.ProfileFor(it)
	p.F1 += p.Agent
	p.Agent = 0
	return p
}

// SLAFor returns the detection-latency SLA in cycles for an intent type,
// falling back to the generic SLA if unrecognized.
func (w Weights) SLAFor(it model.IntentType) int {
	if c, ok := w.SLACycles[it]; ok {
		return c
	}
	return w.SLACycles[model.IntentGeneric]
}

// StabilityThresholdFor returns the stdev threshold used by the
// stability sub-score for an intent type.
func (w Weights) StabilityThresholdFor(it model.IntentType) float64 {
	if volatileIntents[it] {
		if w.VolatileStabilityThreshold > 0 {
			return w.VolatileStabilityThreshold
		}
		return 0.3
	}
	if w.DefaultStabilityThreshold > 0 {
		return w.DefaultStabilityThreshold
	}
	return 0.2
}

// LoadOverrides merges a YAML override document at path onto base,
// replacing only the fields present in the file. An empty path is a
// no-op that returns base unchanged.
func LoadOverrides(path string, base Weights) (Weights, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read weight overrides %s: %w", path, err)
	}
	var override Weights
	if err := yaml.Unmarshal(data, &override); err != nil {
		return base, fmt.Errorf("parse weight overrides %s: %w", path, err)
	}
	merged := base
	for k, v := range override.Profiles {
		if merged.Profiles == nil {
			merged.Profiles = make(map[model.IntentType]WeightProfile)
		}
		merged.Profiles[k] = v
	}
	for k, v := range override.SLACycles {
		if merged.SLACycles == nil {
			merged.SLACycles = make(map[model.IntentType]int)
		}
		merged.SLACycles[k] = v
	}
	if override.VolatileStabilityThreshold != 0 {
		merged.VolatileStabilityThreshold = override.VolatileStabilityThreshold
	}
	if override.DefaultStabilityThreshold != 0 {
		merged.DefaultStabilityThreshold = override.DefaultStabilityThreshold
	}
	return merged, nil
}
