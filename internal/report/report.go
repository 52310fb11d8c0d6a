// Package report renders the orchestrator's final, user-visible summary:
// monitor efficacy, learned rules, concluded and inconclusive experiments
// (the latter naming the criterion that failed and what would close the
// gap), and the actionable recommendations the knowledge base would now
// hand a new monitor of the same intent/domain. Spec.md §7 requires this
// surface; no teacher analogue exists (the teacher renders crawl
// snapshots, not learning summaries), so this package is new, grounded on
// the same plain-text-plus-JSON idiom the teacher's CLI snapshot printer
// uses in cli/cmd/ariadne/main.go.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/corvidlabs/watchloop/internal/knowledge"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/corvidlabs/watchloop/internal/score"
)

// MonitorSummary is one monitor's final standing.
type MonitorSummary struct {
	Name           string              `json:"name"`
	IntentType     model.IntentType    `json:"intent_type"`
	DomainClass    string              `json:"domain_class,omitempty"`
	Mode           model.Mode          `json:"mode"`
	Cycles         int                 `json:"cycles"`
	Confusion      model.ConfusionMatrix `json:"confusion"`
	Agent          model.AgentStats    `json:"agent"`
	LatestScore    score.Breakdown     `json:"latest_score"`
	AvgLatency     float64             `json:"avg_detection_latency_cycles"`
}

// ConcludedExperiment is a terminal experiment that reached a verdict.
type ConcludedExperiment struct {
	MonitorName string                 `json:"monitor_name"`
	Field       model.ExperimentField  `json:"field"`
	Winner      string                 `json:"winner,omitempty"`
	Evidence    string                 `json:"evidence"`
}

// InconclusiveExperiment is a terminal experiment with no usable verdict,
// naming what would need to change to reach one.
type InconclusiveExperiment struct {
	MonitorName string                `json:"monitor_name"`
	Field       model.ExperimentField `json:"field"`
	Reason      string                `json:"reason"`
	WhatWouldHelp string              `json:"what_would_help"`
}

// Report is the complete final-summary document, serialized to both
// report.json and report.txt per spec §6.
type Report struct {
	GeneratedAt   time.Time                 `json:"generated_at"`
	RunID         string                    `json:"run_id"`
	Mode          model.Mode                `json:"mode"`
	TotalCycles   int                       `json:"total_cycles"`
	Monitors      []MonitorSummary          `json:"monitors"`
	RulesLearned  []*model.CreationRule     `json:"rules_learned"`
	Concluded     []ConcludedExperiment     `json:"concluded_experiments"`
	Inconclusive  []InconclusiveExperiment  `json:"inconclusive_experiments"`
	Recommendations []string                `json:"recommendations"`
}

// Build assembles a Report from the run's final state, the knowledge base,
// and the scorer used to compute each monitor's latest composite score.
func Build(run *model.RunState, kb *knowledge.Store, scorer *score.Scorer) Report {
	r := Report{
		GeneratedAt: time.Now(),
		RunID:       run.RunID,
		Mode:        run.Mode,
		TotalCycles: run.TotalCycles,
	}

	names := make([]string, 0, len(run.Monitors))
	for name := range run.Monitors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := run.Monitors[name]
		r.Monitors = append(r.Monitors, MonitorSummary{
			Name:        m.Name,
			IntentType:  m.IntentType,
			DomainClass: m.DomainClass,
			Mode:        m.Mode,
			Cycles:      m.Cycle,
			Confusion:   m.Confusion,
			Agent:       m.Agent,
			LatestScore: scorer.Score(m),
			AvgLatency:  avg(m.DetectionLatencies),
		})
	}

	expIDs := make([]string, 0, len(run.Experiments))
	for id := range run.Experiments {
		expIDs = append(expIDs, id)
	}
	sort.Strings(expIDs)
	for _, id := range expIDs {
		exp := run.Experiments[id]
		if !exp.Status.Terminal() {
			continue
		}
		switch exp.Status {
		case model.ExperimentConcluded:
			if exp.Winner != "" {
				r.Concluded = append(r.Concluded, ConcludedExperiment{MonitorName: exp.MonitorName, Field: exp.Field, Winner: exp.Winner, Evidence: exp.Evidence})
			} else {
				r.Inconclusive = append(r.Inconclusive, InconclusiveExperiment{
					MonitorName:   exp.MonitorName,
					Field:         exp.Field,
					Reason:        "effect size below threshold",
					WhatWouldHelp: fmt.Sprintf("a larger or more consistent gap between variants; evidence: %s", exp.Evidence),
				})
			}
		case model.ExperimentInsufficientData:
			r.Inconclusive = append(r.Inconclusive, InconclusiveExperiment{
				MonitorName:   exp.MonitorName,
				Field:         exp.Field,
				Reason:        "insufficient positive events or contributing blocks",
				WhatWouldHelp: fmt.Sprintf("more cycles or a longer-running monitor to accumulate samples; evidence: %s", exp.Evidence),
			})
		}
	}

	rules := kb.All()
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Confidence != rules[j].Confidence {
			return rules[i].Confidence > rules[j].Confidence
		}
		return rules[i].ID < rules[j].ID
	})
	r.RulesLearned = rules

	r.Recommendations = buildRecommendations(run, kb)

	return r
}

// buildRecommendations surfaces, for each distinct (intent_type,
// domain_class) pair actually seen in this run's monitors, the knowledge
// base's merged recommendation, as a human-readable line.
func buildRecommendations(run *model.RunState, kb *knowledge.Store) []string {
	type pair struct {
		intent model.IntentType
		domain string
	}
	seen := make(map[pair]bool)
	var out []string
	names := make([]string, 0, len(run.Monitors))
	for name := range run.Monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := run.Monitors[name]
		p := pair{intent: m.IntentType, domain: m.DomainClass}
		if seen[p] {
			continue
		}
		seen[p] = true
		rec, ok := kb.GetRecommendation(p.intent, p.domain)
		if !ok {
			continue
		}
		out = append(out, formatRecommendation(p.intent, p.domain, rec))
	}
	return out
}

func formatRecommendation(it model.IntentType, domain string, rec model.Recommendation) string {
	scope := string(it)
	if domain != "" {
		scope = fmt.Sprintf("%s/%s", it, domain)
	}
	var parts []string
	if rec.Engine != "" {
		parts = append(parts, fmt.Sprintf("engine=%s", rec.Engine))
	}
	if rec.Extraction != "" {
		parts = append(parts, fmt.Sprintf("extraction=%s", rec.Extraction))
	}
	if rec.IntervalSecs != 0 {
		parts = append(parts, fmt.Sprintf("interval_secs=%d", rec.IntervalSecs))
	}
	if rec.InstructionTemplate != "" {
		parts = append(parts, fmt.Sprintf("instruction_template=%s", rec.InstructionTemplate))
	}
	if rec.Selector != "" {
		parts = append(parts, fmt.Sprintf("selector=%s", rec.Selector))
	}
	return fmt.Sprintf("for %s, prefer %s", scope, strings.Join(parts, ", "))
}

func avg(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum int
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

// JSON marshals the report as indented JSON, for report.json.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Text renders the report as a human-readable plain-text summary, for
// report.txt.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "watchloop run report\n")
	fmt.Fprintf(&b, "run_id: %s  mode: %s  generated: %s  total_cycles: %d\n\n", r.RunID, r.Mode, r.GeneratedAt.Format(time.RFC3339), r.TotalCycles)

	fmt.Fprintf(&b, "MONITORS (%d)\n", len(r.Monitors))
	for _, m := range r.Monitors {
		fmt.Fprintf(&b, "  %-30s intent=%-8s domain=%-12s cycles=%-4d tp=%d tn=%d fp=%d fn=%d score=%.3f avg_latency=%.2f\n",
			m.Name, m.IntentType, valueOrDash(m.DomainClass), m.Cycles, m.Confusion.TP, m.Confusion.TN, m.Confusion.FP, m.Confusion.FN, m.LatestScore.Composite, m.AvgLatency)
	}

	fmt.Fprintf(&b, "\nRULES LEARNED (%d)\n", len(r.RulesLearned))
	for _, rule := range r.RulesLearned {
		fmt.Fprintf(&b, "  [%s] %s (confidence=%.2f, scope=%s)\n", rule.IntentType, rule.Rule, rule.Confidence, rule.Scope)
	}

	fmt.Fprintf(&b, "\nCONCLUDED EXPERIMENTS (%d)\n", len(r.Concluded))
	for _, c := range r.Concluded {
		fmt.Fprintf(&b, "  %s: %s -> %s\n", c.MonitorName, c.Field, c.Winner)
	}

	fmt.Fprintf(&b, "\nINCONCLUSIVE EXPERIMENTS (%d)\n", len(r.Inconclusive))
	for _, ic := range r.Inconclusive {
		fmt.Fprintf(&b, "  %s: %s (%s) — %s\n", ic.MonitorName, ic.Field, ic.Reason, ic.WhatWouldHelp)
	}

	fmt.Fprintf(&b, "\nRECOMMENDATIONS (%d)\n", len(r.Recommendations))
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "  %s\n", rec)
	}

	return b.String()
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
