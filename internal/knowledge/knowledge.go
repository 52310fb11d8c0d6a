// Package knowledge is the persistent store of creation rules the
// orchestrator learns from concluded experiments: a mutex-guarded rule
// set keyed by (intent_type, domain_class, rule_text), with scoped
// lookup, confidence decay, cross-domain promotion, and atomic JSON
// persistence. Grounded on the teacher's PolicyManager (mutex-guarded
// rule store, add/validate pattern), repurposed from crawl business
// policies to monitor-configuration creation rules.
package knowledge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/google/uuid"
)

// minConfidence is the floor below which a decayed rule is pruned
// entirely rather than kept around at negligible weight (spec
// invariant: every surviving rule has confidence >= 0.1).
const minConfidence = 0.1

// ruleKey is the add-or-update identity of a creation rule.
type ruleKey struct {
	intentType  model.IntentType
	domainClass string
	rule        string
}

func keyOf(r *model.CreationRule) ruleKey {
	return ruleKey{intentType: r.IntentType, domainClass: r.DomainClass, rule: r.Rule}
}

// Store holds the learned creation rules for one run.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*model.CreationRule
	index map[ruleKey]*model.CreationRule
}

// New returns an empty Store.
func New() *Store {
	return &Store{rules: make(map[string]*model.CreationRule), index: make(map[ruleKey]*model.CreationRule)}
}

// Add inserts rule, or updates the existing rule with the same
// (intent_type, domain_class, rule_text) key: a strictly higher
// confidence replaces the existing rule's content while preserving its
// id and created_at; equal-or-lower confidence is discarded silently.
// SourceDomains always accumulates across updates regardless of which
// confidence wins, since it tracks the cumulative set of monitors that
// have produced this rule text — discarding it on a lower-confidence
// update would make cross-domain promotion permanently unreachable
// for rules whose confidence happens to fluctuate downward. Absent
// id/timestamps on a genuinely new rule are filled in.
func (s *Store) Add(rule *model.CreationRule) error {
	if rule.IntentType == "" {
		return fmt.Errorf("knowledge: rule missing intent_type")
	}
	if rule.Rule == "" {
		return fmt.Errorf("knowledge: rule missing rule text")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(rule)
	if existing, ok := s.index[key]; ok {
		merged := unionDomains(existing.SourceDomains, rule.SourceDomains)
		if rule.Confidence <= existing.Confidence {
			existing.SourceDomains = merged
			rule.SourceDomains = merged
			return nil
		}
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
		rule.SourceDomains = merged
		if rule.LastValidated.IsZero() {
			rule.LastValidated = time.Now()
		}
		s.rules[rule.ID] = rule
		s.index[key] = rule
		return nil
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	if rule.LastValidated.IsZero() {
		rule.LastValidated = rule.CreatedAt
	}
	s.rules[rule.ID] = rule
	s.index[key] = rule
	return nil
}

// unionDomains merges two source-domain lists, deduplicated and in
// first-seen order.
func unionDomains(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, d := range append(append([]string{}, a...), b...) {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// All returns a snapshot slice of every rule currently stored.
func (s *Store) All() []*model.CreationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.CreationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

// Remove deletes a rule by ID.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Store) removeLocked(id string) {
	r, ok := s.rules[id]
	if !ok {
		return
	}
	delete(s.rules, id)
	delete(s.index, keyOf(r))
}

// GetRules returns the rules matching intentType: domain-scoped rules
// for domainClass, followed by intent-only rules (domain unset), each
// group sorted by confidence descending. An empty domainClass matches
// no domain-scoped rule.
func (s *Store) GetRules(intentType model.IntentType, domainClass string) []*model.CreationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var domainScoped, intentOnly []*model.CreationRule
	for _, r := range s.rules {
		if r.IntentType != intentType {
			continue
		}
		switch r.Scope {
		case model.ScopeIntentDomain:
			if domainClass != "" && r.DomainClass == domainClass {
				domainScoped = append(domainScoped, r)
			}
		case model.ScopeIntent:
			intentOnly = append(intentOnly, r)
		}
	}
	byConfidenceDesc(domainScoped)
	byConfidenceDesc(intentOnly)
	return append(domainScoped, intentOnly...)
}

func byConfidenceDesc(rules []*model.CreationRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Confidence > rules[j].Confidence })
}

// GetRecommendation merges GetRules' sorted list into a single
// Recommendation, field by field: the first rule that sets a field wins
// unless a later rule in the list has strictly higher confidence.
func (s *Store) GetRecommendation(intentType model.IntentType, domainClass string) (model.Recommendation, bool) {
	rules := s.GetRules(intentType, domainClass)
	if len(rules) == 0 {
		return model.Recommendation{}, false
	}

	var rec model.Recommendation
	var confEngine, confExtraction, confInterval, confInstruction, confSelector float64
	var setEngine, setExtraction, setInterval, setInstruction, setSelector bool

	for _, r := range rules {
		rr := r.Recommendation
		if rr.Engine != "" && (!setEngine || r.Confidence > confEngine) {
			rec.Engine, confEngine, setEngine = rr.Engine, r.Confidence, true
		}
		if rr.Extraction != "" && (!setExtraction || r.Confidence > confExtraction) {
			rec.Extraction, confExtraction, setExtraction = rr.Extraction, r.Confidence, true
		}
		if rr.IntervalSecs != 0 && (!setInterval || r.Confidence > confInterval) {
			rec.IntervalSecs, confInterval, setInterval = rr.IntervalSecs, r.Confidence, true
		}
		if rr.InstructionTemplate != "" && (!setInstruction || r.Confidence > confInstruction) {
			rec.InstructionTemplate, confInstruction, setInstruction = rr.InstructionTemplate, r.Confidence, true
		}
		if rr.Selector != "" && (!setSelector || r.Confidence > confSelector) {
			rec.Selector, confSelector, setSelector = rr.Selector, r.Confidence, true
		}
	}

	if !setEngine && !setExtraction && !setInterval && !setInstruction && !setSelector {
		return model.Recommendation{}, false
	}
	return rec, true
}
