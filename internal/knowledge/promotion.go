package knowledge

import (
	"fmt"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/google/uuid"
)

// promotionMinSourceDomains and promotionMinPositiveEvents are the
// spec's fixed eligibility thresholds for promoting a domain-scoped
// rule to an intent-scoped one.
const (
	promotionMinSourceDomains  = 2
	promotionMinPositiveEvents = 5
)

// TryPromoteRule promotes a domain-scoped rule to an intent-scoped rule
// when it has accumulated evidence across at least
// promotionMinSourceDomains distinct source domains and at least
// promotionMinPositiveEvents positive events. The promoted rule
// inherits the recommendation and rule text, carries evidence
// referencing the source rule, gets a new id, has its confidence
// discounted by 0.8, and is appended via the normal add-or-update path.
// It returns nil if rule is ineligible.
func (s *Store) TryPromoteRule(rule *model.CreationRule) *model.CreationRule {
	if rule.Scope != model.ScopeIntentDomain {
		return nil
	}
	if len(distinctDomains(rule.SourceDomains)) < promotionMinSourceDomains {
		return nil
	}
	if rule.PositiveEventsObserved < promotionMinPositiveEvents {
		return nil
	}

	now := time.Now()
	promoted := &model.CreationRule{
		ID:                     uuid.NewString(),
		IntentType:             rule.IntentType,
		Scope:                  model.ScopeIntent,
		Rule:                   rule.Rule,
		Evidence:               fmt.Sprintf("promoted from domain-scoped rule %s: %d source domains, %d positive events", rule.ID, len(distinctDomains(rule.SourceDomains)), rule.PositiveEventsObserved),
		Confidence:             rule.Confidence * 0.8,
		PositiveEventsObserved: rule.PositiveEventsObserved,
		Recommendation:         rule.Recommendation,
		SourceDomains:          rule.SourceDomains,
		CreatedAt:              now,
		LastValidated:          now,
		RuleType:               model.RuleDomain,
	}

	if err := s.Add(promoted); err != nil {
		return nil
	}
	return promoted
}

func distinctDomains(domains []string) map[string]struct{} {
	out := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d != "" {
			out[d] = struct{}{}
		}
	}
	return out
}
