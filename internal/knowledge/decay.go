package knowledge

import (
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
)

// decayRateFor is the daily confidence-reduction rate for a rule type:
// structural rules (deterministic E2E evidence) decay fastest (0.05),
// heuristic rules (live-mode evidence) slower (0.02), and domain rules
// slowest (0.01).
func decayRateFor(rt model.RuleType) float64 {
	switch rt {
	case model.RuleStructural:
		return 0.05
	case model.RuleDomain:
		return 0.01
	default: // heuristic
		return 0.02
	}
}

// Decay reduces every rule's confidence by
// days_since_last_validated * decayRateFor(rule_type), pruning any rule
// that falls below the confidence floor. It returns the count of rules
// removed. LastValidated is untouched by decay alone — only fresh
// evidence (Add or Revalidate) resets it.
func (s *Store) Decay(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for id, r := range s.rules {
		days := now.Sub(r.LastValidated).Hours() / 24
		if days <= 0 {
			continue
		}
		r.Confidence -= days * decayRateFor(r.RuleType)
		if r.Confidence < minConfidence {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		s.removeLocked(id)
	}
	return len(toRemove)
}

// Revalidate resets a rule's decay clock and records that fresh
// evidence corroborated it: one more positive event, and confidence
// moved 20% of the way toward 1. Add does not call it, and neither does
// the cycle runner.
func (s *Store) Revalidate(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return
	}
	r.LastValidated = now
	r.PositiveEventsObserved++
	r.Confidence = r.Confidence + (1-r.Confidence)*0.2
	if r.Confidence > 1 {
		r.Confidence = 1
	}
}
