package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/stretchr/testify/require"
)

func sampleRule(scope model.RuleScope, intentType model.IntentType, domain string, confidence float64) *model.CreationRule {
	return &model.CreationRule{
		IntentType: intentType, DomainClass: domain,
		Scope: scope, Rule: "prefer css extraction", Confidence: confidence,
		Recommendation: model.Recommendation{Extraction: "css"}, RuleType: model.RuleHeuristic,
	}
}

func TestAddRejectsMissingFields(t *testing.T) {
	s := New()
	require.Error(t, s.Add(&model.CreationRule{ID: "x"}))
}

func TestAddOnNewKeyInsertsWithGeneratedID(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.5)
	require.NoError(t, s.Add(r))
	require.NotEmpty(t, r.ID)
	require.Len(t, s.All(), 1)
}

func TestAddOnSameKeyWithHigherConfidenceReplacesContent(t *testing.T) {
	s := New()
	first := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.5)
	require.NoError(t, s.Add(first))
	firstID := first.ID

	second := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.8)
	require.NoError(t, s.Add(second))

	require.Len(t, s.All(), 1)
	require.Equal(t, firstID, second.ID)
	require.Equal(t, 0.8, s.All()[0].Confidence)
}

func TestAddOnSameKeyWithLowerConfidenceIsDiscarded(t *testing.T) {
	s := New()
	first := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.8)
	require.NoError(t, s.Add(first))

	second := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.3)
	require.NoError(t, s.Add(second))

	require.Len(t, s.All(), 1)
	require.Equal(t, 0.8, s.All()[0].Confidence)
}

func TestGetRulesOrdersDomainScopedBeforeIntentOnlyBothByConfidenceDesc(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(sampleRule(model.ScopeIntent, model.IntentPrice, "", 0.9)))
	lowDomain := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.4)
	lowDomain.Rule = "prefer selector extraction" // distinct key, so both domain rules are kept
	require.NoError(t, s.Add(lowDomain))
	require.NoError(t, s.Add(sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)))

	rules := s.GetRules(model.IntentPrice, "retailer")
	require.Len(t, rules, 3)
	require.Equal(t, model.ScopeIntentDomain, rules[0].Scope)
	require.Equal(t, 0.6, rules[0].Confidence)
	require.Equal(t, model.ScopeIntentDomain, rules[1].Scope)
	require.Equal(t, model.ScopeIntent, rules[2].Scope)
}

func TestGetRecommendationMergesIntentAndDomainScopedRules(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(sampleRule(model.ScopeIntent, model.IntentPrice, "", 0.5)))
	require.NoError(t, s.Add(sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.4)))

	rec, ok := s.GetRecommendation(model.IntentPrice, "retailer")
	require.True(t, ok)
	require.Equal(t, "css", rec.Extraction)
}

func TestGetRecommendationFallsBackToIntentScope(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(sampleRule(model.ScopeIntent, model.IntentPrice, "", 0.5)))

	_, ok := s.GetRecommendation(model.IntentPrice, "unrelated-domain")
	require.True(t, ok)
}

func TestGetRecommendationFalseWhenNoMatch(t *testing.T) {
	s := New()
	_, ok := s.GetRecommendation(model.IntentNews, "nowhere")
	require.False(t, ok)
}

func TestDecayPrunesStaleRules(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.5)
	r.RuleType = model.RuleHeuristic
	r.LastValidated = time.Now().Add(-365 * 24 * time.Hour)
	require.NoError(t, s.Add(r))

	removed := s.Decay(time.Now())
	require.Equal(t, 1, removed)
	require.Empty(t, s.All())
}

func TestDecayReducesConfidenceByDaysTimesRate(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.8)
	r.RuleType = model.RuleHeuristic
	r.LastValidated = time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.Add(r))

	removed := s.Decay(time.Now())
	require.Equal(t, 0, removed)
	require.InDelta(t, 0.2, r.Confidence, 1e-9) // 0.8 - 30*0.02
}

func TestRevalidateResetsDecayClock(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.5)
	require.NoError(t, s.Add(r))
	s.Revalidate(r.ID, time.Now())
	require.Greater(t, r.Confidence, 0.5)
}

func TestTryPromoteRuleGeneralizesAcrossDomains(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.5)
	r.SourceDomains = []string{"retailer-a", "retailer-b"}
	r.PositiveEventsObserved = 5
	require.NoError(t, s.Add(r))

	promoted := s.TryPromoteRule(r)
	require.NotNil(t, promoted)
	require.Equal(t, model.ScopeIntent, promoted.Scope)
	require.InDelta(t, 0.4, promoted.Confidence, 1e-9) // 0.5 * 0.8
	require.Len(t, s.All(), 2)
}

func TestTryPromoteRuleReturnsNilBelowDomainThreshold(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)
	r.SourceDomains = []string{"retailer-a"}
	r.PositiveEventsObserved = 5
	require.NoError(t, s.Add(r))

	require.Nil(t, s.TryPromoteRule(r))
	require.Len(t, s.All(), 1)
}

func TestTryPromoteRuleReturnsNilBelowEventThreshold(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)
	r.SourceDomains = []string{"retailer-a", "retailer-b"}
	r.PositiveEventsObserved = 1
	require.NoError(t, s.Add(r))

	require.Nil(t, s.TryPromoteRule(r))
}

func TestAddAccumulatesSourceDomainsAcrossUpdatesRegardlessOfConfidence(t *testing.T) {
	s := New()
	first := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)
	first.SourceDomains = []string{"shop-a.example.com"}
	first.PositiveEventsObserved = 5
	require.NoError(t, s.Add(first))

	// A second monitor producing the identical rule text, with a lower
	// confidence, must still contribute its source domain rather than
	// being discarded wholesale along with its content.
	second := sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.4)
	second.SourceDomains = []string{"shop-b.example.com"}
	second.PositiveEventsObserved = 5
	require.NoError(t, s.Add(second))

	require.Len(t, s.All(), 1)
	stored := s.All()[0]
	require.Equal(t, 0.6, stored.Confidence) // higher confidence still wins on content
	require.ElementsMatch(t, []string{"shop-a.example.com", "shop-b.example.com"}, stored.SourceDomains)

	// The real promotion path reads SourceDomains off this same object,
	// so two distinct monitors sharing a domain_class and rule text now
	// genuinely reach the promotion gate's required 2 source domains.
	promoted := s.TryPromoteRule(stored)
	require.NotNil(t, promoted)
}

func TestTryPromoteRuleIgnoresNonDomainScopedRule(t *testing.T) {
	s := New()
	r := sampleRule(model.ScopeIntent, model.IntentPrice, "", 0.6)
	r.SourceDomains = []string{"retailer-a", "retailer-b"}
	r.PositiveEventsObserved = 5
	require.NoError(t, s.Add(r))

	require.Nil(t, s.TryPromoteRule(r))
}

func TestSaveAtomicAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")

	s := New()
	require.NoError(t, s.Add(sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)))
	require.NoError(t, s.SaveAtomic(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.All(), 1)
}

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, loaded.All())
}

func TestLoadSchemaVersionMismatchReturnsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.json")
	s := New()
	require.NoError(t, s.Add(sampleRule(model.ScopeIntentDomain, model.IntentPrice, "retailer", 0.6)))
	require.NoError(t, s.SaveAtomic(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	doc.SchemaVersion = CurrentSchemaVersion + 1
	bumped, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bumped, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, loaded.All())
}
