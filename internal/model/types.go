// Package model defines the data types shared across the learning engine:
// intents, monitor state, observations, evaluations, experiments, and the
// creation rules persisted to the knowledge base.
package model

import "time"

// IntentType enumerates the kinds of content change a monitor watches for.
type IntentType string

const (
	IntentPrice   IntentType = "price"
	IntentStock   IntentType = "stock"
	IntentRelease IntentType = "release"
	IntentNews    IntentType = "news"
	IntentGeneric IntentType = "generic"
)

// Mode selects whether a monitor runs against the mutation server (e2e) or a
// real site (live).
type Mode string

const (
	ModeE2E  Mode = "e2e"
	ModeLive Mode = "live"
)

// Mutation is one scheduled state change applied to the mutation server at a
// given cycle, used only in E2E mode.
type Mutation struct {
	Cycle           int    `json:"cycle" yaml:"cycle"`
	Field           string `json:"field" yaml:"field"`
	Value           string `json:"value" yaml:"value"`
	ExpectDetection bool   `json:"expect_detection" yaml:"expect_detection"`
}

// Intent is the static, user-supplied declaration of what to monitor and how
// to judge it.
type Intent struct {
	Name              string     `json:"name" toml:"name"`
	URL               string     `json:"url" toml:"url"`
	IntentType        IntentType `json:"intent_type" toml:"intent_type"`
	DomainClass       string     `json:"domain_class,omitempty" toml:"domain_class"`
	Mode              Mode       `json:"mode" toml:"mode"`
	Engine            string     `json:"engine" toml:"engine"`
	Extraction        string     `json:"extraction" toml:"extraction"`
	Selector          string     `json:"selector,omitempty" toml:"selector"`
	IntervalSecs      int        `json:"interval_secs" toml:"interval_secs"`
	AgentInstructions string     `json:"agent_instructions,omitempty" toml:"agent_instructions"`
	Tags              []string   `json:"tags,omitempty" toml:"tags"`
	Mutations         []Mutation `json:"mutations,omitempty" toml:"mutations"`

	// ExpectedDetections is the intent author's declared count of
	// detections this monitor should produce over its run, declared
	// independently of individual mutations' ExpectDetection flags.
	// Intent validation rejects negative values; the report does not
	// read it.
	ExpectedDetections int `json:"expected_detections" toml:"expected_detections"`
}

// ExperimentField names the monitor configuration knob an experiment tests.
type ExperimentField string

const (
	FieldExtraction   ExperimentField = "extraction"
	FieldEngine       ExperimentField = "engine"
	FieldIntervalSecs ExperimentField = "interval_secs"
	FieldInstructions ExperimentField = "instructions"
)

// FieldPriority is the fixed order the planner tries candidate fields in.
var FieldPriority = []ExperimentField{FieldExtraction, FieldEngine, FieldIntervalSecs, FieldInstructions}

// MonitorConfig is the live-mutable configuration of a monitor.
type MonitorConfig struct {
	Engine       string `json:"engine"`
	Extraction   string `json:"extraction"`
	IntervalSecs int    `json:"interval_secs"`
	Selector     string `json:"selector,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ConfusionMatrix accumulates the classification counts for a monitor.
type ConfusionMatrix struct {
	TP int `json:"tp"`
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

// Total returns tp+tn+fp+fn.
func (c ConfusionMatrix) Total() int { return c.TP + c.TN + c.FP + c.FN }

// AgentStats tracks agent-decision correctness counts.
type AgentStats struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// MonitorState is the per-intent, live-mutable runtime state of one monitor.
type MonitorState struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	IntentType  IntentType `json:"intent_type"`
	DomainClass string     `json:"domain_class,omitempty"`
	Mode        Mode       `json:"mode"`

	Config MonitorConfig `json:"config"`

	Cycle     int             `json:"cycle"`
	Confusion ConfusionMatrix `json:"confusion"`
	Agent     AgentStats      `json:"agent"`

	RecentObservations []Observation `json:"recent_observations"`
	RecentEvaluations  []Evaluation  `json:"recent_evaluations"`
	RecentScores       []float64     `json:"recent_scores"`
	DetectionLatencies []int         `json:"detection_latencies"`

	// LastTNCycle resolves spec Open Question (a): it is updated whenever a
	// TN is recorded, so detection latency never needs to re-derive the most
	// recent TN by searching trimmed history.
	LastTNCycle *int `json:"last_tn_cycle,omitempty"`

	LastObservedAt time.Time `json:"last_observed_at"`

	AppliedMutations []Mutation `json:"applied_mutations,omitempty"`

	ActiveExperimentID string `json:"active_experiment_id,omitempty"`

	// ExperimentedFields lists the fields this monitor has already run a
	// terminal experiment on, so the planner never retries one.
	ExperimentedFields []ExperimentField `json:"experimented_fields,omitempty"`
}

const (
	maxObservationHistory = 100
	maxEvaluationHistory  = 100
	maxScoreHistory       = 100
	maxLatencyHistory     = 50
)

// AppendObservation appends and trims the observation history to its bound.
func (m *MonitorState) AppendObservation(o Observation) {
	m.RecentObservations = append(m.RecentObservations, o)
	if n := len(m.RecentObservations); n > maxObservationHistory {
		m.RecentObservations = m.RecentObservations[n-maxObservationHistory:]
	}
}

// AppendEvaluation appends and trims the evaluation history to its bound.
func (m *MonitorState) AppendEvaluation(e Evaluation) {
	m.RecentEvaluations = append(m.RecentEvaluations, e)
	if n := len(m.RecentEvaluations); n > maxEvaluationHistory {
		m.RecentEvaluations = m.RecentEvaluations[n-maxEvaluationHistory:]
	}
}

// AppendScore appends and trims the score history to its bound.
func (m *MonitorState) AppendScore(s float64) {
	m.RecentScores = append(m.RecentScores, s)
	if n := len(m.RecentScores); n > maxScoreHistory {
		m.RecentScores = m.RecentScores[n-maxScoreHistory:]
	}
}

// AppendLatency appends and trims the detection-latency history to its bound.
func (m *MonitorState) AppendLatency(cycles int) {
	m.DetectionLatencies = append(m.DetectionLatencies, cycles)
	if n := len(m.DetectionLatencies); n > maxLatencyHistory {
		m.DetectionLatencies = m.DetectionLatencies[n-maxLatencyHistory:]
	}
}

// HasActiveExperiment reports whether the monitor currently has a running
// experiment attached.
func (m *MonitorState) HasActiveExperiment() bool { return m.ActiveExperimentID != "" }

// ObservationError replaces all success fields on an Observation when the
// probe call failed; Observation is an explicit tagged union rather than
// overloaded sentinel values (see spec Design Note on sum types).
type ObservationError struct {
	Message string `json:"message"`
}

// AgentOutcome is the probe's report of what the notification agent did.
type AgentOutcome struct {
	Notified bool   `json:"notified"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// Observation is one probe result for a single cycle.
type Observation struct {
	Cycle       int               `json:"cycle"`
	Timestamp   time.Time         `json:"timestamp"`
	Changed     bool              `json:"changed"`
	ContentHash string            `json:"content_hash,omitempty"`
	DiffSnippet string            `json:"diff_snippet,omitempty"`
	Agent       *AgentOutcome     `json:"agent,omitempty"`
	Err         *ObservationError `json:"error,omitempty"`
}

// IsError reports whether this observation represents a probe failure.
func (o Observation) IsError() bool { return o.Err != nil }

// Tri is three-valued logic for agent-decision correctness: true, false, or
// unknown (no ground truth available). Modeled explicitly per spec Design
// Note on sum types rather than a *bool.
type Tri int

const (
	TriUnknown Tri = iota
	TriTrue
	TriFalse
)

func (t Tri) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unknown"
	}
}

// Class is a confusion-matrix classification of a single cycle.
type Class string

const (
	ClassTP Class = "TP"
	ClassTN Class = "TN"
	ClassFP Class = "FP"
	ClassFN Class = "FN"
)

// Evaluation is the classification of one observation.
type Evaluation struct {
	Class          Class  `json:"class"`
	ExpectedChange bool   `json:"expected_change"`
	ActualChange   bool   `json:"actual_change"`
	AgentCorrect   Tri    `json:"agent_correct"`
	Reason         string `json:"reason"`
}

// Classify is the pure law from spec §8: classification is a function of
// (expected, actual) alone.
func Classify(expected, actual bool) Class {
	switch {
	case expected && actual:
		return ClassTP
	case !expected && !actual:
		return ClassTN
	case !expected && actual:
		return ClassFP
	default:
		return ClassFN
	}
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentRunning           ExperimentStatus = "running"
	ExperimentConcluded         ExperimentStatus = "concluded"
	ExperimentInsufficientData  ExperimentStatus = "insufficient_data"
)

// Terminal reports whether the status is a terminal (non-running) state.
func (s ExperimentStatus) Terminal() bool { return s != ExperimentRunning }

// Block is a contiguous range of cycles during which one experiment variant
// is active.
type Block struct {
	Variant        string    `json:"variant"`
	StartCycle     int       `json:"start_cycle"`
	EndCycle       int       `json:"end_cycle"` // exclusive
	Scores         []float64 `json:"scores,omitempty"`
	PositiveEvents int       `json:"positive_events"`
	NegativeEvents int       `json:"negative_events"`
}

// Contains reports whether cycle c falls within this block's range.
func (b Block) Contains(c int) bool { return c >= b.StartCycle && c < b.EndCycle }

// Experiment is an A/B test on a single monitor field.
type Experiment struct {
	ID          string          `json:"id"`
	MonitorName string          `json:"monitor_name"`
	Field       ExperimentField `json:"field"`
	VariantA    string          `json:"variant_a"`
	VariantB    string          `json:"variant_b"`
	Blocks      []Block         `json:"blocks"`
	Status      ExperimentStatus `json:"status"`
	Winner      string          `json:"winner,omitempty"`
	Evidence    string          `json:"evidence,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BlockFor returns a pointer to the block containing cycle c, or nil.
func (e *Experiment) BlockFor(c int) *Block {
	for i := range e.Blocks {
		if e.Blocks[i].Contains(c) {
			return &e.Blocks[i]
		}
	}
	return nil
}

// RuleScope is the breadth at which a creation rule applies.
type RuleScope string

const (
	ScopeIntentDomain RuleScope = "intent+domain"
	ScopeIntent       RuleScope = "intent"
	ScopeDomain       RuleScope = "domain"
)

// RuleType categorizes a creation rule for decay-rate purposes.
type RuleType string

const (
	RuleStructural RuleType = "structural"
	RuleHeuristic  RuleType = "heuristic"
	RuleDomain     RuleType = "domain"
)

// Recommendation is the subset of monitor-configuration fields a rule sets.
type Recommendation struct {
	Engine             string `json:"engine,omitempty"`
	Extraction         string `json:"extraction,omitempty"`
	IntervalSecs       int    `json:"interval_secs,omitempty"`
	InstructionTemplate string `json:"instruction_template,omitempty"`
	Selector           string `json:"selector,omitempty"`
}

// CreationRule is a learned recommendation persisted to the knowledge base.
type CreationRule struct {
	ID                      string         `json:"id"`
	IntentType              IntentType     `json:"intent_type"`
	DomainClass             string         `json:"domain_class,omitempty"`
	Scope                   RuleScope      `json:"scope"`
	Rule                    string         `json:"rule"`
	Evidence                string         `json:"evidence"`
	Confidence              float64        `json:"confidence"`
	PositiveEventsObserved  int            `json:"positive_events_observed"`
	Recommendation          Recommendation `json:"recommendation"`
	SourceDomains           []string       `json:"source_domains,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	LastValidated           time.Time      `json:"last_validated"`
	RuleType                RuleType       `json:"rule_type"`
}

// RunState is the top-level aggregate of one orchestrator run.
type RunState struct {
	RunID       string                    `json:"run_id"`
	StartedAt   time.Time                 `json:"started_at"`
	Mode        Mode                      `json:"mode"`
	Monitors    map[string]*MonitorState  `json:"monitors"`
	Experiments map[string]*Experiment    `json:"experiments"`
	TotalCycles int                       `json:"total_cycles"`
}

// NewMonitorState constructs the initial runtime state for a monitor from
// its static intent definition.
func NewMonitorState(in Intent) *MonitorState {
	return &MonitorState{
		Name:        in.Name,
		URL:         in.URL,
		IntentType:  in.IntentType,
		DomainClass: in.DomainClass,
		Mode:        in.Mode,
		Config: MonitorConfig{
			Engine:       in.Engine,
			Extraction:   in.Extraction,
			IntervalSecs: in.IntervalSecs,
			Selector:     in.Selector,
			Instructions: in.AgentInstructions,
		},
	}
}

// NewRunState constructs an empty run state ready for monitors to be added.
func NewRunState(runID string, mode Mode, startedAt time.Time) *RunState {
	return &RunState{
		RunID:       runID,
		StartedAt:   startedAt,
		Mode:        mode,
		Monitors:    make(map[string]*MonitorState),
		Experiments: make(map[string]*Experiment),
	}
}
