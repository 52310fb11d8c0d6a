// Package cycle is the per-monitor orchestration loop: mutate (E2E) ->
// determine active experiment variant -> observe via the probe -> evaluate
// -> score -> update stats -> record into any active experiment -> plan the
// next experiment. It is the single place that ties every other component
// (probe, mutation bridge, evaluator, scorer, experimenter, knowledge base)
// together into the spec's observe-evaluate-experiment-learn cycle.
//
// Grounded on the teacher's internal/pipeline stage orchestration: the same
// "each stage runs in strict order, metrics/events fire as side effects,
// errors degrade a single unit of work rather than aborting the batch"
// idiom, narrowed from a 4-stage concurrent pipeline down to one monitor's
// sequential per-cycle contract.
package cycle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/corvidlabs/watchloop/internal/evaluate"
	"github.com/corvidlabs/watchloop/internal/events"
	"github.com/corvidlabs/watchloop/internal/experiment"
	"github.com/corvidlabs/watchloop/internal/knowledge"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/corvidlabs/watchloop/internal/mutation"
	"github.com/corvidlabs/watchloop/internal/probe"
	"github.com/corvidlabs/watchloop/internal/score"
	"github.com/corvidlabs/watchloop/internal/telemetry/logging"
	"github.com/corvidlabs/watchloop/internal/telemetry/metrics"
	"github.com/corvidlabs/watchloop/internal/telemetry/tracing"
)

// ErrMonitorNotFound is returned by RunCycle for an unknown monitor name.
var ErrMonitorNotFound = fmt.Errorf("cycle: monitor not found")

// Config controls the runner's collaborators and knobs not already owned
// by a sub-package (probe/mutation/experiment each carry their own
// Config/Defaults).
type Config struct {
	Probe        probe.Config
	Mutation     mutation.Config
	Experimenter experiment.Config

	// ParallelMonitors bounds how many monitors' cycles RunAllMonitors may
	// run concurrently within one round. The spec's reference scheduler is
	// single-threaded (ParallelMonitors<=1, the default); per spec §9's
	// Design Notes this is only safe to raise above 1 when each monitor's
	// probe database is isolated and, in E2E mode, mutation-server calls
	// for monitors sharing a server are serialized elsewhere (the mutation
	// Client is not itself concurrency-safe across monitors sharing a
	// server, so callers raising this must give e2e monitors distinct
	// mutation-server instances or accept serialization there).
	ParallelMonitors int
}

// Runner executes cycles for every monitor in a run, using the original
// intent definitions (for URL and the E2E mutation schedule, neither of
// which survives into MonitorState) looked up by monitor name.
type Runner struct {
	run     *model.RunState
	intents map[string]model.Intent

	// shared guards every mutation of state this Runner owns that is not
	// already self-synchronized (knowledge.Store has its own mutex): the
	// materialized-watch map, run.Experiments, and run.TotalCycles. A single
	// monitor's own MonitorState is only ever touched by the one goroutine
	// running that monitor's cycle, so it needs no lock of its own.
	shared sync.Mutex

	probe        *probe.Adapter
	mutationCli  *mutation.Client
	scorer       *score.Scorer
	experimenter *experiment.Experimenter
	knowledge    *knowledge.Store
	bus          events.Bus
	log          logging.Logger
	tracer       tracing.Tracer

	// parallelMonitors bounds concurrent cycles within one RunAllMonitors
	// round; <=1 (the default) runs the spec's single-threaded sequential
	// loop. Set via SetParallelMonitors.
	parallelMonitors int

	// materialized tracks, per monitor, the MonitorConfig last used to
	// create its probe watch, so an experiment variant that changes
	// engine/extraction/instructions triggers a watch recreation only
	// when the effective config actually differs from what's live.
	materialized map[string]model.MonitorConfig

	mCycles      metrics.Counter
	mConfusion   metrics.Counter
	mRulesLearnt metrics.Counter
}

// New wires a Runner from its collaborators. bus, logger, and tracer may be
// nil; nil-safe no-ops are substituted.
func New(run *model.RunState, intents map[string]model.Intent, probeAdapter *probe.Adapter, mutationCli *mutation.Client, scorer *score.Scorer, experimenter *experiment.Experimenter, kb *knowledge.Store, bus events.Bus, log logging.Logger, tracer tracing.Tracer, provider metrics.Provider) *Runner {
	if log == nil {
		log = logging.New(nil)
	}
	if tracer == nil {
		tracer = tracing.NoopTracer()
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	r := &Runner{
		run:          run,
		intents:      intents,
		probe:        probeAdapter,
		mutationCli:  mutationCli,
		scorer:       scorer,
		experimenter: experimenter,
		knowledge:    kb,
		bus:          bus,
		log:          log,
		tracer:       tracer,
		materialized: make(map[string]model.MonitorConfig),
	}
	r.mCycles = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.NamespaceWatchloop, Name: metrics.MetricCyclesTotal, Help: "Total cycles run", Labels: []string{"monitor"}}})
	r.mConfusion = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.NamespaceWatchloop, Name: metrics.MetricConfusionTotal, Help: "Confusion-matrix classifications", Labels: []string{"monitor", "class"}}})
	r.mRulesLearnt = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.NamespaceWatchloop, Name: metrics.MetricRulesLearned, Help: "Creation rules learned"}})
	return r
}

func (r *Runner) publish(ctx context.Context, category, typ, severity, monitor string, fields map[string]interface{}) {
	if r.bus == nil {
		return
	}
	_ = r.bus.PublishCtx(ctx, events.Event{
		Category: category,
		Type:     typ,
		Severity: severity,
		Labels:   map[string]string{"monitor": monitor},
		Fields:   fields,
	})
}

// RunCycle executes one observe->evaluate->score->learn cycle for the named
// monitor and returns its freshly computed efficacy score.
func (r *Runner) RunCycle(ctx context.Context, monitorName string) (score.Breakdown, error) {
	m, ok := r.run.Monitors[monitorName]
	if !ok {
		return score.Breakdown{}, fmt.Errorf("%w: %s", ErrMonitorNotFound, monitorName)
	}
	in := r.intents[monitorName]

	ctx, span := r.tracer.Start(ctx, "cycle.run")
	span.SetAttr("monitor", monitorName)
	defer span.End()

	cycle := m.Cycle

	if m.Mode == model.ModeE2E {
		r.applyMutations(ctx, m, in, cycle)
	}

	effective := r.activeVariantConfig(ctx, m)
	r.materializeWatch(ctx, m, effective)

	obs := r.probe.RunCheck(ctx, m, cycle)
	m.AppendObservation(obs)
	m.LastObservedAt = obs.Timestamp
	if obs.IsError() {
		r.publish(ctx, events.CategoryProbe, events.TypeMonitorProbeError, "warn", monitorName, map[string]interface{}{"cycle": cycle, "error": obs.Err.Message})
		r.log.WarnCtx(ctx, "probe observation failed", "monitor", monitorName, "cycle", cycle, "error", obs.Err.Message)
	}

	eval := r.evaluate(m, obs, in)
	m.AppendEvaluation(eval)

	r.updateConfusion(m, eval)
	if r.mConfusion != nil {
		r.mConfusion.Inc(1, monitorName, string(eval.Class))
	}

	breakdown := r.scorer.Score(m)
	m.AppendScore(breakdown.Composite)

	if r.mCycles != nil {
		r.mCycles.Inc(1, monitorName)
	}

	r.recordIntoExperiment(ctx, m, cycle, breakdown.Composite, eval.Class)
	if !m.HasActiveExperiment() {
		r.planNext(m, cycle+1)
	}

	m.Cycle++
	r.shared.Lock()
	r.run.TotalCycles++
	r.shared.Unlock()

	r.log.InfoCtx(ctx, "cycle completed", "monitor", monitorName, "cycle", cycle, "class", string(eval.Class), "score", breakdown.Composite)
	r.publish(ctx, events.CategoryCycle, events.TypeCycleCompleted, "info", monitorName, map[string]interface{}{"cycle": cycle, "class": string(eval.Class), "score": breakdown.Composite})

	return breakdown, nil
}

// applyMutations applies every scheduled mutation due at this cycle via the
// mutation-server adapter. Failures are logged and non-fatal: the mutation
// simply did not take effect this cycle, per spec §4.2/§7(c).
func (r *Runner) applyMutations(ctx context.Context, m *model.MonitorState, in model.Intent, cycle int) {
	if r.mutationCli == nil {
		return
	}
	for _, mu := range in.Mutations {
		if mu.Cycle != cycle {
			continue
		}
		if err := r.mutationCli.Apply(ctx, mu); err != nil {
			r.log.WarnCtx(ctx, "mutation apply failed", "monitor", m.Name, "cycle", cycle, "field", mu.Field, "error", err)
			continue
		}
		m.AppliedMutations = append(m.AppliedMutations, mu)
	}
}

// activeVariantConfig returns the MonitorConfig in force for this cycle: the
// monitor's own baseline config, unless an active experiment's pre-assigned
// block covers this cycle, in which case the block's variant overrides the
// field under test. The monitor's persisted Config is never overwritten by
// an experiment in progress — only a concluded, winning experiment produces
// a knowledge-base recommendation; the monitor itself keeps running its own
// configuration once the experiment ends.
func (r *Runner) activeVariantConfig(ctx context.Context, m *model.MonitorState) model.MonitorConfig {
	cfg := m.Config
	if !m.HasActiveExperiment() {
		return cfg
	}
	r.shared.Lock()
	exp, ok := r.run.Experiments[m.ActiveExperimentID]
	r.shared.Unlock()
	if !ok {
		r.log.WarnCtx(ctx, "active experiment id does not resolve; running baseline config", "monitor", m.Name, "experiment_id", m.ActiveExperimentID)
		return cfg
	}
	variant, err := r.experimenter.VariantForCycle(exp, m.Cycle)
	if err != nil {
		r.log.WarnCtx(ctx, "experiment variant lookup failed; running baseline config", "monitor", m.Name, "error", err)
		return cfg
	}
	return applyVariant(cfg, exp.Field, variant)
}

func applyVariant(cfg model.MonitorConfig, field model.ExperimentField, variant string) model.MonitorConfig {
	switch field {
	case model.FieldEngine:
		cfg.Engine = variant
	case model.FieldExtraction:
		cfg.Extraction = variant
	case model.FieldInstructions:
		cfg.Instructions = variant
	case model.FieldIntervalSecs:
		if secs, err := strconv.Atoi(variant); err == nil {
			cfg.IntervalSecs = secs
		}
	}
	return cfg
}

// materializeWatch recreates the probe's watch registration when the
// effective config (baseline or active experiment variant) differs from
// whatever config last produced the live watch. The probe CLI has no
// "update" operation, only new/test/list/delete, so a config-changing
// variant must delete and recreate the watch before the next check.
func (r *Runner) materializeWatch(ctx context.Context, m *model.MonitorState, effective model.MonitorConfig) {
	r.shared.Lock()
	last, seen := r.materialized[m.Name]
	r.shared.Unlock()
	if seen && last == effective {
		return
	}
	original := m.Config
	m.Config = effective
	if seen {
		if err := r.probe.DeleteWatch(ctx, m.Name); err != nil {
			r.log.WarnCtx(ctx, "delete watch before recreation failed", "monitor", m.Name, "error", err)
		}
	}
	if err := r.probe.CreateWatch(ctx, m); err != nil {
		r.log.WarnCtx(ctx, "create watch failed", "monitor", m.Name, "error", err)
	}
	m.Config = original
	r.shared.Lock()
	r.materialized[m.Name] = effective
	r.shared.Unlock()
}

func (r *Runner) evaluate(m *model.MonitorState, obs model.Observation, in model.Intent) model.Evaluation {
	if m.Mode == model.ModeE2E {
		return evaluate.E2E{}.Evaluate(m, obs, m.AppliedMutations)
	}
	return evaluate.Live{}.Evaluate(m, obs)
}

func (r *Runner) updateConfusion(m *model.MonitorState, eval model.Evaluation) {
	switch eval.Class {
	case model.ClassTP:
		m.Confusion.TP++
	case model.ClassTN:
		m.Confusion.TN++
	case model.ClassFP:
		m.Confusion.FP++
	case model.ClassFN:
		m.Confusion.FN++
	}
	switch eval.AgentCorrect {
	case model.TriTrue:
		m.Agent.Total++
		m.Agent.Correct++
	case model.TriFalse:
		m.Agent.Total++
	}
}

// recordIntoExperiment records this cycle's outcome into the monitor's
// active experiment, if any, attempts to conclude it, and on conclusion
// either emits a creation rule (winning experiment) or just clears the
// active-experiment reference (no-winner or insufficient-data). Every
// failure here is logged and non-fatal per spec §4.1 step 7/§7.
func (r *Runner) recordIntoExperiment(ctx context.Context, m *model.MonitorState, cycle int, compositeScore float64, class model.Class) {
	if !m.HasActiveExperiment() {
		return
	}
	r.shared.Lock()
	exp, ok := r.run.Experiments[m.ActiveExperimentID]
	r.shared.Unlock()
	if !ok {
		r.log.WarnCtx(ctx, "active experiment id does not resolve; clearing", "monitor", m.Name, "experiment_id", m.ActiveExperimentID)
		m.ActiveExperimentID = ""
		return
	}

	if err := r.experimenter.RecordOutcome(exp, cycle, compositeScore, class); err != nil {
		r.log.WarnCtx(ctx, "experiment record outcome failed", "monitor", m.Name, "experiment_id", exp.ID, "error", err)
		return
	}

	if !r.experimenter.Evaluate(exp) {
		return
	}

	experiment.MarkTried(m, exp.Field)
	m.ActiveExperimentID = ""

	switch exp.Status {
	case model.ExperimentInsufficientData:
		r.publish(ctx, events.CategoryExperiment, events.TypeExperimentInsufficientData, "info", m.Name, map[string]interface{}{"experiment_id": exp.ID, "field": string(exp.Field), "evidence": exp.Evidence})
		return
	case model.ExperimentConcluded:
		r.publish(ctx, events.CategoryExperiment, events.TypeExperimentConcluded, "info", m.Name, map[string]interface{}{"experiment_id": exp.ID, "field": string(exp.Field), "winner": exp.Winner, "evidence": exp.Evidence})
	}

	rule := experiment.BuildCreationRule(m, exp)
	if rule == nil {
		return
	}
	if err := r.knowledge.Add(rule); err != nil {
		r.log.WarnCtx(ctx, "add creation rule failed", "monitor", m.Name, "experiment_id", exp.ID, "error", err)
		return
	}
	if r.mRulesLearnt != nil {
		r.mRulesLearnt.Inc(1)
	}
	r.publish(ctx, events.CategoryKnowledge, events.TypeRuleCreated, "info", m.Name, map[string]interface{}{"rule_id": rule.ID, "rule": rule.Rule, "confidence": rule.Confidence})

	if promoted := r.knowledge.TryPromoteRule(rule); promoted != nil {
		r.publish(ctx, events.CategoryKnowledge, events.TypeRulePromoted, "info", m.Name, map[string]interface{}{"rule_id": promoted.ID, "source_rule_id": rule.ID, "confidence": promoted.Confidence})
	}
}

// planNext starts a new experiment on the next eligible candidate field
// when the monitor currently has none running, per the spec §4.5 planner.
func (r *Runner) planNext(m *model.MonitorState, startCycle int) {
	exp := r.experimenter.Plan(m, startCycle)
	if exp == nil {
		return
	}
	r.shared.Lock()
	r.run.Experiments[exp.ID] = exp
	r.shared.Unlock()
	r.publish(context.Background(), events.CategoryExperiment, events.TypeExperimentStarted, "info", m.Name, map[string]interface{}{"experiment_id": exp.ID, "field": string(exp.Field), "variant_a": exp.VariantA, "variant_b": exp.VariantB})
}

// PrecreateWatches creates the probe watch for every monitor up front,
// using each monitor's baseline config, and records the result in
// materialized so the first RunCycle doesn't recreate it. It returns how
// many of the total monitors succeeded, letting the caller decide
// whether --live-validate's "at least one watch must succeed" gate (spec
// §6) is satisfied.
func (r *Runner) PrecreateWatches(ctx context.Context) (succeeded, total int) {
	for _, m := range r.run.Monitors {
		total++
		if err := r.probe.CreateWatch(ctx, m); err != nil {
			r.log.WarnCtx(ctx, "precreate watch failed", "monitor", m.Name, "error", err)
			continue
		}
		r.materialized[m.Name] = m.Config
		succeeded++
	}
	return succeeded, total
}

// DeleteAllWatches deletes every monitor's probe watch, used at clean
// shutdown so a fresh (non-resumed) run doesn't leave test watches
// behind in the probe's database (spec §5 cancellation/finalization).
func (r *Runner) DeleteAllWatches(ctx context.Context) {
	for name := range r.run.Monitors {
		if err := r.probe.DeleteWatch(ctx, name); err != nil {
			r.log.WarnCtx(ctx, "delete watch at shutdown failed", "monitor", name, "error", err)
		}
	}
}

// Due reports whether a monitor is due to run another cycle: the wall-clock
// delta since its last observation is at least its configured interval, or
// it has never been observed. A monitor with no prior timestamp is always
// due, matching spec §4.1's "unparseable or missing last-timestamps are
// treated as due".
func Due(m *model.MonitorState, now time.Time) bool {
	if m.LastObservedAt.IsZero() {
		return true
	}
	interval := time.Duration(m.Config.IntervalSecs) * time.Second
	return now.Sub(m.LastObservedAt) >= interval
}

// SetParallelMonitors bounds how many due monitors RunAllMonitors may run
// concurrently within one round; n<=1 restores the spec's default
// single-threaded sequential loop. Per spec §9's Design Notes, raising this
// is only safe when each monitor's probe database is isolated and e2e
// monitors sharing a mutation server are otherwise serialized — callers
// (the engine facade) are responsible for that isolation before opting in.
func (r *Runner) SetParallelMonitors(n int) { r.parallelMonitors = n }

// RunAllMonitors runs one cycle for each monitor in the run whose interval
// has elapsed, returning the resulting scores keyed by monitor name. Each
// monitor's cycle failure is isolated and does not abort the round. With
// ParallelMonitors<=1 (the default) this is the spec's sequential loop;
// above that, due monitors are run across a bounded worker pool, adapted
// from the teacher's internal/pipeline worker/queue pattern, narrowed here
// from a shared multi-stage pipeline down to one independent cycle per
// worker. Knowledge-base writes remain correct either way since
// knowledge.Store guards every mutation with its own mutex.
func (r *Runner) RunAllMonitors(ctx context.Context) map[string]score.Breakdown {
	now := time.Now()

	var due []string
	for name, m := range r.run.Monitors {
		if Due(m, now) {
			due = append(due, name)
		}
	}

	out := make(map[string]score.Breakdown, len(due))
	if r.parallelMonitors <= 1 || len(due) <= 1 {
		for _, name := range due {
			breakdown, err := r.RunCycle(ctx, name)
			if err != nil {
				r.log.ErrorCtx(ctx, "run cycle failed", "monitor", name, "error", err)
				continue
			}
			out[name] = breakdown
		}
		return out
	}

	type result struct {
		name      string
		breakdown score.Breakdown
		err       error
	}

	jobs := make(chan string)
	results := make(chan result)

	workers := r.parallelMonitors
	if workers > len(due) {
		workers = len(due)
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for name := range jobs {
				breakdown, err := r.RunCycle(ctx, name)
				results <- result{name: name, breakdown: breakdown, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, name := range due {
			select {
			case jobs <- name:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			r.log.ErrorCtx(ctx, "run cycle failed", "monitor", res.name, "error", res.err)
			continue
		}
		out[res.name] = res.breakdown
	}
	return out
}

// MinInterval returns the smallest configured interval across every
// monitor in the run, used by the top-level scheduler as its tick period.
// An empty run defaults to one second.
func MinInterval(run *model.RunState) time.Duration {
	min := time.Duration(0)
	for _, m := range run.Monitors {
		iv := time.Duration(m.Config.IntervalSecs) * time.Second
		if iv <= 0 {
			continue
		}
		if min == 0 || iv < min {
			min = iv
		}
	}
	if min <= 0 {
		return time.Second
	}
	return min
}
