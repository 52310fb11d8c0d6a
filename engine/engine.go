package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/cycle"
	"github.com/corvidlabs/watchloop/internal/events"
	"github.com/corvidlabs/watchloop/internal/experiment"
	"github.com/corvidlabs/watchloop/internal/intents"
	"github.com/corvidlabs/watchloop/internal/knowledge"
	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/corvidlabs/watchloop/internal/mutation"
	"github.com/corvidlabs/watchloop/internal/probe"
	"github.com/corvidlabs/watchloop/internal/report"
	"github.com/corvidlabs/watchloop/internal/score"
	"github.com/corvidlabs/watchloop/internal/state"
	"github.com/corvidlabs/watchloop/internal/telemetry/logging"
	"github.com/corvidlabs/watchloop/internal/telemetry/metrics"
	"github.com/corvidlabs/watchloop/internal/telemetry/tracing"
	"github.com/google/uuid"
)

// Snapshot is a unified, read-only view of the engine's live state,
// analogous to the teacher's Engine.Snapshot — a single struct an
// embedder or CLI can poll without reaching into internal packages.
type Snapshot struct {
	StartedAt   time.Time              `json:"started_at"`
	Uptime      time.Duration          `json:"uptime"`
	RunID       string                 `json:"run_id"`
	TotalCycles int                    `json:"total_cycles"`
	Monitors    map[string]MonitorView `json:"monitors"`
	EventBus    events.BusStats        `json:"event_bus"`
}

// MonitorView is the reduced per-monitor view embedded in Snapshot.
type MonitorView struct {
	Cycle          int                   `json:"cycle"`
	Confusion      model.ConfusionMatrix `json:"confusion"`
	LatestScore    float64               `json:"latest_score"`
	ActiveExperiment string              `json:"active_experiment,omitempty"`
}

// Engine composes every orchestrator subsystem behind one facade.
type Engine struct {
	cfg Config

	run        *model.RunState
	intentFile intents.File

	stateStore *state.Store
	knowledge  *knowledge.Store

	probeAdapter *probe.Adapter
	mutationCli  *mutation.Client
	scorer       *score.Scorer
	experimenter *experiment.Experimenter
	bus          events.Bus

	runner    *cycle.Runner
	scheduler *cycle.Scheduler
	shutdown  *cycle.ShutdownFlag

	watcher *intents.Watcher

	log      logging.Logger
	closeLog func() error
	tracer   tracing.Tracer
	metrics  metrics.Provider

	startedAt time.Time
}

// New validates the intent file, wires every collaborator, and resumes
// or initializes run state, but does not start the scheduler loop — call
// Run for that. A validation failure or an intent file that can't be
// read is returned as an error rather than panicking, since this is a
// startup-time, user-correctable condition (spec §7(a)).
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.applyOptions(opts)

	if cfg.IntentsPath == "" {
		return nil, errors.New("engine: IntentsPath is required")
	}
	f, err := intents.Load(cfg.IntentsPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := intents.Validate(f); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	weights, err := config.LoadOverrides(cfg.WeightOverridesPath, cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg.Weights = weights

	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create state dir: %w", err)
		}
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	var baseLogger *slog.Logger
	var closeLog func() error
	if cfg.StateDir != "" {
		textPath := filepath.Join(cfg.StateDir, "orchestrate.log")
		jsonlPath := filepath.Join(cfg.StateDir, "orchestrate.jsonl")
		baseLogger, closeLog, err = logging.NewRunLogger(textPath, jsonlPath, logLevel)
		if err != nil {
			return nil, fmt.Errorf("engine: init logging: %w", err)
		}
	}
	log := logging.New(baseLogger)

	provider := selectMetricsProvider(cfg)
	tracer := selectTracer(cfg)
	bus := events.NewBus(provider)

	runID := uuid.NewString()
	var run *model.RunState
	statePath := ""
	if cfg.StateDir != "" {
		statePath = filepath.Join(cfg.StateDir, "state.json")
	}
	if cfg.Resume && statePath != "" {
		run, err = state.Resume(statePath, func() *model.RunState {
			return model.NewRunState(runID, resolveMode(f), time.Now())
		})
		if err != nil {
			return nil, fmt.Errorf("engine: resume state: %w", err)
		}
	} else {
		run = model.NewRunState(runID, resolveMode(f), time.Now())
	}
	ensureMonitors(run, f)

	var kb *knowledge.Store
	if cfg.Resume && cfg.StateDir != "" {
		kb, err = knowledge.Load(filepath.Join(cfg.StateDir, "knowledge.json"))
		if err != nil {
			return nil, fmt.Errorf("engine: load knowledge base: %w", err)
		}
	} else {
		kb = knowledge.New()
	}

	probeCfg := cfg.Probe
	probeCfg.BinaryPath = cfg.ProbeBinary
	if probeCfg.DBPath == "" && cfg.StateDir != "" {
		probeCfg.DBPath = filepath.Join(cfg.StateDir, "test.db")
	}
	probeAdapter := probe.New(probeCfg)

	mutationCfg := cfg.Mutation
	mutationCfg.BaseURL = cfg.E2EServerURL
	mutationCli := mutation.New(mutationCfg)

	scorer := score.New(cfg.Weights)
	experimenter := experiment.New(cfg.Experimenter)

	runner := cycle.New(run, intents.ByName(f), probeAdapter, mutationCli, scorer, experimenter, kb, bus, log, tracer, provider)
	runner.SetParallelMonitors(cfg.ParallelMonitors)

	var stateStore *state.Store
	if statePath != "" {
		stateStore = state.New(state.Defaults(statePath), run)
	}

	var watcher *intents.Watcher
	if cfg.HotReload {
		watcher, err = intents.NewWatcher(cfg.IntentsPath)
		if err != nil {
			return nil, fmt.Errorf("engine: init intent watcher: %w", err)
		}
	}

	e := &Engine{
		cfg:          cfg,
		run:          run,
		intentFile:   f,
		stateStore:   stateStore,
		knowledge:    kb,
		probeAdapter: probeAdapter,
		mutationCli:  mutationCli,
		scorer:       scorer,
		experimenter: experimenter,
		bus:          bus,
		runner:       runner,
		shutdown:     &cycle.ShutdownFlag{},
		watcher:      watcher,
		log:          log,
		closeLog:     closeLog,
		tracer:       tracer,
		metrics:      provider,
		startedAt:    time.Now(),
	}
	e.scheduler = cycle.NewScheduler(runner, e.shutdown)
	if stateStore != nil {
		e.scheduler.OnRound = func(map[string]interface{}) {
			if err := stateStore.Save(); err != nil {
				e.log.WarnCtx(context.Background(), "checkpoint save failed", "error", err)
			}
		}
	}
	return e, nil
}

func resolveMode(f intents.File) model.Mode {
	if f.Meta.Mode != "" {
		return f.Meta.Mode
	}
	if len(f.Intents) > 0 {
		return f.Intents[0].Mode
	}
	return model.ModeLive
}

// ensureMonitors adds a MonitorState for any intent not already present
// in the run (a fresh run, or a resumed run whose intent file just grew
// via hot-reload).
func ensureMonitors(run *model.RunState, f intents.File) {
	for _, in := range f.Intents {
		if _, ok := run.Monitors[in.Name]; !ok {
			run.Monitors[in.Name] = model.NewMonitorState(in)
		}
	}
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func selectTracer(cfg Config) tracing.Tracer {
	if !cfg.TracingEnabled {
		return tracing.NoopTracer()
	}
	pct := int(cfg.TracingSamplePct)
	return tracing.NewAdaptiveTracer(func() int { return pct }, tracing.NewSimpleTracer())
}

// MetricsHandler returns the Prometheus HTTP handler, or nil if metrics
// are disabled or the active backend doesn't expose one. Binding it to
// a listener is the embedder's responsibility, matching the teacher's
// engine: the facade never opens its own HTTP server.
func (e *Engine) MetricsHandler() http.Handler {
	if e.metrics == nil {
		return nil
	}
	if hp, ok := e.metrics.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Snapshot returns the engine's current state as a single read-only
// view, safe to call from any goroutine while Run is active.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		StartedAt:   e.startedAt,
		Uptime:      time.Since(e.startedAt),
		RunID:       e.run.RunID,
		TotalCycles: e.run.TotalCycles,
		Monitors:    make(map[string]MonitorView, len(e.run.Monitors)),
	}
	if e.bus != nil {
		snap.EventBus = e.bus.Stats()
	}
	for name, m := range e.run.Monitors {
		var latest float64
		if n := len(m.RecentScores); n > 0 {
			latest = m.RecentScores[n-1]
		}
		snap.Monitors[name] = MonitorView{
			Cycle:            m.Cycle,
			Confusion:        m.Confusion,
			LatestScore:      latest,
			ActiveExperiment: m.ActiveExperimentID,
		}
	}
	return snap
}

// ValidateProbeConnectivity creates every monitor's probe watch up front
// and reports how many succeeded out of the total. Callers implementing
// --live-validate (spec §6: "exit 1 on ... probe failure to create any
// watches") should treat zero successes against a non-zero total as
// fatal.
func (e *Engine) ValidateProbeConnectivity(ctx context.Context) (succeeded, total int) {
	return e.runner.PrecreateWatches(ctx)
}

// CheckMutationServer reports whether the configured mutation server is
// reachable, for --live-validate's "missing mutation server when
// required" gate (spec §6). Intents that never run in e2e mode don't
// need one, so a caller should skip this check when the run has no
// e2e-mode monitors.
func (e *Engine) CheckMutationServer(ctx context.Context) error {
	_, err := e.mutationCli.State(ctx)
	return err
}

// RequestShutdown signals the running scheduler loop to stop at the next
// opportunity (bounded to roughly one second). Safe to call from a
// signal handler.
func (e *Engine) RequestShutdown() { e.shutdown.Request() }

// Run drives the scheduler loop until ctx is canceled, the configured
// Duration elapses, or shutdown is requested, then persists final state,
// the knowledge base, and the run report. DryRun and ValidateOnly are
// handled by the caller before Run is invoked — Run always performs a
// real run.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeResources()

	if e.watcher != nil {
		changes, errs := e.watcher.Watch(ctx)
		go e.watchIntents(ctx, changes, errs)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.Duration)
		defer cancel()
	}

	if e.stateStore != nil {
		e.stateStore.StartCheckpointing()
	}

	e.scheduler.Run(runCtx)

	return e.finalize()
}

// watchIntents applies newly declared monitors from a validated
// intent-file reload; existing monitors are left running unchanged.
func (e *Engine) watchIntents(ctx context.Context, changes <-chan intents.Change, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			e.intentFile = c.File
			ensureMonitors(e.run, c.File)
			e.log.InfoCtx(ctx, "intent file reloaded", "monitors", len(c.File.Intents))
		case err, ok := <-errs:
			if !ok {
				return
			}
			e.log.WarnCtx(ctx, "intent file reload failed", "error", err)
		}
	}
}

// finalize persists state, the knowledge base, and the final report,
// applying knowledge decay one last time before the rules are written.
func (e *Engine) finalize() error {
	removed := e.knowledge.Decay(time.Now())
	if removed > 0 {
		e.log.InfoCtx(context.Background(), "knowledge decay pruned rules", "removed", removed)
	}

	if !e.cfg.Resume {
		e.runner.DeleteAllWatches(context.Background())
	}

	if e.stateStore != nil {
		if err := e.stateStore.Close(); err != nil {
			return fmt.Errorf("engine: save final state: %w", err)
		}
	}

	if e.cfg.StateDir != "" {
		kbPath := filepath.Join(e.cfg.StateDir, "knowledge.json")
		if err := e.knowledge.SaveAtomic(kbPath); err != nil {
			return fmt.Errorf("engine: save knowledge base: %w", err)
		}
	}
	if e.cfg.KnowledgeExportPath != "" {
		if err := e.knowledge.SaveAtomic(e.cfg.KnowledgeExportPath); err != nil {
			return fmt.Errorf("engine: export knowledge base: %w", err)
		}
	}

	rpt := report.Build(e.run, e.knowledge, e.scorer)
	if e.cfg.StateDir != "" {
		jsonBytes, err := rpt.JSON()
		if err != nil {
			return fmt.Errorf("engine: render report json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(e.cfg.StateDir, "report.json"), jsonBytes, 0o644); err != nil {
			return fmt.Errorf("engine: write report.json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(e.cfg.StateDir, "report.txt"), []byte(rpt.Text()), 0o644); err != nil {
			return fmt.Errorf("engine: write report.txt: %w", err)
		}
	}
	return nil
}

func (e *Engine) closeResources() {
	if e.watcher != nil {
		_ = e.watcher.Stop()
	}
	if e.closeLog != nil {
		_ = e.closeLog()
	}
}

// Report renders the current run's report without stopping the engine,
// letting a caller inspect interim results (e.g. a periodic status
// endpoint) while Run is still active.
func (e *Engine) Report() report.Report {
	return report.Build(e.run, e.knowledge, e.scorer)
}
