// Command watchloop drives a monitor's observe-evaluate-experiment-learn
// cycle to completion (spec.md §6 CLI surface), in the teacher's CLI
// idiom: flag parsing, signal-driven graceful shutdown with a forced
// second-signal exit, and a periodic JSON snapshot to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/corvidlabs/watchloop/engine"
	"github.com/corvidlabs/watchloop/internal/intents"
	"github.com/corvidlabs/watchloop/internal/knowledge"
	"github.com/corvidlabs/watchloop/internal/model"
)

func main() {
	var (
		intentsPath         string
		durationHours       float64
		stateDir            string
		resume              bool
		dryRun              bool
		verbose             bool
		e2eServer           string
		liveValidate        bool
		probeBinary         string
		validateOnly        bool
		knowledgeExportPath string
		hotReload           bool
		weightsPath         string
		metricsAddr         string
		enableMetrics       bool
		metricsBackend      string
		snapshotEvery       time.Duration
	)
	flag.StringVar(&intentsPath, "intents", "", "Path to the TOML intent file (required)")
	flag.Float64Var(&durationHours, "duration", 12, "Total run duration in hours")
	flag.StringVar(&stateDir, "state-dir", "./watchloop-state", "Directory for state, knowledge base, reports, and logs")
	flag.BoolVar(&resume, "resume", false, "Resume from state-dir's existing state and knowledge base")
	flag.BoolVar(&dryRun, "dry-run", false, "Validate the intent file and log what would run, then exit without starting a run")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug-level logging")
	flag.StringVar(&e2eServer, "e2e-server", "http://127.0.0.1:8787", "Base URL of the mutation server used by e2e-mode monitors")
	flag.BoolVar(&liveValidate, "live-validate", false, "Verify probe connectivity (and mutation server reachability for e2e monitors) before starting, exit 1 on failure")
	flag.StringVar(&probeBinary, "probe-binary", "probe", "Path to the probe CLI")
	flag.BoolVar(&validateOnly, "validate-only", false, "Parse and validate the intent file, print the result, and exit without starting anything")
	flag.StringVar(&knowledgeExportPath, "knowledge-export", "", "Dump the knowledge base's merged recommendation for every (intent_type, domain_class) pair in the intent file as JSON, then exit")
	flag.BoolVar(&hotReload, "hot-reload", false, "Watch the intent file for edits and add newly declared monitors to the running set")
	flag.StringVar(&weightsPath, "weights", "", "Optional YAML file overriding the built-in scoring weight profiles and SLA table")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose the metrics handler on address (e.g. :9090)")
	flag.BoolVar(&enableMetrics, "enable-metrics", false, "Enable metrics collection (required to serve -metrics)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "Interval between progress snapshots printed to stderr (0=disabled)")
	flag.Parse()

	if intentsPath == "" {
		fmt.Fprintln(os.Stderr, "watchloop: -intents is required")
		os.Exit(1)
	}

	if validateOnly {
		runValidateOnly(intentsPath)
		return
	}

	cfg := engine.Defaults()
	cfg.IntentsPath = intentsPath
	cfg.WeightOverridesPath = weightsPath
	cfg.Duration = time.Duration(durationHours * float64(time.Hour))
	cfg.StateDir = stateDir
	cfg.Resume = resume
	cfg.DryRun = dryRun
	cfg.Verbose = verbose
	cfg.HotReload = hotReload
	cfg.E2EServerURL = e2eServer
	cfg.LiveValidate = liveValidate
	cfg.ProbeBinary = probeBinary
	cfg.KnowledgeExportPath = knowledgeExportPath
	if enableMetrics {
		cfg.MetricsEnabled = true
		cfg.MetricsBackend = metricsBackend
	}

	if dryRun {
		runDryRun(cfg)
		return
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if liveValidate {
		f, err := intents.Load(intentsPath)
		if err != nil {
			log.Fatalf("live-validate: %v", err)
		}
		if !validateLive(ctx, eng, hasE2EIntent(f)) {
			os.Exit(1)
		}
	}

	if knowledgeExportPath != "" {
		// SPEC_FULL.md §6A: a standalone export merges the knowledge base's
		// current recommendation for every (intent_type, domain_class) pair
		// and exits; it does not run the engine.
		if err := exportKnowledge(stateDir, knowledgeExportPath, intentsPath); err != nil {
			log.Fatalf("knowledge export: %v", err)
		}
		return
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; completing current cycle then shutting down...")
		eng.RequestShutdown()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	var ticker *time.Ticker
	done := make(chan struct{})
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					printSnapshot(eng)
				case <-done:
					return
				}
			}
		}()
	}

	if metricsAddr != "" && cfg.MetricsEnabled {
		serveMetrics(ctx, metricsAddr, eng)
	}

	runErr := eng.Run(ctx)
	close(done)
	printSnapshot(eng)
	if runErr != nil {
		log.Fatalf("run: %v", runErr)
	}
}

// runValidateOnly parses and validates the intent file without
// constructing an Engine, matching spec §7(a)'s treatment of
// configuration errors as fatal, user-correctable problems reported
// before any subsystem is wired up.
func runValidateOnly(path string) {
	f, err := intents.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	if err := intents.Validate(f); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d intent(s) valid\n", len(f.Intents))
}

// runDryRun loads and validates the intent file and logs a summary of
// what a real run would do, performing no cycles or persistence.
func runDryRun(cfg engine.Config) {
	f, err := intents.Load(cfg.IntentsPath)
	if err != nil {
		log.Fatalf("dry-run: %v", err)
	}
	if err := intents.Validate(f); err != nil {
		log.Fatalf("dry-run: %v", err)
	}
	fmt.Printf("dry-run: would monitor %d intent(s) for %s, state-dir=%s, e2e-server=%s\n",
		len(f.Intents), cfg.Duration, cfg.StateDir, cfg.E2EServerURL)
	for _, in := range f.Intents {
		fmt.Printf("  - %s (%s/%s, mode=%s, engine=%s, extraction=%s, interval=%ds)\n",
			in.Name, in.IntentType, in.DomainClass, in.Mode, in.Engine, in.Extraction, in.IntervalSecs)
	}
}

// validateLive runs the engine's probe-connectivity check and, for
// e2e-mode monitors, a mutation-server reachability check, reporting the
// combined result. It returns false when either gate should fail the
// process per spec §6: "exit 1 on ... missing mutation server when
// required, or probe failure to create any watches."
func validateLive(ctx context.Context, eng *engine.Engine, needsMutationServer bool) bool {
	succeeded, total := eng.ValidateProbeConnectivity(ctx)
	ok := true
	if total > 0 && succeeded == 0 {
		fmt.Fprintf(os.Stderr, "live-validate: probe failed to create any of %d watch(es)\n", total)
		ok = false
	} else {
		fmt.Fprintf(os.Stderr, "live-validate: probe created %d/%d watch(es)\n", succeeded, total)
	}

	if !needsMutationServer {
		return ok
	}
	if err := eng.CheckMutationServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "live-validate: mutation server unreachable: %v\n", err)
		ok = false
	} else {
		fmt.Fprintln(os.Stderr, "live-validate: mutation server reachable")
	}
	return ok
}

func hasE2EIntent(f intents.File) bool {
	for _, in := range f.Intents {
		if in.Mode == model.ModeE2E {
			return true
		}
	}
	return false
}

// exportKnowledge loads the persisted knowledge base from state-dir and
// dumps, as JSON, the merged recommendation for every (intent_type,
// domain_class) pair named in the intent file, then returns. It is a
// read-only CLI action distinct from engine.Config.KnowledgeExportPath,
// which exports the full rule set at the end of a normal run.
func exportKnowledge(stateDir, outPath, intentsPath string) error {
	f, err := intents.Load(intentsPath)
	if err != nil {
		return err
	}
	kbPath := stateDir + "/knowledge.json"
	kb, err := knowledge.Load(kbPath)
	if err != nil {
		return fmt.Errorf("load knowledge base %s: %w", kbPath, err)
	}

	type pairRec struct {
		IntentType     string `json:"intent_type"`
		DomainClass    string `json:"domain_class"`
		Recommendation any    `json:"recommendation,omitempty"`
		Found          bool   `json:"found"`
	}
	seen := make(map[string]bool)
	var out []pairRec
	for _, in := range f.Intents {
		key := string(in.IntentType) + "/" + in.DomainClass
		if seen[key] {
			continue
		}
		seen[key] = true
		rec, found := kb.GetRecommendation(in.IntentType, in.DomainClass)
		entry := pairRec{IntentType: string(in.IntentType), DomainClass: in.DomainClass, Found: found}
		if found {
			entry.Recommendation = rec
		}
		out = append(out, entry)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, b, 0o644)
}

func printSnapshot(eng *engine.Engine) {
	snap := eng.Snapshot()
	b, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}

func serveMetrics(ctx context.Context, addr string, eng *engine.Engine) {
	handler := eng.MetricsHandler()
	if handler == nil {
		log.Printf("metrics: backend exposes no HTTP handler, -metrics ignored")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	go func() {
		log.Printf("metrics listening on %s", addr)
		_ = srv.ListenAndServe()
	}()
}
