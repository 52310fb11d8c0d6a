// Package engine composes every orchestrator subsystem — the probe
// adapter, the mutation bridge, the scorer, the experimenter, the
// knowledge base, the event bus, and telemetry — behind a single facade,
// the way the teacher's engine package composes its crawl pipeline,
// rate limiter, and resource manager behind Engine. Config narrows and
// normalizes the underlying component configs; Run drives the
// scheduler loop to completion.
package engine

import (
	"time"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/experiment"
	"github.com/corvidlabs/watchloop/internal/mutation"
	"github.com/corvidlabs/watchloop/internal/probe"
)

// Config is the public configuration surface for the Engine facade.
type Config struct {
	// IntentsPath is the path to the TOML intent file (spec.md §6).
	IntentsPath string
	// WeightOverridesPath optionally overrides the built-in scoring
	// weight profiles and SLA table with a YAML document.
	WeightOverridesPath string

	// Duration bounds the run's total wall-clock time; zero means run
	// until canceled or shut down. Defaults to 12 hours per spec §6.
	Duration time.Duration

	// StateDir holds state.json, knowledge.json, report.json, report.txt,
	// and the dual-sink run logs.
	StateDir string
	// Resume resumes from StateDir's existing state.json and
	// knowledge.json rather than starting fresh.
	Resume bool

	// DryRun loads and validates the intent file, logs what would run,
	// and exits without performing any cycles or persistence.
	DryRun bool
	// ValidateOnly parses and validates the intent file and exits 0 (or
	// 1 on a validation problem) without starting the engine at all —
	// SPEC_FULL.md §6A's supplemental CLI surface.
	ValidateOnly bool
	// KnowledgeExportPath, if set, writes the final knowledge base to
	// this path in addition to StateDir/knowledge.json at the end of Run.
	// The CLI's -knowledge-export flag (SPEC_FULL.md §6A) is handled
	// separately by cmd/watchloop and exits before Run.
	KnowledgeExportPath string

	Verbose bool

	// HotReload watches IntentsPath for edits and applies additions to
	// the running monitor set; existing monitors are left untouched by a
	// reload (spec §6 hot-reload semantics apply to new monitors only).
	HotReload bool

	// E2EServerURL is the mutation server's base URL, used by monitors
	// in e2e mode.
	E2EServerURL string
	// LiveValidate records that the caller wants at least one monitor to
	// successfully create a probe watch before the run starts — otherwise
	// a broken probe binary or unreachable target fails silently into a
	// run that only ever logs TN/error. Run does not read it; the caller
	// applies the gate via ValidateProbeConnectivity (cmd/watchloop does).
	LiveValidate bool
	// ProbeBinary is the path to the probe CLI.
	ProbeBinary string

	Probe        probe.Config
	Mutation     mutation.Config
	Experimenter experiment.Config
	Weights      config.Weights

	// ParallelMonitors bounds how many monitors' cycles may run
	// concurrently within one scheduler round; <=1 (the default) keeps the
	// spec's single-threaded sequential loop. Raising it is only safe per
	// spec §9 Design Notes when every monitor's probe database is isolated
	// (not the case by default: Probe.DBPath is shared per run, not per
	// monitor, so raising this requires either a probe binary that shards
	// its own database by watch name or a distinct ProbeBinary/DBPath
	// wired in per monitor by the embedder) and e2e monitors sharing a
	// mutation server are otherwise serialized.
	ParallelMonitors int

	// MetricsEnabled toggles Prometheus/OTel metrics collection.
	MetricsEnabled bool
	// MetricsBackend selects "prom" (default), "otel", or "noop".
	MetricsBackend string
	// MetricsListenAddr, if set, exposes the Prometheus handler (Engine
	// callers bind it; the engine itself never opens a listener).
	MetricsListenAddr string

	// TracingEnabled toggles the lightweight adaptive tracer.
	TracingEnabled   bool
	TracingSamplePct float64
}

// Defaults returns a Config with the spec's documented defaults: a
// 12-hour run duration, the mutation server at 127.0.0.1:8787, and the
// component defaults from each collaborator's own Defaults().
func Defaults() Config {
	return Config{
		Duration:         12 * time.Hour,
		StateDir:         "./watchloop-state",
		E2EServerURL:     "http://127.0.0.1:8787",
		ProbeBinary:      "probe",
		Probe:            probe.Defaults(),
		Mutation:         mutation.Defaults(),
		Experimenter:     experiment.Defaults(),
		Weights:          config.Defaults(),
		MetricsEnabled:   false,
		MetricsBackend:   "prom",
		TracingEnabled:   true,
		TracingSamplePct: 5,
	}
}

// Option customizes a Config after Defaults(), in the teacher's
// functional-option idiom.
type Option func(*Config)

// WithIntents sets the intent file path.
func WithIntents(path string) Option { return func(c *Config) { c.IntentsPath = path } }

// WithStateDir sets the state/report/log output directory.
func WithStateDir(dir string) Option { return func(c *Config) { c.StateDir = dir } }

// WithDuration bounds the run's total wall-clock time.
func WithDuration(d time.Duration) Option { return func(c *Config) { c.Duration = d } }

// WithE2EServer sets the mutation server's base URL.
func WithE2EServer(url string) Option { return func(c *Config) { c.E2EServerURL = url } }

// WithProbeBinary sets the probe CLI path.
func WithProbeBinary(path string) Option {
	return func(c *Config) { c.ProbeBinary = path; c.Probe.BinaryPath = path }
}

// WithMetrics enables metrics collection on the given backend.
func WithMetrics(backend string) Option {
	return func(c *Config) { c.MetricsEnabled = true; c.MetricsBackend = backend }
}

// applyOptions resolves the probe binary path onto the nested probe
// config if it wasn't set via WithProbeBinary, so ProbeBinary stays the
// single field a caller needs to touch in the common case.
func (c Config) applyOptions(opts []Option) Config {
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	if c.Probe.BinaryPath == "" {
		c.Probe.BinaryPath = c.ProbeBinary
	}
	if c.Mutation.BaseURL == "" {
		c.Mutation.BaseURL = c.E2EServerURL
	}
	return c
}
