// Package probe adapts the external change-detection probe binary: a
// subprocess invoked once per cycle per monitor to create a watch, run
// one check, list watches, or delete a watch. The probe is an
// out-of-scope external collaborator; this package only knows its
// documented command-line contract, not its internals.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/corvidlabs/watchloop/internal/breaker"
	"github.com/corvidlabs/watchloop/internal/model"
)

// DBPathEnvVar is the environment variable used to isolate the probe's
// database file to this run, so concurrent or successive runs never
// share state.
const DBPathEnvVar = "WATCHLOOP_PROBE_DB"

// Config controls how the probe binary is invoked.
type Config struct {
	BinaryPath string
	DBPath     string
	Timeout    time.Duration
	Breaker    breaker.Config
}

// Defaults returns the spec's default per-call timeout (120s) and the
// breaker's default thresholds.
func Defaults() Config {
	return Config{Timeout: 120 * time.Second, Breaker: breaker.Defaults()}
}

// Adapter invokes the probe binary, enforcing a timeout and a
// per-monitor circuit breaker against a persistently broken probe.
type Adapter struct {
	cfg Config

	// breakersMu guards breakers: RunCheck is called concurrently for
	// distinct monitors when the cycle runner's ParallelMonitors worker
	// pool is enabled, and Go maps are unsafe for any concurrent access,
	// including to distinct keys.
	breakersMu sync.Mutex
	breakers   map[string]*breaker.Breaker
}

// New returns an Adapter for the given config.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, breakers: make(map[string]*breaker.Breaker)}
}

func (a *Adapter) breakerFor(monitor string) *breaker.Breaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	if b, ok := a.breakers[monitor]; ok {
		return b
	}
	b := breaker.New(a.cfg.Breaker)
	a.breakers[monitor] = b
	return b
}

// checkResponse mirrors the probe's `test --json` contract. The agent
// outcome may arrive nested under "agent" or flattened as agent_*
// fields; both are accepted.
type checkResponse struct {
	Changed         bool   `json:"changed"`
	ContentHash     string `json:"content_hash"`
	Hash            string `json:"hash"`
	DiffSnippet     string `json:"diff_snippet"`
	Diff            string `json:"diff"`
	Agent           *model.AgentOutcome `json:"agent"`
	AgentNotified   *bool  `json:"agent_notified"`
	AgentTitle      string `json:"agent_title"`
	AgentSummary    string `json:"agent_summary"`
	Error           string `json:"error"`
}

func (r checkResponse) contentHash() string {
	if r.ContentHash != "" {
		return r.ContentHash
	}
	return r.Hash
}

func (r checkResponse) diffSnippet() string {
	if r.DiffSnippet != "" {
		return r.DiffSnippet
	}
	return r.Diff
}

func (r checkResponse) agentOutcome() *model.AgentOutcome {
	if r.Agent != nil {
		return r.Agent
	}
	if r.AgentNotified == nil {
		return nil
	}
	return &model.AgentOutcome{Notified: *r.AgentNotified, Title: r.AgentTitle, Summary: r.AgentSummary}
}

// listResponse accepts either a bare JSON array of names or an object
// wrapping it under "watches", per the probe's documented contract.
type listResponse struct {
	Watches []string `json:"watches"`
}

// CreateWatch registers a new watch with the probe via `new <url>`.
func (a *Adapter) CreateWatch(ctx context.Context, m *model.MonitorState) error {
	args := []string{"new", m.URL, "--name", m.Name, "--yes", "--interval", strconv.Itoa(m.Config.IntervalSecs)}
	args = appendEngineFlags(args, m.Config.Engine)
	args = appendExtractionFlags(args, m.Config.Extraction, m.Config.Selector)
	if m.Config.Instructions != "" {
		args = append(args, "--agent", "--agent-instructions", m.Config.Instructions)
	}
	_, err := a.invoke(ctx, m.Name, args)
	return err
}

func appendEngineFlags(args []string, engine string) []string {
	switch engine {
	case "js":
		return append(args, "--js")
	case "rss":
		return append(args, "--rss")
	case "shell":
		return append(args, "--shell")
	default:
		return args
	}
}

func appendExtractionFlags(args []string, extraction, selector string) []string {
	switch extraction {
	case "selector":
		if selector != "" {
			return append(args, "--selector", selector)
		}
		return args
	case "full":
		return append(args, "--full")
	case "json-ld":
		return append(args, "--json-ld")
	case "meta":
		return append(args, "--meta")
	default:
		return args
	}
}

// RunCheck performs one check cycle for monitor m via `test <name>
// --json`, returning the resulting observation. Breaker-tripped calls
// and probe errors both resolve to an error-tagged Observation rather
// than a Go error, since a broken probe call still produces exactly one
// observation for the cycle (spec invariant).
func (a *Adapter) RunCheck(ctx context.Context, m *model.MonitorState, cycle int) model.Observation {
	b := a.breakerFor(m.Name)
	now := time.Now()

	if err := b.Allow(); err != nil {
		return model.Observation{
			Cycle:     cycle,
			Timestamp: now,
			Err:       &model.ObservationError{Message: fmt.Sprintf("probe circuit open: %v", err)},
		}
	}

	out, err := a.invoke(ctx, m.Name, []string{"test", m.Name, "--json"})
	if err != nil {
		b.RecordFailure()
		return model.Observation{
			Cycle:     cycle,
			Timestamp: now,
			Err:       &model.ObservationError{Message: err.Error()},
		}
	}

	var resp checkResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		b.RecordFailure()
		return model.Observation{
			Cycle:     cycle,
			Timestamp: now,
			Err:       &model.ObservationError{Message: fmt.Sprintf("decode probe response: %v", err)},
		}
	}
	if resp.Error != "" {
		b.RecordFailure()
		return model.Observation{
			Cycle:     cycle,
			Timestamp: now,
			Err:       &model.ObservationError{Message: resp.Error},
		}
	}

	b.RecordSuccess()
	return model.Observation{
		Cycle:       cycle,
		Timestamp:   now,
		Changed:     resp.Changed,
		ContentHash: resp.contentHash(),
		DiffSnippet: resp.diffSnippet(),
		Agent:       resp.agentOutcome(),
	}
}

// ListWatches returns the names of all watches currently registered
// with the probe via `list --json`.
func (a *Adapter) ListWatches(ctx context.Context) ([]string, error) {
	out, err := a.invoke(ctx, "", []string{"list", "--json"})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(out, &names); err == nil {
		return names, nil
	}
	var wrapped listResponse
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return wrapped.Watches, nil
}

// DeleteWatch removes a watch from the probe via `delete <name> --yes`.
func (a *Adapter) DeleteWatch(ctx context.Context, name string) error {
	_, err := a.invoke(ctx, name, []string{"delete", name, "--yes"})
	return err
}

func (a *Adapter) invoke(ctx context.Context, monitor string, args []string) ([]byte, error) {
	if a.cfg.BinaryPath == "" {
		return nil, fmt.Errorf("probe: no binary configured")
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, a.cfg.BinaryPath, args...)
	if a.cfg.DBPath != "" {
		cmd.Env = append(cmd.Environ(), DBPathEnvVar+"="+a.cfg.DBPath)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("probe: %v timed out for monitor %s: %w", args[0], monitor, callCtx.Err())
		}
		return nil, fmt.Errorf("probe: %v failed for monitor %s: %w (stderr: %s)", args[0], monitor, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
