// Package state holds the orchestrator's in-memory run state and
// persists it atomically to state.json, so a run can be resumed after an
// interruption without losing monitor history. Grounded on the
// teacher's resources.Manager checkpoint loop, adapted from
// page-cache spillover to whole-run-state snapshotting with true
// write-tmp-then-rename atomicity (the teacher's own checkpoint pattern
// is append-only, which doesn't give atomicity for a single
// authoritative document).
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corvidlabs/watchloop/internal/model"
)

// Config controls checkpointing cadence.
type Config struct {
	Path               string
	CheckpointInterval time.Duration
}

// Defaults checkpoints every 60 seconds, per the run-state lifecycle.
func Defaults(path string) Config {
	return Config{Path: path, CheckpointInterval: 60 * time.Second}
}

// Store owns the live RunState and checkpoints it to disk.
type Store struct {
	cfg Config

	mu  sync.RWMutex
	run *model.RunState

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New wraps an already-constructed RunState (fresh or resumed) for
// checkpointing.
func New(cfg Config, run *model.RunState) *Store {
	return &Store{cfg: cfg, run: run, stopCh: make(chan struct{})}
}

// Resume loads a previously persisted RunState from path, or returns a
// fresh one (via newFn) if no checkpoint exists.
func Resume(path string, newFn func() *model.RunState) (*model.RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newFn(), nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}
	var run model.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	return &run, nil
}

// StartCheckpointing launches the periodic background save loop. Call
// Close to stop it and flush a final save.
func (s *Store) StartCheckpointing() {
	if s.cfg.CheckpointInterval <= 0 || s.cfg.Path == "" {
		return
	}
	s.wg.Add(1)
	go s.checkpointLoop()
}

func (s *Store) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Save(); err != nil {
				// Checkpoint failures are non-fatal: the run continues and
				// retries on the next tick, per the orchestrator's
				// non-propagating error-handling policy.
				_ = err
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the checkpoint loop and performs one final save.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.Save()
}

// Run returns the live RunState pointer. Callers holding it should
// treat MonitorState/Experiment map membership as stable but individual
// struct fields as mutable under the caller's own synchronization
// (the cycle runner is single-threaded by default:
// Config.ParallelMonitors is zero, and any value up to 1 runs monitors
// sequentially).
func (s *Store) Run() *model.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

// Save writes the current RunState to disk atomically.
func (s *Store) Save() error {
	if s.cfg.Path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.run, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("state: marshal run state: %w", err)
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}

// SaveCtx is Save with early-exit if ctx is already canceled, used from
// shutdown paths that race a context cancellation against a final save.
func (s *Store) SaveCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Save()
}
