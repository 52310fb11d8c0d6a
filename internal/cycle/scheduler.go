package cycle

import (
	"context"
	"sync/atomic"
	"time"
)

// ShutdownFlag is the single process-wide piece of shared mutable state the
// spec's design notes allow: an atomic flag consulted by the scheduler loop
// and by its sleep, so shutdown latency stays bounded regardless of how
// long a monitor's configured interval is.
type ShutdownFlag struct {
	flag atomic.Bool
}

// Request marks the flag as set. Safe to call from a signal handler.
func (f *ShutdownFlag) Request() { f.flag.Store(true) }

// Requested reports whether shutdown has been requested.
func (f *ShutdownFlag) Requested() bool { return f.flag.Load() }

// Scheduler is the single-threaded cooperative top-level loop: it ticks at
// the run's minimum monitor interval, running one cycle per due monitor
// each round, until the shutdown flag is set.
type Scheduler struct {
	runner   *Runner
	shutdown *ShutdownFlag

	// OnRound, if set, is called after every completed round with the
	// scores produced, letting the caller drive periodic checkpointing
	// without the scheduler depending on the state package directly.
	OnRound func(scores map[string]interface{})
}

// NewScheduler returns a Scheduler driving runner, consulting shutdown
// before and during every sleep.
func NewScheduler(runner *Runner, shutdown *ShutdownFlag) *Scheduler {
	return &Scheduler{runner: runner, shutdown: shutdown}
}

// Run drives the scheduler loop until ctx is canceled or shutdown is
// requested, sleeping in 1-second slices between rounds so that shutdown
// latency is bounded to roughly one second regardless of the configured
// tick interval (spec §5 scheduling precision).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if s.shutdown.Requested() || ctx.Err() != nil {
			return
		}

		scores := s.runner.RunAllMonitors(ctx)
		if s.OnRound != nil {
			boxed := make(map[string]interface{}, len(scores))
			for k, v := range scores {
				boxed[k] = v
			}
			s.OnRound(boxed)
		}

		tick := MinInterval(s.runner.run)
		if !s.sleepInSlices(ctx, tick) {
			return
		}
	}
}

// sleepInSlices sleeps for d in 1-second increments, checking the shutdown
// flag and context between each one, and returns false if either fired
// mid-sleep.
func (s *Scheduler) sleepInSlices(ctx context.Context, d time.Duration) bool {
	remaining := d
	const slice = time.Second
	for remaining > 0 {
		wait := slice
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if s.shutdown.Requested() {
			return false
		}
		remaining -= wait
	}
	return true
}
