// Package scheduler drives the fixed-interval probe loop.
//
// Each tick snapshots the monitored hosts, runs the pre-dispatch hook
// (the allotment reset pass), fans out one task per host, waits for all
// of them and hands the complete result set to the tick handler. Ticks
// never overlap.
//
// Key features:
//   - One result per snapshot host, even when a task panics
//   - Sleep floor so an overrunning tick never busy-loops
//   - Fixed backoff after a failed tick; the loop keeps running
//   - Cancellation honoured only between ticks
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/registry"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Result is the outcome of one host's task within a tick.
type Result struct {
	Host      registry.Host
	Timestamp time.Time

	// Success is the raw probe outcome.
	Success bool
	// Latency is the probe round trip in milliseconds.
	Latency float64

	// IsActive is the liveness reported after the allotment was applied.
	IsActive bool
	// Allotment is the host's allotment after this tick.
	Allotment int
	// Masked is set when a failure was hidden by the allotment.
	Masked bool

	// Error describes a problem recording the result. The probe outcome
	// is still valid.
	Error string
}

// Tick is the complete result set of one probe wave.
//
// Elapsed covers the wave and the OnTick handler; it is zero while OnTick
// runs.
type Tick struct {
	Seq     int64
	Started time.Time
	Elapsed time.Duration
	Results []Result
}

// Task probes and records one host. It is called concurrently for
// different hosts.
type Task func(ctx context.Context, host registry.Host) Result

// Hooks are the points where the tick loop calls out.
type Hooks struct {
	// BeforeDispatch runs after the snapshot and before any task. It may
	// return an updated host list, which is what the tasks receive.
	BeforeDispatch func(ctx context.Context, hosts []registry.Host, now time.Time) ([]registry.Host, error)

	// OnTick receives the joined results of every tick.
	OnTick func(ctx context.Context, tick *Tick) error
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// Interval is the target time between tick starts.
	Interval time.Duration `yaml:"interval"`

	// MinSleep is the shortest pause between ticks.
	MinSleep time.Duration `yaml:"min_sleep"`

	// ErrorBackoff is the pause after a failed tick.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// TaskTimeout bounds a single host task.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     config.DefaultTickInterval,
		MinSleep:     config.DefaultMinSleep,
		ErrorBackoff: config.DefaultErrorBackoff,
		TaskTimeout:  config.DefaultTaskTimeout,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.Interval <= 0 {
		errs.AddField("monitor.interval", "must be positive")
	}
	if c.MinSleep <= 0 {
		errs.AddField("monitor.min_sleep", "must be positive")
	}
	if c.ErrorBackoff <= 0 {
		errs.AddField("monitor.error_backoff", "must be positive")
	}
	if c.TaskTimeout <= 0 {
		errs.AddField("monitor.task_timeout", "must be positive")
	}
	return errs.Err()
}

// SleepDuration is the pause after a tick that took elapsed.
func (c Config) SleepDuration(elapsed time.Duration) time.Duration {
	d := c.Interval - elapsed
	if d < c.MinSleep {
		d = c.MinSleep
	}
	return d
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs probe waves on a fixed interval.
//
// Scheduler is safe for concurrent use; only one RunForever may run at a
// time.
type Scheduler struct {
	cfg    Config
	source registry.HostSource
	task   Task
	hooks  Hooks

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	running atomic.Bool
	seq     atomic.Int64

	// Metrics
	ticks       atomic.Int64
	tickErrors  atomic.Int64
	overruns    atomic.Int64
	taskPanics  atomic.Int64
	lastHosts   atomic.Int64
	lastElapsed atomic.Int64
}

// Stats holds scheduler statistics.
type Stats struct {
	Ticks       int64
	TickErrors  int64
	Overruns    int64
	TaskPanics  int64
	LastHosts   int64
	LastElapsed time.Duration
}

// New creates a new Scheduler.
func New(cfg Config, source registry.HostSource, task Task, hooks Hooks) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || task == nil {
		return nil, errors.NewMissingField("host source and task")
	}
	return &Scheduler{
		cfg:    cfg,
		source: source,
		task:   task,
		hooks:  hooks,
		sleep:  sleepContext,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source used for tick start and elapsed time.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// RunForever is a convenience for New followed by Scheduler.RunForever.
func RunForever(ctx context.Context, cfg Config, source registry.HostSource, task Task, hooks Hooks) error {
	s, err := New(cfg, source, task, hooks)
	if err != nil {
		return err
	}
	return s.RunForever(ctx)
}

// =============================================================================
// Lifecycle
// =============================================================================

// RunForever runs ticks until ctx is cancelled. Cancellation is only
// observed between ticks: a tick in flight always completes. It returns
// ctx.Err().
func (s *Scheduler) RunForever(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	log.Info("scheduler started",
		"interval", s.cfg.Interval,
		"min_sleep", s.cfg.MinSleep)

	for {
		if err := ctx.Err(); err != nil {
			log.Info("scheduler stopped", "ticks", s.ticks.Load())
			return err
		}

		// The wave itself must not see the shutdown signal.
		tick, err := s.runSafely(context.WithoutCancel(ctx))

		pause := s.cfg.ErrorBackoff
		if err != nil {
			s.tickErrors.Add(1)
			log.Error("tick failed, backing off",
				"error", err,
				"backoff", pause)
		} else {
			if tick.Elapsed >= s.cfg.Interval {
				s.overruns.Add(1)
				log.Warn("tick overran interval",
					"tick", tick.Seq,
					"elapsed", tick.Elapsed,
					"interval", s.cfg.Interval,
					"hosts", len(tick.Results))
			}
			pause = s.cfg.SleepDuration(tick.Elapsed)
		}

		if err := s.sleep(ctx, pause); err != nil {
			log.Info("scheduler stopped", "ticks", s.ticks.Load())
			return err
		}
	}
}

// runSafely runs one tick and turns a panic in the driver into an error.
func (s *Scheduler) runSafely(ctx context.Context) (tick *Tick, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tick: %v: %w", r, errors.ErrInternal)
		}
	}()
	return s.RunTick(ctx)
}

// RunTick runs one complete probe wave.
func (s *Scheduler) RunTick(ctx context.Context) (*Tick, error) {
	started := s.now()
	seq := s.seq.Add(1)
	ctx = logging.ContextWithTick(ctx, uint64(seq))

	hosts, err := s.source.ListMonitoredHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list monitored hosts")
	}

	if s.hooks.BeforeDispatch != nil {
		updated, err := s.hooks.BeforeDispatch(ctx, hosts, started)
		if err != nil {
			// The reset pass is best effort; probing proceeds regardless.
			log.Warn("pre-dispatch hook failed", "tick", seq, "error", err)
		} else if updated != nil {
			hosts = updated
		}
	}

	results := make([]Result, len(hosts))

	var g errgroup.Group
	for i, h := range hosts {
		g.Go(func() error {
			results[i] = s.executeWithRecovery(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	tick := &Tick{
		Seq:     seq,
		Started: started,
		Results: results,
	}

	// Elapsed includes the tick handler, so a slow aggregate write shortens
	// the following sleep.
	var handlerErr error
	if s.hooks.OnTick != nil {
		handlerErr = s.hooks.OnTick(ctx, tick)
	}
	tick.Elapsed = s.now().Sub(started)
	if handlerErr != nil {
		return tick, errors.Wrap(handlerErr, "tick handler")
	}

	s.ticks.Add(1)
	s.lastHosts.Store(int64(len(hosts)))
	s.lastElapsed.Store(int64(tick.Elapsed))

	log.Debug("tick complete",
		"tick", seq,
		"hosts", len(hosts),
		"elapsed", tick.Elapsed)

	return tick, nil
}

// executeWithRecovery runs one host task and converts a panic into a
// failed result so the rest of the wave is unaffected.
func (s *Scheduler) executeWithRecovery(ctx context.Context, host registry.Host) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.taskPanics.Add(1)
			log.Error("panic in host task",
				"host_id", host.ID,
				"panic", r)

			result = Result{
				Host:      host,
				Timestamp: s.now(),
				Success:   false,
				Latency:   config.FailedProbeLatency,
				IsActive:  host.IsActive,
				Allotment: host.DowntimeAllotment,
				Error:     fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	taskCtx, cancel := context.WithTimeout(logging.ContextWithHostID(ctx, host.ID), s.cfg.TaskTimeout)
	defer cancel()

	result = s.task(taskCtx, host)
	result.Host = host
	return result
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:       s.ticks.Load(),
		TickErrors:  s.tickErrors.Load(),
		Overruns:    s.overruns.Load(),
		TaskPanics:  s.taskPanics.Load(),
		LastHosts:   s.lastHosts.Load(),
		LastElapsed: time.Duration(s.lastElapsed.Load()),
	}
}

// Running reports whether RunForever is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
