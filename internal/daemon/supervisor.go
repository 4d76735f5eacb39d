package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
)

// Config holds the daemon section of the configuration.
type Config struct {
	// StatusFile receives the status document.
	StatusFile string `yaml:"status_file"`

	// PIDFile holds the process id while the daemon runs.
	PIDFile string `yaml:"pid_file"`

	// StopTimeout is how long Stop waits for the process to exit.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		StatusFile:  config.DefaultStatusFile,
		PIDFile:     config.DefaultPIDFile,
		StopTimeout: config.DefaultStopTimeout,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if c.StatusFile == "" {
		errs.AddMissing("daemon.status_file")
	}
	if c.PIDFile == "" {
		errs.AddMissing("daemon.pid_file")
	}
	if c.StopTimeout <= 0 {
		errs.AddField("daemon.stop_timeout", "must be positive")
	}
	return errs.Err()
}

// Runner is the daemon body. It must return once ctx is cancelled.
type Runner func(ctx context.Context) error

// Report is the answer to a status request.
type Report struct {
	Status
	// Alive is whether the recorded process exists.
	Alive bool
	// Stale is set when the status file claims the daemon is up but its
	// process is gone.
	Stale bool

	// Process figures, only set when Alive.
	StartedAt time.Time
	RSS       uint64
	CPU       float64
}

// Supervisor implements the start, stop and status actions.
type Supervisor struct {
	cfg Config

	pid       func() int
	alive     func(ctx context.Context, pid int) (bool, error)
	terminate func(ctx context.Context, pid int) error
	inspect   func(ctx context.Context, pid int, r *Report)
	now       func() time.Time
	poll      time.Duration
	signals   []os.Signal
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:       cfg,
		pid:       os.Getpid,
		alive:     processAlive,
		terminate: terminateProcess,
		inspect:   inspectProcess,
		now:       time.Now,
		poll:      100 * time.Millisecond,
		signals:   []os.Signal{os.Interrupt, syscall.SIGTERM},
	}, nil
}

func (s *Supervisor) setStatus(state State, message string) {
	err := WriteStatus(s.cfg.StatusFile, Status{
		Status:    state,
		Timestamp: s.now(),
		PID:       s.pid(),
		Message:   message,
	})
	if err != nil {
		log.Error("failed to update status file", "path", s.cfg.StatusFile, "error", err)
	}
}

// Start runs run in the foreground until it returns or the process
// receives SIGINT or SIGTERM. It refuses to start while another live
// process holds the PID file; a stale PID file is replaced.
func (s *Supervisor) Start(ctx context.Context, run Runner) error {
	if pid, err := ReadPID(s.cfg.PIDFile); err == nil {
		alive, aerr := s.alive(ctx, pid)
		if aerr == nil && alive && pid != s.pid() {
			return fmt.Errorf("pid %d: %w", pid, errors.ErrAlreadyRunning)
		}
		log.Warn("removing stale pid file", "pid", pid)
	}

	if err := WritePID(s.cfg.PIDFile, s.pid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() {
		if err := RemovePID(s.cfg.PIDFile); err != nil {
			log.Error("failed to remove pid file", "path", s.cfg.PIDFile, "error", err)
		}
	}()

	s.setStatus(StateStarting, "")

	ctx, stop := signal.NotifyContext(ctx, s.signals...)
	defer stop()

	s.setStatus(StateRunning, "daemon started")
	log.Info("daemon running", "pid", s.pid())

	err := run(ctx)

	if err != nil {
		s.setStatus(StateError, err.Error())
		log.Error("daemon failed", "error", err)
		return err
	}
	s.setStatus(StateStopped, "daemon stopped normally")
	log.Info("daemon stopped")
	return nil
}

// Stop sends SIGTERM to the process in the PID file and waits for it to
// exit. A missing process is not an error; its stale PID file is removed.
func (s *Supervisor) Stop(ctx context.Context) error {
	pid, err := ReadPID(s.cfg.PIDFile)
	if errors.IsNotFound(err) {
		return errors.ErrNotRunning
	}
	if err != nil {
		return err
	}

	alive, err := s.alive(ctx, pid)
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !alive {
		log.Info("daemon not running, removing stale pid file", "pid", pid)
		if err := RemovePID(s.cfg.PIDFile); err != nil {
			return err
		}
		s.writeStatusFor(pid, StateStopped, "daemon was not running")
		return nil
	}

	s.writeStatusFor(pid, StateStopping, "stop requested")
	if err := s.terminate(ctx, pid); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running after %s", pid, s.cfg.StopTimeout)
		case <-ticker.C:
			alive, err := s.alive(ctx, pid)
			if err == nil && !alive {
				log.Info("daemon stopped", "pid", pid)
				return nil
			}
		}
	}
}

func (s *Supervisor) writeStatusFor(pid int, state State, message string) {
	err := WriteStatus(s.cfg.StatusFile, Status{
		Status:    state,
		Timestamp: s.now(),
		PID:       pid,
		Message:   message,
	})
	if err != nil {
		log.Error("failed to update status file", "path", s.cfg.StatusFile, "error", err)
	}
}

// Status reports the daemon state. Without a status file the daemon is
// reported as stopped.
func (s *Supervisor) Status(ctx context.Context) (Report, error) {
	var r Report

	st, err := ReadStatus(s.cfg.StatusFile)
	switch {
	case errors.IsNotFound(err):
		r.Status = Status{Status: StateStopped}
	case err != nil:
		return r, err
	default:
		r.Status = st
	}

	pid := r.PID
	if p, err := ReadPID(s.cfg.PIDFile); err == nil {
		pid = p
		r.PID = p
	}
	if pid <= 0 {
		return r, nil
	}

	alive, err := s.alive(ctx, pid)
	if err != nil {
		return r, fmt.Errorf("check pid %d: %w", pid, err)
	}
	r.Alive = alive

	switch r.Status.Status {
	case StateStarting, StateRunning, StateStopping:
		r.Stale = !alive
	}

	if alive {
		s.inspect(ctx, pid, &r)
	}
	return r, nil
}

func processAlive(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

func terminateProcess(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func inspectProcess(ctx context.Context, pid int, r *Report) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		r.StartedAt = time.UnixMilli(ms)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		r.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		r.CPU = cpu
	}
}
