package monitor

import (
	"time"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/allotment"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/probe"
	"github.com/xtxerr/reuptime/internal/scheduler"
)

// Config holds the monitor section of the daemon configuration.
type Config struct {
	// Interval is the target time between probe waves.
	Interval time.Duration `yaml:"interval"`

	// MinSleep is the shortest pause between waves.
	MinSleep time.Duration `yaml:"min_sleep"`

	// ErrorBackoff is the pause after a failed wave.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// TaskTimeout bounds one host's work within a wave.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// Prober is "exec" or "icmp".
	Prober string `yaml:"prober"`

	// PingCommand is the binary run by the exec prober.
	PingCommand string `yaml:"ping_command"`

	// Privileged makes the icmp prober use raw sockets.
	Privileged bool `yaml:"privileged"`

	// AllotmentCost is spent per failed tick.
	AllotmentCost int `yaml:"allotment_cost"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      config.DefaultTickInterval,
		MinSleep:      config.DefaultMinSleep,
		ErrorBackoff:  config.DefaultErrorBackoff,
		TaskTimeout:   config.DefaultTaskTimeout,
		ProbeTimeout:  config.DefaultProbeTimeout,
		Prober:        config.DefaultProber,
		PingCommand:   config.DefaultPingCommand,
		AllotmentCost: config.DefaultAllotmentCost,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	errs := errors.NewValidationErrors()
	if err := c.Scheduler().Validate(); err != nil {
		errs.Add(err)
	}
	if c.ProbeTimeout <= 0 {
		errs.AddField("monitor.probe_timeout", "must be positive")
	}
	if c.ProbeTimeout > c.TaskTimeout {
		errs.AddField("monitor.probe_timeout", "must not exceed monitor.task_timeout")
	}
	if c.AllotmentCost <= 0 {
		errs.AddField("monitor.allotment_cost", "must be positive")
	}
	switch c.Prober {
	case "exec":
		if c.PingCommand == "" {
			errs.AddMissing("monitor.ping_command")
		}
	case "icmp":
	default:
		errs.AddField("monitor.prober", "must be exec or icmp")
	}
	return errs.Err()
}

// Scheduler returns the scheduler part of the configuration.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		Interval:     c.Interval,
		MinSleep:     c.MinSleep,
		ErrorBackoff: c.ErrorBackoff,
		TaskTimeout:  c.TaskTimeout,
	}
}

// Allotment returns the allotment part of the configuration.
func (c Config) Allotment() allotment.Config {
	return allotment.Config{Cost: c.AllotmentCost}
}

// ProbeOptions returns the prober selection.
func (c Config) ProbeOptions() probe.Options {
	return probe.Options{
		Kind:       c.Prober,
		Command:    c.PingCommand,
		Privileged: c.Privileged,
	}
}
