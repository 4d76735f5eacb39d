// Package allotment implements the per-host downtime grace budget.
//
// Every failed probe spends a fixed cost from the host's allotment. While
// any budget remains the failure is masked and the host stays active;
// once the allotment is exhausted further failures mark the host down.
// Allotments are refilled to the fleet default once per bi-weekly period.
package allotment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/registry"
)

var log = logging.Component("allotment")

// State classifies a host's remaining budget.
type State int

const (
	// Flush means the allotment is at (or above) the fleet default.
	Flush State = iota
	// Spending means some but not all of the budget is used.
	Spending
	// Depleted means no budget remains.
	Depleted
)

func (s State) String() string {
	switch s {
	case Flush:
		return "flush"
	case Spending:
		return "spending"
	case Depleted:
		return "depleted"
	default:
		return "unknown"
	}
}

// StateOf classifies allotment against the fleet default.
func StateOf(allotment, defaultAllotment int) State {
	switch {
	case allotment <= 0:
		return Depleted
	case allotment >= defaultAllotment:
		return Flush
	default:
		return Spending
	}
}

// Apply is the transition for one probe outcome. It returns the host's
// reported liveness and its new allotment, which never drops below zero.
func Apply(allotment, cost int, success bool) (isActive bool, next int) {
	if allotment < 0 {
		allotment = 0
	}
	switch {
	case success:
		return true, allotment
	case allotment > 0:
		next = allotment - cost
		if next < 0 {
			next = 0
		}
		return true, next
	default:
		return false, 0
	}
}

// Config configures a Manager.
type Config struct {
	// Cost is subtracted from the allotment per failed tick.
	Cost int `yaml:"cost"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Cost: config.DefaultAllotmentCost}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Cost <= 0 {
		return errors.NewValidation("allotment.cost", "must be positive")
	}
	return nil
}

// Outcome is the result of recording one probe for a host.
type Outcome struct {
	HostID    string
	IsActive  bool
	Allotment int
	// Masked is set when a failure was hidden by the allotment.
	Masked bool
}

// ResetSummary reports one reset pass.
type ResetSummary struct {
	Default int
	Reset   int
	Skipped int
	Failed  int
}

// Manager applies probe outcomes and periodic resets to the registry.
//
// Updates for one host are serialized; different hosts are updated in
// parallel.
type Manager struct {
	registry registry.Registry
	settings registry.SettingsStore
	cost     int
	locks    *keyedMutex

	// Statistics
	masked   atomic.Int64
	downs    atomic.Int64
	resets   atomic.Int64
	failures atomic.Int64
}

// Stats holds manager statistics.
type Stats struct {
	MaskedFailures int64
	DownReports    int64
	Resets         int64
	UpdateFailures int64
}

// New creates a Manager.
func New(reg registry.Registry, settings registry.SettingsStore, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		registry: reg,
		settings: settings,
		cost:     cfg.Cost,
		locks:    newKeyedMutex(),
	}, nil
}

// Cost returns the allotment spent per failed tick.
func (m *Manager) Cost() int {
	return m.cost
}

// RecordResult applies one probe outcome to host and persists it.
//
// host carries the allotment as of this tick's snapshot. The returned
// Outcome is valid even when persisting fails; the error tells the caller
// the registry did not take the update.
func (m *Manager) RecordResult(ctx context.Context, host registry.Host, success bool, at time.Time) (Outcome, error) {
	unlock := m.locks.Lock(host.ID)
	defer unlock()

	isActive, next := Apply(host.DowntimeAllotment, m.cost, success)
	out := Outcome{
		HostID:    host.ID,
		IsActive:  isActive,
		Allotment: next,
		Masked:    !success && isActive,
	}

	switch {
	case out.Masked:
		m.masked.Add(1)
		log.Info("host down, spending allotment",
			"host_id", host.ID,
			"host", host.Name,
			"allotment_before", host.DowntimeAllotment,
			"allotment_after", next)
	case !isActive:
		m.downs.Add(1)
		log.Info("host down, allotment depleted",
			"host_id", host.ID,
			"host", host.Name)
	}

	if err := m.registry.UpdateLivenessAndAllotment(ctx, host.ID, isActive, next, at); err != nil {
		m.failures.Add(1)
		log.Error("failed to update host",
			"host_id", host.ID,
			"host", host.Name,
			"error", err)
		return out, errors.Wrapf(err, "update host %s", host.ID)
	}
	return out, nil
}

// ResetPass refills every host whose last reset lies outside the current
// period. It returns hosts with refreshed allotments so the same tick
// sees the reset. A failure for one host is logged and leaves that host
// unchanged; the other hosts are still processed.
func (m *Manager) ResetPass(ctx context.Context, hosts []registry.Host, now time.Time) ([]registry.Host, ResetSummary, error) {
	var summary ResetSummary

	due := 0
	for _, h := range hosts {
		if ResetDue(h.LastAllotmentReset, now) {
			due++
		}
	}
	if due == 0 {
		summary.Skipped = len(hosts)
		return hosts, summary, nil
	}

	def, err := m.settings.DefaultAllotment(ctx)
	if err != nil {
		log.Error("cannot read default allotment, skipping reset pass", "error", err)
		return hosts, summary, errors.Wrap(err, "read default allotment")
	}
	summary.Default = def

	out := make([]registry.Host, len(hosts))
	copy(out, hosts)

	for i := range out {
		h := &out[i]
		if !ResetDue(h.LastAllotmentReset, now) {
			summary.Skipped++
			continue
		}

		if err := m.reset(ctx, h.ID, def, now); err != nil {
			summary.Failed++
			log.Error("failed to reset allotment",
				"host_id", h.ID,
				"host", h.Name,
				"error", err)
			continue
		}

		h.DowntimeAllotment = def
		h.LastAllotmentReset = now
		summary.Reset++
	}

	if summary.Reset > 0 || summary.Failed > 0 {
		log.Info("allotment reset pass",
			"period", PeriodID(now),
			"default", def,
			"reset", summary.Reset,
			"skipped", summary.Skipped,
			"failed", summary.Failed)
	}
	return out, summary, nil
}

func (m *Manager) reset(ctx context.Context, id string, allotment int, now time.Time) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.registry.ResetAllotment(ctx, id, allotment, now); err != nil {
		return err
	}
	m.resets.Add(1)
	return nil
}

// Stats returns manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		MaskedFailures: m.masked.Load(),
		DownReports:    m.downs.Load(),
		Resets:         m.resets.Load(),
		UpdateFailures: m.failures.Load(),
	}
}
