// Package registry persists monitored hosts and fleet-wide settings.
//
// The monitoring core only reads the monitored host list, writes back
// per-tick liveness and allotment, and reads the default allotment. The
// remaining operations (adding, removing and toggling hosts) are used by
// the daemon's administrative surface.
package registry

import (
	"context"
	"time"

	"github.com/xtxerr/reuptime/internal/logging"
)

var log = logging.Component("registry")

// Host is a monitored network host.
type Host struct {
	// ID is stable for the host's lifetime and keys its stream.
	ID      string
	Name    string
	Address string

	// IsActive is the last reported liveness.
	IsActive    bool
	IsMonitored bool

	// DowntimeAllotment is the remaining grace budget, never negative.
	DowntimeAllotment int

	// LastCheck is zero until the host has been probed.
	LastCheck time.Time

	// LastAllotmentReset is the time the allotment was last refilled.
	LastAllotmentReset time.Time

	CreatedAt time.Time
}

// HostSource supplies the hosts probed on a tick.
type HostSource interface {
	ListMonitoredHosts(ctx context.Context) ([]Host, error)
}

// Registry is the host store as seen by the monitoring core.
type Registry interface {
	HostSource

	// UpdateLivenessAndAllotment records the outcome of one probe.
	UpdateLivenessAndAllotment(ctx context.Context, id string, isActive bool, allotment int, lastCheck time.Time) error

	// ResetAllotment refills a host's allotment and stamps the reset time.
	ResetAllotment(ctx context.Context, id string, allotment int, at time.Time) error
}

// SettingsStore exposes fleet-wide settings.
type SettingsStore interface {
	DefaultAllotment(ctx context.Context) (int, error)
}

// NewHost describes a host to add.
type NewHost struct {
	Name    string
	Address string
	// Monitored defaults to true when nil.
	Monitored *bool
}
