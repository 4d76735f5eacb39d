// Package probe performs single reachability checks against hosts.
//
// A Prober never fails past its own boundary: transport errors, timeouts
// and refusals all come back as a failed Result carrying the sentinel
// latency, so the scheduler can treat every outcome the same way.
package probe

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
)

var log = logging.Component("probe")

// Result is the outcome of one probe.
type Result struct {
	Success bool
	// Latency is the round-trip time in milliseconds.
	Latency float64
}

// Prober checks whether an address answers within timeout.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) Result
}

// Failed returns the result recorded for an unreachable host.
func Failed() Result {
	return Result{Success: false, Latency: config.FailedProbeLatency}
}

// Succeeded returns a successful result with latency rounded to
// LatencyPrecision decimals.
func Succeeded(latency float64) Result {
	return Result{Success: true, Latency: RoundLatency(latency)}
}

// RoundLatency rounds ms to LatencyPrecision decimals.
func RoundLatency(ms float64) float64 {
	scale := math.Pow10(config.LatencyPrecision)
	return math.Round(ms*scale) / scale
}

// Options selects and configures a Prober.
type Options struct {
	// Kind is "exec" or "icmp".
	Kind string

	// Command is the ping binary for the exec prober.
	Command string

	// Privileged makes the icmp prober use raw sockets instead of
	// unprivileged datagram ICMP.
	Privileged bool
}

// New returns the prober described by opts.
func New(opts Options) (Prober, error) {
	switch opts.Kind {
	case "", "exec":
		return NewExecProber(opts.Command), nil
	case "icmp":
		return NewICMPProber(opts.Privileged), nil
	default:
		return nil, errors.NewInvalidValue("prober", opts.Kind, "must be exec or icmp")
	}
}

// Safe wraps p so that a panic inside Probe is reported as a failure.
func Safe(p Prober) Prober {
	return safeProber{p}
}

type safeProber struct {
	inner Prober
}

func (s safeProber) Probe(ctx context.Context, address string, timeout time.Duration) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("probe panicked", "address", address, "panic", fmt.Sprint(r))
			res = Failed()
		}
	}()
	return s.inner.Probe(ctx, address, timeout)
}
