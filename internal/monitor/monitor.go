// Package monitor wires the liveness engine together.
//
// An Engine owns one scheduler. On every tick it refills due allotments,
// probes each monitored host, applies the probe outcome to the host's
// allotment, writes the host's stream and finally writes one aggregate
// point for the whole fleet.
//
//	registry ──► scheduler ──► prober ──► allotment ──► host stream
//	                 │                                       │
//	                 └──────────── aggregate ◄───────────────┘
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rconfig "github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/aggregate"
	"github.com/xtxerr/reuptime/internal/allotment"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/probe"
	"github.com/xtxerr/reuptime/internal/registry"
	"github.com/xtxerr/reuptime/internal/scheduler"
	"github.com/xtxerr/reuptime/internal/storage"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

var log = logging.Component("monitor")

// Data source names of a host stream.
const (
	DSUptime  = "uptime"
	DSLatency = "latency"
)

// HostRegistry is the registry as used by the engine.
type HostRegistry interface {
	registry.Registry
	DeleteHost(ctx context.Context, id string) error
}

// Engine runs the monitoring loop and answers history queries.
type Engine struct {
	cfg      Config
	hosts    HostRegistry
	prober   probe.Prober
	allot    *allotment.Manager
	store    *storage.Store
	agg      *aggregate.Aggregator
	sched    *scheduler.Scheduler
	now      func() time.Time
	createMu sync.Mutex

	lastTally atomic.Pointer[aggregate.Tally]

	// Statistics
	probes         atomic.Int64
	probeFailures  atomic.Int64
	streamsCreated atomic.Int64
	writeErrors    atomic.Int64
	staleWrites    atomic.Int64
}

// Stats holds engine statistics.
type Stats struct {
	Probes         int64
	ProbeFailures  int64
	StreamsCreated int64
	WriteErrors    int64
	StaleWrites    int64

	Scheduler scheduler.Stats
	Allotment allotment.Stats
	Store     storage.Stats

	// LastTally is the fleet summary of the latest tick, nil before the
	// first tick.
	LastTally *aggregate.Tally
}

// New creates an Engine. prober is wrapped so that a panic inside a
// probe counts as a failed probe.
func New(cfg Config, hosts HostRegistry, settings registry.SettingsStore, prober probe.Prober, store *storage.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hosts == nil || settings == nil || prober == nil || store == nil {
		return nil, errors.NewMissingField("registry, settings, prober and store")
	}

	allot, err := allotment.New(hosts, settings, cfg.Allotment())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		hosts:  hosts,
		prober: probe.Safe(prober),
		allot:  allot,
		store:  store,
		agg:    aggregate.New(store),
		now:    time.Now,
	}

	e.sched, err = scheduler.New(cfg.Scheduler(), hosts, e.probeHost, scheduler.Hooks{
		BeforeDispatch: e.resetAllotments,
		OnTick:         e.recordTick,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetClock replaces the time source of the engine, the scheduler and the
// aggregator.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.sched.SetClock(now)
	e.agg.SetClock(now)
}

// HostStreamDef returns the stream layout used for host id.
func (e *Engine) HostStreamDef(id string) types.StreamDef {
	return storage.NewStreamDef(id, e.store.Config(),
		storage.Gauge(DSUptime, 0, 100),
		storage.Gauge(DSLatency, 0, rconfig.DefaultMaxLatency),
	)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run drives the monitoring loop and the store's background flushing
// until ctx is cancelled. A tick in flight completes before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.agg.EnsureStream(); err != nil {
		return err
	}

	storeCtx, stopStore := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.store.Run(storeCtx)
	}()

	err := e.sched.RunForever(ctx)

	stopStore()
	wg.Wait()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// RunTick runs a single probe wave.
func (e *Engine) RunTick(ctx context.Context) (*scheduler.Tick, error) {
	return e.sched.RunTick(ctx)
}

// =============================================================================
// Tick hooks
// =============================================================================

func (e *Engine) resetAllotments(ctx context.Context, hosts []registry.Host, now time.Time) ([]registry.Host, error) {
	updated, _, err := e.allot.ResetPass(ctx, hosts, now)
	return updated, err
}

// probeHost is the per-host task of a tick.
func (e *Engine) probeHost(ctx context.Context, host registry.Host) scheduler.Result {
	res := e.prober.Probe(ctx, host.Address, e.cfg.ProbeTimeout)
	at := e.now()

	e.probes.Add(1)
	if !res.Success {
		e.probeFailures.Add(1)
	}

	result := scheduler.Result{
		Host:      host,
		Timestamp: at,
		Success:   res.Success,
		Latency:   res.Latency,
	}

	out, err := e.allot.RecordResult(ctx, host, res.Success, at)
	result.IsActive = out.IsActive
	result.Allotment = out.Allotment
	result.Masked = out.Masked
	if err != nil {
		result.Error = err.Error()
	}

	if err := e.writeHost(host, at, res); err != nil {
		e.writeErrors.Add(1)
		logging.WithContext(ctx).Error("host stream write failed",
			"component", "monitor",
			"host", host.Name,
			"error", err)
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	return result
}

func (e *Engine) writeHost(host registry.Host, at time.Time, res probe.Result) error {
	if err := e.ensureHostStream(host.ID); err != nil {
		return err
	}

	uptime := 0.0
	if res.Success {
		uptime = 100
	}

	err := e.store.Write(host.ID, at, map[string]float64{
		DSUptime:  uptime,
		DSLatency: res.Latency,
	})
	if errors.Is(err, errors.ErrStaleUpdate) {
		e.staleWrites.Add(1)
		return nil
	}
	return err
}

func (e *Engine) ensureHostStream(id string) error {
	if e.store.Exists(id) {
		return nil
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	def := e.HostStreamDef(id)
	err := e.store.CreateStream(def, storage.StartFor(def, e.now()))
	switch {
	case err == nil:
		e.streamsCreated.Add(1)
		log.Info("host stream created", "host_id", id)
		return nil
	case errors.Is(err, errors.ErrStreamExists):
		return nil
	default:
		return errors.Wrapf(err, "create stream for host %s", id)
	}
}

func (e *Engine) recordTick(ctx context.Context, tick *scheduler.Tick) error {
	tally, err := e.agg.Record(ctx, tick)
	e.lastTally.Store(&tally)
	return err
}

// =============================================================================
// Host administration
// =============================================================================

// RemoveHost deletes a host from the registry and destroys its history.
func (e *Engine) RemoveHost(ctx context.Context, id string) error {
	if err := e.hosts.DeleteHost(ctx, id); err != nil && !errors.IsNotFound(err) {
		return errors.Wrapf(err, "delete host %s", id)
	}
	if err := e.store.Destroy(id); err != nil {
		return errors.Wrapf(err, "destroy stream %s", id)
	}
	log.Info("host removed", "host_id", id)
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// FetchSeries returns the history of one stream.
func (e *Engine) FetchSeries(streamID string, start, end time.Time, resolution time.Duration) (*types.FetchResult, error) {
	return e.store.Fetch(streamID, start, end, resolution)
}

// FetchAggregate returns the fleet history.
func (e *Engine) FetchAggregate(start, end time.Time, resolution time.Duration) (*types.FetchResult, error) {
	return e.store.Fetch(rconfig.AggregateStreamID, start, end, resolution)
}

// LastUpdate returns the latest raw values of a stream.
func (e *Engine) LastUpdate(streamID string) (time.Time, map[string]float64, error) {
	return e.store.LastUpdate(streamID)
}

// ListHosts returns the monitored hosts.
func (e *Engine) ListHosts(ctx context.Context) ([]registry.Host, error) {
	return e.hosts.ListMonitoredHosts(ctx)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Probes:         e.probes.Load(),
		ProbeFailures:  e.probeFailures.Load(),
		StreamsCreated: e.streamsCreated.Load(),
		WriteErrors:    e.writeErrors.Load(),
		StaleWrites:    e.staleWrites.Load(),
		Scheduler:      e.sched.Stats(),
		Allotment:      e.allot.Stats(),
		Store:          e.store.Stats(),
		LastTally:      e.lastTally.Load(),
	}
}
