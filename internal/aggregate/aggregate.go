// Package aggregate folds one tick's probe results into fleet-wide
// figures and writes them to the aggregate stream.
package aggregate

import (
	"context"
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	rconfig "github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/scheduler"
	"github.com/xtxerr/reuptime/internal/storage"
	"github.com/xtxerr/reuptime/internal/storage/config"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

var log = logging.Component("aggregate")

// Data source names of the aggregate stream.
const (
	DSHostsUp       = "hosts_up"
	DSHostsDown     = "hosts_down"
	DSHostsMasked   = "hosts_masked"
	DSUptimePercent = "uptime_percent"
	DSLatencyAvg    = "latency_avg"
	DSLatencyP95    = "latency_p95"
)

// sketchAccuracy is the relative accuracy of the latency percentile.
const sketchAccuracy = 0.01

// StreamDef returns the layout of the aggregate stream.
func StreamDef(cfg *config.Config) types.StreamDef {
	return storage.NewStreamDef(rconfig.AggregateStreamID, cfg,
		storage.Gauge(DSHostsUp, 0, rconfig.DefaultMaxHostCount),
		storage.Gauge(DSHostsDown, 0, rconfig.DefaultMaxHostCount),
		storage.Gauge(DSHostsMasked, 0, rconfig.DefaultMaxHostCount),
		storage.Gauge(DSUptimePercent, 0, 100),
		storage.Gauge(DSLatencyAvg, 0, rconfig.DefaultMaxLatency),
		storage.Gauge(DSLatencyP95, 0, rconfig.DefaultMaxLatency),
	)
}

// Tally is the fleet summary of one tick.
type Tally struct {
	Total int
	// Up counts successful probes.
	Up   int
	Down int
	// Masked counts failures hidden by a host's allotment.
	Masked int

	// UptimePercent is Up/Total*100 rounded to two decimals, 100 for an
	// empty fleet.
	UptimePercent float64

	// LatencyAvg and LatencyP95 cover successful probes; NaN when none.
	LatencyAvg float64
	LatencyP95 float64
}

// Compute tallies results. It has no side effects.
func Compute(results []scheduler.Result) Tally {
	t := Tally{
		Total:      len(results),
		LatencyAvg: math.NaN(),
		LatencyP95: math.NaN(),
	}

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		sketch = nil
	}

	var sum float64
	for _, r := range results {
		if r.Masked {
			t.Masked++
		}
		if !r.Success {
			continue
		}
		t.Up++
		sum += r.Latency
		if sketch != nil {
			_ = sketch.Add(r.Latency)
		}
	}
	t.Down = t.Total - t.Up

	if t.Total == 0 {
		t.UptimePercent = 100
	} else {
		t.UptimePercent = round2(float64(t.Up) / float64(t.Total) * 100)
	}

	if t.Up > 0 {
		t.LatencyAvg = round4(sum / float64(t.Up))
		// The sketch ranks at q*(n-1), so small fleets report a lower p95
		// than nearest-rank would.
		if sketch != nil {
			if p95, err := sketch.GetValueAtQuantile(0.95); err == nil {
				t.LatencyP95 = round4(p95)
			}
		}
	}

	return t
}

// Values returns the tally as aggregate stream values.
func (t Tally) Values() map[string]float64 {
	return map[string]float64{
		DSHostsUp:       float64(t.Up),
		DSHostsDown:     float64(t.Down),
		DSHostsMasked:   float64(t.Masked),
		DSUptimePercent: t.UptimePercent,
		DSLatencyAvg:    t.LatencyAvg,
		DSLatencyP95:    t.LatencyP95,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// Aggregator is the single writer of the aggregate stream.
type Aggregator struct {
	store *storage.Store
	def   types.StreamDef
	step  time.Duration
	now   func() time.Time
}

// New returns an Aggregator writing to store.
func New(store *storage.Store) *Aggregator {
	cfg := store.Config()
	return &Aggregator{
		store: store,
		def:   StreamDef(cfg),
		step:  cfg.Step,
		now:   time.Now,
	}
}

// SetClock replaces the time source used to stamp aggregate points.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// EnsureStream creates the aggregate stream unless it exists.
func (a *Aggregator) EnsureStream() error {
	if a.store.Exists(a.def.ID) {
		return nil
	}
	err := a.store.CreateStream(a.def, storage.StartFor(a.def, a.now()))
	if err != nil && !errors.Is(err, errors.ErrStreamExists) {
		return errors.Wrap(err, "create aggregate stream")
	}
	if err == nil {
		log.Info("aggregate stream created", "stream", a.def.ID)
	}
	return nil
}

// Record tallies tick and writes one aggregate point on the step grid.
// A point already written for the same grid slot is a logged no-op.
func (a *Aggregator) Record(ctx context.Context, tick *scheduler.Tick) (Tally, error) {
	tally := Compute(tick.Results)

	if err := a.EnsureStream(); err != nil {
		return tally, err
	}

	ts := storage.Align(a.now(), a.step)
	if err := a.store.Write(a.def.ID, ts, tally.Values()); err != nil {
		if errors.Is(err, errors.ErrStaleUpdate) {
			log.Warn("aggregate point already written for this step, skipped",
				"timestamp", ts.Unix())
			return tally, nil
		}
		return tally, errors.Wrap(err, "write aggregate")
	}

	logging.WithContext(ctx).Info("tick aggregated",
		"component", "aggregate",
		"hosts", tally.Total,
		"up", tally.Up,
		"down", tally.Down,
		"masked", tally.Masked,
		"uptime_percent", tally.UptimePercent,
		"latency_avg", tally.LatencyAvg)

	return tally, nil
}
