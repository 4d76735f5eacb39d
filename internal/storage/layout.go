package storage

import (
	"math"
	"time"

	rconfig "github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/storage/config"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

// Gauge returns a gauge data source bounded to [min, max]. Pass NaN to
// leave a side unbounded. The heartbeat is filled in by NewStreamDef.
func Gauge(name string, min, max float64) types.DataSource {
	return types.DataSource{Name: name, Type: types.DSGauge, Min: min, Max: max}
}

// Unbounded is a convenience for an open bound.
var Unbounded = math.NaN()

// NewStreamDef builds a stream definition using the step and archive
// layout of cfg. Data sources without a heartbeat get one of
// DefaultHeartbeatFactor steps.
func NewStreamDef(id string, cfg *config.Config, sources ...types.DataSource) types.StreamDef {
	step := cfg.StepSeconds()

	ds := make([]types.DataSource, len(sources))
	for i, src := range sources {
		if src.Heartbeat == 0 {
			src.Heartbeat = step * rconfig.DefaultHeartbeatFactor
		}
		ds[i] = src
	}

	archives := make([]types.Archive, len(cfg.Archives))
	for i, a := range cfg.Archives {
		archives[i] = types.Archive{
			CF:    types.CFAverage,
			XFF:   cfg.XFF,
			Width: a.Width,
			Rows:  a.Rows,
		}
	}

	return types.StreamDef{
		ID:          id,
		Step:        step,
		DataSources: ds,
		Archives:    archives,
	}
}

// StartFor returns the history start for a stream created at now: one
// step before the oldest moment the coarsest archive can hold, so creation
// is always accepted.
func StartFor(def types.StreamDef, now time.Time) time.Time {
	return time.Unix(now.Unix()-def.CoarsestSpan()-def.Step, 0)
}

// Align returns t rounded down to the step grid.
func Align(t time.Time, step time.Duration) time.Time {
	s := int64(step / time.Second)
	if s <= 0 {
		return t.Truncate(time.Second)
	}
	return time.Unix(floorDiv(t.Unix(), s)*s, 0)
}
