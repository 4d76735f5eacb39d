package types

import (
	"fmt"
	"math"
	"sort"

	"github.com/xtxerr/reuptime/internal/errors"
)

// ConsolidationFunc folds primary data points into an archive row.
type ConsolidationFunc string

const (
	CFAverage ConsolidationFunc = "AVERAGE"
	CFMin     ConsolidationFunc = "MIN"
	CFMax     ConsolidationFunc = "MAX"
	CFLast    ConsolidationFunc = "LAST"
)

// Valid reports whether the consolidation function is supported.
func (cf ConsolidationFunc) Valid() bool {
	switch cf {
	case CFAverage, CFMin, CFMax, CFLast:
		return true
	default:
		return false
	}
}

// DataSourceType describes how written values are interpreted.
// Only gauges are supported: the written value is the measurement.
type DataSourceType string

const DSGauge DataSourceType = "GAUGE"

// DataSource is one named value inside a stream.
type DataSource struct {
	Name string         `yaml:"name"`
	Type DataSourceType `yaml:"type"`

	// Min and Max bound accepted values. NaN disables the bound.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// Heartbeat is the longest gap in seconds between two writes before
	// the interval between them is treated as unknown.
	Heartbeat int64 `yaml:"heartbeat"`
}

// InRange reports whether v lies within the declared bounds.
func (d DataSource) InRange(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	if !math.IsNaN(d.Min) && v < d.Min {
		return false
	}
	if !math.IsNaN(d.Max) && v > d.Max {
		return false
	}
	return true
}

// Archive describes one round-robin archive of a stream.
type Archive struct {
	CF ConsolidationFunc `yaml:"cf"`

	// XFF is the largest fraction of unknown primary points a row may
	// contain before the row itself is unknown.
	XFF float64 `yaml:"xff"`

	// Width is the number of primary points folded into one row.
	Width int64 `yaml:"width"`

	// Rows is the retention of the archive.
	Rows int `yaml:"rows"`
}

// StreamDef is the immutable layout of a stream.
type StreamDef struct {
	ID          string       `yaml:"id"`
	Step        int64        `yaml:"step"`
	DataSources []DataSource `yaml:"data_sources"`
	Archives    []Archive    `yaml:"archives"`
}

// Resolution returns the row spacing of archive i in seconds.
func (d *StreamDef) Resolution(i int) int64 {
	return d.Archives[i].Width * d.Step
}

// Span returns the time covered by a full archive i in seconds.
func (d *StreamDef) Span(i int) int64 {
	return d.Resolution(i) * int64(d.Archives[i].Rows)
}

// CoarsestSpan returns the longest span over all archives.
func (d *StreamDef) CoarsestSpan() int64 {
	var span int64
	for i := range d.Archives {
		if s := d.Span(i); s > span {
			span = s
		}
	}
	return span
}

// Names returns the data source names in declaration order.
func (d *StreamDef) Names() []string {
	names := make([]string, len(d.DataSources))
	for i, ds := range d.DataSources {
		names[i] = ds.Name
	}
	return names
}

// Index returns the position of the named data source, or -1.
func (d *StreamDef) Index(name string) int {
	for i, ds := range d.DataSources {
		if ds.Name == name {
			return i
		}
	}
	return -1
}

// ArchivesByResolution returns archive indexes ordered finest first.
func (d *StreamDef) ArchivesByResolution() []int {
	idx := make([]int, len(d.Archives))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return d.Resolution(idx[a]) < d.Resolution(idx[b])
	})
	return idx
}

// Validate checks the definition for structural errors.
func (d *StreamDef) Validate() error {
	errs := errors.NewValidationErrors()

	if d.ID == "" {
		errs.AddMissing("stream.id")
	}
	if d.Step <= 0 {
		errs.AddField("stream.step", "must be positive")
	}
	if len(d.DataSources) == 0 {
		errs.AddMissing("stream.data_sources")
	}
	if len(d.Archives) == 0 {
		errs.AddMissing("stream.archives")
	}

	seen := make(map[string]bool, len(d.DataSources))
	for i, ds := range d.DataSources {
		field := fmt.Sprintf("stream.data_sources[%d]", i)
		if ds.Name == "" {
			errs.AddMissing(field + ".name")
		} else if seen[ds.Name] {
			errs.AddField(field+".name", fmt.Sprintf("duplicate data source %q", ds.Name))
		}
		seen[ds.Name] = true
		if ds.Type != DSGauge {
			errs.AddField(field+".type", fmt.Sprintf("unsupported type %q", ds.Type))
		}
		if ds.Heartbeat <= 0 {
			errs.AddField(field+".heartbeat", "must be positive")
		}
		if !math.IsNaN(ds.Min) && !math.IsNaN(ds.Max) && ds.Min > ds.Max {
			errs.AddField(field, "min greater than max")
		}
	}

	for i, a := range d.Archives {
		field := fmt.Sprintf("stream.archives[%d]", i)
		if !a.CF.Valid() {
			errs.AddField(field+".cf", fmt.Sprintf("unsupported consolidation function %q", a.CF))
		}
		if a.XFF < 0 || a.XFF >= 1 {
			errs.AddField(field+".xff", "must be in [0, 1)")
		}
		if a.Width <= 0 {
			errs.AddField(field+".width", "must be positive")
		}
		if a.Rows <= 0 {
			errs.AddField(field+".rows", "must be positive")
		}
	}

	return errs.Err()
}
