// Package consolidate folds primary data points into archive rows.
package consolidate

import (
	"math"

	"github.com/xtxerr/reuptime/internal/storage/types"
)

// Accumulator maintains running statistics for the archive row currently
// being built for one data source.
//
// Primary points that never arrive (a stream created mid-row, or an
// unknown run) are counted as unknown when the row is emitted, so the
// accumulator only needs to see known values.
type Accumulator struct {
	count int64
	sum   float64
	min   float64
	max   float64
	last  float64
}

// New creates an empty Accumulator.
func New() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

// Add folds one primary point. NaN is ignored.
func (a *Accumulator) Add(value float64) {
	if math.IsNaN(value) {
		return
	}

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}
	a.last = value
}

// Count returns the number of known points folded so far.
func (a *Accumulator) Count() int64 {
	return a.count
}

// IsEmpty returns true if no known point has been added.
func (a *Accumulator) IsEmpty() bool {
	return a.count == 0
}

// Result consolidates the accumulated points into one row value.
// width is the number of primary points a row represents; points not
// seen count as unknown. The result is NaN when the unknown fraction
// exceeds xff.
func (a *Accumulator) Result(cf types.ConsolidationFunc, width int64, xff float64) float64 {
	if a.count == 0 || width <= 0 {
		return math.NaN()
	}

	known := a.count
	if known > width {
		known = width
	}
	unknown := width - known
	if float64(unknown)/float64(width) > xff {
		return math.NaN()
	}

	switch cf {
	case types.CFMin:
		return a.min
	case types.CFMax:
		return a.max
	case types.CFLast:
		return a.last
	default:
		return a.sum / float64(a.count)
	}
}

// Reset clears the accumulator for the next row.
func (a *Accumulator) Reset() {
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.last = math.NaN()
}

// State is the serializable form of an Accumulator.
type State struct {
	Count int64   `yaml:"count"`
	Sum   float64 `yaml:"sum"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Last  float64 `yaml:"last"`
}

// Snapshot returns the current state.
func (a *Accumulator) Snapshot() State {
	return State{Count: a.count, Sum: a.sum, Min: a.min, Max: a.max, Last: a.last}
}

// Restore replaces the current state.
func (a *Accumulator) Restore(s State) {
	a.count = s.Count
	a.sum = s.Sum
	a.min = s.Min
	a.max = s.Max
	a.last = s.Last
}
