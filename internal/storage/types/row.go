package types

import (
	"math"
	"time"
)

// Row is one consolidated archive entry. Values follow the data source
// order of the stream; NaN marks an unknown value.
type Row struct {
	Timestamp int64
	Values    []float64
}

// Time returns the row timestamp as a time.Time.
func (r Row) Time() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// Known reports whether value i is defined.
func (r Row) Known(i int) bool {
	return i < len(r.Values) && !math.IsNaN(r.Values[i])
}

// UnknownRow returns a row of NaN values.
func UnknownRow(ts int64, n int) Row {
	values := make([]float64, n)
	for i := range values {
		values[i] = math.NaN()
	}
	return Row{Timestamp: ts, Values: values}
}

// FetchResult is the answer to a range query against one stream.
type FetchResult struct {
	StreamID string
	// Step is the spacing of Points in seconds.
	Step int64
	// Start and End are the first and last point timestamps. When the
	// window holds no step boundary Points is empty and End < Start.
	Start  int64
	End    int64
	Names  []string
	Points []Row
}

// Len returns the number of points.
func (f *FetchResult) Len() int {
	return len(f.Points)
}

// Column returns all values of the named data source.
func (f *FetchResult) Column(name string) []float64 {
	idx := -1
	for i, n := range f.Names {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	col := make([]float64, len(f.Points))
	for i, p := range f.Points {
		col[i] = p.Values[idx]
	}
	return col
}
