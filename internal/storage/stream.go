package storage

import (
	"math"
	"sync"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/storage/buffer"
	"github.com/xtxerr/reuptime/internal/storage/consolidate"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

// stream is the live state of one round-robin stream.
//
// Writes are turned into primary data points (PDPs), one per step
// boundary, by time-weighting the written values over the interval since
// the previous write. Every PDP is then folded into each archive, which
// emits a row whenever a boundary aligned to its resolution is reached.
type stream struct {
	mu sync.Mutex

	def types.StreamDef

	lastUpdate int64
	lastValues []float64

	// PDP under construction, covering (boundary-step, boundary].
	pdpSum     []float64 // value * seconds of known time
	pdpKnown   []int64   // known seconds
	pdpUnknown []int64   // unknown seconds

	archives []*archive
}

type archive struct {
	def  types.Archive
	res  int64
	rows *buffer.RingBuffer
	acc  []*consolidate.Accumulator
}

func newStream(def types.StreamDef, start int64) *stream {
	n := len(def.DataSources)
	s := &stream{
		def:        def,
		lastUpdate: start,
		lastValues: nanSlice(n),
		pdpSum:     make([]float64, n),
		pdpKnown:   make([]int64, n),
		pdpUnknown: make([]int64, n),
	}

	for i, a := range def.Archives {
		ar := &archive{
			def:  a,
			res:  def.Resolution(i),
			rows: buffer.New(a.Rows, def.Resolution(i)),
			acc:  make([]*consolidate.Accumulator, n),
		}
		for j := range ar.acc {
			ar.acc[j] = consolidate.New()
		}
		s.archives = append(s.archives, ar)
	}

	return s
}

// valuesFor orders named values by data source. Omitted sources are NaN.
func (s *stream) valuesFor(values map[string]float64) ([]float64, error) {
	out := nanSlice(len(s.def.DataSources))
	for name, v := range values {
		idx := s.def.Index(name)
		if idx < 0 {
			return nil, errors.NewInvalidValue("data source", name, "not defined for stream "+s.def.ID)
		}
		out[idx] = v
	}
	return out, nil
}

// update applies one write. The caller holds s.mu.
func (s *stream) update(ts int64, values []float64) error {
	if ts <= s.lastUpdate {
		return errors.ErrStaleUpdate
	}

	interval := ts - s.lastUpdate
	known := make([]bool, len(s.def.DataSources))
	allUnknown := true
	for i, ds := range s.def.DataSources {
		known[i] = interval <= ds.Heartbeat && ds.InRange(values[i])
		if known[i] {
			allUnknown = false
		}
	}

	step := s.def.Step
	prev := s.lastUpdate
	firstBoundary := (prev/step + 1) * step

	if firstBoundary > ts {
		s.accumulate(ts-prev, known, values)
	} else {
		s.accumulate(firstBoundary-prev, known, values)
		s.finishPDP(firstBoundary)

		lastBoundary := (ts / step) * step
		if lastBoundary > firstBoundary {
			if allUnknown {
				s.skipUnknown(firstBoundary+step, lastBoundary)
			} else {
				for b := firstBoundary + step; b <= lastBoundary; b += step {
					s.accumulate(step, known, values)
					s.finishPDP(b)
				}
			}
		}

		if ts > lastBoundary {
			s.accumulate(ts-lastBoundary, known, values)
		}
	}

	s.lastUpdate = ts
	copy(s.lastValues, values)
	return nil
}

func (s *stream) accumulate(seconds int64, known []bool, values []float64) {
	for i := range s.def.DataSources {
		if known[i] {
			s.pdpSum[i] += values[i] * float64(seconds)
			s.pdpKnown[i] += seconds
		} else {
			s.pdpUnknown[i] += seconds
		}
	}
}

// finishPDP closes the primary point ending at boundary and feeds it to
// every archive.
func (s *stream) finishPDP(boundary int64) {
	pdp := make([]float64, len(s.def.DataSources))
	for i := range s.def.DataSources {
		// Unknown seconds are left out of the average. The point is
		// unknown only when no second of the step is known; gaps past the
		// heartbeat arrive here as unknown seconds.
		if s.pdpKnown[i] == 0 {
			pdp[i] = math.NaN()
		} else {
			pdp[i] = s.pdpSum[i] / float64(s.pdpKnown[i])
		}
		s.pdpSum[i] = 0
		s.pdpKnown[i] = 0
		s.pdpUnknown[i] = 0
	}

	for _, a := range s.archives {
		for i, v := range pdp {
			a.acc[i].Add(v)
		}
		if boundary%a.res == 0 {
			a.emit(boundary)
		}
	}
}

// skipUnknown records unknown primary points for every boundary in
// [from, to] without visiting each one.
func (s *stream) skipUnknown(from, to int64) {
	n := len(s.def.DataSources)

	for _, a := range s.archives {
		first := ceilDiv(from, a.res) * a.res
		if first > to {
			continue
		}
		a.emit(first)

		last := (to / a.res) * a.res
		next := first + a.res
		if remaining := (last - first) / a.res; remaining >= int64(a.def.Rows) {
			next = last - int64(a.def.Rows-1)*a.res
		}
		for t := next; t <= last; t += a.res {
			a.rows.PushOverwrite(types.UnknownRow(t, n))
		}
	}
}

func (a *archive) emit(ts int64) {
	values := make([]float64, len(a.acc))
	for i, acc := range a.acc {
		values[i] = acc.Result(a.def.CF, a.def.Width, a.def.XFF)
		acc.Reset()
	}
	a.rows.PushOverwrite(types.Row{Timestamp: ts, Values: values})
}

// pickArchive returns the finest archive whose resolution is at least
// hint and whose span, measured back from the later of end and the last
// update, reaches start. When none reaches back far enough the coarsest
// qualifying archive is used.
func (s *stream) pickArchive(start, end, hint int64) int {
	order := s.def.ArchivesByResolution()

	candidates := make([]int, 0, len(order))
	for _, i := range order {
		if s.def.Resolution(i) >= hint {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return order[len(order)-1]
	}

	ref := max(s.lastUpdate, end)
	for _, i := range candidates {
		if ref-s.def.Span(i) <= start {
			return i
		}
	}
	return candidates[len(candidates)-1]
}

// fetch returns one point per archive boundary in [start, end].
func (s *stream) fetch(start, end, hint int64) (*types.FetchResult, error) {
	idx := s.pickArchive(start, end, hint)
	a := s.archives[idx]

	first := ceilDiv(start, a.res) * a.res
	last := floorDiv(end, a.res) * a.res

	result := &types.FetchResult{
		StreamID: s.def.ID,
		Step:     a.res,
		Start:    first,
		End:      last,
		Names:    s.def.Names(),
	}
	if last < first {
		return result, nil
	}

	count := (last-first)/a.res + 1
	if count > maxFetchPoints {
		return nil, errors.NewInvalidValue("window", count, "too many points for one fetch")
	}

	n := len(s.def.DataSources)
	result.Points = make([]types.Row, 0, count)
	for t := first; t <= last; t += a.res {
		if row, ok := a.rows.At(t); ok {
			values := make([]float64, n)
			copy(values, row.Values)
			result.Points = append(result.Points, types.Row{Timestamp: t, Values: values})
			continue
		}
		result.Points = append(result.Points, types.UnknownRow(t, n))
	}

	return result, nil
}

const maxFetchPoints = 1 << 20

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a > 0) == (b > 0) {
		q++
	}
	return q
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
