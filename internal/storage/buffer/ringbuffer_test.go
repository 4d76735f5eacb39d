package buffer

import (
	"testing"

	"github.com/xtxerr/reuptime/internal/storage/types"
)

func row(ts int64, v float64) types.Row {
	return types.Row{Timestamp: ts, Values: []float64{v}}
}

func TestRingBuffer_Basic(t *testing.T) {
	rb := New(10, 20)

	if rb.Cap() != 10 {
		t.Errorf("expected capacity=10, got %d", rb.Cap())
	}
	if !rb.IsEmpty() {
		t.Error("new buffer should be empty")
	}
	if _, ok := rb.Newest(); ok {
		t.Error("empty buffer should have no newest row")
	}
}

func TestRingBuffer_PushOverwrite(t *testing.T) {
	rb := New(3, 20)

	for i := int64(0); i < 5; i++ {
		rb.PushOverwrite(row(100+i*20, float64(i)))
	}

	if rb.Len() != 3 {
		t.Fatalf("expected len=3, got %d", rb.Len())
	}

	oldest, newest := rb.TimeRange()
	if oldest != 140 || newest != 180 {
		t.Errorf("expected range [140,180], got [%d,%d]", oldest, newest)
	}

	rows := rb.Rows()
	for i, r := range rows {
		if r.Values[0] != float64(i+2) {
			t.Errorf("row %d: expected %d, got %f", i, i+2, r.Values[0])
		}
	}

	stats := rb.Stats()
	if stats.EvictCount != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.EvictCount)
	}
	if stats.PushCount != 5 {
		t.Errorf("expected 5 pushes, got %d", stats.PushCount)
	}
}

func TestRingBuffer_At(t *testing.T) {
	rb := New(4, 60)
	for i := int64(0); i < 6; i++ {
		rb.PushOverwrite(row(i*60, float64(i)))
	}

	tests := []struct {
		name string
		ts   int64
		want float64
		ok   bool
	}{
		{"evicted", 60, 0, false},
		{"oldest", 120, 2, true},
		{"middle", 180, 3, true},
		{"newest", 300, 5, true},
		{"future", 360, 0, false},
		{"unaligned", 200, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := rb.At(tt.ts)
			if ok != tt.ok {
				t.Fatalf("At(%d) ok=%v, want %v", tt.ts, ok, tt.ok)
			}
			if ok && r.Values[0] != tt.want {
				t.Errorf("At(%d)=%f, want %f", tt.ts, r.Values[0], tt.want)
			}
		})
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := New(2, 10)
	rb.PushOverwrite(row(10, 1))
	rb.Clear()

	if !rb.IsEmpty() {
		t.Error("buffer should be empty after clear")
	}
	if _, ok := rb.At(10); ok {
		t.Error("cleared buffer should not return rows")
	}
}
