package buffer

import (
	"github.com/xtxerr/reuptime/internal/storage/types"
)

// RingBuffer is a fixed-capacity circular buffer of archive rows.
//
// Rows are pushed in timestamp order with a constant spacing, which lets
// At find a row by arithmetic instead of a scan. RingBuffer is not safe
// for concurrent use; the owning stream serializes access.
type RingBuffer struct {
	data     []types.Row
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64
	spacing  int64

	// Statistics
	pushCount  int64
	evictCount int64
}

// New creates a RingBuffer with the given capacity whose rows are
// spacing seconds apart.
func New(capacity int, spacing int64) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	if spacing <= 0 {
		spacing = 1
	}
	return &RingBuffer{
		data:     make([]types.Row, capacity),
		capacity: int64(capacity),
		spacing:  spacing,
	}
}

// PushOverwrite appends a row, evicting the oldest when full.
func (rb *RingBuffer) PushOverwrite(row types.Row) {
	if rb.count >= rb.capacity {
		rb.data[rb.tail%rb.capacity] = types.Row{}
		rb.tail++
		rb.count--
		rb.evictCount++
	}

	rb.data[rb.head%rb.capacity] = row
	rb.head++
	rb.count++
	rb.pushCount++
}

// Len returns the current number of rows.
func (rb *RingBuffer) Len() int {
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// IsEmpty returns true if the buffer holds no rows.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.count == 0
}

// Oldest returns the oldest row.
func (rb *RingBuffer) Oldest() (types.Row, bool) {
	if rb.count == 0 {
		return types.Row{}, false
	}
	return rb.data[rb.tail%rb.capacity], true
}

// Newest returns the newest row.
func (rb *RingBuffer) Newest() (types.Row, bool) {
	if rb.count == 0 {
		return types.Row{}, false
	}
	return rb.data[(rb.head-1)%rb.capacity], true
}

// TimeRange returns the timestamps of the oldest and newest rows.
// Returns (0, 0) if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest int64) {
	if rb.count == 0 {
		return 0, 0
	}
	o, _ := rb.Oldest()
	n, _ := rb.Newest()
	return o.Timestamp, n.Timestamp
}

// At returns the row stored for timestamp ts.
func (rb *RingBuffer) At(ts int64) (types.Row, bool) {
	if rb.count == 0 {
		return types.Row{}, false
	}
	oldest := rb.data[rb.tail%rb.capacity].Timestamp
	if ts < oldest || (ts-oldest)%rb.spacing != 0 {
		return types.Row{}, false
	}
	offset := (ts - oldest) / rb.spacing
	if offset >= rb.count {
		return types.Row{}, false
	}
	return rb.data[(rb.tail+offset)%rb.capacity], true
}

// Rows returns all rows ordered from oldest to newest.
func (rb *RingBuffer) Rows() []types.Row {
	rows := make([]types.Row, rb.count)
	for i := int64(0); i < rb.count; i++ {
		rows[i] = rb.data[(rb.tail+i)%rb.capacity]
	}
	return rows
}

// Clear removes all rows from the buffer.
func (rb *RingBuffer) Clear() {
	for i := range rb.data {
		rb.data[i] = types.Row{}
	}
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		UsageRatio: float64(rb.count) / float64(rb.capacity),
		PushCount:  rb.pushCount,
		EvictCount: rb.evictCount,
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	EvictCount int64
}
