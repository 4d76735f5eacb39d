package aggregate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/reuptime/internal/registry"
	"github.com/xtxerr/reuptime/internal/scheduler"
	"github.com/xtxerr/reuptime/internal/storage"
	"github.com/xtxerr/reuptime/internal/storage/config"
)

func results(outcomes ...bool) []scheduler.Result {
	out := make([]scheduler.Result, len(outcomes))
	for i, ok := range outcomes {
		out[i] = scheduler.Result{
			Host:    registry.Host{ID: string(rune('a' + i))},
			Success: ok,
			Latency: 1000,
		}
		if ok {
			out[i].Latency = float64(10 * (i + 1))
		}
	}
	return out
}

func TestCompute_TwoOfThree(t *testing.T) {
	rs := results(true, true, false)
	rs[2].Masked = true

	got := Compute(rs)

	if got.Total != 3 || got.Up != 2 || got.Down != 1 || got.Masked != 1 {
		t.Fatalf("counts = %+v", got)
	}
	if got.UptimePercent != 66.67 {
		t.Errorf("UptimePercent = %v, want 66.67", got.UptimePercent)
	}
	if got.LatencyAvg != 15 {
		t.Errorf("LatencyAvg = %v, want 15", got.LatencyAvg)
	}
	// Lower rank q*(n-1): with two samples p95 is the smaller one,
	// within the sketch's 1% relative error.
	if math.Abs(got.LatencyP95-10) > 0.1 {
		t.Errorf("LatencyP95 = %v, want ~10", got.LatencyP95)
	}
}

func TestCompute_P95Rank(t *testing.T) {
	rs := make([]scheduler.Result, 20)
	for i := range rs {
		rs[i] = scheduler.Result{
			Host:    registry.Host{ID: string(rune('a' + i))},
			Success: true,
			Latency: float64(i + 1),
		}
	}

	got := Compute(rs)

	// rank 0.95*19 = 18.05 falls on the 19th smallest sample.
	if math.Abs(got.LatencyP95-19) > 0.19 {
		t.Errorf("LatencyP95 = %v, want ~19", got.LatencyP95)
	}
}

func TestCompute_AllUp(t *testing.T) {
	got := Compute(results(true, true, true, true))
	if got.UptimePercent != 100 {
		t.Errorf("UptimePercent = %v, want 100", got.UptimePercent)
	}
	if got.Down != 0 {
		t.Errorf("Down = %d, want 0", got.Down)
	}
}

func TestCompute_EmptyFleet(t *testing.T) {
	got := Compute(nil)
	if got.UptimePercent != 100 {
		t.Errorf("UptimePercent = %v, want 100", got.UptimePercent)
	}
	if !math.IsNaN(got.LatencyAvg) || !math.IsNaN(got.LatencyP95) {
		t.Errorf("latency should be unknown, got %v / %v", got.LatencyAvg, got.LatencyP95)
	}
}

func TestCompute_AllDown(t *testing.T) {
	got := Compute(results(false, false))
	if got.UptimePercent != 0 {
		t.Errorf("UptimePercent = %v, want 0", got.UptimePercent)
	}
	if !math.IsNaN(got.LatencyAvg) {
		t.Errorf("LatencyAvg = %v, want NaN", got.LatencyAvg)
	}
}

func TestCompute_Rounding(t *testing.T) {
	// 1/3 -> 33.33, 1/7 -> 14.29
	if got := Compute(results(true, false, false)).UptimePercent; got != 33.33 {
		t.Errorf("1/3 = %v, want 33.33", got)
	}
	if got := Compute(results(true, false, false, false, false, false, false)).UptimePercent; got != 14.29 {
		t.Errorf("1/7 = %v, want 14.29", got)
	}
}

func newAggregator(t *testing.T, now time.Time) (*Aggregator, *storage.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = ""
	cfg.Step = 20 * time.Second
	cfg.Archives = []config.ArchiveConfig{{Width: 1, Rows: 10}}

	store, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	store.SetClock(func() time.Time { return now })

	a := New(store)
	a.SetClock(func() time.Time { return now })
	return a, store
}

func TestAggregator_RecordWritesAlignedPoint(t *testing.T) {
	now := time.Unix(1_700_000_013, 0)
	a, store := newAggregator(t, now)

	tally, err := a.Record(context.Background(), &scheduler.Tick{Results: results(true, true, false)})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if tally.UptimePercent != 66.67 {
		t.Errorf("UptimePercent = %v", tally.UptimePercent)
	}

	last, values, err := store.LastUpdate(StreamDef(store.Config()).ID)
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}
	if want := time.Unix(1_700_000_000, 0); !last.Equal(want) {
		t.Errorf("point at %v, want %v", last, want)
	}
	if values[DSUptimePercent] != 66.67 {
		t.Errorf("stored uptime = %v", values[DSUptimePercent])
	}
	if values[DSHostsUp] != 2 || values[DSHostsDown] != 1 {
		t.Errorf("stored counts = %v / %v", values[DSHostsUp], values[DSHostsDown])
	}
}

func TestAggregator_SameStepIsNoop(t *testing.T) {
	now := time.Unix(1_700_000_013, 0)
	a, store := newAggregator(t, now)

	ctx := context.Background()
	if _, err := a.Record(ctx, &scheduler.Tick{Results: results(true)}); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if _, err := a.Record(ctx, &scheduler.Tick{Results: results(false)}); err != nil {
		t.Fatalf("second Record should be a no-op, got %v", err)
	}

	_, values, _ := store.LastUpdate(StreamDef(store.Config()).ID)
	if values[DSUptimePercent] != 100 {
		t.Errorf("stored uptime = %v, want first point kept", values[DSUptimePercent])
	}
	if got := store.Stats().StaleWrites; got != 1 {
		t.Errorf("StaleWrites = %d, want 1", got)
	}
}

func TestAggregator_EnsureStreamIdempotent(t *testing.T) {
	a, store := newAggregator(t, time.Unix(1_700_000_000, 0))
	for i := 0; i < 2; i++ {
		if err := a.EnsureStream(); err != nil {
			t.Fatalf("EnsureStream #%d: %v", i, err)
		}
	}
	if n := store.Stats().Streams; n != 1 {
		t.Errorf("Streams = %d, want 1", n)
	}
}
