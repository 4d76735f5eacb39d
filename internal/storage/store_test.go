package storage

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/storage/config"
	"github.com/xtxerr/reuptime/internal/storage/types"
)

// base is aligned to every archive resolution used below.
const base int64 = 120000

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = ""
	cfg.Step = 20 * time.Second
	cfg.Archives = []config.ArchiveConfig{
		{Width: 1, Rows: 10},
		{Width: 3, Rows: 5},
	}
	return cfg
}

func hostDef(id string, cfg *config.Config) types.StreamDef {
	return NewStreamDef(id, cfg,
		Gauge("uptime", 0, 100),
		Gauge("latency", 0, 2000),
	)
}

func newTestStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetClock(func() time.Time { return time.Unix(base+1_000_000, 0) })
	return s
}

func at(k int64) time.Time {
	return time.Unix(base+20*k, 0)
}

func mustCreate(t *testing.T, s *Store, def types.StreamDef) {
	t.Helper()
	if err := s.CreateStream(def, time.Unix(base, 0)); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
}

func mustWrite(t *testing.T, s *Store, id string, k int64, values map[string]float64) {
	t.Helper()
	if err := s.Write(id, at(k), values); err != nil {
		t.Fatalf("Write(k=%d): %v", k, err)
	}
}

func column(t *testing.T, res *types.FetchResult, name string) []float64 {
	t.Helper()
	col := res.Column(name)
	if col == nil {
		t.Fatalf("no column %q in %v", name, res.Names)
	}
	return col
}

func TestStore_FreshStreamFetchIsUnknown(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	res, err := s.Fetch("h1", at(1), at(10), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if res.Step != 20 {
		t.Errorf("expected raw archive step 20, got %d", res.Step)
	}
	if res.Len() != 10 {
		t.Fatalf("expected 10 points, got %d", res.Len())
	}
	for i, p := range res.Points {
		if p.Timestamp != base+20*int64(i+1) {
			t.Errorf("point %d: timestamp %d", i, p.Timestamp)
		}
		for j := range p.Values {
			if p.Known(j) {
				t.Errorf("point %d: expected unknown, got %f", i, p.Values[j])
			}
		}
	}
}

func TestStore_WriteAndFetchRaw(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	for k := int64(1); k <= 5; k++ {
		mustWrite(t, s, "h1", k, map[string]float64{"uptime": 100, "latency": float64(k)})
	}

	res, err := s.Fetch("h1", at(1), at(5), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	latency := column(t, res, "latency")
	uptime := column(t, res, "uptime")
	for i := range latency {
		if latency[i] != float64(i+1) {
			t.Errorf("latency[%d] = %f, want %d", i, latency[i], i+1)
		}
		if uptime[i] != 100 {
			t.Errorf("uptime[%d] = %f, want 100", i, uptime[i])
		}
	}
}

func TestStore_StaleWriteRejected(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	mustWrite(t, s, "h1", 1, map[string]float64{"uptime": 100, "latency": 1})
	mustWrite(t, s, "h1", 2, map[string]float64{"uptime": 100, "latency": 2})

	before, err := s.Fetch("h1", at(1), at(2), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	for _, k := range []int64{2, 1} {
		err := s.Write("h1", at(k), map[string]float64{"uptime": 0, "latency": 999})
		if !errors.Is(err, errors.ErrStaleUpdate) {
			t.Errorf("k=%d: expected ErrStaleUpdate, got %v", k, err)
		}
	}

	after, err := s.Fetch("h1", at(1), at(2), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for i := range before.Points {
		for j := range before.Points[i].Values {
			if before.Points[i].Values[j] != after.Points[i].Values[j] {
				t.Errorf("point %d value %d changed after stale write", i, j)
			}
		}
	}

	last, values, err := s.LastUpdate("h1")
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}
	if !last.Equal(at(2)) || values["latency"] != 2 {
		t.Errorf("last update changed: %v %v", last, values)
	}
	if got := s.Stats().StaleWrites; got != 2 {
		t.Errorf("expected 2 stale writes, got %d", got)
	}
}

func TestStore_RoundRobinEviction(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	for k := int64(1); k <= 15; k++ {
		mustWrite(t, s, "h1", k, map[string]float64{"uptime": 100, "latency": float64(k)})
	}

	res, err := s.Fetch("h1", at(5), at(15), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Step != 20 {
		t.Fatalf("expected raw archive, got step %d", res.Step)
	}

	latency := column(t, res, "latency")
	if len(latency) != 11 {
		t.Fatalf("expected 11 points, got %d", len(latency))
	}
	if !math.IsNaN(latency[0]) {
		t.Errorf("oldest row should be evicted, got %f", latency[0])
	}
	for i := 1; i < len(latency); i++ {
		if want := float64(i + 5); latency[i] != want {
			t.Errorf("latency[%d] = %f, want %f", i, latency[i], want)
		}
	}
}

func TestStore_Consolidation(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	for k := int64(1); k <= 6; k++ {
		mustWrite(t, s, "h1", k, map[string]float64{"uptime": 100, "latency": float64(k * 10)})
	}

	res, err := s.Fetch("h1", at(3), at(6), time.Minute)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Step != 60 {
		t.Fatalf("expected 60s archive, got step %d", res.Step)
	}

	latency := column(t, res, "latency")
	want := []float64{20, 50}
	if len(latency) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(latency))
	}
	for i := range want {
		if latency[i] != want[i] {
			t.Errorf("latency[%d] = %f, want %f", i, latency[i], want[i])
		}
	}
}

func TestStore_XFFMakesRowUnknown(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	// k=2 and k=3 fall inside a gap longer than the heartbeat.
	mustWrite(t, s, "h1", 1, map[string]float64{"uptime": 100, "latency": 10})
	mustWrite(t, s, "h1", 4, map[string]float64{"uptime": 100, "latency": 40})

	res, err := s.Fetch("h1", at(3), at(3), time.Minute)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Len() != 1 {
		t.Fatalf("expected 1 point, got %d", res.Len())
	}
	if res.Points[0].Known(0) || res.Points[0].Known(1) {
		t.Errorf("row with 2 of 3 unknown points should be unknown: %v", res.Points[0].Values)
	}
}

func TestStore_GapBeyondHeartbeatIsUnknown(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	mustWrite(t, s, "h1", 100, map[string]float64{"uptime": 100, "latency": 5})
	mustWrite(t, s, "h1", 101, map[string]float64{"uptime": 100, "latency": 5})

	res, err := s.Fetch("h1", at(92), at(101), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	latency := column(t, res, "latency")
	if len(latency) != 10 {
		t.Fatalf("expected 10 points, got %d", len(latency))
	}
	for i := 0; i < 9; i++ {
		if !math.IsNaN(latency[i]) {
			t.Errorf("latency[%d] = %f, want unknown", i, latency[i])
		}
	}
	if latency[9] != 5 {
		t.Errorf("latency[9] = %f, want 5", latency[9])
	}
}

func TestStore_OutOfRangeValue(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	mustWrite(t, s, "h1", 1, map[string]float64{"uptime": 150, "latency": 3})

	_, values, err := s.LastUpdate("h1")
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}
	if values["uptime"] != 150 {
		t.Errorf("last raw value should be kept, got %f", values["uptime"])
	}

	res, err := s.Fetch("h1", at(1), at(1), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !math.IsNaN(column(t, res, "uptime")[0]) {
		t.Error("out of range value should be unknown in archive")
	}
	if column(t, res, "latency")[0] != 3 {
		t.Error("in range value should be known")
	}
}

func TestStore_OmittedDataSourceIsUnknown(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	mustWrite(t, s, "h1", 1, map[string]float64{"uptime": 0})

	res, err := s.Fetch("h1", at(1), at(1), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if column(t, res, "uptime")[0] != 0 {
		t.Errorf("uptime should be 0, got %f", column(t, res, "uptime")[0])
	}
	if !math.IsNaN(column(t, res, "latency")[0]) {
		t.Error("omitted latency should be unknown")
	}
}

func TestStore_UnknownDataSourceRejected(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	err := s.Write("h1", at(1), map[string]float64{"jitter": 1})
	if !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStore_CreateStream(t *testing.T) {
	s := newTestStore(t, testConfig())
	def := hostDef("h1", s.Config())
	mustCreate(t, s, def)

	if err := s.CreateStream(def, time.Unix(base, 0)); !errors.Is(err, errors.ErrStreamExists) {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}

	now := time.Unix(base+1_000_000, 0)
	tooLate := now.Add(-time.Duration(def.CoarsestSpan()-1) * time.Second)
	if err := s.CreateStream(hostDef("h2", s.Config()), tooLate); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for late start, got %v", err)
	}

	bad := hostDef("h3", s.Config())
	bad.Archives = nil
	if err := s.CreateStream(bad, time.Unix(base, 0)); err == nil {
		t.Error("expected error for stream without archives")
	}
}

func TestStore_FetchErrors(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	if _, err := s.Fetch("missing", at(1), at(2), 0); !errors.Is(err, errors.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
	if _, err := s.Fetch("h1", at(2), at(1), 0); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for reversed window, got %v", err)
	}
}

func TestStore_DestroyIdempotent(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	if err := s.Destroy("h1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := s.Destroy("h1"); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if s.Exists("h1") {
		t.Error("stream should be gone")
	}
	if _, err := s.Fetch("h1", at(1), at(2), 0); !errors.Is(err, errors.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestStore_PickArchiveByCoverage(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))
	mustWrite(t, s, "h1", 15, map[string]float64{"uptime": 100})

	tests := []struct {
		name     string
		start    time.Time
		hint     time.Duration
		wantStep int64
	}{
		{"raw covers window", at(10), 0, 20},
		{"raw too short", at(1), 0, 60},
		{"hint selects coarse", at(10), time.Minute, 60},
		{"hint beyond coarsest", at(10), time.Hour, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Fetch("h1", tt.start, at(15), tt.hint)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if res.Step != tt.wantStep {
				t.Errorf("expected step %d, got %d", tt.wantStep, res.Step)
			}
		})
	}
}

func TestStore_FreshStreamLongWindows(t *testing.T) {
	cfg := testConfig()
	cfg.Archives = config.DefaultConfig().Archives
	s := newTestStore(t, cfg)

	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	def := hostDef("h1", cfg)
	if err := s.CreateStream(def, StartFor(def, now)); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	tests := []struct {
		name     string
		window   time.Duration
		wantStep int64
	}{
		{"one day", 24 * time.Hour, 20},
		{"thirty days", 30 * 24 * time.Hour, 3600},
		{"one year", 365 * 24 * time.Hour, 86400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Fetch("h1", now.Add(-tt.window), now, 0)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if res.Step != tt.wantStep {
				t.Errorf("expected step %d, got %d", tt.wantStep, res.Step)
			}
			want := (res.End-res.Start)/res.Step + 1
			if int64(res.Len()) != want {
				t.Errorf("expected %d points, got %d", want, res.Len())
			}
			if res.Len() == 0 || res.Len() > 4321 {
				t.Errorf("unexpected point count %d", res.Len())
			}
			for _, p := range res.Points {
				if p.Known(0) {
					t.Fatalf("point %d: expected unknown", p.Timestamp)
				}
			}
		})
	}

	// Longer than any archive: the coarsest one answers.
	res, err := s.Fetch("h1", now.Add(-3*365*24*time.Hour), now, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Step != 86400 {
		t.Errorf("expected coarsest step, got %d", res.Step)
	}
}

func TestStore_PartiallyUnknownStep(t *testing.T) {
	s := newTestStore(t, testConfig())
	mustCreate(t, s, hostDef("h1", s.Config()))

	mustWrite(t, s, "h1", 1, map[string]float64{"uptime": 100})
	// 50s gap exceeds the 40s heartbeat: (at1, at3+10] is unknown.
	if err := s.Write("h1", at(3).Add(10*time.Second), map[string]float64{"uptime": 100}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mustWrite(t, s, "h1", 4, map[string]float64{"uptime": 50})

	res, err := s.Fetch("h1", at(1), at(4), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	up := column(t, res, "uptime")
	if up[0] != 100 {
		t.Errorf("at1: expected 100, got %v", up[0])
	}
	if !math.IsNaN(up[1]) || !math.IsNaN(up[2]) {
		t.Errorf("at2/at3: expected unknown, got %v %v", up[1], up[2])
	}
	// Ten unknown and ten known seconds average over the known part.
	if up[3] != 50 {
		t.Errorf("at4: expected 50, got %v", up[3])
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s := newTestStore(t, testConfig())

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		mustCreate(t, s, hostDef(id, s.Config()))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for k := int64(1); k <= 50; k++ {
				if err := s.Write(id, at(k), map[string]float64{"uptime": 100}); err != nil {
					t.Errorf("%s: %v", id, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	if got := s.Stats().Writes; got != 200 {
		t.Errorf("expected 200 writes, got %d", got)
	}
}

func TestStore_PersistAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	cfg.WAL.SyncMode = "sync"

	s1 := newTestStore(t, cfg)
	mustCreate(t, s1, hostDef("h1", cfg))
	mustCreate(t, s1, hostDef("gone", cfg))
	for k := int64(1); k <= 5; k++ {
		mustWrite(t, s1, "h1", k, map[string]float64{"uptime": 100, "latency": float64(k)})
	}
	if err := s1.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// Journaled after the checkpoint.
	for k := int64(6); k <= 8; k++ {
		mustWrite(t, s1, "h1", k, map[string]float64{"uptime": 100, "latency": float64(k)})
	}
	if err := s1.Destroy("gone"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := s1.journal.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	s2 := newTestStore(t, cfg)
	defer s2.Close()

	if s2.Exists("gone") {
		t.Error("destroyed stream should not be restored")
	}

	last, _, err := s2.LastUpdate("h1")
	if err != nil {
		t.Fatalf("LastUpdate: %v", err)
	}
	if !last.Equal(at(8)) {
		t.Errorf("expected last update %v, got %v", at(8), last)
	}

	res, err := s2.Fetch("h1", at(1), at(8), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	latency := column(t, res, "latency")
	for i := range latency {
		if latency[i] != float64(i+1) {
			t.Errorf("latency[%d] = %f, want %d", i, latency[i], i+1)
		}
	}

	// Writes continue where the restored stream left off.
	mustWrite(t, s2, "h1", 9, map[string]float64{"uptime": 100, "latency": 9})
	if err := s2.Write("h1", at(8), map[string]float64{"uptime": 100}); !errors.Is(err, errors.ErrStaleUpdate) {
		t.Errorf("expected ErrStaleUpdate after restore, got %v", err)
	}
}

func TestStore_CloseCheckpoints(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()

	s1 := newTestStore(t, cfg)
	mustCreate(t, s1, hostDef("h1", cfg))
	mustWrite(t, s1, "h1", 1, map[string]float64{"uptime": 100, "latency": 7})
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s1.Write("h1", at(2), nil); !errors.Is(err, errors.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}

	s2 := newTestStore(t, cfg)
	defer s2.Close()

	res, err := s2.Fetch("h1", at(1), at(1), 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := column(t, res, "latency")[0]; got != 7 {
		t.Errorf("expected latency 7 after restart, got %f", got)
	}
}
