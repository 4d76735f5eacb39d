package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/reuptime/internal/probe"
	"github.com/xtxerr/reuptime/internal/registry"
)

type staticSource struct {
	mu    sync.Mutex
	hosts []registry.Host
	errs  []error
	calls int
}

func (s *staticSource) ListMonitoredHosts(context.Context) ([]registry.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]registry.Host, len(s.hosts))
	copy(out, s.hosts)
	return out, nil
}

func hosts(n int) []registry.Host {
	out := make([]registry.Host, n)
	for i := range out {
		out[i] = registry.Host{ID: fmt.Sprintf("h%d", i), Address: fmt.Sprintf("10.0.0.%d", i+1)}
	}
	return out
}

func probeTask(p probe.Prober) Task {
	return func(ctx context.Context, h registry.Host) Result {
		res := p.Probe(ctx, h.Address, time.Second)
		return Result{Timestamp: time.Now(), Success: res.Success, Latency: res.Latency, IsActive: res.Success}
	}
}

func testConfig() Config {
	return Config{
		Interval:     50 * time.Millisecond,
		MinSleep:     time.Millisecond,
		ErrorBackoff: 5 * time.Millisecond,
		TaskTimeout:  time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected error for zero config")
	}
}

func TestSleepDuration(t *testing.T) {
	cfg := Config{Interval: 20 * time.Second, MinSleep: 100 * time.Millisecond}

	tests := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 20 * time.Second},
		{5 * time.Second, 15 * time.Second},
		{20 * time.Second, 100 * time.Millisecond},
		{45 * time.Second, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := cfg.SleepDuration(tt.elapsed); got != tt.want {
			t.Errorf("SleepDuration(%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestRunTick_OneResultPerHost(t *testing.T) {
	src := &staticSource{hosts: hosts(20)}
	prober := probe.NewScripted().SetFallback(probe.Succeeded(1)).SetDelay(20 * time.Millisecond)

	s, err := New(testConfig(), src, probeTask(prober), Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	tick, err := s.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	if len(tick.Results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(tick.Results))
	}
	for i, r := range tick.Results {
		if r.Host.ID != fmt.Sprintf("h%d", i) {
			t.Errorf("result %d belongs to %s", i, r.Host.ID)
		}
		if !r.Success {
			t.Errorf("result %d should succeed", i)
		}
	}

	// Sequential execution would take 400ms.
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("probes did not run concurrently: %v", elapsed)
	}
}

func TestRunTick_PanicIsolated(t *testing.T) {
	src := &staticSource{hosts: hosts(3)}
	task := func(ctx context.Context, h registry.Host) Result {
		if h.ID == "h1" {
			panic("probe exploded")
		}
		return Result{Success: true, IsActive: true}
	}

	s, err := New(testConfig(), src, task, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tick, err := s.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	if len(tick.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(tick.Results))
	}
	if tick.Results[1].Success || tick.Results[1].Error == "" {
		t.Errorf("panicking task should yield a failed result: %+v", tick.Results[1])
	}
	if tick.Results[1].Host.ID != "h1" {
		t.Errorf("panicking result lost its host: %+v", tick.Results[1])
	}
	if !tick.Results[0].Success || !tick.Results[2].Success {
		t.Error("other tasks should be unaffected")
	}
	if s.Stats().TaskPanics != 1 {
		t.Errorf("expected 1 task panic, got %d", s.Stats().TaskPanics)
	}
}

func TestRunTick_BeforeDispatchRunsFirst(t *testing.T) {
	src := &staticSource{hosts: hosts(5)}

	var resetDone atomic.Bool
	var early atomic.Int32

	task := func(ctx context.Context, h registry.Host) Result {
		if !resetDone.Load() {
			early.Add(1)
		}
		return Result{Success: true, Allotment: h.DowntimeAllotment}
	}
	hooks := Hooks{
		BeforeDispatch: func(ctx context.Context, hs []registry.Host, now time.Time) ([]registry.Host, error) {
			out := make([]registry.Host, len(hs))
			for i, h := range hs {
				h.DowntimeAllotment = 90
				out[i] = h
			}
			resetDone.Store(true)
			return out, nil
		},
	}

	s, err := New(testConfig(), src, task, hooks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tick, err := s.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if early.Load() != 0 {
		t.Errorf("%d tasks ran before the reset pass", early.Load())
	}
	for _, r := range tick.Results {
		if r.Allotment != 90 {
			t.Errorf("task saw allotment %d, want reset value 90", r.Allotment)
		}
	}
}

func TestRunTick_BeforeDispatchErrorDoesNotBlockProbes(t *testing.T) {
	src := &staticSource{hosts: hosts(2)}
	hooks := Hooks{
		BeforeDispatch: func(context.Context, []registry.Host, time.Time) ([]registry.Host, error) {
			return nil, errors.New("settings unavailable")
		},
	}

	s, _ := New(testConfig(), src, func(context.Context, registry.Host) Result { return Result{Success: true} }, hooks)
	tick, err := s.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if len(tick.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(tick.Results))
	}
}

func TestRunForever_StopsBetweenTicks(t *testing.T) {
	src := &staticSource{hosts: hosts(4)}
	ctx, cancel := context.WithCancel(context.Background())

	var completed atomic.Int32
	task := func(taskCtx context.Context, h registry.Host) Result {
		// Cancel mid-wave; the wave must still finish.
		cancel()
		time.Sleep(10 * time.Millisecond)
		if taskCtx.Err() != nil {
			return Result{Error: "task context cancelled"}
		}
		return Result{Success: true}
	}

	var ticks []*Tick
	hooks := Hooks{
		OnTick: func(ctx context.Context, tick *Tick) error {
			completed.Add(1)
			ticks = append(ticks, tick)
			return nil
		},
	}

	s, err := New(testConfig(), src, task, hooks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = s.RunForever(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if completed.Load() != 1 {
		t.Fatalf("expected exactly one completed tick, got %d", completed.Load())
	}
	for _, r := range ticks[0].Results {
		if !r.Success {
			t.Errorf("in-flight task saw cancellation: %+v", r)
		}
	}
	if s.Running() {
		t.Error("scheduler should not be running after return")
	}
}

func TestRunForever_BackoffAfterError(t *testing.T) {
	src := &staticSource{
		hosts: hosts(1),
		errs:  []error{errors.New("registry down")},
	}

	var sleeps []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	s, err := New(cfg, src, func(context.Context, registry.Host) Result { return Result{Success: true} }, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	if err := s.RunForever(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(sleeps))
	}
	if sleeps[0] != cfg.ErrorBackoff {
		t.Errorf("first sleep = %v, want backoff %v", sleeps[0], cfg.ErrorBackoff)
	}
	if sleeps[1] < cfg.MinSleep || sleeps[1] > cfg.Interval {
		t.Errorf("second sleep = %v, want within [%v, %v]", sleeps[1], cfg.MinSleep, cfg.Interval)
	}

	stats := s.Stats()
	if stats.TickErrors != 1 || stats.Ticks != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunForever_OverrunAppliesFloor(t *testing.T) {
	src := &staticSource{hosts: hosts(1)}

	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond

	var sleeps []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := func(context.Context, registry.Host) Result {
		time.Sleep(15 * time.Millisecond)
		return Result{Success: true}
	}

	s, err := New(cfg, src, task, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		cancel()
		return ctx.Err()
	}

	_ = s.RunForever(ctx)

	if len(sleeps) != 1 || sleeps[0] != cfg.MinSleep {
		t.Errorf("expected one floor sleep of %v, got %v", cfg.MinSleep, sleeps)
	}
	if s.Stats().Overruns != 1 {
		t.Errorf("expected 1 overrun, got %d", s.Stats().Overruns)
	}
}

func TestRunForever_HandlerPanicBacksOff(t *testing.T) {
	src := &staticSource{hosts: hosts(1)}
	hooks := Hooks{
		OnTick: func(context.Context, *Tick) error { panic("aggregator bug") },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	s, _ := New(cfg, src, func(context.Context, registry.Host) Result { return Result{} }, hooks)

	var slept time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		cancel()
		return ctx.Err()
	}

	_ = s.RunForever(ctx)

	if slept != cfg.ErrorBackoff {
		t.Errorf("expected backoff sleep, got %v", slept)
	}
	if s.Stats().TickErrors != 1 {
		t.Errorf("expected 1 tick error, got %d", s.Stats().TickErrors)
	}
}

func TestRunForever_AlreadyRunning(t *testing.T) {
	src := &staticSource{hosts: hosts(1)}
	s, _ := New(testConfig(), src, func(context.Context, registry.Host) Result { return Result{} }, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-started:
		default:
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- s.RunForever(ctx) }()
	<-started

	if err := s.RunForever(context.Background()); err == nil {
		t.Error("second RunForever should fail")
	}

	cancel()
	<-done
}

func TestRunTickUsesInjectedClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	var dispatchedAt time.Time
	hooks := Hooks{
		BeforeDispatch: func(_ context.Context, hs []registry.Host, at time.Time) ([]registry.Host, error) {
			dispatchedAt = at
			return hs, nil
		},
		OnTick: func(context.Context, *Tick) error {
			// A slow aggregate write.
			advance(3 * time.Second)
			return nil
		},
	}
	task := func(context.Context, registry.Host) Result { return Result{Success: true} }

	s, err := New(testConfig(), &staticSource{hosts: hosts(2)}, task, hooks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetClock(clock)

	tick, err := s.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if tick.Started.Unix() != 1_700_000_000 {
		t.Errorf("Started = %v, want the injected time", tick.Started)
	}
	if !dispatchedAt.Equal(tick.Started) {
		t.Errorf("reset pass saw %v, tick started %v", dispatchedAt, tick.Started)
	}
	if tick.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %v, want 3s including the tick handler", tick.Elapsed)
	}
	if got := s.Stats().LastElapsed; got != 3*time.Second {
		t.Errorf("LastElapsed = %v, want 3s", got)
	}
}
