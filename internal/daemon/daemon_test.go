package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/reuptime/internal/errors"
	rtesting "github.com/xtxerr/reuptime/internal/testing"
)

func testSupervisor(t *testing.T) (*Supervisor, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		StatusFile:  filepath.Join(dir, "run", "status.json"),
		PIDFile:     filepath.Join(dir, "run", "reuptimed.pid"),
		StopTimeout: 200 * time.Millisecond,
	}
	s, err := NewSupervisor(cfg)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	s.pid = func() int { return 4242 }
	s.poll = 5 * time.Millisecond
	s.inspect = func(context.Context, int, *Report) {}
	return s, cfg
}

func TestStatusFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	want := Status{
		Status:    StateRunning,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PID:       17,
		Message:   "daemon started",
	}
	if err := WriteStatus(path, want); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	got, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if got.Status != want.Status || got.PID != want.PID || got.Message != want.Message || !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("ReadStatus = %+v, want %+v", got, want)
	}
}

func TestReadStatusMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadStatus(filepath.Join(dir, "nope.json")); !errors.IsNotFound(err) {
		t.Errorf("missing file: got %v, want not found", err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{not json"), 0644)
	if _, err := ReadStatus(bad); !errors.Is(err, errors.ErrCorrupt) {
		t.Errorf("corrupt file: got %v, want ErrCorrupt", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")

	if _, err := ReadPID(path); !errors.IsNotFound(err) {
		t.Fatalf("ReadPID on missing file: %v", err)
	}
	if err := WritePID(path, 99); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil || pid != 99 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}
	if err := RemovePID(path); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if err := RemovePID(path); err != nil {
		t.Fatalf("RemovePID twice: %v", err)
	}

	os.WriteFile(path, []byte("abc"), 0644)
	if _, err := ReadPID(path); !errors.Is(err, errors.ErrCorrupt) {
		t.Errorf("garbage pid: %v", err)
	}
}

func TestStartWritesLifecycle(t *testing.T) {
	s, cfg := testSupervisor(t)
	s.alive = func(context.Context, int) (bool, error) { return false, nil }

	var sawRunning, sawPID bool
	err := s.Start(context.Background(), func(ctx context.Context) error {
		st, err := ReadStatus(cfg.StatusFile)
		sawRunning = err == nil && st.Status == StateRunning && st.PID == 4242
		pid, err := ReadPID(cfg.PIDFile)
		sawPID = err == nil && pid == 4242
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sawRunning || !sawPID {
		t.Errorf("during run: running=%v pid=%v", sawRunning, sawPID)
	}

	st, err := ReadStatus(cfg.StatusFile)
	if err != nil || st.Status != StateStopped {
		t.Errorf("after run: %+v, %v", st, err)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Errorf("pid file should be removed, stat err = %v", err)
	}
}

func TestStartRecordsError(t *testing.T) {
	s, cfg := testSupervisor(t)
	s.alive = func(context.Context, int) (bool, error) { return false, nil }

	err := s.Start(context.Background(), func(context.Context) error {
		return errors.New("registry unreachable")
	})
	if err == nil {
		t.Fatal("Start should return the runner error")
	}

	st, _ := ReadStatus(cfg.StatusFile)
	if st.Status != StateError || st.Message != "registry unreachable" {
		t.Errorf("status = %+v", st)
	}
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	s, cfg := testSupervisor(t)
	WritePID(cfg.PIDFile, 777)
	s.alive = func(_ context.Context, pid int) (bool, error) { return pid == 777, nil }

	called := false
	err := s.Start(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Fatalf("Start = %v, want ErrAlreadyRunning", err)
	}
	if called {
		t.Error("runner must not run")
	}
	if pid, _ := ReadPID(cfg.PIDFile); pid != 777 {
		t.Errorf("foreign pid file overwritten: %d", pid)
	}
}

func TestStartReplacesStalePID(t *testing.T) {
	s, cfg := testSupervisor(t)
	WritePID(cfg.PIDFile, 777)
	s.alive = func(context.Context, int) (bool, error) { return false, nil }

	if err := s.Start(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s, cfg := testSupervisor(t)
	s.alive = func(context.Context, int) (bool, error) { return false, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}()

	err := rtesting.Eventually(time.Second, 5*time.Millisecond, func() bool {
		st, err := ReadStatus(cfg.StatusFile)
		return err == nil && st.Status == StateRunning
	})
	if err != nil {
		t.Fatalf("daemon never reported running: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	st, err := ReadStatus(cfg.StatusFile)
	if err != nil || st.Status != StateStopped {
		t.Errorf("final status = %+v, %v; want stopped", st, err)
	}
}

func TestStopNotRunning(t *testing.T) {
	s, _ := testSupervisor(t)
	if err := s.Stop(context.Background()); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Stop = %v, want ErrNotRunning", err)
	}
}

func TestStopStalePID(t *testing.T) {
	s, cfg := testSupervisor(t)
	WritePID(cfg.PIDFile, 555)
	s.alive = func(context.Context, int) (bool, error) { return false, nil }
	s.terminate = func(context.Context, int) error {
		t.Error("terminate must not be called for a dead process")
		return nil
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Error("stale pid file not removed")
	}
	st, _ := ReadStatus(cfg.StatusFile)
	if st.Status != StateStopped {
		t.Errorf("status = %s", st.Status)
	}
}

func TestStopWaitsForExit(t *testing.T) {
	s, cfg := testSupervisor(t)
	WritePID(cfg.PIDFile, 555)

	var terminated atomic.Bool
	var checks atomic.Int32
	s.terminate = func(_ context.Context, pid int) error {
		if pid != 555 {
			t.Errorf("terminate pid = %d", pid)
		}
		terminated.Store(true)
		return nil
	}
	s.alive = func(context.Context, int) (bool, error) {
		if !terminated.Load() {
			return true, nil
		}
		// Exit a few polls after the signal.
		return checks.Add(1) < 3, nil
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !terminated.Load() {
		t.Error("process was not signalled")
	}
}

func TestStopTimesOut(t *testing.T) {
	s, cfg := testSupervisor(t)
	WritePID(cfg.PIDFile, 555)
	s.alive = func(context.Context, int) (bool, error) { return true, nil }
	s.terminate = func(context.Context, int) error { return nil }

	if err := s.Stop(context.Background()); err == nil {
		t.Fatal("Stop should time out")
	}
}

func TestStatusReport(t *testing.T) {
	s, cfg := testSupervisor(t)

	r, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status without files: %v", err)
	}
	if r.Status.Status != StateStopped || r.Alive {
		t.Errorf("no files: %+v", r)
	}

	WriteStatus(cfg.StatusFile, Status{Status: StateRunning, PID: 321, Timestamp: time.Now()})

	s.alive = func(context.Context, int) (bool, error) { return false, nil }
	r, err = s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !r.Stale || r.Alive || r.PID != 321 {
		t.Errorf("dead process: %+v", r)
	}

	inspected := false
	s.alive = func(context.Context, int) (bool, error) { return true, nil }
	s.inspect = func(_ context.Context, pid int, r *Report) {
		inspected = true
		r.RSS = 1 << 20
	}
	r, err = s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if r.Stale || !r.Alive || !inspected || r.RSS != 1<<20 {
		t.Errorf("live process: %+v", r)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
	if err := (Config{}).Validate(); !errors.IsValidation(err) {
		t.Errorf("empty config: %v", err)
	}
}
