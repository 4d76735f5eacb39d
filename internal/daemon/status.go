// Package daemon manages the monitor process lifecycle: the PID file,
// the status document read by operators and the start/stop/status
// actions.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
)

var log = logging.Component("daemon")

// State is the lifecycle state written to the status file.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Status is the document kept in the status file.
type Status struct {
	Status    State     `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	PID       int       `json:"pid"`
	Message   string    `json:"message,omitempty"`
}

// WriteStatus replaces the status file atomically.
func WriteStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// ReadStatus reads the status file. A missing file is reported as
// ErrNotFound.
func ReadStatus(path string) (Status, error) {
	var st Status

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, errors.NewNotFound("status file", path)
	}
	if err != nil {
		return st, fmt.Errorf("read status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode status %s: %w", path, errors.ErrCorrupt)
	}
	return st, nil
}

// WritePID records pid in path.
func WritePID(path string, pid int) error {
	return writeAtomic(path, []byte(strconv.Itoa(pid)+"\n"))
}

// ReadPID returns the pid stored in path. A missing file is reported as
// ErrNotFound.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, errors.NewNotFound("pid file", path)
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: %w", path, errors.ErrCorrupt)
	}
	return pid, nil
}

// RemovePID deletes the pid file. A missing file is not an error.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
