package probe

import (
	"context"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/xtxerr/reuptime/config"
)

// latencyPattern matches "time=12.3 ms", "time=12ms" and "time<1ms".
var latencyPattern = regexp.MustCompile(`time[=<]\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecProber probes by running the system ping binary once.
type ExecProber struct {
	command string
	run     runFunc
}

// NewExecProber returns a prober that runs command (default "ping").
func NewExecProber(command string) *ExecProber {
	if command == "" {
		command = config.DefaultPingCommand
	}
	return &ExecProber{command: command, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Probe sends one echo request with ping -c 1 -W <seconds>.
func (p *ExecProber) Probe(ctx context.Context, address string, timeout time.Duration) Result {
	wait := int(math.Ceil(timeout.Seconds()))
	if wait < 1 {
		wait = 1
	}

	// ping enforces -W itself; the context only guards against a hung
	// process.
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(wait)*time.Second+time.Second)
	defer cancel()

	out, err := p.run(runCtx, p.command, "-c", "1", "-W", strconv.Itoa(wait), address)
	if err != nil {
		log.Debug("ping failed", "address", address, "error", err)
		return Failed()
	}

	latency, ok := parseLatency(out)
	if !ok {
		log.Warn("could not parse ping latency", "address", address)
		return Result{Success: true, Latency: 0}
	}
	return Succeeded(latency)
}

func parseLatency(out []byte) (float64, bool) {
	m := latencyPattern.FindSubmatch(out)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
