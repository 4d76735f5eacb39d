package probe

import (
	"context"
	"sync"
	"time"
)

// Scripted is a Prober that replays queued results per address. When an
// address has nothing queued the fallback result is returned.
type Scripted struct {
	mu       sync.Mutex
	queued   map[string][]Result
	fallback Result
	calls    map[string]int
	delay    time.Duration
}

// NewScripted returns a scripted prober whose fallback is a failure.
func NewScripted() *Scripted {
	return &Scripted{
		queued:   make(map[string][]Result),
		fallback: Failed(),
		calls:    make(map[string]int),
	}
}

// Queue appends results for address, consumed in order.
func (s *Scripted) Queue(address string, results ...Result) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[address] = append(s.queued[address], results...)
	return s
}

// SetFallback sets the result returned once an address runs dry.
func (s *Scripted) SetFallback(r Result) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = r
	return s
}

// SetDelay makes every probe take d, or until ctx is done.
func (s *Scripted) SetDelay(d time.Duration) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Calls returns how often address was probed.
func (s *Scripted) Calls(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[address]
}

// Probe implements Prober.
func (s *Scripted) Probe(ctx context.Context, address string, _ time.Duration) Result {
	s.mu.Lock()
	s.calls[address]++
	delay := s.delay
	var res Result
	if q := s.queued[address]; len(q) > 0 {
		res, s.queued[address] = q[0], q[1:]
	} else {
		res = s.fallback
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Failed()
		}
	}
	return res
}
