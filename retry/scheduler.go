// Package retry computes reconnection delays for the signaling channel.
package retry

import (
	"sync"
	"time"
)

const (
	// DefaultBase is the wait after the first unplanned close
	DefaultBase = time.Second
	// DefaultMax caps the wait between reconnection attempts
	DefaultMax = 30 * time.Second
)

// Backoff returns min(2^attempt * base, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}

	wait := base
	for i := 0; i < attempt; i++ {
		if wait >= max/2 {
			return max
		}
		wait *= 2
	}
	if wait > max {
		return max
	}
	return wait
}

// State is a snapshot of the scheduler
type State struct {
	Attempt  int           `json:"attempt"`
	NextWait time.Duration `json:"next_wait"`
}

// Scheduler tracks reconnection attempts for one channel. The attempt counter
// grows on every unplanned close and resets on a confirmed open.
type Scheduler struct {
	base time.Duration
	max  time.Duration

	mu      sync.Mutex
	attempt int
}

// NewScheduler creates a scheduler; zero values fall back to the defaults
func NewScheduler(base, max time.Duration) *Scheduler {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < base {
		max = base
	}
	return &Scheduler{base: base, max: max}
}

// OnClose records an unplanned close and returns how long to wait before redialing.
func (s *Scheduler) OnClose() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := Backoff(s.attempt, s.base, s.max)
	s.attempt++
	return wait
}

// Reset clears the attempt counter after a successful open
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// State returns the current attempt and the wait the next close would produce
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Attempt:  s.attempt,
		NextWait: Backoff(s.attempt, s.base, s.max),
	}
}
