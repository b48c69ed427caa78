// Package ratelimit implements per-session send admission plus the gin
// middleware protecting the ops HTTP surface.
package ratelimit

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const window = time.Second

// DefaultMaxPerSecond is the admission limit applied when none is configured.
const DefaultMaxPerSecond = 10

// SlidingWindow admits at most maxPerSecond events in any 1000 ms window.
type SlidingWindow struct {
	mu           sync.Mutex
	maxPerSecond int
	timestamps   []time.Time
	clock        clock.PassiveClock
}

// NewSlidingWindow creates a limiter with the given per-second cap.
func NewSlidingWindow(maxPerSecond int) *SlidingWindow {
	return newSlidingWindow(maxPerSecond, clock.RealClock{})
}

// newSlidingWindow allows injecting a fake clock in tests.
func newSlidingWindow(maxPerSecond int, c clock.PassiveClock) *SlidingWindow {
	if maxPerSecond < 1 {
		maxPerSecond = DefaultMaxPerSecond
	}
	return &SlidingWindow{
		maxPerSecond: maxPerSecond,
		timestamps:   make([]time.Time, 0, maxPerSecond),
		clock:        c,
	}
}

// CanProceed reports whether another event fits in the current window.
func (s *SlidingWindow) CanProceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.clock.Now()) < s.maxPerSecond
}

// Record registers an event. It returns false and makes no change when the
// window is already full.
func (s *SlidingWindow) Record() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.pruneLocked(now) >= s.maxPerSecond {
		return false
	}
	s.timestamps = append(s.timestamps, now)
	return true
}

// Reset clears all recorded events.
func (s *SlidingWindow) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamps = s.timestamps[:0]
}

// pruneLocked drops timestamps older than the window and returns the count
// of those remaining. Caller must hold s.mu.
func (s *SlidingWindow) pruneLocked(now time.Time) int {
	cutoff := now.Add(-window)
	kept := s.timestamps[:0]
	for _, ts := range s.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.timestamps = kept
	return len(kept)
}
