// Package ratelimit provides a process-local sliding-window rate
// limiter. Counters are in memory only and reset on restart; a
// multi-instance deployment needs a shared counter store instead.
package ratelimit

import (
	"sync"
	"time"
)

type event struct {
	at   time.Time
	cost int
}

// Limiter admits requests based on the summed cost of events inside a
// trailing window, keyed by an arbitrary string (typically
// principal + operation). Safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	events map[string][]event
	now    func() time.Time
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		events: make(map[string][]event),
		now:    time.Now,
	}
}

// Allow reports whether a request of the given cost is admitted for
// key under a limit of max cost units per window. Admitted requests
// are recorded atomically with the check. The second return value is
// the remaining budget after this request.
func (l *Limiter) Allow(key string, max int, window time.Duration, cost int) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	kept := l.events[key][:0]
	used := 0
	for _, e := range l.events[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used += e.cost
		}
	}
	l.events[key] = kept

	remaining := max - used
	if remaining < 0 {
		remaining = 0
	}

	if used+cost > max {
		return false, remaining
	}

	l.events[key] = append(l.events[key], event{at: now, cost: cost})
	return true, remaining - cost
}

// Reset clears all recorded events for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}
