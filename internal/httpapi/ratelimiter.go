package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter admits at most limit operations in any rolling window.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	granted []time.Time
}

// NewWindowLimiter returns a limiter admitting limit operations per window.
// A non-positive window or limit disables limiting.
func NewWindowLimiter(window time.Duration, limit int, clock func() time.Time) *WindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &WindowLimiter{window: window, limit: limit, now: clock}
}

// Reserve admits one operation. When the window is saturated it reports how
// long until the oldest grant leaves it.
func (l *WindowLimiter) Reserve() (bool, time.Duration) {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.granted[:0]
	for _, ts := range l.granted {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.granted = kept
	if len(l.granted) >= l.limit {
		return false, l.granted[0].Sub(cutoff)
	}
	l.granted = append(l.granted, now)
	return true, 0
}
