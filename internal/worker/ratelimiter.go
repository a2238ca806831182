package worker

import (
	"sync"
	"time"
)

// reRegistrationLimiter implements the "allow up to N re-registrations
// within a W-second window" rule (§4.7). It follows the teacher's
// circuit-breaker generation/expiry bookkeeping (see DESIGN.md): a
// single window that rolls forward wholesale once it expires, rather
// than a sliding log of individual attempt timestamps.
type reRegistrationLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	count  int
	expiry time.Time
}

func newReRegistrationLimiter(limit int, window time.Duration) *reRegistrationLimiter {
	return &reRegistrationLimiter{limit: limit, window: window}
}

// Allow records one re-registration attempt at now and reports whether
// it stays within the limit. The window resets wholesale the first
// time it is found expired.
func (l *reRegistrationLimiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.expiry.IsZero() || now.After(l.expiry) {
		l.count = 0
		l.expiry = now.Add(l.window)
	}
	l.count++
	return l.count <= l.limit
}
