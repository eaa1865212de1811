package logger

import (
	"sync/atomic"
	"time"
)

// Limiter gates repetitive log lines to at most one per interval.
// The zero value is not usable; use NewLimiter.
type Limiter struct {
	interval   time.Duration
	last       atomic.Int64 // unix nanos of the last allowed event
	suppressed atomic.Uint64
	now        func() time.Time
}

// NewLimiter returns a limiter that allows one event per interval.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, now: time.Now}
}

// Allow reports whether an event may be logged now. When it returns true,
// the second value is the number of events suppressed since the last
// allowed one.
func (l *Limiter) Allow() (bool, uint64) {
	now := l.now().UnixNano()
	for {
		last := l.last.Load()
		if last != 0 && now-last < int64(l.interval) {
			l.suppressed.Add(1)
			return false, 0
		}
		if l.last.CompareAndSwap(last, now) {
			return true, l.suppressed.Swap(0)
		}
	}
}

// Reset clears the limiter so the next event is always allowed.
func (l *Limiter) Reset() {
	l.last.Store(0)
	l.suppressed.Store(0)
}
