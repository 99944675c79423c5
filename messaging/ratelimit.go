package messaging

import (
	"sync"
	"time"
)

// RateLimiter per-connection sliding-window message count gate
type RateLimiter interface {
	// CanSend check whether another message fits in the current window
	CanSend(now time.Time) bool
	// RecordSend account for a message sent now
	RecordSend(now time.Time)
	// Pending number of sends still within the window
	Pending(now time.Time) int
}

// slidingWindowLimiter implements RateLimiter.
//
// The bucket holds the timestamps of sends within the window, oldest first.
// Entries older than the window are pruned lazily on each check, so the
// bucket never grows beyond the configured ceiling plus stale entries from
// the previous window.
type slidingWindowLimiter struct {
	lock       sync.Mutex
	maxPerWind int
	window     time.Duration
	bucket     []time.Time
}

// NewSlidingWindowLimiter define a new sliding-window rate limiter
func NewSlidingWindowLimiter(maxMessages int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{
		maxPerWind: maxMessages, window: window, bucket: make([]time.Time, 0, maxMessages),
	}
}

// prune drop bucket entries which fell out of the window. Caller holds lock.
func (l *slidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	keepFrom := 0
	for ; keepFrom < len(l.bucket); keepFrom++ {
		if l.bucket[keepFrom].After(cutoff) {
			break
		}
	}
	if keepFrom > 0 {
		l.bucket = append(l.bucket[:0], l.bucket[keepFrom:]...)
	}
}

// CanSend check whether another message fits in the current window
func (l *slidingWindowLimiter) CanSend(now time.Time) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.prune(now)
	return len(l.bucket) < l.maxPerWind
}

// RecordSend account for a message sent now
func (l *slidingWindowLimiter) RecordSend(now time.Time) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.prune(now)
	l.bucket = append(l.bucket, now)
}

// Pending number of sends still within the window
func (l *slidingWindowLimiter) Pending(now time.Time) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.prune(now)
	return len(l.bucket)
}
