package auth

import (
	"context"
	"sync"
	"time"
)

const defaultWindow = 60 * time.Second

type bucket struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// RateLimiter enforces spec.md §4.2's per-IP connection rate limit:
// at most maxPerWindow handshakes per IP within window, with idle
// buckets purged by a periodic sweeper.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	maxPerWindow int
	window       time.Duration
	clock        func() time.Time
}

// NewRateLimiter constructs a limiter. maxPerWindow <= 0 defaults to 60;
// window <= 0 defaults to 60s.
func NewRateLimiter(maxPerWindow int, window time.Duration, clock func() time.Time) *RateLimiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 60
	}
	if window <= 0 {
		window = defaultWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		maxPerWindow: maxPerWindow,
		window:       window,
		clock:        clock,
	}
}

// Allow records a connection attempt from ip and reports whether it is
// within the configured rate.
func (l *RateLimiter) Allow(ip string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{count: 0, windowStart: now}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	b.count++
	return b.count <= l.maxPerWindow
}

// Sweep removes buckets idle for more than 2×window. Call periodically
// (spec.md §4.2 prescribes every 5×window) from a background loop.
func (l *RateLimiter) Sweep() int {
	now := l.clock()
	idleCutoff := 2 * l.window

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleCutoff {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}

// Run starts the periodic sweeper at 5×window until ctx is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	interval := 5 * l.window
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// BucketCount reports the number of tracked IP buckets, for tests and metrics.
func (l *RateLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
