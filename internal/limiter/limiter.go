// Package limiter throttles requests per client address.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mpepping/rxcache/pkg/limits"
)

// IPLimiter provides per-IP rate limiting
type IPLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*limiterEntry

	rate  rate.Limit
	burst int
	now   func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func (e *limiterEntry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

func (e *limiterEntry) seen() time.Time {
	return time.Unix(0, e.lastSeen.Load())
}

// Option configures an IPLimiter
type Option func(*IPLimiter)

// WithRate sets the sustained requests per second and the burst each address
// is allowed. Non-positive values keep the defaults from pkg/limits.
func WithRate(perSecond float64, burst int) Option {
	return func(ipl *IPLimiter) {
		if perSecond > 0 {
			ipl.rate = rate.Limit(perSecond)
		}
		if burst > 0 {
			ipl.burst = burst
		}
	}
}

// NewIPLimiter creates a new IP-based rate limiter
func NewIPLimiter(opts ...Option) *IPLimiter {
	ipl := &IPLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(limits.IPRateRequestsPerSecondMax),
		burst:    limits.IPRateBurstSizeMax,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ipl)
	}
	return ipl
}

// Allow checks if a request from the given IP should be allowed
func (ipl *IPLimiter) Allow(ip string) bool {
	now := ipl.now()

	ipl.mu.RLock()
	entry, exists := ipl.limiters[ip]
	ipl.mu.RUnlock()

	if exists {
		entry.touch(now)
		return entry.limiter.AllowN(now, 1)
	}

	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	// Double-check after acquiring write lock
	entry, exists = ipl.limiters[ip]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(ipl.rate, ipl.burst)}
		ipl.limiters[ip] = entry
	}
	entry.touch(now)

	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked addresses
func (ipl *IPLimiter) Len() int {
	ipl.mu.RLock()
	defer ipl.mu.RUnlock()
	return len(ipl.limiters)
}

// GarbageCollect removes limiters that haven't been used recently and returns
// how many were removed
func (ipl *IPLimiter) GarbageCollect(maxAge time.Duration) int {
	ipl.mu.Lock()
	defer ipl.mu.Unlock()

	now := ipl.now()
	removed := 0

	for ip, entry := range ipl.limiters {
		if now.Sub(entry.seen()) > maxAge {
			delete(ipl.limiters, ip)
			removed++
		}
	}

	return removed
}

// RunGC runs garbage collection periodically
func (ipl *IPLimiter) RunGC(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ipl.GarbageCollect(maxAge)
		}
	}
}
