package server

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a source address may stay silent before its
// bucket is forgotten.
const limiterIdle = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// addrLimiter is a token bucket per source IP. A zero limit disables it.
type addrLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[netip.Addr]*bucket
	swept   time.Time
}

func newAddrLimiter(perSecond float64, burst int) *addrLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &addrLimiter{
		limit:   rate.Limit(perSecond),
		burst:   max(burst, 1),
		buckets: make(map[netip.Addr]*bucket),
	}
}

// Allow reports whether one more datagram from ip may be processed.
func (l *addrLimiter) Allow(ip netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > limiterIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *addrLimiter) size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
