package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// UserRateLimiter keeps one token bucket per caller so a heartbeat storm from
// one user cannot starve the others.
type UserRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*userBucket
	lastSweep time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserRateLimiter builds a limiter allowing requestsPerSecond sustained
// and burst instantaneous requests per user. Non-positive rates disable it.
func NewUserRateLimiter(requestsPerSecond float64, burst int, clock func() time.Time) *UserRateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &UserRateLimiter{
		limit:   limit,
		burst:   burst,
		clock:   clock,
		buckets: make(map[string]*userBucket),
	}
}

// Allow reports whether userID may issue one more request now.
func (l *UserRateLimiter) Allow(userID string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for key, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) >= limiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *UserRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
