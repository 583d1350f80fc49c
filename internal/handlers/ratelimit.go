package handlers

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user. A bucket left unused long enough to refill
// completely is indistinguishable from a new one, so such buckets are dropped.
type userLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*userBucket
	lastSweep time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const minLimiterIdle = time.Minute

func newUserLimiter(perMinute float64, burst int) *userLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perMinute / 60.0)

	idle := minLimiterIdle
	if limit > 0 {
		if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}

	return &userLimiter{
		limit:    limit,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
		limiters: make(map[string]*userBucket),
	}
}

// allow reports whether userID may make a request now. A nil limiter allows everything.
func (l *userLimiter) allow(userID string) bool {
	if l == nil {
		return true
	}

	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweep drops the buckets idle since before now minus l.idle. l.mu must be held.
func (l *userLimiter) sweep(now time.Time) {
	for id, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.limiters, id)
		}
	}
	l.lastSweep = now
}

func (l *userLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
