package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a requester's limiter is kept without use.
const idleAfter = 10 * time.Minute

// requesterLimiter bounds how often one requester may open help requests.
type requesterLimiter struct {
	every rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newRequesterLimiter allows perMinute requests per requester with the
// given burst. perMinute <= 0 disables limiting.
func newRequesterLimiter(perMinute, burst int) *requesterLimiter {
	l := &requesterLimiter{
		every:   rate.Inf,
		burst:   burst,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
	if perMinute > 0 {
		l.every = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if l.burst <= 0 {
		l.burst = 1
	}
	return l
}

// Allow reports whether requester may proceed now.
func (l *requesterLimiter) Allow(requester string) bool {
	if l.every == rate.Inf {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[requester]
	if !ok {
		l.prune(now)
		e = &limiterEntry{lim: rate.NewLimiter(l.every, l.burst)}
		l.entries[requester] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

func (l *requesterLimiter) prune(now time.Time) {
	for id, e := range l.entries {
		if now.Sub(e.lastSeen) > idleAfter {
			delete(l.entries, id)
		}
	}
}

func (l *requesterLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
