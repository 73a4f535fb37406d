// Package ratelimit provides in-process sliding-window rate limiting for the
// ingest path. Limits shed load before any database work happens.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for the ingest endpoint.
const (
	DefaultWindow    = time.Minute
	DefaultPerIP     = 60
	DefaultPerSite   = 300
	pruneEvery       = 5 * time.Minute
	staleGenerations = 3
)

type bucket struct {
	windowStart time.Time
	prev        int
	cur         int
}

// Limiter is a sliding-window counter keyed by an arbitrary string. The
// window slides by weighting the previous fixed window against the elapsed
// fraction of the current one, which bounds memory to one bucket per key.
type Limiter struct {
	window time.Duration
	max    int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time

	now func() time.Time // injectable for tests
}

// New creates a limiter allowing max events per window per key.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultPerIP
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window:    window,
		max:       max,
		buckets:   make(map[string]*bucket),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// Allow records one event for key and reports whether it is within the
// limit. When denied, retryAfter is how long until the window has room
// again.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{windowStart: now.Truncate(l.window)}
		l.buckets[key] = b
	}
	l.advance(b, now)

	elapsed := now.Sub(b.windowStart)
	weight := 1 - float64(elapsed)/float64(l.window)
	if weight < 0 {
		weight = 0
	}
	effective := float64(b.cur) + float64(b.prev)*weight

	if effective >= float64(l.max) {
		l.maybePrune(now)
		return false, l.window - elapsed
	}
	b.cur++
	l.maybePrune(now)
	return true, 0
}

// advance rolls the bucket forward to the window containing now.
func (l *Limiter) advance(b *bucket, now time.Time) {
	start := now.Truncate(l.window)
	switch {
	case start.Equal(b.windowStart):
	case start.Sub(b.windowStart) == l.window:
		b.prev, b.cur = b.cur, 0
		b.windowStart = start
	default:
		b.prev, b.cur = 0, 0
		b.windowStart = start
	}
}

func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneEvery {
		return
	}
	cutoff := now.Add(-time.Duration(staleGenerations) * l.window)
	for k, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.lastPrune = now
}

// IngestLimits groups the per-IP and per-site limiters the ingest endpoint
// consults, in order: the per-IP check needs only the request and runs
// before any database work; the per-site check follows once the tenant is
// resolved.
type IngestLimits struct {
	PerIP   *Limiter
	PerSite *Limiter
}

// NewIngestLimits builds the ingest limiter pair with the given maxima.
func NewIngestLimits(perIP, perSite int, window time.Duration) *IngestLimits {
	return &IngestLimits{
		PerIP:   New(perIP, window),
		PerSite: New(perSite, window),
	}
}

// AllowIP records one request against the caller's IP budget.
func (il *IngestLimits) AllowIP(ip string) (ok bool, retryAfter time.Duration) {
	return il.PerIP.Allow("ip:" + ip)
}

// AllowSite records one request against the tenant's budget.
func (il *IngestLimits) AllowSite(siteID string) (ok bool, retryAfter time.Duration) {
	return il.PerSite.Allow("site:" + siteID)
}
