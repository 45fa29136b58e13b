// Package admission guards every entry point that can touch capsule state:
// a static IP allow/deny filter plus a sliding-window rate limiter. A denied
// request never reaches the capsule layer.
package admission

import (
	"sync"
	"time"
)

// Decision is the observable outcome of an admission check, surfaced to the
// caller as X-RateLimit-* response metadata.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// RateLimiterConfig contains sliding-window settings.
type RateLimiterConfig struct {
	Requests      int           // admitted requests per window
	Period        time.Duration // window length
	BlockDuration time.Duration // blanket block applied to a subject after a rejection
}

// RateLimiter keeps, per (subject, resource), the ordered timestamps of
// admitted requests within the trailing period. Windows are ephemeral
// cache state with TTL = period; they are not persisted.
//
// A rejection additionally puts the subject under a short blanket block so
// probing other resources is suppressed too.
type RateLimiter struct {
	cfg RateLimiterConfig
	now func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
	blocked map[string]time.Time
}

// NewRateLimiter creates a sliding-window rate limiter
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 100
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}

	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string][]time.Time),
		blocked: make(map[string]time.Time),
	}
}

// Allow admits or rejects one request for (subject, resource). The count,
// prune and append happen under one lock so a single process never
// double-counts a request.
func (l *RateLimiter) Allow(subject, resource string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blocked[subject]; ok {
		if now.Before(until) {
			return Decision{
				Allowed: false,
				Limit:   l.cfg.Requests,
				ResetAt: until,
				Reason:  "subject temporarily blocked",
			}
		}
		delete(l.blocked, subject)
	}

	key := subject + ":" + resource
	window := pruneWindow(l.windows[key], now, l.cfg.Period)

	if len(window) >= l.cfg.Requests {
		l.windows[key] = window
		// Blanket block: repeated probing across resources is suppressed too.
		l.blocked[subject] = now.Add(l.cfg.BlockDuration)
		return Decision{
			Allowed: false,
			Limit:   l.cfg.Requests,
			ResetAt: window[0].Add(l.cfg.Period),
			Reason:  "rate limit exceeded",
		}
	}

	window = append(window, now)
	l.windows[key] = window

	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Requests,
		Remaining: l.cfg.Requests - len(window),
		ResetAt:   window[0].Add(l.cfg.Period),
	}
}

// Prune drops expired windows and block entries. Called periodically so
// idle subjects do not accumulate.
func (l *RateLimiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, window := range l.windows {
		if pruned := pruneWindow(window, now, l.cfg.Period); len(pruned) == 0 {
			delete(l.windows, key)
		} else {
			l.windows[key] = pruned
		}
	}
	for subject, until := range l.blocked {
		if !now.Before(until) {
			delete(l.blocked, subject)
		}
	}
}

// Limit returns the configured per-window request limit.
func (l *RateLimiter) Limit() int {
	return l.cfg.Requests
}

func pruneWindow(window []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
