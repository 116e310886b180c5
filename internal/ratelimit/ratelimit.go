// Package ratelimit implements the sliding-minute counters from §4.3:
// connection attempts keyed by peer address (limit 5/min) and messages
// keyed by identity (limit 60/min). Entries older than 2 minutes are
// reaped periodically so the counter maps don't grow unbounded.
//
// A fixed 60-count sliding window, not a token bucket, is used
// deliberately — see DESIGN.md for why golang.org/x/time/rate's
// continuous refill doesn't reproduce the exact 60th/61st-request
// boundary this package is tested against.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces one sliding-window ceiling for one key space (either
// connection attempts by address, or messages by identity).
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	ttl    time.Duration
	hits   map[string][]time.Time
}

// New constructs a Limiter allowing at most limit events per window for
// each key, reaping keys whose most recent hit is older than ttl.
func New(limit int, window, ttl time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		ttl:    ttl,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records an attempt for key at now and reports whether it falls
// within the limit. Rejected attempts are not recorded, so immediately
// retrying after the window rolls over succeeds (§8 "Message counter
// resets after 60 seconds").
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := pruneBefore(l.hits[key], cutoff)

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}

	l.hits[key] = append(kept, now)
	return true
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Reap drops every key whose most recent hit is older than ttl,
// bounding the map's size under sustained low traffic.
func (l *Limiter) Reap(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.ttl)
	for key, times := range l.hits {
		kept := pruneBefore(times, cutoff)
		if len(kept) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = kept
		}
	}
}

// StartReaper runs Reap every interval until ctx is cancelled.
func (l *Limiter) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Reap(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}
