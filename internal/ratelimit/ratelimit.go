// Package ratelimit provides the per-origin rate limiting discipline shared
// by every background worker that talks to an external upstream.
//
// One Limiter is created per external origin (one for the metadata API, one
// per provider). Acquire blocks until a token is available; the caller never
// needs to compute the wait itself. A synchronous NextSlot variant is
// provided for the single-threaded EPG ingest path, which prefers a simple
// "advance the next permissible instant" model over a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with a steady rate R req/s
// and a burst capacity B.
type Limiter struct {
	rl *rate.Limiter
}

// New returns a token-bucket limiter with steady rate r req/s and burst b.
func New(r float64, b int) *Limiter {
	if r <= 0 {
		r = 1
	}
	if b < 1 {
		b = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(r), b)}
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// SetRate updates the steady rate and burst (used when MetadataConfig.RPS
// changes at runtime via the config reload path).
func (l *Limiter) SetRate(r float64, b int) {
	if r <= 0 {
		r = 1
	}
	if b < 1 {
		b = 1
	}
	l.rl.SetLimit(rate.Limit(r))
	l.rl.SetBurst(b)
}

// Registry hands out one Limiter per origin key (e.g. a provider base URL, or
// the fixed string "metadata"), created lazily and shared by every caller.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
}

// NewRegistry returns a Registry whose limiters default to r req/s, burst b,
// until overridden per-origin via Configure.
func NewRegistry(r float64, b int) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), rate: r, burst: b}
}

// For returns the Limiter for origin, creating it with the registry defaults
// on first use.
func (reg *Registry) For(origin string) *Limiter {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	l, ok := reg.limiters[origin]
	if !ok {
		l = New(reg.rate, reg.burst)
		reg.limiters[origin] = l
	}
	return l
}

// Configure overrides the rate/burst for a specific origin (e.g. a provider
// whose upstream is known to be stricter).
func (reg *Registry) Configure(origin string, r float64, b int) {
	reg.mu.Lock()
	l, ok := reg.limiters[origin]
	if !ok {
		l = New(r, b)
		reg.limiters[origin] = l
		reg.mu.Unlock()
		return
	}
	reg.mu.Unlock()
	l.SetRate(r, b)
}

// NextSlotLimiter is the synchronous "advance the next permissible instant"
// variant used by the single-threaded EPG ingest path: a call that arrives
// before the next slot sleeps until it, then advances the slot by 1/R.
type NextSlotLimiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	now      func() time.Time
}

// NewNextSlot returns a NextSlotLimiter admitting at most r requests/second.
func NewNextSlot(r float64) *NextSlotLimiter {
	if r <= 0 {
		r = 1
	}
	return &NextSlotLimiter{interval: time.Duration(float64(time.Second) / r), now: time.Now}
}

// Wait blocks, if necessary, until the next permissible instant, then
// advances the schedule by one interval.
func (n *NextSlotLimiter) Wait(ctx context.Context) error {
	n.mu.Lock()
	now := n.now()
	if n.next.IsZero() {
		n.next = now
	}
	wait := n.next.Sub(now)
	if wait < 0 {
		wait = 0
		n.next = now
	}
	n.next = n.next.Add(n.interval)
	n.mu.Unlock()

	if wait == 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
