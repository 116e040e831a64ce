// Package ratelimit spaces outbound requests per host. Each host gets a
// token bucket whose refill interval is the politeness base delay floored
// by any robots.txt Crawl-Delay, plus a small random jitter.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness rate-limits requests per hostname.
type Politeness struct {
	mu     sync.RWMutex
	hosts  map[string]*hostLimiter
	base   time.Duration
	jitter time.Duration
}

type hostLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a politeness limiter with the given base delay and jitter
// spread. A base of 250ms with 100ms jitter yields 150-350ms between
// requests to the same host.
func New(base, jitter time.Duration) *Politeness {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	return &Politeness{
		hosts:  make(map[string]*hostLimiter),
		base:   base,
		jitter: jitter,
	}
}

// getLimiter returns or creates the limiter for host, honoring crawlDelay
// as a lower bound on the refill interval. The refill runs at base minus
// jitter so that Wait's added sleep centers the spacing on base.
func (p *Politeness) getLimiter(host string, crawlDelay time.Duration) *rate.Limiter {
	interval := p.base - p.jitter
	if interval <= 0 {
		interval = p.base
	}
	if crawlDelay > interval {
		interval = crawlDelay
	}

	p.mu.RLock()
	hl, ok := p.hosts[host]
	p.mu.RUnlock()
	if ok && hl.interval == interval {
		return hl.limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hl, ok := p.hosts[host]; ok && hl.interval == interval {
		return hl.limiter
	}
	hl = &hostLimiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
	p.hosts[host] = hl
	return hl.limiter
}

// Wait blocks until a request to host is allowed or ctx is done.
func (p *Politeness) Wait(ctx context.Context, host string, crawlDelay time.Duration) error {
	if err := p.getLimiter(host, crawlDelay).Wait(ctx); err != nil {
		return err
	}
	if p.jitter <= 0 {
		return nil
	}
	sleep := time.Duration(rand.Int63n(int64(2 * p.jitter)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// Allow reports whether a request to host would be admitted right now,
// without consuming a token on refusal.
func (p *Politeness) Allow(host string, crawlDelay time.Duration) bool {
	return p.getLimiter(host, crawlDelay).Allow()
}
