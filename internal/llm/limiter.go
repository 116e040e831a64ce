package llm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/netx/budget"
)

// LimiterConfig sizes the per-roaster buckets and the global budget.
type LimiterConfig struct {
	RequestsPerMin int   `yaml:"requests_per_min"`
	RequestsPerDay int64 `yaml:"requests_per_day"`
	GlobalDaily    int64 `yaml:"global_daily"`
}

// Defaults fills unset fields.
func (c *LimiterConfig) Defaults() {
	if c.RequestsPerMin == 0 {
		c.RequestsPerMin = 10
	}
	if c.RequestsPerDay == 0 {
		c.RequestsPerDay = 500
	}
	if c.GlobalDaily == 0 {
		c.GlobalDaily = 5000
	}
}

// Limiter enforces per-roaster request pacing and the global daily
// spend. A drained per-roaster bucket blocks; an exhausted global
// budget disables enrichment for the rest of the UTC day.
type Limiter struct {
	cfg    LimiterConfig
	global *budget.Tracker

	mu      sync.Mutex
	buckets map[int64]*roasterLimit
}

type roasterLimit struct {
	perMin *rate.Limiter
	perDay *budget.Tracker
}

// NewLimiter builds a limiter with the given configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg.Defaults()
	return &Limiter{
		cfg:     cfg,
		global:  budget.New("llm-global", cfg.GlobalDaily, budget.Daily),
		buckets: map[int64]*roasterLimit{},
	}
}

// Acquire blocks until one request is admitted for the roaster, or
// fails with a budget kind when a daily ceiling is spent.
func (l *Limiter) Acquire(ctx context.Context, roasterID int64) error {
	const op = "llm.limiter"

	rl := l.bucketFor(roasterID)
	if err := rl.perDay.Consume(1); err != nil {
		return errs.E(errs.KindLLMRateLimit, op,
			fmt.Errorf("roaster %d daily request ceiling: %w", roasterID, err))
	}
	if err := l.global.Consume(1); err != nil {
		return errs.E(errs.KindLLMBudget, op, err)
	}
	if err := rl.perMin.Wait(ctx); err != nil {
		return errs.E(errs.KindCanceled, op, err)
	}
	return nil
}

// GlobalExhausted reports whether the daily spend is gone.
func (l *Limiter) GlobalExhausted() bool { return l.global.Exhausted() }

func (l *Limiter) bucketFor(roasterID int64) *roasterLimit {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.buckets[roasterID]
	if !ok {
		rl = &roasterLimit{
			perMin: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMin)/60.0), l.cfg.RequestsPerMin),
			perDay: budget.New(fmt.Sprintf("llm-roaster-%d", roasterID), l.cfg.RequestsPerDay, budget.Daily),
		}
		l.buckets[roasterID] = rl
	}
	return rl
}
