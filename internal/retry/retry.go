// Package retry implements the shared retry policy: capped exponential
// backoff with jitter, honoring server-requested Retry-After delays.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
)

// Policy describes one retry schedule. The zero value is not usable;
// construct with Default or from config.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	JitterPct   float64
}

// Default is the pipeline-wide policy: 1s, 2s, 4s, 8s, 16s with ±25% jitter.
func Default() Policy {
	return Policy{MaxAttempts: 5, Base: time.Second, JitterPct: 0.25}
}

// Delay returns the backoff before attempt n+1 (attempt is 1-based).
// Delays are non-decreasing across attempts and never exceed
// Base × 2^(MaxAttempts-1) × (1+JitterPct).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.MaxAttempts {
		attempt = p.MaxAttempts
	}
	base := p.Base << uint(attempt-1)
	if p.JitterPct <= 0 {
		return base
	}
	spread := float64(base) * p.JitterPct
	jitter := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(base) + jitter)
}

// Do runs fn, retrying transient failures up to MaxAttempts. Permanent
// errors and cancellation stop immediately. A Retry-After carried by the
// error overrides the computed backoff when it is longer.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errs.KindOf(err) == errs.KindCanceled {
			return err
		}
		if !errs.IsTransient(err) || attempt >= p.MaxAttempts {
			return err
		}
		delay := p.Delay(attempt)
		if ra := errs.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("transient failure, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
