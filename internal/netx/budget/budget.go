// Package budget tracks consumable request budgets with periodic UTC
// resets: a monthly tracker for fallback-extract units and a daily
// tracker for LLM spend.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Period selects the reset cadence of a tracker.
type Period int

const (
	Daily Period = iota
	Monthly
)

// ExhaustedError reports that a budget is fully consumed.
type ExhaustedError struct {
	Scope  string
	Used   int64
	Limit  int64
	Resets time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d used, resets %s",
		e.Scope, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}

// Tracker tracks consumption against a limit within the current period.
type Tracker struct {
	mu        sync.Mutex
	scope     string
	limit     int64
	used      int64
	period    Period
	periodAt  time.Time // start of the current period
	now       func() time.Time
}

// New creates a tracker. A limit of zero or below means exhausted from
// the start, which is how an operator disables a budgeted feature.
func New(scope string, limit int64, period Period) *Tracker {
	t := &Tracker{
		scope:  scope,
		limit:  limit,
		period: period,
		now:    func() time.Time { return time.Now().UTC() },
	}
	t.periodAt = periodStart(t.now(), period)
	return t
}

func periodStart(now time.Time, p Period) time.Time {
	if p == Monthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func nextReset(start time.Time, p Period) time.Time {
	if p == Monthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

func (t *Tracker) rollIfNeeded(now time.Time) {
	if !now.Before(nextReset(t.periodAt, t.period)) {
		t.periodAt = periodStart(now, t.period)
		t.used = 0
	}
}

// Consume takes n units from the budget, or returns ExhaustedError
// without consuming when fewer than n remain.
func (t *Tracker) Consume(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.rollIfNeeded(now)
	if t.used+n > t.limit {
		return &ExhaustedError{
			Scope:  t.scope,
			Used:   t.used,
			Limit:  t.limit,
			Resets: nextReset(t.periodAt, t.period),
		}
	}
	t.used += n
	return nil
}

// Used returns the current period's start and the units consumed in it.
func (t *Tracker) Used() (time.Time, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded(t.now())
	return t.periodAt, t.used
}

// Restore seeds consumption saved by an earlier process. Usage stamped
// with a different period start is stale and ignored.
func (t *Tracker) Restore(start time.Time, used int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded(t.now())
	if start.Equal(t.periodAt) && used > t.used {
		t.used = used
	}
}

// Remaining returns the units left in the current period.
func (t *Tracker) Remaining() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded(t.now())
	if rem := t.limit - t.used; rem > 0 {
		return rem
	}
	return 0
}

// Exhausted reports whether the budget has no units left.
func (t *Tracker) Exhausted() bool { return t.Remaining() == 0 }

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.periodAt = periodStart(now(), t.period)
	t.used = 0
}
