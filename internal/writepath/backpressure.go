package writepath

import (
	"sync"
	"time"

	"github.com/roastwatch/roastwatch/internal/metrics"
)

// Backpressure defaults.
const (
	windowSize      = 50
	errorRateTrip   = 0.5
	baseCooldown    = 5 * time.Second
	maxCooldown     = 5 * time.Minute
)

// Backpressure turns write-path rate-limit errors into a dequeue
// throttle. A sliding window over recent writes trips a cooldown that
// doubles while the errors keep coming and resets on the first clean
// write.
type Backpressure struct {
	mu       sync.Mutex
	window   []bool // true = rate-limited
	cooldown time.Duration
	until    time.Time
	now      func() time.Time
}

// NewBackpressure builds an idle signal.
func NewBackpressure() *Backpressure {
	return &Backpressure{now: time.Now}
}

// RecordSuccess registers one clean write and releases any cooldown.
func (b *Backpressure) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(false)
	b.cooldown = 0
	b.until = time.Time{}
}

// RecordRateLimit registers one rate-limited write and extends the
// cooldown when the window's error rate is over the trip threshold.
func (b *Backpressure) RecordRateLimit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(true)
	if b.errorRate() < errorRateTrip {
		return
	}
	if b.cooldown == 0 {
		b.cooldown = baseCooldown
	} else if b.cooldown < maxCooldown {
		b.cooldown *= 2
		if b.cooldown > maxCooldown {
			b.cooldown = maxCooldown
		}
	}
	b.until = b.now().Add(b.cooldown)
	metrics.BackpressureCooldowns.Inc()
}

// CooldownRemaining reports how long dequeue should pause. Zero means
// no pressure.
func (b *Backpressure) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := b.until.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

func (b *Backpressure) push(failed bool) {
	b.window = append(b.window, failed)
	if len(b.window) > windowSize {
		b.window = b.window[1:]
	}
}

func (b *Backpressure) errorRate() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failed := 0
	for _, f := range b.window {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(b.window))
}

// SetClock overrides the time source. Tests only.
func (b *Backpressure) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
