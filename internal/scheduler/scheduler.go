package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/state"
)

// DefaultGrace bounds how far past its due time a cadence slot may
// still be enqueued. Older slots are considered missed.
const DefaultGrace = 6 * time.Hour

// Scheduler walks roaster cadences and enqueues due jobs. It keeps a
// per-(roaster, type) cursor so each cron slot fires at most once.
type Scheduler struct {
	queue *Queue
	state *state.Store
	grace time.Duration

	mu      sync.Mutex
	cursors map[string]time.Time
	seeded  map[int64]bool
}

// New builds a scheduler over the queue and state store.
func New(queue *Queue, st *state.Store) *Scheduler {
	return &Scheduler{
		queue:   queue,
		state:   st,
		grace:   DefaultGrace,
		cursors: map[string]time.Time{},
		seeded:  map[int64]bool{},
	}
}

// SetGrace overrides the missed-slot window.
func (s *Scheduler) SetGrace(d time.Duration) { s.grace = d }

// Tick scans the roasters and enqueues every job due at now. Returns
// how many jobs were enqueued. Callers drive it from a timer loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time, roasters []*model.Roaster) int {
	enqueued := 0
	for _, r := range roasters {
		if !r.Active {
			continue
		}
		if s.seedFullRefresh(ctx, now, r) {
			enqueued++
		}
		for _, t := range []model.JobType{model.JobFullRefresh, model.JobPriceOnly} {
			enqueued += s.tickCadence(ctx, now, r, t)
		}
	}
	return enqueued
}

// seedFullRefresh enqueues the one-shot first full refresh for roasters
// that have never completed one, without waiting for the monthly slot.
func (s *Scheduler) seedFullRefresh(ctx context.Context, now time.Time, r *model.Roaster) bool {
	s.mu.Lock()
	done := s.seeded[r.ID]
	s.mu.Unlock()
	if done {
		return false
	}

	last, err := s.state.LastSuccess(ctx, r.ID, model.JobFullRefresh)
	if err != nil {
		log.Warn().Int64("roaster", r.ID).Err(err).Msg("last-success lookup failed")
		return false
	}

	s.mu.Lock()
	s.seeded[r.ID] = true
	s.mu.Unlock()

	if !last.IsZero() {
		return false
	}
	if !s.queue.Enqueue(model.NewJob(r.ID, model.JobFullRefresh, now)) {
		return false
	}
	log.Info().Int64("roaster", r.ID).Str("roaster_name", r.Name).
		Msg("first sight, seeding full refresh")
	return true
}

func (s *Scheduler) tickCadence(ctx context.Context, now time.Time, r *model.Roaster, t model.JobType) int {
	expr := r.CadenceFor(t)
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		log.Error().Int64("roaster", r.ID).Str("cadence", expr).Err(err).
			Msg("unparseable cadence, slot skipped")
		return 0
	}

	key := model.DedupeKey(r.ID, t, time.Time{})
	s.mu.Lock()
	cursor, ok := s.cursors[key]
	if !ok {
		cursor = now
		s.cursors[key] = cursor
	}
	s.mu.Unlock()

	enqueued := 0
	for {
		due := sched.Next(cursor)
		if due.After(now) {
			break
		}
		cursor = due
		if s.slotDue(ctx, now, r, t, due) {
			enqueued++
		}
	}

	s.mu.Lock()
	s.cursors[key] = cursor
	s.mu.Unlock()
	return enqueued
}

// slotDue applies the grace window and the last-success check before
// enqueueing one cadence slot.
func (s *Scheduler) slotDue(ctx context.Context, now time.Time, r *model.Roaster, t model.JobType, dueAt time.Time) bool {
	if now.Sub(dueAt) > s.grace {
		log.Warn().Int64("roaster", r.ID).Str("type", string(t)).
			Time("due_at", dueAt).Msg("cadence slot missed its grace window")
		return false
	}

	last, err := s.state.LastSuccess(ctx, r.ID, t)
	if err != nil {
		log.Warn().Int64("roaster", r.ID).Err(err).Msg("last-success lookup failed")
		return false
	}
	if !last.Before(dueAt) {
		return false
	}

	return s.queue.Enqueue(model.NewJob(r.ID, t, dueAt))
}

// Run drives Tick from a timer until ctx is done. interval is how often
// cadences are re-evaluated; roasters is called each tick so config
// reloads take effect.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, roasters func() []*model.Roaster) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now().UTC(), roasters())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC(), roasters())
		}
	}
}
