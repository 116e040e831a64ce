package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/robots"
	"github.com/roastwatch/roastwatch/internal/state"
	"github.com/roastwatch/roastwatch/internal/writepath"
)

const (
	// DefaultWorkers is the global concurrency ceiling across roasters.
	DefaultWorkers = 16

	// maxJobAttempts bounds transient retries before a job is declared
	// permanently failed.
	maxJobAttempts = 5

	retryBase = time.Minute
	retryCap  = 30 * time.Minute

	// pollInterval paces the dequeue loop when nothing is ready.
	pollInterval = 500 * time.Millisecond
)

// Executor runs one job end to end. The pipeline runner satisfies it.
type Executor interface {
	RunFull(ctx context.Context, job *model.Job, r *model.Roaster) (model.JobOutcome, error)
	RunPriceOnly(ctx context.Context, job *model.Job, r *model.Roaster) (model.JobOutcome, error)
}

// Pool dequeues jobs onto a bounded set of workers. One job per roaster
// runs at a time; write-path backpressure throttles the dequeue loop.
type Pool struct {
	queue   *Queue
	exec    Executor
	robots  *robots.Gate
	state   *state.Store
	bp      *writepath.Backpressure
	workers int

	mu       sync.Mutex
	roasters map[int64]*model.Roaster
	inflight map[int64]bool
}

// NewPool wires a pool. robots may be nil to skip gating (tests);
// bp may be nil when no write path is attached.
func NewPool(queue *Queue, exec Executor, gate *robots.Gate, st *state.Store, bp *writepath.Backpressure, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		queue:    queue,
		exec:     exec,
		robots:   gate,
		state:    st,
		bp:       bp,
		workers:  workers,
		roasters: map[int64]*model.Roaster{},
		inflight: map[int64]bool{},
	}
}

// SetRoasters replaces the roster the pool resolves jobs against.
func (p *Pool) SetRoasters(rs []*model.Roaster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roasters = make(map[int64]*model.Roaster, len(rs))
	for _, r := range rs {
		p.roasters[r.ID] = r
	}
}

// Start runs the workers until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		job := p.nextJob(ctx)
		if job == nil {
			return
		}
		p.runJob(ctx, job)
	}
}

// nextJob blocks until a runnable job is available or ctx is done.
// Backpressure cooldowns and per-roaster serialization both defer
// dequeue rather than dropping work.
func (p *Pool) nextJob(ctx context.Context) *model.Job {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if p.bp != nil {
			if wait := p.bp.CooldownRemaining(); wait > 0 {
				log.Warn().Dur("cooldown", wait).Msg("write backpressure, pausing dequeue")
				if !sleepCtx(ctx, minDur(wait, 5*time.Second)) {
					return nil
				}
				continue
			}
		}

		job := p.queue.PopReady(time.Now().UTC())
		if job == nil {
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if !p.claim(job.RoasterID) {
			// Another job for this roaster is running; try again shortly.
			job.ReadyAt = time.Now().UTC().Add(pollInterval)
			p.queue.Requeue(job)
			continue
		}
		return job
	}
}

func (p *Pool) claim(roasterID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[roasterID] {
		return false
	}
	p.inflight[roasterID] = true
	return true
}

func (p *Pool) release(roasterID int64) {
	p.mu.Lock()
	delete(p.inflight, roasterID)
	p.mu.Unlock()
}

func (p *Pool) roaster(id int64) *model.Roaster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roasters[id]
}

// runJob executes one claimed job and settles its terminal or retry
// state.
func (p *Pool) runJob(ctx context.Context, job *model.Job) {
	defer p.release(job.RoasterID)

	r := p.roaster(job.RoasterID)
	if r == nil || !r.Active {
		log.Warn().Int64("roaster", job.RoasterID).Str("job", job.ID).
			Msg("job for unknown or inactive roaster dropped")
		p.queue.Forget(job)
		return
	}

	if !p.robotsAllowed(ctx, r) {
		log.Error().Int64("roaster", r.ID).Str("roaster_name", r.Name).
			Msg("robots.txt disallows scraping, job skipped")
		job.State = model.JobPermanentlyFailed
		metrics.JobsProcessed.WithLabelValues(string(job.Type), string(job.State)).Inc()
		p.queue.Forget(job)
		return
	}

	job.State = model.JobRunning
	job.Attempt++
	started := time.Now()

	var outcome model.JobOutcome
	var err error
	switch job.Type {
	case model.JobPriceOnly:
		outcome, err = p.exec.RunPriceOnly(ctx, job, r)
	default:
		outcome, err = p.exec.RunFull(ctx, job, r)
	}

	if err == nil {
		job.State = model.JobSucceeded
		metrics.JobsProcessed.WithLabelValues(string(job.Type), string(job.State)).Inc()
		if p.state != nil {
			if serr := p.state.RecordSuccess(ctx, r.ID, job.Type, time.Now().UTC()); serr != nil {
				log.Warn().Int64("roaster", r.ID).Err(serr).Msg("success stamp failed")
			}
		}
		log.Info().Int64("roaster", r.ID).Str("job", job.ID).Str("type", string(job.Type)).
			Int("processed", outcome.Processed).Int("succeeded", outcome.Succeeded).
			Int("reviewed", outcome.Reviewed).Int("failed", outcome.Failed).
			Dur("took", time.Since(started)).Msg("job succeeded")
		p.queue.Forget(job)
		return
	}

	if ctx.Err() != nil {
		// Shutdown, not failure: put the job back untouched.
		job.State = model.JobQueued
		job.Attempt--
		p.queue.Requeue(job)
		return
	}

	if errs.IsPermanent(err) || job.Attempt >= maxJobAttempts {
		p.settlePermanent(ctx, job, r, err)
		return
	}

	backoff := retryBackoff(job.Attempt)
	if ra := errs.RetryAfterOf(err); ra > backoff {
		backoff = ra
	}
	job.State = model.JobRetrying
	job.ReadyAt = time.Now().UTC().Add(backoff)
	log.Warn().Int64("roaster", r.ID).Str("job", job.ID).Int("attempt", job.Attempt).
		Dur("backoff", backoff).Err(err).Msg("job failed, retrying")
	p.queue.Requeue(job)
}

func (p *Pool) settlePermanent(ctx context.Context, job *model.Job, r *model.Roaster, err error) {
	job.State = model.JobPermanentlyFailed
	metrics.JobsProcessed.WithLabelValues(string(job.Type), string(job.State)).Inc()
	log.Error().Int64("roaster", r.ID).Str("job", job.ID).Int("attempt", job.Attempt).
		Err(err).Msg("job permanently failed")

	if p.state != nil {
		active, serr := p.state.RecordPermanentFailure(ctx, r.ID)
		if serr != nil {
			log.Warn().Int64("roaster", r.ID).Err(serr).Msg("failure streak update failed")
		} else if !active {
			r.Active = false
		}
	}
	p.queue.Forget(job)
}

// robotsAllowed refreshes and persists the robots verdict. A nil gate
// allows everything.
func (p *Pool) robotsAllowed(ctx context.Context, r *model.Roaster) bool {
	if p.robots == nil {
		return true
	}
	allowed, err := p.robots.Check(ctx, r)
	if err != nil {
		log.Warn().Int64("roaster", r.ID).Err(err).Msg("robots check failed")
		return false
	}
	if p.state != nil {
		if serr := p.state.SetRobots(ctx, r.ID, r.RobotsAllowed, r.RobotsCheckedAt, r.CrawlDelay); serr != nil {
			log.Warn().Int64("roaster", r.ID).Err(serr).Msg("robots verdict persistence failed")
		}
	}
	return allowed
}

// retryBackoff doubles per attempt up to the cap, plus up to 25% jitter
// so retries for a fleet of roasters failing together spread back out.
func retryBackoff(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap || d <= 0 {
		d = retryCap
	}
	return d + time.Duration(rand.Int63n(int64(d/4)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
