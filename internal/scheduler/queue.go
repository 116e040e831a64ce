// Package scheduler turns roaster cadences into jobs and runs them on
// a bounded worker pool with per-roaster serialization, retry backoff,
// robots gating and write-path backpressure.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
)

// Queue is a ready-time ordered job queue with cadence-bucket dedupe.
// Enqueueing the same (roaster, type, dueAt) twice is a no-op until the
// first job is forgotten.
type Queue struct {
	mu    sync.Mutex
	items jobHeap
	keys  map[string]struct{}
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{keys: map[string]struct{}{}}
}

// Enqueue adds a new job. Returns false when the cadence bucket already
// holds a live job.
func (q *Queue) Enqueue(j *model.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := j.DedupeKey()
	if _, dup := q.keys[key]; dup {
		return false
	}
	q.keys[key] = struct{}{}
	heap.Push(&q.items, j)
	metrics.QueueDepth.Set(float64(q.items.Len()))
	return true
}

// Requeue puts a popped job back, typically with a future ReadyAt after
// a transient failure. The dedupe key is still held, so this never
// collides with Enqueue.
func (q *Queue) Requeue(j *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, j)
	metrics.QueueDepth.Set(float64(q.items.Len()))
}

// PopReady removes and returns the earliest job whose ReadyAt is due,
// or nil when nothing is ready. The dedupe key stays held until Forget.
func (q *Queue) PopReady(now time.Time) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 || q.items[0].ReadyAt.After(now) {
		return nil
	}
	j := heap.Pop(&q.items).(*model.Job)
	metrics.QueueDepth.Set(float64(q.items.Len()))
	return j
}

// NextReadyAt returns the head job's ready time, zero when empty.
func (q *Queue) NextReadyAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Time{}
	}
	return q.items[0].ReadyAt
}

// Forget releases the job's dedupe key once it reaches a terminal
// state, letting the next cadence slot enqueue.
func (q *Queue) Forget(j *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, j.DedupeKey())
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// jobHeap orders by ReadyAt, then enqueue time, then ID for stability.
type jobHeap []*model.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt)
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].ID < h[j].ID
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*model.Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
