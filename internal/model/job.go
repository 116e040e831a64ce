package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled unit of work for a roaster.
type Job struct {
	ID         string    `json:"id"`
	RoasterID  int64     `json:"roaster_id"`
	Type       JobType   `json:"type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DueAt      time.Time `json:"due_at"`
	ReadyAt    time.Time `json:"ready_at"`
	Attempt    int       `json:"attempt"`
	State      JobState  `json:"state"`
}

// NewJob creates a queued job for the given roaster and cadence slot.
func NewJob(roasterID int64, t JobType, dueAt time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		RoasterID:  roasterID,
		Type:       t,
		EnqueuedAt: now,
		DueAt:      dueAt,
		ReadyAt:    now,
		State:      JobQueued,
	}
}

// DedupeKey collapses duplicate enqueues within one cadence bucket.
func (j *Job) DedupeKey() string {
	return j.DedupeKeyAt(j.DueAt)
}

// DedupeKeyAt builds the dedupe key for an arbitrary due time.
func (j *Job) DedupeKeyAt(dueAt time.Time) string {
	return DedupeKey(j.RoasterID, j.Type, dueAt)
}

// DedupeKey is the idempotency key for (roaster, jobType, dueAt).
func DedupeKey(roasterID int64, t JobType, dueAt time.Time) string {
	return strconv.FormatInt(roasterID, 10) + "/" + string(t) + "/" + dueAt.UTC().Format(time.RFC3339)
}

// JobOutcome is the aggregated user-visible result of one job run.
type JobOutcome struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Reviewed  int `json:"reviewed"`
	Failed    int `json:"failed"`
}

// Add folds a per-product processing status into the outcome.
func (o *JobOutcome) Add(status ProcessingStatus) {
	o.Processed++
	switch status {
	case StatusOk:
		o.Succeeded++
	case StatusReview:
		o.Reviewed++
	default:
		o.Failed++
	}
}
