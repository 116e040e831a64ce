package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/state"
)

func testState(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testRoaster(id int64) *model.Roaster {
	return &model.Roaster{
		ID:           id,
		Name:         "Test Beans",
		Hostname:     "beans.example",
		Platform:     model.PlatformShopify,
		PriceCadence: "0 * * * *", // hourly, keeps test windows small
		Active:       true,
	}
}

func TestTick_SeedsFirstFullRefresh(t *testing.T) {
	st := testState(t)
	q := NewQueue()
	s := New(q, st)
	r := testRoaster(1)
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	got := s.Tick(context.Background(), now, []*model.Roaster{r})

	assert.Equal(t, 1, got)
	job := q.PopReady(time.Now().UTC())
	require.NotNil(t, job)
	assert.Equal(t, model.JobFullRefresh, job.Type)

	// Seeding is one-shot; the next tick enqueues nothing new.
	assert.Zero(t, s.Tick(context.Background(), now, []*model.Roaster{r}))
}

func TestTick_NoSeedAfterFirstSuccess(t *testing.T) {
	st := testState(t)
	ctx := context.Background()
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobFullRefresh, time.Now().UTC()))

	s := New(NewQueue(), st)
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	assert.Zero(t, s.Tick(ctx, now, []*model.Roaster{testRoaster(1)}))
}

func TestTick_EnqueuesDueCadenceSlots(t *testing.T) {
	st := testState(t)
	ctx := context.Background()
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobFullRefresh, time.Now().UTC()))

	q := NewQueue()
	s := New(q, st)
	r := testRoaster(1)

	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	assert.Zero(t, s.Tick(ctx, start, []*model.Roaster{r}), "no slot due at the first tick")

	// Two hourly slots pass before the next tick.
	got := s.Tick(ctx, start.Add(2*time.Hour), []*model.Roaster{r})
	assert.Equal(t, 2, got)

	j1 := q.PopReady(time.Now().UTC())
	require.NotNil(t, j1)
	assert.Equal(t, model.JobPriceOnly, j1.Type)
	assert.Equal(t, time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC), j1.DueAt)
}

func TestTick_LastSuccessCoversSlot(t *testing.T) {
	st := testState(t)
	ctx := context.Background()
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobFullRefresh, time.Now().UTC()))
	// A price run already succeeded after both upcoming slots.
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobPriceOnly,
		time.Date(2026, 8, 24, 12, 15, 0, 0, time.UTC)))

	s := New(NewQueue(), st)
	r := testRoaster(1)

	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.Tick(ctx, start, []*model.Roaster{r})
	assert.Zero(t, s.Tick(ctx, start.Add(2*time.Hour), []*model.Roaster{r}),
		"slots already covered by a newer success are skipped")
}

func TestTick_GraceWindowDropsStaleSlots(t *testing.T) {
	st := testState(t)
	ctx := context.Background()
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobFullRefresh, time.Now().UTC()))

	q := NewQueue()
	s := New(q, st)
	s.SetGrace(45 * time.Minute)
	r := testRoaster(1)

	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	s.Tick(ctx, start, []*model.Roaster{r})

	// 11:00 is 90m stale at the next tick and gets dropped; 12:00 runs.
	got := s.Tick(ctx, start.Add(2*time.Hour), []*model.Roaster{r})
	assert.Equal(t, 1, got)
	job := q.PopReady(time.Now().UTC())
	require.NotNil(t, job)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), job.DueAt)
}

func TestTick_InactiveRoasterSkipped(t *testing.T) {
	s := New(NewQueue(), testState(t))
	r := testRoaster(1)
	r.Active = false

	got := s.Tick(context.Background(), time.Now().UTC(), []*model.Roaster{r})
	assert.Zero(t, got)
}

func TestTick_BadCadenceDoesNotPanic(t *testing.T) {
	st := testState(t)
	ctx := context.Background()
	require.NoError(t, st.RecordSuccess(ctx, 1, model.JobFullRefresh, time.Now().UTC()))

	s := New(NewQueue(), st)
	r := testRoaster(1)
	r.PriceCadence = "not a cron line"

	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	assert.Zero(t, s.Tick(ctx, start.Add(2*time.Hour), []*model.Roaster{r}))
}
