package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsume_Exhaustion(t *testing.T) {
	tr := New("fallback:beans.example", 3, Monthly)

	require.NoError(t, tr.Consume(1))
	require.NoError(t, tr.Consume(2))
	assert.Equal(t, int64(0), tr.Remaining())

	err := tr.Consume(1)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, int64(3), ex.Used)
	assert.Equal(t, int64(3), ex.Limit)
	assert.True(t, tr.Exhausted())
}

func TestConsume_NoPartialTake(t *testing.T) {
	tr := New("llm:daily", 5, Daily)
	require.NoError(t, tr.Consume(4))

	err := tr.Consume(2)
	require.Error(t, err, "over-limit consume must fail")
	assert.Equal(t, int64(1), tr.Remaining(), "failed consume must not take units")
}

func TestDailyReset(t *testing.T) {
	now := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	tr := New("llm:daily", 2, Daily)
	tr.SetClock(func() time.Time { return now })

	require.NoError(t, tr.Consume(2))
	assert.True(t, tr.Exhausted())

	now = now.Add(2 * time.Hour) // past midnight UTC
	assert.Equal(t, int64(2), tr.Remaining())
	require.NoError(t, tr.Consume(1))
}

func TestMonthlyReset(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	tr := New("fallback:beans.example", 10, Monthly)
	tr.SetClock(func() time.Time { return now })

	require.NoError(t, tr.Consume(10))
	assert.True(t, tr.Exhausted())

	now = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, int64(10), tr.Remaining())
}

func TestZeroLimitDisables(t *testing.T) {
	tr := New("fallback:off.example", 0, Monthly)
	assert.True(t, tr.Exhausted())
	require.Error(t, tr.Consume(1))
}
