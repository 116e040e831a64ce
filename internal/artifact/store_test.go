package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawFixture(payload string) *model.RawArtifact {
	return &model.RawArtifact{
		RoasterID:  1,
		RunID:      "run-1",
		Source:     model.SourceShopify,
		Payload:    []byte(payload),
		HTTPStatus: 200,
		DownloadMs: 12,
		SizeBytes:  int64(len(payload)),
	}
}

func TestPersistRaw_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PersistRaw(ctx, rawFixture(`{"id":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationValid, got.ValidationStatus)
	assert.Equal(t, HashPayload([]byte(`{"id":1}`)), got.PayloadHash)

	payload, err := s.Payload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(payload))
}

func TestPersistRaw_NeedsReviewRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := rawFixture(`{"products":[{"id":1,"ti`)
	raw.NeedsReview = true
	id, err := s.PersistRaw(ctx, raw)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.NeedsReview, "review flag survives the round trip")
}

func TestPersistRaw_ByteEqualPayloadsShareHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.PersistRaw(ctx, rawFixture(`{"id":1}`))
	require.NoError(t, err)
	id2, err := s.PersistRaw(ctx, rawFixture(`{"id":1}`))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2, "every fetch appends its own row")

	a1, _ := s.Get(ctx, id1)
	a2, _ := s.Get(ctx, id2)
	assert.Equal(t, a1.PayloadHash, a2.PayloadHash)

	seen, err := s.SeenHash(ctx, 1, a1.PayloadHash)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMarkValidation_Invalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PersistRaw(ctx, rawFixture(`{"broken":`))
	require.NoError(t, err)

	require.NoError(t, s.MarkValidation(ctx, id, model.ValidationInvalid, []string{"missing title"}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationInvalid, got.ValidationStatus)
	assert.Equal(t, []string{"missing title"}, got.ValidationErrors)
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := rawFixture(`{"old":true}`)
	old.ScrapedAt = time.Now().UTC().Add(-100 * 24 * time.Hour)
	oldID, err := s.PersistRaw(ctx, old)
	require.NoError(t, err)

	freshID, err := s.PersistRaw(ctx, rawFixture(`{"fresh":true}`))
	require.NoError(t, err)

	n, err := s.PruneBefore(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, oldID)
	require.Error(t, err, "pruned artifact must be gone")

	_, err = s.Payload(ctx, freshID)
	require.NoError(t, err, "fresh artifact survives pruning")
}
