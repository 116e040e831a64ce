package writepath

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
)

func newMockClient(t *testing.T) (*PGClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGClient(sqlx.NewDb(db, "sqlmock")), mock
}

func TestGetCoffeeState_DecodesProcedureJSON(t *testing.T) {
	c, mock := newMockClient(t)

	payload := `{"coffee_id":42,"content_hash":"abc","raw_payload_hash":"raw",
		"variants":[{"variant_id":7,"platform_variant_id":"110","price_current":499,"currency":"INR","in_stock":true}]}`
	mock.ExpectQuery("SELECT get_coffee_state").
		WithArgs(int64(1), "11").
		WillReturnRows(sqlmock.NewRows([]string{"get_coffee_state"}).AddRow([]byte(payload)))

	state, err := c.GetCoffeeState(context.Background(), 1, "11")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(42), state.CoffeeID)
	assert.Equal(t, "abc", state.ContentHash)
	require.Len(t, state.Variants, 1)
	assert.Equal(t, "110", state.Variants[0].PlatformVariantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCoffeeState_FirstSightIsNil(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("SELECT get_coffee_state").
		WillReturnRows(sqlmock.NewRows([]string{"get_coffee_state"}).AddRow([]byte("null")))
	state, err := c.GetCoffeeState(context.Background(), 1, "11")
	require.NoError(t, err)
	assert.Nil(t, state)

	mock.ExpectQuery("SELECT get_coffee_state").WillReturnError(sql.ErrNoRows)
	state, err = c.GetCoffeeState(context.Background(), 1, "12")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCoffee_ReturnsProcedureID(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("SELECT upsert_coffee").
		WillReturnRows(sqlmock.NewRows([]string{"upsert_coffee"}).AddRow(int64(901)))

	id, err := c.UpsertCoffee(context.Background(), &model.NormalizedProduct{
		RoasterID:         1,
		PlatformProductID: "11",
		NameClean:         "Ethiopia Yirgacheffe",
		ContentHash:       "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(901), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPrice_ResourceErrorFeedsBackpressure(t *testing.T) {
	c, mock := newMockClient(t)

	for _, code := range []pq.ErrorCode{"53300", "57014"} {
		mock.ExpectExec("SELECT insert_price").
			WillReturnError(&pq.Error{Code: code})
		err := c.InsertPrice(context.Background(), &model.PricePoint{
			VariantID: 7, Price: 499, Currency: "INR", ScrapedAt: time.Now().UTC(),
		})
		assert.Equal(t, errs.KindWriteRateLimit, errs.KindOf(err), "code %s", code)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCoffee_DuplicateKeyRaceIsRetryable(t *testing.T) {
	c, mock := newMockClient(t)

	// Two workers racing the same first-sight coffee: the loser must get
	// an error it can retry, never a zero id with a nil error.
	mock.ExpectQuery("SELECT upsert_coffee").
		WillReturnError(&pq.Error{Code: "23505"})
	id, err := c.UpsertCoffee(context.Background(), &model.NormalizedProduct{
		RoasterID:         1,
		PlatformProductID: "11",
		NameClean:         "Ethiopia Yirgacheffe",
		ContentHash:       "abc",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.Zero(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertImage_DuplicateKeyIsRetryable(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("SELECT upsert_image").
		WillReturnError(&pq.Error{Code: "23505"})
	err := c.UpsertImage(context.Background(), &model.Image{CoffeeID: 42, ContentHash: "abc"})
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVariant_DataErrorIsPersistent(t *testing.T) {
	c, mock := newMockClient(t)

	for _, code := range []pq.ErrorCode{"22P02", "23502", "42883"} {
		mock.ExpectQuery("SELECT upsert_variant").
			WillReturnError(&pq.Error{Code: code})
		_, err := c.UpsertVariant(context.Background(), 42, &model.NormalizedVariant{
			PlatformVariantID: "110",
		})
		assert.Equal(t, errs.KindWritePersistent, errs.KindOf(err), "code %s", code)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchVariants_UnknownErrorIsTransient(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("SELECT touch_variants").
		WillReturnError(errors.New("connection reset by peer"))
	err := c.TouchVariants(context.Background(), 42, time.Now().UTC())
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetProcessingStatus_CancelIsNotRetried(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("SELECT set_processing_status").
		WillReturnError(context.DeadlineExceeded)
	err := c.SetProcessingStatus(context.Background(), 42, model.StatusReview, []string{"stale"})
	assert.Equal(t, errs.KindCanceled, errs.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupImageHash_MissAndHit(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery("SELECT lookup_image_hash").WillReturnError(sql.ErrNoRows)
	url, ok, err := c.LookupImageHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, url)

	mock.ExpectQuery("SELECT lookup_image_hash").
		WillReturnRows(sqlmock.NewRows([]string{"lookup_image_hash"}).AddRow("https://cdn.example.com/abc.jpg"))
	url, ok, err = c.LookupImageHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/abc.jpg", url)
	assert.NoError(t, mock.ExpectationsWereMet())
}
