// Package writepath persists normalized products through idempotent
// server-side procedures and decides, by content hash, how much of the
// write surface a product touches.
package writepath

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
)

// VariantState is a stored variant's price-relevant state.
type VariantState struct {
	VariantID         int64   `db:"variant_id" json:"variant_id"`
	PlatformVariantID string  `db:"platform_variant_id" json:"platform_variant_id"`
	PriceCurrent      float64 `db:"price_current" json:"price_current"`
	Currency          string  `db:"currency" json:"currency"`
	InStock           bool    `db:"in_stock" json:"in_stock"`
}

// CoffeeState is what change detection needs about a stored coffee.
type CoffeeState struct {
	CoffeeID       int64          `json:"coffee_id"`
	ContentHash    string         `json:"content_hash"`
	RawPayloadHash string         `json:"raw_payload_hash"`
	Variants       []VariantState `json:"variants"`
}

// ProcClient is the procedure surface. Production talks to postgres;
// tests record calls.
type ProcClient interface {
	GetCoffeeState(ctx context.Context, roasterID int64, platformProductID string) (*CoffeeState, error)
	UpsertCoffee(ctx context.Context, np *model.NormalizedProduct) (int64, error)
	UpsertVariant(ctx context.Context, coffeeID int64, v *model.NormalizedVariant) (int64, error)
	InsertPrice(ctx context.Context, p *model.PricePoint) error
	UpsertImage(ctx context.Context, img *model.Image) error
	SetProcessingStatus(ctx context.Context, coffeeID int64, status model.ProcessingStatus, warnings []string) error
	TouchVariants(ctx context.Context, coffeeID int64, checkedAt time.Time) error
	LookupImageHash(ctx context.Context, hash string) (string, bool, error)
}

// PGClient implements ProcClient over sqlx and lib/pq.
type PGClient struct {
	db *sqlx.DB
}

// NewPGClient wraps an open database handle.
func NewPGClient(db *sqlx.DB) *PGClient {
	return &PGClient{db: db}
}

// GetCoffeeState returns nil when the coffee has never been stored.
func (c *PGClient) GetCoffeeState(ctx context.Context, roasterID int64, platformProductID string) (*CoffeeState, error) {
	const op = "writepath.get_coffee_state"

	var raw []byte
	err := c.db.GetContext(ctx, &raw,
		`SELECT get_coffee_state($1, $2)`, roasterID, platformProductID)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	if err := call(op, err); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var state CoffeeState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errs.E(errs.KindWritePersistent, op, fmt.Errorf("decode state: %w", err))
	}
	return &state, nil
}

// UpsertCoffee writes the coffee row keyed on (roasterId,
// platformProductId) and returns its id.
func (c *PGClient) UpsertCoffee(ctx context.Context, np *model.NormalizedProduct) (int64, error) {
	const op = "writepath.upsert_coffee"

	rawMeta, err := json.Marshal(np.RawMeta)
	if err != nil {
		return 0, err
	}

	var id int64
	err = c.db.GetContext(ctx, &id, `
		SELECT upsert_coffee($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		np.RoasterID, np.PlatformProductID, np.SourceURL, np.NameClean,
		np.DescriptionMD, pq.Array(np.TagsNormalized),
		string(np.RoastLevel), string(np.Process), string(np.Species),
		np.Region, np.Country, np.AltitudeM, np.DefaultPackWeightG,
		np.ContentHash, np.RawPayloadHash, string(rawMeta))
	if err := call(op, err); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertVariant writes one variant keyed on (coffeeId,
// platformVariantId) and returns its id.
func (c *PGClient) UpsertVariant(ctx context.Context, coffeeID int64, v *model.NormalizedVariant) (int64, error) {
	const op = "writepath.upsert_variant"

	var id int64
	err := c.db.GetContext(ctx, &id, `
		SELECT upsert_variant($1, $2, $3, $4, $5, $6, $7)`,
		coffeeID, v.PlatformVariantID, v.SKU, v.WeightG, string(v.Grind),
		v.Currency, v.InStock)
	if err := call(op, err); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertPrice appends one price point; the procedure also refreshes the
// variant's priceCurrent and stamps.
func (c *PGClient) InsertPrice(ctx context.Context, p *model.PricePoint) error {
	const op = "writepath.insert_price"

	_, err := c.db.ExecContext(ctx, `
		SELECT insert_price($1, $2, $3, $4, $5, $6)`,
		p.VariantID, p.Price, p.Currency, p.IsSale, p.ScrapedAt, p.SourceURL)
	return call(op, err)
}

// UpsertImage writes one image row keyed on (coffeeId, contentHash).
func (c *PGClient) UpsertImage(ctx context.Context, img *model.Image) error {
	const op = "writepath.upsert_image"

	_, err := c.db.ExecContext(ctx, `
		SELECT upsert_image($1, $2, $3, $4, $5, $6, $7, $8)`,
		img.CoffeeID, img.SourceURL, img.CDNURL, img.ContentHash,
		img.Width, img.Height, img.Alt, img.SortOrder)
	return call(op, err)
}

// SetProcessingStatus records the review/ok/error verdict plus any
// warnings on the coffee row.
func (c *PGClient) SetProcessingStatus(ctx context.Context, coffeeID int64, status model.ProcessingStatus, warnings []string) error {
	const op = "writepath.set_processing_status"

	raw, err := json.Marshal(warnings)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		SELECT set_processing_status($1, $2, $3)`, coffeeID, string(status), string(raw))
	return call(op, err)
}

// TouchVariants refreshes priceLastCheckedAt/lastSeenAt for every
// variant of a coffee without writing prices.
func (c *PGClient) TouchVariants(ctx context.Context, coffeeID int64, checkedAt time.Time) error {
	const op = "writepath.touch_variants"

	_, err := c.db.ExecContext(ctx, `
		SELECT touch_variants($1, $2)`, coffeeID, checkedAt)
	return call(op, err)
}

// LookupImageHash asks whether any stored image already carries the
// content hash, regardless of coffee.
func (c *PGClient) LookupImageHash(ctx context.Context, hash string) (string, bool, error) {
	const op = "writepath.lookup_image_hash"

	var url string
	err := c.db.GetContext(ctx, &url, `SELECT lookup_image_hash($1)`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	if err := call(op, err); err != nil {
		return "", false, err
	}
	return url, url != "", nil
}

// call classifies a procedure result and counts it.
func call(op string, err error) error {
	if err != nil {
		err = classify(op, err)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.WriteCalls.WithLabelValues(strings.TrimPrefix(op, "writepath."), outcome).Inc()
	return err
}

// classify maps database failures onto the pipeline taxonomy. Class 53
// (insufficient resources) and 57014 (statement cancel) feed the
// backpressure signal; integrity and data errors are persistent;
// everything else is worth a retry.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "53") || code == "57014":
			return errs.E(errs.KindWriteRateLimit, op, err)
		case code == "23505":
			// Duplicate key means another worker won an upsert race. The
			// procedures are idempotent and return the existing id on
			// re-call, so retry instead of surfacing a zero id.
			return errs.E(errs.KindTransient, op, err)
		case strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23") ||
			strings.HasPrefix(code, "42"):
			return errs.E(errs.KindWritePersistent, op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.KindCanceled, op, err)
	}
	return errs.E(errs.KindTransient, op, err)
}
