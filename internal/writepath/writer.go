package writepath

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
)

// variantCountReviewDelta flags products whose variant count jumped
// enough to suggest a scrape or mapping problem.
const variantCountReviewDelta = 3

// ImageProcessor is the image pipeline seam.
type ImageProcessor interface {
	ProcessProductImages(ctx context.Context, coffeeID int64, refs []model.ImageRef) ([]model.Image, error)
}

// SpikeFunc receives price-spike signals. The price is persisted
// either way; the signal is advisory.
type SpikeFunc func(r *model.Roaster, variantID int64, oldPrice, newPrice float64)

// Outcome summarizes one product's trip through the write path.
type Outcome struct {
	CoffeeID       int64
	Status         model.ProcessingStatus
	PricesInserted int
	ImagesUpserted int
	MetadataWrite  bool
}

// Writer applies change detection and drives the procedure client.
type Writer struct {
	procs   ProcClient
	images  ImageProcessor
	bp      *Backpressure
	onSpike SpikeFunc
}

// NewWriter wires the write path. images may be nil when the caller
// never takes the full path; onSpike may be nil.
func NewWriter(procs ProcClient, images ImageProcessor, bp *Backpressure, onSpike SpikeFunc) *Writer {
	return &Writer{procs: procs, images: images, bp: bp, onSpike: onSpike}
}

// Backpressure exposes the cooldown signal for the scheduler.
func (w *Writer) Backpressure() *Backpressure { return w.bp }

// WriteProduct persists one normalized product. Equal content hashes
// stay on the price path; anything else takes the full path. Persistent
// per-product failures quarantine the product and return a Review
// outcome instead of an error so the run continues.
func (w *Writer) WriteProduct(ctx context.Context, r *model.Roaster, np *model.NormalizedProduct, scrapedAt time.Time) (Outcome, error) {
	if !np.IsCoffee {
		return Outcome{Status: model.StatusOk}, nil
	}

	state, err := w.procs.GetCoffeeState(ctx, np.RoasterID, np.PlatformProductID)
	if err != nil {
		return Outcome{}, w.recordErr(err)
	}

	if state != nil && state.ContentHash == np.ContentHash {
		out, err := w.pricePath(ctx, r, state, np.Variants, np.SourceURL, scrapedAt)
		if err != nil {
			return out, err
		}
		w.bp.RecordSuccess()
		return out, nil
	}

	out, err := w.fullPath(ctx, r, state, np, scrapedAt)
	if err != nil {
		if errs.KindOf(err) == errs.KindWritePersistent {
			return w.quarantine(ctx, out.CoffeeID, np, err), nil
		}
		return out, w.recordErr(err)
	}
	w.bp.RecordSuccess()
	return out, nil
}

// WritePriceListing applies one price-only listing row. Products the
// store has never seen are skipped; price-only never creates.
func (w *Writer) WritePriceListing(ctx context.Context, r *model.Roaster, listing *model.PriceListing, scrapedAt time.Time) (Outcome, error) {
	state, err := w.procs.GetCoffeeState(ctx, r.ID, listing.PlatformProductID)
	if err != nil {
		return Outcome{}, w.recordErr(err)
	}
	if state == nil {
		log.Debug().Int64("roaster", r.ID).Str("product", listing.PlatformProductID).
			Msg("price-only: unknown product skipped")
		return Outcome{Status: model.StatusOk}, nil
	}

	variants := make([]model.NormalizedVariant, 0, len(listing.Variants))
	for _, v := range listing.Variants {
		variants = append(variants, model.NormalizedVariant{
			PlatformVariantID: v.PlatformVariantID,
			Price:             v.Price,
			Currency:          v.Currency,
			InStock:           v.InStock,
			IsSale:            v.CompareAtPrice > 0 && v.Price < v.CompareAtPrice,
		})
	}

	out, err := w.pricePath(ctx, r, state, variants, "", scrapedAt)
	if err != nil {
		return out, err
	}
	w.bp.RecordSuccess()
	return out, nil
}

// pricePath inserts prices for changed variants and touches the rest.
// It never writes metadata or images.
func (w *Writer) pricePath(ctx context.Context, r *model.Roaster, state *CoffeeState, variants []model.NormalizedVariant, sourceURL string, scrapedAt time.Time) (Outcome, error) {
	out := Outcome{CoffeeID: state.CoffeeID, Status: model.StatusOk}

	stored := map[string]VariantState{}
	for _, v := range state.Variants {
		stored[v.PlatformVariantID] = v
	}

	for i := range variants {
		nv := &variants[i]
		sv, ok := stored[nv.PlatformVariantID]
		if !ok {
			continue
		}
		if sv.PriceCurrent == nv.Price && sv.InStock == nv.InStock {
			continue
		}
		if err := w.insertPrice(ctx, r, sv.VariantID, sv.PriceCurrent, nv, sourceURL, scrapedAt); err != nil {
			return out, w.recordErr(err)
		}
		out.PricesInserted++
	}

	if err := w.procs.TouchVariants(ctx, state.CoffeeID, scrapedAt); err != nil {
		return out, w.recordErr(err)
	}
	return out, nil
}

// fullPath upserts coffee, variants, prices, and images.
func (w *Writer) fullPath(ctx context.Context, r *model.Roaster, state *CoffeeState, np *model.NormalizedProduct, scrapedAt time.Time) (Outcome, error) {
	out := Outcome{Status: np.Status, MetadataWrite: true}

	coffeeID, err := w.procs.UpsertCoffee(ctx, np)
	if err != nil {
		return out, err
	}
	out.CoffeeID = coffeeID

	stored := map[string]VariantState{}
	if state != nil {
		for _, v := range state.Variants {
			stored[v.PlatformVariantID] = v
		}
	}

	for i := range np.Variants {
		nv := &np.Variants[i]
		variantID, err := w.procs.UpsertVariant(ctx, coffeeID, nv)
		if err != nil {
			return out, err
		}
		sv, seen := stored[nv.PlatformVariantID]
		if seen && sv.PriceCurrent == nv.Price && sv.InStock == nv.InStock {
			continue
		}
		oldPrice := 0.0
		if seen {
			oldPrice = sv.PriceCurrent
		}
		if err := w.insertPrice(ctx, r, variantID, oldPrice, nv, np.SourceURL, scrapedAt); err != nil {
			return out, err
		}
		out.PricesInserted++
	}

	if w.images != nil && len(np.Images) > 0 && !model.IsPriceOnly(ctx) {
		imgs, err := w.images.ProcessProductImages(ctx, coffeeID, np.Images)
		if err != nil {
			return out, err
		}
		for i := range imgs {
			if err := w.procs.UpsertImage(ctx, &imgs[i]); err != nil {
				return out, err
			}
			out.ImagesUpserted++
		}
	}

	status := np.Status
	if state != nil && absInt(len(np.Variants)-len(state.Variants)) >= variantCountReviewDelta {
		status = model.StatusReview
		np.Warnings = append(np.Warnings, "variant count changed sharply")
	}
	if err := w.procs.SetProcessingStatus(ctx, coffeeID, status, np.Warnings); err != nil {
		return out, err
	}
	out.Status = status

	metrics.ProductsProcessed.WithLabelValues(string(status)).Inc()
	return out, nil
}

// insertPrice appends one price point and fires the spike signal when
// the move crosses the roaster's threshold.
func (w *Writer) insertPrice(ctx context.Context, r *model.Roaster, variantID int64, oldPrice float64, nv *model.NormalizedVariant, sourceURL string, scrapedAt time.Time) error {
	if err := w.procs.InsertPrice(ctx, &model.PricePoint{
		VariantID: variantID,
		Price:     nv.Price,
		Currency:  nv.Currency,
		IsSale:    nv.IsSale,
		ScrapedAt: scrapedAt,
		SourceURL: sourceURL,
	}); err != nil {
		return err
	}

	if oldPrice > 0 && math.Abs(nv.Price-oldPrice)/oldPrice >= r.EffectiveAlertDeltaPct() {
		metrics.PriceSpikes.Inc()
		log.Warn().Int64("variant", variantID).
			Float64("old", oldPrice).Float64("new", nv.Price).
			Msg("price spike")
		if w.onSpike != nil {
			w.onSpike(r, variantID, oldPrice, nv.Price)
		}
	}
	return nil
}

// quarantine marks the product for review after a persistent failure
// so the rest of the run keeps going.
func (w *Writer) quarantine(ctx context.Context, coffeeID int64, np *model.NormalizedProduct, cause error) Outcome {
	log.Error().Int64("roaster", np.RoasterID).Str("product", np.PlatformProductID).
		Err(cause).Msg("persistent write failure, quarantining product")
	if coffeeID > 0 {
		warnings := append(np.Warnings, "quarantined: "+cause.Error())
		if err := w.procs.SetProcessingStatus(ctx, coffeeID, model.StatusReview, warnings); err != nil {
			log.Warn().Err(err).Msg("quarantine status write failed")
		}
	}
	metrics.ProductsProcessed.WithLabelValues(string(model.StatusReview)).Inc()
	return Outcome{CoffeeID: coffeeID, Status: model.StatusReview}
}

// recordErr feeds rate-limit failures into the backpressure signal.
func (w *Writer) recordErr(err error) error {
	if errs.KindOf(err) == errs.KindWriteRateLimit {
		w.bp.RecordRateLimit()
	}
	return err
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
