// Package pipeline composes fetch, validation, raw persistence,
// normalization, images, and the write path into the two job runners.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/roastwatch/roastwatch/internal/artifact"
	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/fetch"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/normalize"
	"github.com/roastwatch/roastwatch/internal/retry"
	"github.com/roastwatch/roastwatch/internal/state"
	"github.com/roastwatch/roastwatch/internal/writepath"
)

// Per-job hard deadlines.
const (
	FullRefreshDeadline = 2 * time.Hour
	PriceOnlyDeadline   = 30 * time.Minute
)

// Runner executes one job end to end.
type Runner struct {
	fetchers map[model.Platform]fetch.Fetcher
	fallback fetch.Fetcher
	store    *artifact.Store
	norm     *normalize.Normalizer
	writer   *writepath.Writer
	state    *state.Store
	policy   retry.Policy

	fullDeadline  time.Duration
	priceDeadline time.Duration
}

// NewRunner wires a runner. fallback may be nil when no extract
// provider is configured.
func NewRunner(fetchers map[model.Platform]fetch.Fetcher, fallback fetch.Fetcher,
	store *artifact.Store, norm *normalize.Normalizer, writer *writepath.Writer,
	st *state.Store) *Runner {
	return &Runner{
		fetchers:      fetchers,
		fallback:      fallback,
		store:         store,
		norm:          norm,
		writer:        writer,
		state:         st,
		policy:        retry.Default(),
		fullDeadline:  FullRefreshDeadline,
		priceDeadline: PriceOnlyDeadline,
	}
}

// SetDeadlines overrides the per-job hard deadlines.
func (r *Runner) SetDeadlines(full, priceOnly time.Duration) {
	if full > 0 {
		r.fullDeadline = full
	}
	if priceOnly > 0 {
		r.priceDeadline = priceOnly
	}
}

// SetRetryPolicy overrides the per-product write retry policy.
func (r *Runner) SetRetryPolicy(p retry.Policy) { r.policy = p }

// RunFull executes a full-refresh job: discover every product, then
// validate, persist raw, normalize, process images, and write.
func (r *Runner) RunFull(ctx context.Context, job *model.Job, roaster *model.Roaster) (model.JobOutcome, error) {
	ctx = model.WithJobType(ctx, model.JobFullRefresh)
	ctx, cancel := context.WithTimeout(ctx, r.fullDeadline)
	defer cancel()

	var outcome model.JobOutcome
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(roaster.EffectiveConcurrency())

	emit := func(item fetch.ProductItem) error {
		g.Go(func() error {
			status := r.processProduct(gctx, job, roaster, item)
			mu.Lock()
			outcome.Add(status)
			mu.Unlock()
			return nil
		})
		return gctx.Err()
	}

	stamp, ferr := r.discover(ctx, roaster, emit)
	if werr := g.Wait(); werr != nil && ferr == nil {
		ferr = werr
	}

	if errors.Is(ferr, fetch.ErrNotModified) {
		metrics.NotModified.Inc()
		log.Info().Int64("roaster", roaster.ID).Msg("listing unchanged, no downstream work")
		return outcome, nil
	}
	if ferr != nil {
		return outcome, ferr
	}

	r.stampRun(ctx, roaster, stamp)
	return outcome, nil
}

// RunPriceOnly executes a price-only job: listing fetch, compare,
// append prices. No image or metadata work can happen on this path.
func (r *Runner) RunPriceOnly(ctx context.Context, job *model.Job, roaster *model.Roaster) (model.JobOutcome, error) {
	ctx = model.WithJobType(ctx, model.JobPriceOnly)
	ctx, cancel := context.WithTimeout(ctx, r.priceDeadline)
	defer cancel()

	fetcher, err := r.fetcherFor(roaster)
	if err != nil {
		return model.JobOutcome{}, err
	}

	var outcome model.JobOutcome
	scrapedAt := time.Now().UTC()

	emit := func(listing model.PriceListing) error {
		var out writepath.Outcome
		werr := r.policy.Do(ctx, "pipeline.write_price", func(ctx context.Context) error {
			var werr error
			out, werr = r.writer.WritePriceListing(ctx, roaster, &listing, scrapedAt)
			return werr
		})
		if werr != nil {
			if errs.KindOf(werr) == errs.KindCanceled {
				return werr
			}
			log.Warn().Int64("roaster", roaster.ID).Str("product", listing.PlatformProductID).
				Err(werr).Msg("price write failed")
			outcome.Add(model.StatusError)
			return nil
		}
		outcome.Add(out.Status)
		return nil
	}

	stamp, ferr := fetcher.FetchPriceListing(ctx, roaster, emit)
	if errors.Is(ferr, fetch.ErrNotModified) {
		metrics.NotModified.Inc()
		return outcome, nil
	}
	if ferr != nil {
		return outcome, ferr
	}

	r.stampRun(ctx, roaster, stamp)
	return outcome, nil
}

// discover runs the primary fetcher and falls back to the extract
// provider when the primary fails and fallback is enabled.
func (r *Runner) discover(ctx context.Context, roaster *model.Roaster, emit func(fetch.ProductItem) error) (*fetch.RunStamp, error) {
	fetcher, err := r.fetcherFor(roaster)
	if err == nil {
		stamp, derr := fetcher.DiscoverProducts(ctx, roaster, emit)
		if derr == nil || errors.Is(derr, fetch.ErrNotModified) ||
			errs.KindOf(derr) == errs.KindCanceled {
			return stamp, derr
		}
		err = derr
	}

	if r.fallback == nil || !roaster.FallbackEnabled {
		return nil, err
	}
	log.Warn().Int64("roaster", roaster.ID).Err(err).
		Msg("primary fetch failed, switching to fallback extract")
	return r.fallback.DiscoverProducts(ctx, roaster, emit)
}

// processProduct runs one product through validate → persist raw →
// normalize → write. It always persists the raw artifact, valid or not.
func (r *Runner) processProduct(ctx context.Context, job *model.Job, roaster *model.Roaster, item fetch.ProductItem) model.ProcessingStatus {
	if item.Oversize {
		return r.spoolOversize(ctx, job, roaster, item)
	}

	warnings, verr := artifact.Validate(&item.Artifact)

	raw := &model.RawArtifact{
		RoasterID:  roaster.ID,
		RunID:      job.ID,
		Source:     item.Artifact.Source,
		ScrapedAt:  item.Artifact.ScrapedAt,
		Payload:    item.Raw,
		HTTPStatus: item.Stats.Status,
		DownloadMs: item.Stats.DownloadMs,
		SizeBytes:  item.Stats.SizeBytes,
	}
	if verr != nil {
		raw.ValidationStatus = model.ValidationInvalid
		raw.ValidationErrors = []string{verr.Error()}
	}
	if _, perr := r.store.PersistRaw(ctx, raw); perr != nil {
		log.Error().Int64("roaster", roaster.ID).Err(perr).Msg("raw artifact persistence failed")
		return model.StatusError
	}

	if verr != nil {
		log.Warn().Int64("roaster", roaster.ID).
			Str("product", item.Artifact.Product.PlatformProductID).
			Err(verr).Msg("artifact failed validation")
		return model.StatusError
	}

	np := r.norm.Normalize(ctx, roaster, &item.Artifact, raw.PayloadHash)
	if len(warnings) > 0 {
		np.Warnings = append(warnings, np.Warnings...)
		if len(np.Warnings) >= 2 {
			np.Status = model.StatusReview
		}
	}

	var out writepath.Outcome
	err := r.policy.Do(ctx, "pipeline.write_product", func(ctx context.Context) error {
		var werr error
		out, werr = r.writer.WriteProduct(ctx, roaster, np, item.Artifact.ScrapedAt)
		return werr
	})
	if err != nil {
		log.Warn().Int64("roaster", roaster.ID).
			Str("product", item.Artifact.Product.PlatformProductID).
			Err(err).Msg("write path failed")
		return model.StatusError
	}
	return out.Status
}

// spoolOversize persists a body truncated at the size cap for manual
// review. Truncated JSON cannot be parsed, so nothing reaches the write
// path.
func (r *Runner) spoolOversize(ctx context.Context, job *model.Job, roaster *model.Roaster, item fetch.ProductItem) model.ProcessingStatus {
	raw := &model.RawArtifact{
		RoasterID:   roaster.ID,
		RunID:       job.ID,
		Source:      item.Artifact.Source,
		ScrapedAt:   item.Artifact.ScrapedAt,
		Payload:     item.Raw,
		HTTPStatus:  item.Stats.Status,
		DownloadMs:  item.Stats.DownloadMs,
		SizeBytes:   item.Stats.SizeBytes,
		NeedsReview: true,
	}
	if _, err := r.store.PersistRaw(ctx, raw); err != nil {
		log.Error().Int64("roaster", roaster.ID).Err(err).Msg("oversize artifact persistence failed")
		return model.StatusError
	}
	log.Warn().Int64("roaster", roaster.ID).Str("url", item.Stats.URL).
		Int64("bytes", item.Stats.SizeBytes).Msg("payload truncated at body size cap, spooled for review")
	return model.StatusReview
}

// stampRun persists the run's conditional validators. One writer per
// run, only after success.
func (r *Runner) stampRun(ctx context.Context, roaster *model.Roaster, stamp *fetch.RunStamp) {
	if stamp == nil || r.state == nil {
		return
	}
	if stamp.ETag == "" && stamp.LastModified == "" {
		return
	}
	roaster.LastETag = stamp.ETag
	roaster.LastModified = stamp.LastModified
	if err := r.state.SetConditional(ctx, roaster.ID, stamp.ETag, stamp.LastModified); err != nil {
		log.Warn().Int64("roaster", roaster.ID).Err(err).Msg("conditional stamp persistence failed")
	}
}

func (r *Runner) fetcherFor(roaster *model.Roaster) (fetch.Fetcher, error) {
	if f, ok := r.fetchers[roaster.Platform]; ok {
		return f, nil
	}
	if r.fallback != nil && roaster.FallbackEnabled {
		return r.fallback, nil
	}
	return nil, errs.E(errs.KindPermanentHTTP, "pipeline.fetcher",
		errors.New("no fetcher for platform "+string(roaster.Platform)))
}
