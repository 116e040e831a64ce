package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/retry"
)

// maxImageBytes caps a single image download.
const maxImageBytes = 10 << 20

// DefaultConcurrency bounds simultaneous uploads across all products.
const DefaultConcurrency = 4

// Pipeline fetches, hashes, dedupes, and uploads product images.
type Pipeline struct {
	cdn    CDN
	http   *http.Client
	sem    *semaphore.Weighted
	flight singleflight.Group
	policy retry.Policy

	mu   sync.Mutex
	seen map[string]string // hash -> cdn url, per-process memo
}

// NewPipeline builds an image pipeline over the given CDN.
func NewPipeline(cdn CDN) *Pipeline {
	return &Pipeline{
		cdn:    cdn,
		http:   &http.Client{Timeout: 60 * time.Second},
		sem:    semaphore.NewWeighted(DefaultConcurrency),
		policy: retry.Default(),
		seen:   map[string]string{},
	}
}

// SetConcurrency overrides the parallel-fetch cap.
func (p *Pipeline) SetConcurrency(n int) {
	if n > 0 {
		p.sem = semaphore.NewWeighted(int64(n))
	}
}

// ProcessProductImages runs every image of one product through
// fetch → hash → dedupe → upload. A failed image is skipped with a
// warning and never fails the product. The price-only guard refuses
// the whole call.
func (p *Pipeline) ProcessProductImages(ctx context.Context, coffeeID int64, refs []model.ImageRef) ([]model.Image, error) {
	if model.IsPriceOnly(ctx) {
		log.Warn().Int64("coffee", coffeeID).Msg("image pipeline refused during price-only run")
		return nil, ErrPriceOnlySkip
	}

	type slot struct {
		img model.Image
		ok  bool
	}
	results := make([]slot, len(refs))
	var wg sync.WaitGroup

	for i, ref := range refs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(i int, ref model.ImageRef) {
			defer wg.Done()
			defer p.sem.Release(1)

			img, err := p.processOne(ctx, coffeeID, ref)
			if err != nil {
				metrics.ImageUploads.WithLabelValues("skipped").Inc()
				log.Warn().Int64("coffee", coffeeID).Str("url", ref.URL).Err(err).
					Msg("image skipped after final failure")
				return
			}
			results[i] = slot{img: img, ok: true}
		}(i, ref)
	}
	wg.Wait()

	out := make([]model.Image, 0, len(refs))
	for _, s := range results {
		if s.ok {
			out = append(out, s.img)
		}
	}
	return out, nil
}

// processOne handles a single remote image end to end.
func (p *Pipeline) processOne(ctx context.Context, coffeeID int64, ref model.ImageRef) (model.Image, error) {
	var data []byte
	err := p.policy.Do(ctx, "images.fetch", func(ctx context.Context) error {
		var ferr error
		data, ferr = p.fetch(ctx, ref.URL)
		return ferr
	})
	if err != nil {
		return model.Image{}, err
	}

	hash := Hash(data)
	width, height := dimensions(data)

	cdnURL, err := p.uploadOnce(ctx, hash, data, Meta{
		CoffeeID:    coffeeID,
		SourceURL:   ref.URL,
		ContentHash: hash,
		Alt:         ref.Alt,
		SortOrder:   ref.SortOrder,
	})
	if err != nil {
		return model.Image{}, err
	}

	return model.Image{
		CoffeeID:    coffeeID,
		SourceURL:   ref.URL,
		CDNURL:      cdnURL,
		ContentHash: hash,
		Width:       width,
		Height:      height,
		Alt:         ref.Alt,
		SortOrder:   ref.SortOrder,
	}, nil
}

// uploadOnce collapses concurrent uploads of byte-identical images to
// a single CDN call; later callers reuse the winner's URL.
func (p *Pipeline) uploadOnce(ctx context.Context, hash string, data []byte, meta Meta) (string, error) {
	p.mu.Lock()
	if url, ok := p.seen[hash]; ok {
		p.mu.Unlock()
		return url, nil
	}
	p.mu.Unlock()

	v, err, _ := p.flight.Do(hash, func() (any, error) {
		if url, ok, lerr := p.cdn.Lookup(ctx, hash); lerr == nil && ok {
			return url, nil
		}
		url, uerr := p.cdn.Upload(ctx, data, meta)
		if uerr != nil {
			return nil, uerr
		}
		metrics.ImageUploads.WithLabelValues("uploaded").Inc()
		return url, nil
	})
	if err != nil {
		return "", err
	}
	url := v.(string)

	p.mu.Lock()
	p.seen[hash] = url
	p.mu.Unlock()
	return url, nil
}

func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, error) {
	const op = "images.fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E(errs.KindImage, op, err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if serr := errs.FromStatus(op, resp.StatusCode, resp.Header); serr != nil {
		return nil, serr
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	if len(data) > maxImageBytes {
		return nil, errs.E(errs.KindImage, op, fmt.Errorf("image exceeds %d bytes", maxImageBytes))
	}
	return data, nil
}

// dimensions decodes only the image header. Unknown formats are kept
// with zero dimensions rather than dropped.
func dimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
