package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/budget"
)

// ExtractProvider is the browser-rendering extract service behind the
// fallback path: Map enumerates product URLs for a domain, Extract
// renders one URL into product JSON. Extract calls are budgeted.
type ExtractProvider interface {
	Map(ctx context.Context, domain string) ([]string, error)
	Extract(ctx context.Context, url string) ([]byte, error)
}

// HTTPExtractProvider talks to a firecrawl-style HTTP extract service.
type HTTPExtractProvider struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPExtractProvider builds the default provider client.
func NewHTTPExtractProvider(baseURL, apiKey string) *HTTPExtractProvider {
	return &HTTPExtractProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *HTTPExtractProvider) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.E(errs.KindTransient, "fallback"+path, err)
	}
	defer resp.Body.Close()
	if statusErr := errs.FromStatus("fallback"+path, resp.StatusCode, resp.Header); statusErr != nil {
		return statusErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Map implements ExtractProvider.
func (p *HTTPExtractProvider) Map(ctx context.Context, domain string) ([]string, error) {
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := p.post(ctx, "/v1/map", map[string]string{"domain": domain}, &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// Extract implements ExtractProvider.
func (p *HTTPExtractProvider) Extract(ctx context.Context, url string) ([]byte, error) {
	var out struct {
		Product json.RawMessage `json:"product"`
	}
	if err := p.post(ctx, "/v1/extract", map[string]string{"url": url}, &out); err != nil {
		return nil, err
	}
	return out.Product, nil
}

// UsageStore persists fallback budget consumption across restarts.
type UsageStore interface {
	FallbackUsage(ctx context.Context, roasterID int64) (time.Time, int64, error)
	SetFallbackUsage(ctx context.Context, roasterID int64, periodStart time.Time, used int64) error
}

// FallbackFetcher drives the extract provider under per-roaster monthly
// budgets. Each Extract call consumes one budget unit; at zero the
// fallback is disabled for the rest of the billing period.
type FallbackFetcher struct {
	provider ExtractProvider
	usage    UsageStore

	mu      sync.Mutex
	budgets map[int64]*budget.Tracker
}

// NewFallbackFetcher builds a budgeted fallback fetcher.
func NewFallbackFetcher(provider ExtractProvider) *FallbackFetcher {
	return &FallbackFetcher{
		provider: provider,
		budgets:  make(map[int64]*budget.Tracker),
	}
}

// SetUsageStore enables budget persistence. Without it budgets reset on
// every restart.
func (f *FallbackFetcher) SetUsageStore(us UsageStore) { f.usage = us }

// Source implements Fetcher.
func (f *FallbackFetcher) Source() model.Source { return model.SourceFallback }

func (f *FallbackFetcher) budgetFor(ctx context.Context, r *model.Roaster) *budget.Tracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.budgets[r.ID]
	if !ok {
		tr = budget.New("fallback:"+r.Hostname, r.FallbackBudget, budget.Monthly)
		if f.usage != nil {
			start, used, err := f.usage.FallbackUsage(ctx, r.ID)
			if err != nil {
				log.Warn().Int64("roaster", r.ID).Err(err).Msg("fallback usage load failed, starting fresh")
			} else if !start.IsZero() {
				tr.Restore(start, used)
			}
		}
		f.budgets[r.ID] = tr
	}
	return tr
}

// BudgetRemaining exposes the roaster's remaining extract units.
func (f *FallbackFetcher) BudgetRemaining(ctx context.Context, r *model.Roaster) int64 {
	return f.budgetFor(ctx, r).Remaining()
}

// DiscoverProducts implements Fetcher: map the domain, then extract each
// product URL while budget remains.
func (f *FallbackFetcher) DiscoverProducts(ctx context.Context, r *model.Roaster, emit func(ProductItem) error) (*RunStamp, error) {
	if !r.FallbackEnabled {
		return nil, errs.E(errs.KindBudget, "fallback.discover", fmt.Errorf("fallback disabled for %s", r.Hostname))
	}

	urls, err := f.provider.Map(ctx, r.Hostname)
	if err != nil {
		return nil, err
	}

	stamp := &RunStamp{Pages: 1}
	for _, u := range urls {
		item, err := f.extractOne(ctx, r, u)
		if err != nil {
			if errs.KindOf(err) == errs.KindBudget {
				return stamp, err
			}
			log.Warn().Str("url", u).Err(err).Msg("fallback extract failed, skipping product")
			continue
		}
		if err := emit(*item); err != nil {
			return stamp, err
		}
	}
	return stamp, nil
}

// FetchPriceListing implements Fetcher. The fallback path has no cheap
// listing projection, so price-only runs never use it.
func (f *FallbackFetcher) FetchPriceListing(ctx context.Context, r *model.Roaster, emit func(model.PriceListing) error) (*RunStamp, error) {
	return nil, errs.E(errs.KindPermanentHTTP, "fallback.prices",
		fmt.Errorf("fallback provider has no price listing"))
}

// FetchProduct implements Fetcher for one known product URL.
func (f *FallbackFetcher) FetchProduct(ctx context.Context, r *model.Roaster, url string) (*ProductItem, error) {
	if !r.FallbackEnabled {
		return nil, errs.E(errs.KindBudget, "fallback.product", fmt.Errorf("fallback disabled for %s", r.Hostname))
	}
	return f.extractOne(ctx, r, url)
}

func (f *FallbackFetcher) extractOne(ctx context.Context, r *model.Roaster, url string) (*ProductItem, error) {
	tr := f.budgetFor(ctx, r)
	if err := tr.Consume(1); err != nil {
		log.Error().Str("roaster", r.Hostname).Err(err).Msg("fallback budget exhausted")
		return nil, errs.E(errs.KindBudget, "fallback.extract", err)
	}
	if f.usage != nil {
		periodStart, used := tr.Used()
		if err := f.usage.SetFallbackUsage(ctx, r.ID, periodStart, used); err != nil {
			log.Warn().Int64("roaster", r.ID).Err(err).Msg("fallback usage save failed")
		}
	}

	start := time.Now()
	raw, err := f.provider.Extract(ctx, url)
	if err != nil {
		return nil, err
	}

	item, err := mapExtract(r, url, raw)
	if err != nil {
		return nil, err
	}
	item.Stats = Stats{
		URL:        url,
		Status:     http.StatusOK,
		DownloadMs: time.Since(start).Milliseconds(),
		SizeBytes:  int64(len(raw)),
	}
	return item, nil
}

// extractDoc is the deterministic mapping target for extract output.
// Everything the provider returns beyond these keys lands in RawMeta.
type extractDoc struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	DescriptionHTML string          `json:"description_html"`
	Tags            []string        `json:"tags"`
	Currency        string          `json:"currency"`
	Variants        []extractVar    `json:"variants"`
	Images          []extractImage  `json:"images"`
}

type extractVar struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Title          string          `json:"title"`
	Price          json.RawMessage `json:"price"`
	CompareAtPrice json.RawMessage `json:"compare_at_price"`
	InStock        bool            `json:"in_stock"`
	Options        []string        `json:"options"`
}

type extractImage struct {
	URL string `json:"url"`
	Alt string `json:"alt"`
}

func mapExtract(r *model.Roaster, url string, raw []byte) (*ProductItem, error) {
	var doc extractDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.E(errs.KindValidation, "fallback.map", err)
	}

	var rawMeta map[string]any
	if err := json.Unmarshal(raw, &rawMeta); err == nil {
		for _, known := range []string{"id", "title", "url", "description_html", "tags", "currency", "variants", "images"} {
			delete(rawMeta, known)
		}
		if len(rawMeta) == 0 {
			rawMeta = nil
		}
	}

	currency := doc.Currency
	if currency == "" {
		currency = r.Currency
	}
	sourceURL := doc.URL
	if sourceURL == "" {
		sourceURL = url
	}

	product := model.Product{
		PlatformProductID: doc.ID,
		Title:             doc.Title,
		SourceURL:         sourceURL,
		DescriptionHTML:   doc.DescriptionHTML,
		Tags:              doc.Tags,
		RawMeta:           rawMeta,
	}
	for _, v := range doc.Variants {
		price, err := parsePrice(v.Price)
		if err != nil {
			return nil, errs.E(errs.KindValidation, "fallback.map", err)
		}
		compareAt, _ := parsePrice(v.CompareAtPrice)
		product.Variants = append(product.Variants, model.Variant{
			PlatformVariantID: v.ID,
			SKU:               v.SKU,
			Title:             v.Title,
			Price:             price,
			Currency:          currency,
			CompareAtPrice:    compareAt,
			InStock:           v.InStock,
			Options:           v.Options,
		})
	}
	for i, img := range doc.Images {
		product.Images = append(product.Images, model.ImageRef{URL: img.URL, Alt: img.Alt, SortOrder: i + 1})
	}

	return &ProductItem{
		Artifact: model.Artifact{
			Source:        model.SourceFallback,
			RoasterDomain: r.Hostname,
			ScrapedAt:     time.Now().UTC(),
			Product:       product,
		},
		Raw: append([]byte(nil), raw...),
	}, nil
}
