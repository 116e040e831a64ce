package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/artifact"
	"github.com/roastwatch/roastwatch/internal/fetch"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/client"
	"github.com/roastwatch/roastwatch/internal/normalize"
	"github.com/roastwatch/roastwatch/internal/state"
	"github.com/roastwatch/roastwatch/internal/writepath"
)

const listingPage = `{"products": [
	{
		"id": 11,
		"title": "Ethiopia Yirgacheffe — 250g, Washed, Medium",
		"handle": "eth",
		"product_type": "Coffee",
		"body_html": "<p>A floral washed lot.</p>",
		"tags": ["washed", "ethiopia"],
		"variants": [
			{"id": 110, "title": "250g", "price": "499.00", "available": true, "grams": 250}
		],
		"images": [{"src": "https://cdn.example/eth.jpg", "position": 1}]
	},
	{
		"id": 12,
		"title": "Roastery Mug",
		"handle": "mug",
		"product_type": "Merchandise",
		"body_html": "",
		"tags": [],
		"variants": [{"id": 120, "title": "Default Title", "price": "350.00", "available": true}],
		"images": []
	}
]}`

// shopifySite is a minimal Shopify-shaped storefront with conditional
// GET support and a mutable price.
type shopifySite struct {
	mu    sync.Mutex
	etag  string
	price string
}

func (s *shopifySite) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.mu.Lock()
		etag, price := s.etag, s.price
		s.mu.Unlock()

		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		body := listingPage
		if price != "" {
			body = strings.Replace(body, `"499.00"`, `"`+price+`"`, 1)
		}
		fmt.Fprint(w, body)
	})
}

// fakeProcs and fakeImages mirror the write-path seams with recording.
type fakeProcs struct {
	mu     sync.Mutex
	calls  map[string]int
	states map[string]*writepath.CoffeeState
	nextID int64
	spikes int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{calls: map[string]int{}, states: map[string]*writepath.CoffeeState{}, nextID: 100}
}

func (f *fakeProcs) bump(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeProcs) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeProcs) GetCoffeeState(ctx context.Context, roasterID int64, pid string) (*writepath.CoffeeState, error) {
	f.bump("get_coffee_state")
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[fmt.Sprintf("%d/%s", roasterID, pid)]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Variants = append([]writepath.VariantState{}, s.Variants...)
	return &cp, nil
}

func (f *fakeProcs) UpsertCoffee(ctx context.Context, np *model.NormalizedProduct) (int64, error) {
	f.bump("upsert_coffee")
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fmt.Sprintf("%d/%s", np.RoasterID, np.PlatformProductID)
	s, ok := f.states[k]
	if !ok {
		f.nextID++
		s = &writepath.CoffeeState{CoffeeID: f.nextID}
		f.states[k] = s
	}
	s.ContentHash = np.ContentHash
	s.RawPayloadHash = np.RawPayloadHash
	return s.CoffeeID, nil
}

func (f *fakeProcs) UpsertVariant(ctx context.Context, coffeeID int64, v *model.NormalizedVariant) (int64, error) {
	f.bump("upsert_variant")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s.CoffeeID != coffeeID {
			continue
		}
		for _, sv := range s.Variants {
			if sv.PlatformVariantID == v.PlatformVariantID {
				return sv.VariantID, nil
			}
		}
		f.nextID++
		s.Variants = append(s.Variants, writepath.VariantState{
			VariantID:         f.nextID,
			PlatformVariantID: v.PlatformVariantID,
			PriceCurrent:      v.Price,
			Currency:          v.Currency,
			InStock:           v.InStock,
		})
		return f.nextID, nil
	}
	return 0, fmt.Errorf("unknown coffee %d", coffeeID)
}

func (f *fakeProcs) InsertPrice(ctx context.Context, p *model.PricePoint) error {
	f.bump("insert_price")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		for i := range s.Variants {
			if s.Variants[i].VariantID == p.VariantID {
				s.Variants[i].PriceCurrent = p.Price
			}
		}
	}
	return nil
}

func (f *fakeProcs) UpsertImage(ctx context.Context, img *model.Image) error {
	f.bump("upsert_image")
	return nil
}

func (f *fakeProcs) SetProcessingStatus(ctx context.Context, coffeeID int64, status model.ProcessingStatus, warnings []string) error {
	f.bump("set_processing_status")
	return nil
}

func (f *fakeProcs) TouchVariants(ctx context.Context, coffeeID int64, checkedAt time.Time) error {
	f.bump("touch_variants")
	return nil
}

func (f *fakeProcs) LookupImageHash(ctx context.Context, hash string) (string, bool, error) {
	return "", false, nil
}

type fakeImages struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeImages) ProcessProductImages(ctx context.Context, coffeeID int64, refs []model.ImageRef) ([]model.Image, error) {
	if model.IsPriceOnly(ctx) {
		return nil, fmt.Errorf("image work during price-only run")
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([]model.Image, 0, len(refs))
	for _, r := range refs {
		out = append(out, model.Image{CoffeeID: coffeeID, SourceURL: r.URL, CDNURL: "https://cdn.example/x", ContentHash: "h"})
	}
	return out, nil
}

type harness struct {
	runner  *Runner
	procs   *fakeProcs
	images  *fakeImages
	roaster *model.Roaster
	site    *shopifySite
	state   *state.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	site := &shopifySite{etag: `"v1"`}
	srv := httptest.NewServer(site.handler())
	t.Cleanup(srv.Close)

	httpClient := client.New(client.Config{UserAgent: "roastwatch-test"}, nil)
	shopify, err := fetch.ForPlatform(model.PlatformShopify, httpClient, 10)
	require.NoError(t, err)
	shopify.(*fetch.ShopifyFetcher).WithScheme("http")

	store, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	procs := newFakeProcs()
	images := &fakeImages{}
	writer := writepath.NewWriter(procs, images, writepath.NewBackpressure(), func(r *model.Roaster, variantID int64, oldP, newP float64) {
		procs.mu.Lock()
		procs.spikes++
		procs.mu.Unlock()
	})

	runner := NewRunner(map[model.Platform]fetch.Fetcher{model.PlatformShopify: shopify},
		nil, store, normalize.New(nil), writer, st)

	return &harness{
		runner: runner,
		procs:  procs,
		images: images,
		roaster: &model.Roaster{
			ID: 1, Name: "Test Beans", Hostname: srv.Listener.Addr().String(),
			Platform: model.PlatformShopify, Currency: "INR", Active: true, RobotsAllowed: true,
		},
		site:  site,
		state: st,
	}
}

func (h *harness) runFull(t *testing.T) model.JobOutcome {
	t.Helper()
	job := model.NewJob(h.roaster.ID, model.JobFullRefresh, time.Now().UTC())
	out, err := h.runner.RunFull(context.Background(), job, h.roaster)
	require.NoError(t, err)
	return out
}

func (h *harness) runPriceOnly(t *testing.T) model.JobOutcome {
	t.Helper()
	job := model.NewJob(h.roaster.ID, model.JobPriceOnly, time.Now().UTC())
	out, err := h.runner.RunPriceOnly(context.Background(), job, h.roaster)
	require.NoError(t, err)
	return out
}

func TestRunFull_FirstSight(t *testing.T) {
	h := newHarness(t)

	out := h.runFull(t)

	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, 2, out.Succeeded)
	assert.Zero(t, out.Failed)

	// The coffee lands fully; the mug is classified out and never
	// reaches the procedures.
	assert.Equal(t, 1, h.procs.count("upsert_coffee"))
	assert.Equal(t, 1, h.procs.count("upsert_variant"))
	assert.Equal(t, 1, h.procs.count("insert_price"))
	assert.Equal(t, 1, h.procs.count("upsert_image"))
	assert.Equal(t, 1, h.images.calls)

	// Validators are stamped for the next run.
	assert.Equal(t, `"v1"`, h.roaster.LastETag)
}

func TestRunFull_NotModifiedShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.runFull(t)
	before := h.procs.count("get_coffee_state")

	out := h.runFull(t)

	assert.Zero(t, out.Processed, "304 means zero downstream work")
	assert.Equal(t, before, h.procs.count("get_coffee_state"))
	assert.Equal(t, `"v1"`, h.roaster.LastETag, "validators retained")
}

func TestRunPriceOnly_NoChange(t *testing.T) {
	h := newHarness(t)
	h.runFull(t)
	h.roaster.LastETag = "" // price listing should be fetched fresh
	pricesBefore := h.procs.count("insert_price")

	out := h.runPriceOnly(t)

	assert.Equal(t, 2, out.Processed)
	assert.Equal(t, pricesBefore, h.procs.count("insert_price"), "identical prices insert nothing")
	assert.GreaterOrEqual(t, h.procs.count("touch_variants"), 1)
	assert.Equal(t, 1, h.procs.count("upsert_coffee"), "no metadata writes on the price path")
	assert.Equal(t, 1, h.images.calls, "no image work on the price path")
}

func TestRunPriceOnly_PriceChangeAndSpike(t *testing.T) {
	h := newHarness(t)
	h.runFull(t)
	h.roaster.LastETag = ""
	h.site.mu.Lock()
	h.site.price = "549.00"
	h.site.etag = `"v2"`
	h.site.mu.Unlock()

	pricesBefore := h.procs.count("insert_price")
	h.runPriceOnly(t)

	assert.Equal(t, pricesBefore+1, h.procs.count("insert_price"), "exactly one price insert")
	assert.Equal(t, 1, h.procs.spikes, "a move past the alert delta fires the spike signal")
	assert.Equal(t, 1, h.procs.count("upsert_coffee"))
	assert.Equal(t, 1, h.images.calls, "image pipeline untouched")
}

func TestRunFull_OversizeListingSpooledForReview(t *testing.T) {
	site := &shopifySite{}
	srv := httptest.NewServer(site.handler())
	t.Cleanup(srv.Close)

	httpClient := client.New(client.Config{UserAgent: "roastwatch-test", MaxBodyBytes: 64}, nil)
	shopify, err := fetch.ForPlatform(model.PlatformShopify, httpClient, 10)
	require.NoError(t, err)
	shopify.(*fetch.ShopifyFetcher).WithScheme("http")

	store, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	procs := newFakeProcs()
	writer := writepath.NewWriter(procs, &fakeImages{}, writepath.NewBackpressure(),
		func(*model.Roaster, int64, float64, float64) {})
	runner := NewRunner(map[model.Platform]fetch.Fetcher{model.PlatformShopify: shopify},
		nil, store, normalize.New(nil), writer, st)

	roaster := &model.Roaster{
		ID: 1, Name: "Test Beans", Hostname: srv.Listener.Addr().String(),
		Platform: model.PlatformShopify, Currency: "INR", Active: true, RobotsAllowed: true,
	}
	job := model.NewJob(roaster.ID, model.JobFullRefresh, time.Now().UTC())
	out, err := runner.RunFull(context.Background(), job, roaster)

	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed, "the truncated page counts as one reviewed item")
	assert.Equal(t, 1, out.Reviewed)
	assert.Zero(t, out.Failed)
	assert.Zero(t, procs.count("get_coffee_state"), "truncated payloads never reach the write path")
	assert.Zero(t, procs.count("upsert_coffee"))
}

func TestRunFull_FallbackWhenPrimaryFails(t *testing.T) {
	h := newHarness(t)

	fb := &fakeFallback{}
	h.runner.fallback = fb
	h.roaster.FallbackEnabled = true
	h.roaster.Hostname = "127.0.0.1:1" // unreachable primary

	job := model.NewJob(h.roaster.ID, model.JobFullRefresh, time.Now().UTC())
	_, err := h.runner.RunFull(context.Background(), job, h.roaster)

	require.NoError(t, err)
	assert.True(t, fb.called, "fallback engaged after primary failure")
}

func TestRunFull_NoFetcherNoFallback(t *testing.T) {
	h := newHarness(t)
	h.roaster.Platform = model.PlatformOther

	job := model.NewJob(h.roaster.ID, model.JobFullRefresh, time.Now().UTC())
	_, err := h.runner.RunFull(context.Background(), job, h.roaster)
	require.Error(t, err)
}

type fakeFallback struct {
	called bool
}

func (f *fakeFallback) Source() model.Source { return model.SourceFallback }

func (f *fakeFallback) DiscoverProducts(ctx context.Context, r *model.Roaster, emit func(fetch.ProductItem) error) (*fetch.RunStamp, error) {
	f.called = true
	return &fetch.RunStamp{}, nil
}

func (f *fakeFallback) FetchPriceListing(ctx context.Context, r *model.Roaster, emit func(model.PriceListing) error) (*fetch.RunStamp, error) {
	return nil, fmt.Errorf("unsupported")
}

func (f *fakeFallback) FetchProduct(ctx context.Context, r *model.Roaster, handleOrID string) (*fetch.ProductItem, error) {
	return nil, fmt.Errorf("unsupported")
}
