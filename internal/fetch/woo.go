package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/client"
)

const wooPageLimit = 100

// WooFetcher reads the WooCommerce Store API product listing.
type WooFetcher struct {
	client   *client.Client
	maxPages int
	scheme   string
}

// WithScheme overrides the URL scheme. Tests only.
func (f *WooFetcher) WithScheme(scheme string) *WooFetcher {
	f.scheme = scheme
	return f
}

// Source implements Fetcher.
func (f *WooFetcher) Source() model.Source { return model.SourceWoo }

type wooProduct struct {
	ID               json.Number    `json:"id"`
	Name             string         `json:"name"`
	Permalink        string         `json:"permalink"`
	SKU              string         `json:"sku"`
	Description      string         `json:"description"`
	ShortDescription string         `json:"short_description"`
	IsInStock        bool           `json:"is_in_stock"`
	Prices           wooPrices      `json:"prices"`
	Variations       []wooVariation `json:"variations"`
	Images           []wooImage     `json:"images"`
	Categories       []wooTerm      `json:"categories"`
	Tags             []wooTerm      `json:"tags"`
}

// wooPrices carries amounts in currency minor units ("1850" + minor unit
// 2 means 18.50).
type wooPrices struct {
	Price             string `json:"price"`
	RegularPrice      string `json:"regular_price"`
	SalePrice         string `json:"sale_price"`
	CurrencyCode      string `json:"currency_code"`
	CurrencyMinorUnit int    `json:"currency_minor_unit"`
}

type wooVariation struct {
	ID         json.Number `json:"id"`
	Attributes []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"attributes"`
}

type wooImage struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

type wooTerm struct {
	Name string `json:"name"`
}

func (p wooPrices) amount(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	minor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Some stores emit already-decimal strings here.
		v, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, fmt.Errorf("price %q is not numeric", raw)
		}
		return v, nil
	}
	return float64(minor) / math.Pow10(p.CurrencyMinorUnit), nil
}

func (f *WooFetcher) listingURL(host string, page int) string {
	return fmt.Sprintf("%s://%s/wp-json/wc/store/products?per_page=%d&page=%d", f.scheme, host, wooPageLimit, page)
}

// DiscoverProducts implements Fetcher.
func (f *WooFetcher) DiscoverProducts(ctx context.Context, r *model.Roaster, emit func(ProductItem) error) (*RunStamp, error) {
	return f.walk(ctx, r,
		func(raw json.RawMessage, stats Stats) error {
			item, err := f.mapProduct(r, raw, stats)
			if err != nil {
				return err
			}
			return emit(*item)
		},
		func(body []byte, stats Stats) error {
			return emit(oversizeItem(model.SourceWoo, r, body, stats))
		})
}

// FetchPriceListing implements Fetcher.
func (f *WooFetcher) FetchPriceListing(ctx context.Context, r *model.Roaster, emit func(model.PriceListing) error) (*RunStamp, error) {
	visit := func(raw json.RawMessage, _ Stats) error {
		var p wooProduct
		if err := json.Unmarshal(raw, &p); err != nil {
			return errs.E(errs.KindValidation, "woo.prices", err)
		}
		price, err := p.Prices.amount(p.Prices.Price)
		if err != nil {
			return errs.E(errs.KindValidation, "woo.prices", err)
		}
		regular, _ := p.Prices.amount(p.Prices.RegularPrice)

		listing := model.PriceListing{PlatformProductID: p.ID.String()}
		for _, vid := range variationIDs(p) {
			listing.Variants = append(listing.Variants, model.VariantPrice{
				PlatformVariantID: vid,
				Price:             price,
				Currency:          p.Prices.CurrencyCode,
				CompareAtPrice:    compareAt(regular, price),
				InStock:           p.IsInStock,
			})
		}
		return emit(listing)
	}
	return f.walk(ctx, r, visit, func(body []byte, stats Stats) error {
		return errs.E(errs.KindValidation, "woo.prices",
			fmt.Errorf("listing page exceeds body cap (%d bytes)", stats.SizeBytes))
	})
}

// FetchProduct implements Fetcher via the single-product Store API route.
func (f *WooFetcher) FetchProduct(ctx context.Context, r *model.Roaster, id string) (*ProductItem, error) {
	u := fmt.Sprintf("%s://%s/wp-json/wc/store/products/%s", f.scheme, r.Hostname, id)
	res, err := f.client.Get(ctx, u, client.Conditional{}, r.CrawlDelay)
	if err != nil {
		return nil, err
	}
	stats := Stats{URL: u, Status: res.Status, DownloadMs: res.DownloadMs, SizeBytes: res.SizeBytes}
	if res.Oversize {
		item := oversizeItem(model.SourceWoo, r, res.Body, stats)
		return &item, nil
	}
	return f.mapProduct(r, res.Body, stats)
}

func (f *WooFetcher) walk(ctx context.Context, r *model.Roaster,
	visit func(raw json.RawMessage, stats Stats) error,
	spool func(body []byte, stats Stats) error) (*RunStamp, error) {
	stamp := &RunStamp{}
	for page := 1; ; page++ {
		if page > f.maxPages {
			return stamp, pageCapErr(r.Hostname, f.maxPages)
		}

		cond := client.Conditional{}
		if page == 1 {
			cond = client.Conditional{ETag: r.LastETag, LastModified: r.LastModified}
		}

		u := f.listingURL(r.Hostname, page)
		res, err := f.client.Get(ctx, u, cond, r.CrawlDelay)
		if err != nil {
			return stamp, err
		}
		metrics.FetchPages.WithLabelValues("woo").Inc()
		metrics.FetchDuration.WithLabelValues("woo").Observe(float64(res.DownloadMs) / 1000)
		if res.NotModified {
			return stamp, ErrNotModified
		}
		if page == 1 {
			stamp.ETag = res.ETag
			stamp.LastModified = res.LastModified
		}
		stamp.Pages = page

		stats := Stats{URL: u, Status: res.Status, DownloadMs: res.DownloadMs, SizeBytes: res.SizeBytes}
		if res.Oversize {
			// Truncated JSON will not parse; hand the page off whole.
			log.Warn().Str("roaster", r.Hostname).Int("page", page).
				Int64("bytes", res.SizeBytes).Msg("woo listing page exceeds body cap")
			return stamp, spool(res.Body, stats)
		}

		var products []json.RawMessage
		if err := json.Unmarshal(res.Body, &products); err != nil {
			return stamp, errs.E(errs.KindValidation, "woo.discover",
				fmt.Errorf("malformed listing JSON on page %d: %w", page, err))
		}

		for _, raw := range products {
			if err := visit(raw, stats); err != nil {
				return stamp, err
			}
		}

		log.Debug().Str("roaster", r.Hostname).Int("page", page).
			Int("products", len(products)).Msg("woo listing page")

		if len(products) < wooPageLimit {
			return stamp, nil
		}
	}
}

func (f *WooFetcher) mapProduct(r *model.Roaster, raw json.RawMessage, stats Stats) (*ProductItem, error) {
	var p wooProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.E(errs.KindValidation, "woo.map", err)
	}

	price, err := p.Prices.amount(p.Prices.Price)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "woo.map", err)
	}
	regular, _ := p.Prices.amount(p.Prices.RegularPrice)

	desc := p.Description
	if desc == "" {
		desc = p.ShortDescription
	}

	product := model.Product{
		PlatformProductID: p.ID.String(),
		Title:             p.Name,
		SourceURL:         p.Permalink,
		DescriptionHTML:   desc,
	}
	for _, c := range p.Categories {
		product.Tags = append(product.Tags, c.Name)
	}
	for _, tag := range p.Tags {
		product.Tags = append(product.Tags, tag.Name)
	}

	for i, vid := range variationIDs(p) {
		variant := model.Variant{
			PlatformVariantID: vid,
			SKU:               p.SKU,
			Price:             price,
			Currency:          p.Prices.CurrencyCode,
			CompareAtPrice:    compareAt(regular, price),
			InStock:           p.IsInStock,
		}
		if i < len(p.Variations) {
			for _, attr := range p.Variations[i].Attributes {
				variant.Options = append(variant.Options, attr.Value)
			}
		}
		product.Variants = append(product.Variants, variant)
	}

	for i, img := range p.Images {
		product.Images = append(product.Images, model.ImageRef{
			URL:       img.Src,
			Alt:       img.Alt,
			SortOrder: i + 1,
		})
	}

	return &ProductItem{
		Artifact: model.Artifact{
			Source:        model.SourceWoo,
			RoasterDomain: r.Hostname,
			ScrapedAt:     time.Now().UTC(),
			Product:       product,
		},
		Raw:   append([]byte(nil), raw...),
		Stats: stats,
	}, nil
}

// variationIDs returns the variation IDs, or the product's own ID for
// simple products so every product has at least one variant.
func variationIDs(p wooProduct) []string {
	if len(p.Variations) == 0 {
		return []string{p.ID.String()}
	}
	ids := make([]string, 0, len(p.Variations))
	for _, v := range p.Variations {
		ids = append(ids, v.ID.String())
	}
	return ids
}

func compareAt(regular, price float64) float64 {
	if regular > price {
		return regular
	}
	return 0
}
