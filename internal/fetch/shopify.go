package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/client"
)

const shopifyPageLimit = 250

// ShopifyFetcher reads the public Shopify product listing JSON.
type ShopifyFetcher struct {
	client   *client.Client
	maxPages int
	scheme   string
}

// WithScheme overrides the URL scheme. Tests only.
func (f *ShopifyFetcher) WithScheme(scheme string) *ShopifyFetcher {
	f.scheme = scheme
	return f
}

// Source implements Fetcher.
func (f *ShopifyFetcher) Source() model.Source { return model.SourceShopify }

type shopifyListing struct {
	Products []json.RawMessage `json:"products"`
}

type shopifyProduct struct {
	ID          json.Number      `json:"id"`
	Title       string           `json:"title"`
	Handle      string           `json:"handle"`
	BodyHTML    string           `json:"body_html"`
	ProductType string           `json:"product_type"`
	Tags        json.RawMessage  `json:"tags"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []shopifyImage   `json:"images"`
}

type shopifyVariant struct {
	ID             json.Number     `json:"id"`
	Title          string          `json:"title"`
	SKU            string          `json:"sku"`
	Price          json.RawMessage `json:"price"`
	CompareAtPrice json.RawMessage `json:"compare_at_price"`
	Available      bool            `json:"available"`
	Grams          int             `json:"grams"`
	Option1        string          `json:"option1"`
	Option2        string          `json:"option2"`
	Option3        string          `json:"option3"`
}

type shopifyImage struct {
	Src      string `json:"src"`
	Alt      string `json:"alt"`
	Position int    `json:"position"`
}

func (f *ShopifyFetcher) listingURL(host string, page int) string {
	return fmt.Sprintf("%s://%s/products.json?limit=%d&page=%d", f.scheme, host, shopifyPageLimit, page)
}

// DiscoverProducts implements Fetcher. Pagination stops when a page
// returns fewer than the limit.
func (f *ShopifyFetcher) DiscoverProducts(ctx context.Context, r *model.Roaster, emit func(ProductItem) error) (*RunStamp, error) {
	return f.walk(ctx, r,
		func(raw json.RawMessage, stats Stats) error {
			item, err := f.mapProduct(r, raw, stats)
			if err != nil {
				return err
			}
			return emit(*item)
		},
		func(body []byte, stats Stats) error {
			return emit(oversizeItem(model.SourceShopify, r, body, stats))
		})
}

// FetchPriceListing implements Fetcher with a variants-only projection.
func (f *ShopifyFetcher) FetchPriceListing(ctx context.Context, r *model.Roaster, emit func(model.PriceListing) error) (*RunStamp, error) {
	visit := func(raw json.RawMessage, _ Stats) error {
		var p shopifyProduct
		if err := json.Unmarshal(raw, &p); err != nil {
			return errs.E(errs.KindValidation, "shopify.prices", err)
		}
		listing := model.PriceListing{PlatformProductID: p.ID.String()}
		for _, v := range p.Variants {
			price, err := parsePrice(v.Price)
			if err != nil {
				return errs.E(errs.KindValidation, "shopify.prices", err)
			}
			compareAt, _ := parsePrice(v.CompareAtPrice)
			listing.Variants = append(listing.Variants, model.VariantPrice{
				PlatformVariantID: v.ID.String(),
				Price:             price,
				Currency:          r.Currency,
				CompareAtPrice:    compareAt,
				InStock:           v.Available,
			})
		}
		return emit(listing)
	}
	return f.walk(ctx, r, visit, func(body []byte, stats Stats) error {
		return errs.E(errs.KindValidation, "shopify.prices",
			fmt.Errorf("listing page exceeds body cap (%d bytes)", stats.SizeBytes))
	})
}

// FetchProduct implements Fetcher via the single-product JSON endpoint.
func (f *ShopifyFetcher) FetchProduct(ctx context.Context, r *model.Roaster, handle string) (*ProductItem, error) {
	u := fmt.Sprintf("%s://%s/products/%s.json", f.scheme, r.Hostname, handle)
	res, err := f.client.Get(ctx, u, client.Conditional{}, r.CrawlDelay)
	if err != nil {
		return nil, err
	}
	stats := Stats{URL: u, Status: res.Status, DownloadMs: res.DownloadMs, SizeBytes: res.SizeBytes}
	if res.Oversize {
		item := oversizeItem(model.SourceShopify, r, res.Body, stats)
		return &item, nil
	}
	var wrapper struct {
		Product json.RawMessage `json:"product"`
	}
	if err := json.Unmarshal(res.Body, &wrapper); err != nil {
		return nil, errs.E(errs.KindValidation, "shopify.product", err)
	}
	return f.mapProduct(r, wrapper.Product, stats)
}

func (f *ShopifyFetcher) walk(ctx context.Context, r *model.Roaster,
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
		metrics.FetchPages.WithLabelValues("shopify").Inc()
		metrics.FetchDuration.WithLabelValues("shopify").Observe(float64(res.DownloadMs) / 1000)
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
				Int64("bytes", res.SizeBytes).Msg("shopify listing page exceeds body cap")
			return stamp, spool(res.Body, stats)
		}

		var listing shopifyListing
		if err := json.Unmarshal(res.Body, &listing); err != nil {
			return stamp, errs.E(errs.KindValidation, "shopify.discover",
				fmt.Errorf("malformed listing JSON on page %d: %w", page, err))
		}

		for _, raw := range listing.Products {
			if err := visit(raw, stats); err != nil {
				return stamp, err
			}
		}

		log.Debug().Str("roaster", r.Hostname).Int("page", page).
			Int("products", len(listing.Products)).Msg("shopify listing page")

		if len(listing.Products) < shopifyPageLimit {
			return stamp, nil
		}
	}
}

func (f *ShopifyFetcher) mapProduct(r *model.Roaster, raw json.RawMessage, stats Stats) (*ProductItem, error) {
	var p shopifyProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.E(errs.KindValidation, "shopify.map", err)
	}

	product := model.Product{
		PlatformProductID: p.ID.String(),
		Title:             p.Title,
		Handle:            p.Handle,
		SourceURL:         fmt.Sprintf("%s://%s/products/%s", f.scheme, r.Hostname, p.Handle),
		ProductType:       p.ProductType,
		DescriptionHTML:   p.BodyHTML,
		Tags:              parseShopifyTags(p.Tags),
	}

	for _, v := range p.Variants {
		price, err := parsePrice(v.Price)
		if err != nil {
			return nil, errs.E(errs.KindValidation, "shopify.map", err)
		}
		compareAt, _ := parsePrice(v.CompareAtPrice)
		variant := model.Variant{
			PlatformVariantID: v.ID.String(),
			SKU:               v.SKU,
			Title:             v.Title,
			Price:             price,
			Currency:          r.Currency, // listing JSON omits currency; store currency comes from config
			CompareAtPrice:    compareAt,
			InStock:           v.Available,
			Grams:             v.Grams,
		}
		if v.Grams > 0 {
			variant.WeightUnit = model.UnitGram
		}
		for _, opt := range []string{v.Option1, v.Option2, v.Option3} {
			if opt != "" && opt != "Default Title" {
				variant.Options = append(variant.Options, opt)
			}
		}
		product.Variants = append(product.Variants, variant)
	}

	for _, img := range p.Images {
		product.Images = append(product.Images, model.ImageRef{
			URL:       img.Src,
			Alt:       img.Alt,
			SortOrder: img.Position,
		})
	}

	return &ProductItem{
		Artifact: model.Artifact{
			Source:        model.SourceShopify,
			RoasterDomain: r.Hostname,
			ScrapedAt:     time.Now().UTC(),
			Product:       product,
		},
		Raw:   append([]byte(nil), raw...),
		Stats: stats,
	}, nil
}

// parseShopifyTags accepts both representations Shopify emits: an array
// of strings or one comma-separated string.
func parseShopifyTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil && joined != "" {
		parts := strings.Split(joined, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
