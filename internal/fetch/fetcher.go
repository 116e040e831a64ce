// Package fetch obtains product payloads from roaster storefronts. One
// Fetcher exists per platform (Shopify, Woo, Fallback); platform-specific
// listing parsing is plain functions selected by the source enum.
package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
	"github.com/roastwatch/roastwatch/internal/netx/client"
)

// ErrNotModified signals a 304 on the first listing page: the catalog is
// byte-identical to the last successful run and no downstream work runs.
var ErrNotModified = errors.New("listing not modified")

// DefaultMaxPages bounds pagination loops per run.
const DefaultMaxPages = 200

// Stats carries the per-request numbers persisted on raw artifacts.
type Stats struct {
	URL        string
	Status     int
	DownloadMs int64
	SizeBytes  int64
}

// ProductItem is one discovered product: the canonical-shaped artifact
// plus the raw per-product bytes it was cut from.
type ProductItem struct {
	Artifact model.Artifact
	Raw      []byte
	Stats    Stats
	Oversize bool
}

// RunStamp carries the validators observed on the first listing page.
// They are written back to the roaster record only after the run succeeds.
type RunStamp struct {
	ETag         string
	LastModified string
	Pages        int
}

// Fetcher discovers products and price listings for one platform.
type Fetcher interface {
	Source() model.Source

	// DiscoverProducts streams every product on the roaster's listing
	// endpoint through emit. Returns ErrNotModified when the listing is
	// unchanged since the stored validators.
	DiscoverProducts(ctx context.Context, r *model.Roaster, emit func(ProductItem) error) (*RunStamp, error)

	// FetchPriceListing streams the variants-only projection of the same
	// listing. No per-product requests are made.
	FetchPriceListing(ctx context.Context, r *model.Roaster, emit func(model.PriceListing) error) (*RunStamp, error)

	// FetchProduct reconstructs a minimal payload for one known product,
	// used only when the listing is unavailable.
	FetchProduct(ctx context.Context, r *model.Roaster, handleOrID string) (*ProductItem, error)
}

// ForPlatform selects the primary fetcher for a roaster's platform hint.
func ForPlatform(p model.Platform, c *client.Client, maxPages int) (Fetcher, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	switch p {
	case model.PlatformShopify:
		return &ShopifyFetcher{client: c, maxPages: maxPages, scheme: "https"}, nil
	case model.PlatformWoo:
		return &WooFetcher{client: c, maxPages: maxPages, scheme: "https"}, nil
	default:
		return nil, fmt.Errorf("no primary fetcher for platform %q", p)
	}
}

// parsePrice coerces the numeric strings platform APIs emit ("599.00")
// into decimals. Plain numbers pass through.
func parsePrice(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("price %q is not numeric", s)
		}
		return v, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("unparseable price %s", string(raw))
	}
	return f, nil
}

// oversizeItem wraps a listing body truncated at the size cap so the
// pipeline can spool it for review instead of parsing it.
func oversizeItem(src model.Source, r *model.Roaster, body []byte, stats Stats) ProductItem {
	return ProductItem{
		Artifact: model.Artifact{
			Source:        src,
			RoasterDomain: r.Hostname,
			ScrapedAt:     time.Now().UTC(),
		},
		Raw:      append([]byte(nil), body...),
		Stats:    stats,
		Oversize: true,
	}
}

// pageCapErr is the permanent error raised when pagination exceeds the cap.
func pageCapErr(host string, cap int) error {
	return errs.E(errs.KindPermanentHTTP, "fetch.discover",
		fmt.Errorf("%s: pagination exceeded %d pages", host, cap))
}
