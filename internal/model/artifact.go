package model

import "time"

// RawArtifact is the immutable record of a single fetched payload.
// Artifacts are append-only; PayloadHash uniquely identifies byte-equal
// payloads so replays and LLM caching can key off it.
type RawArtifact struct {
	ID               string           `json:"artifact_id" db:"artifact_id"`
	RoasterID        int64            `json:"roaster_id" db:"roaster_id"`
	RunID            string           `json:"run_id" db:"run_id"`
	Source           Source           `json:"source" db:"source"`
	ScrapedAt        time.Time        `json:"scraped_at" db:"scraped_at"`
	Payload          []byte           `json:"-" db:"-"`
	PayloadHash      string           `json:"payload_hash" db:"payload_hash"`
	HTTPStatus       int              `json:"http_status" db:"http_status"`
	DownloadMs       int64            `json:"download_ms" db:"download_ms"`
	SizeBytes        int64            `json:"size_bytes" db:"size_bytes"`
	ValidationStatus ValidationStatus `json:"validation_status" db:"validation_status"`
	ValidationErrors []string         `json:"validation_errors,omitempty" db:"-"`
	NeedsReview      bool             `json:"needs_review" db:"needs_review"`
}

// Artifact is the canonical, validated shape of one fetched product.
type Artifact struct {
	Source        Source    `json:"source"`
	RoasterDomain string    `json:"roaster_domain"`
	ScrapedAt     time.Time `json:"scraped_at"`
	Product       Product   `json:"product"`
}

// Product is the product portion of a canonical artifact.
type Product struct {
	PlatformProductID string         `json:"platform_product_id"`
	Title             string         `json:"title"`
	Handle            string         `json:"handle,omitempty"`
	SourceURL         string         `json:"source_url"`
	ProductType       string         `json:"product_type,omitempty"`
	DescriptionHTML   string         `json:"description_html,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Variants          []Variant      `json:"variants"`
	Images            []ImageRef     `json:"images,omitempty"`
	RawMeta           map[string]any `json:"raw_meta,omitempty"`
}

// Variant is one purchasable variant inside a canonical artifact.
type Variant struct {
	PlatformVariantID string     `json:"platform_variant_id"`
	SKU               string     `json:"sku,omitempty"`
	Title             string     `json:"title,omitempty"`
	Price             float64    `json:"price"`
	Currency          string     `json:"currency"`
	CompareAtPrice    float64    `json:"compare_at_price,omitempty"`
	InStock           bool       `json:"in_stock"`
	Grams             int        `json:"grams,omitempty"`
	WeightUnit        WeightUnit `json:"weight_unit,omitempty"`
	Options           []string   `json:"options,omitempty"`
}

// IsSale reports whether the variant is currently discounted.
func (v *Variant) IsSale() bool {
	return v.CompareAtPrice > 0 && v.Price < v.CompareAtPrice
}

// ImageRef is a remote image reference inside a canonical artifact.
type ImageRef struct {
	URL       string `json:"url"`
	Alt       string `json:"alt,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// VariantPrice is the variants-only projection used by price-only runs.
type VariantPrice struct {
	PlatformVariantID string  `json:"platform_variant_id"`
	Price             float64 `json:"price"`
	Currency          string  `json:"currency"`
	CompareAtPrice    float64 `json:"compare_at_price,omitempty"`
	InStock           bool    `json:"in_stock"`
}

// PriceListing is one product row of a price-only listing pass.
type PriceListing struct {
	PlatformProductID string         `json:"platform_product_id"`
	Variants          []VariantPrice `json:"variants"`
}
