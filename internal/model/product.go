package model

import "time"

// NormalizedProduct is the output of the normalizer pipeline for one
// canonical artifact. Enum fields carry a per-field confidence so the
// LLM fallback and the review gate can reason about them.
type NormalizedProduct struct {
	RoasterID         int64   `json:"roaster_id"`
	PlatformProductID string  `json:"platform_product_id"`
	SourceURL         string  `json:"source_url"`
	IsCoffee          bool    `json:"is_coffee"`
	NameClean         string  `json:"name_clean"`
	DescriptionMD     string  `json:"description_md,omitempty"`
	TagsNormalized    []string `json:"tags_normalized,omitempty"`

	RoastLevel RoastLevel `json:"roast_level"`
	Process    Process    `json:"process"`
	Species    Species    `json:"species"`
	Varieties  []string   `json:"varieties,omitempty"`
	Region     string     `json:"region,omitempty"`
	Country    string     `json:"country,omitempty"`
	AltitudeM  int        `json:"altitude_m,omitempty"`

	DefaultPackWeightG int   `json:"default_pack_weight_g,omitempty"`
	DefaultGrind       Grind `json:"default_grind"`

	Variants []NormalizedVariant `json:"variants"`
	Images   []ImageRef          `json:"images,omitempty"`

	ContentHash    string             `json:"content_hash"`
	RawPayloadHash string             `json:"raw_payload_hash"`
	Confidence     map[string]float64 `json:"confidence,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
	Enrichment     map[string]string  `json:"enrichment,omitempty"`
	RawMeta        map[string]any     `json:"raw_meta,omitempty"`
	Status         ProcessingStatus   `json:"status"`
}

// NormalizedVariant is a variant after weight and grind resolution.
type NormalizedVariant struct {
	PlatformVariantID string  `json:"platform_variant_id"`
	SKU               string  `json:"sku,omitempty"`
	WeightG           int     `json:"weight_g,omitempty"`
	Grind             Grind   `json:"grind"`
	Price             float64 `json:"price"`
	Currency          string  `json:"currency"`
	InStock           bool    `json:"in_stock"`
	IsSale            bool    `json:"is_sale"`
}

// PricePoint is one append-only record of a variant's price.
type PricePoint struct {
	VariantID int64     `json:"variant_id" db:"variant_id"`
	Price     float64   `json:"price" db:"price"`
	Currency  string    `json:"currency" db:"currency"`
	IsSale    bool      `json:"is_sale" db:"is_sale"`
	ScrapedAt time.Time `json:"scraped_at" db:"scraped_at"`
	SourceURL string    `json:"source_url" db:"source_url"`
}

// Image is a persisted, CDN-backed product image. (coffeeID, ContentHash)
// is unique; the same hash across coffees shares one CDN upload.
type Image struct {
	CoffeeID    int64  `json:"coffee_id" db:"coffee_id"`
	SourceURL   string `json:"source_url" db:"source_url"`
	CDNURL      string `json:"cdn_url" db:"cdn_url"`
	ContentHash string `json:"content_hash" db:"content_hash"`
	Width       int    `json:"width" db:"width"`
	Height      int    `json:"height" db:"height"`
	Alt         string `json:"alt,omitempty" db:"alt"`
	SortOrder   int    `json:"sort_order" db:"sort_order"`
}
