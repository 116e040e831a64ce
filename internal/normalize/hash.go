package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/roastwatch/roastwatch/internal/model"
)

// hashProjection is the canonical subset of a normalized product that
// participates in change detection. Prices, stock, and timestamps are
// deliberately absent so the price-only path never sees a metadata
// change. Field order is fixed by the struct, variant and image order
// by explicit sorts, and text fields are already NFC-cleaned, which
// together give the stability the write path relies on.
type hashProjection struct {
	PlatformProductID  string            `json:"platform_product_id"`
	IsCoffee           bool              `json:"is_coffee"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Tags               []string          `json:"tags"`
	RoastLevel         model.RoastLevel  `json:"roast_level"`
	Process            model.Process     `json:"process"`
	Species            model.Species     `json:"species"`
	Varieties          []string          `json:"varieties"`
	Region             string            `json:"region"`
	Country            string            `json:"country"`
	AltitudeM          int               `json:"altitude_m"`
	DefaultPackWeightG int               `json:"default_pack_weight_g"`
	DefaultGrind       model.Grind       `json:"default_grind"`
	Variants           []variantHashPart `json:"variants"`
	Images             []imageHashPart   `json:"images"`
}

type variantHashPart struct {
	PlatformVariantID string      `json:"platform_variant_id"`
	SKU               string      `json:"sku"`
	WeightG           int         `json:"weight_g"`
	Grind             model.Grind `json:"grind"`
}

type imageHashPart struct {
	URL       string `json:"url"`
	Alt       string `json:"alt"`
	SortOrder int    `json:"sort_order"`
}

// ContentHash fingerprints a normalized product's metadata.
func ContentHash(np *model.NormalizedProduct) string {
	proj := hashProjection{
		PlatformProductID:  np.PlatformProductID,
		IsCoffee:           np.IsCoffee,
		Name:               np.NameClean,
		Description:        np.DescriptionMD,
		Tags:               append([]string{}, np.TagsNormalized...),
		RoastLevel:         np.RoastLevel,
		Process:            np.Process,
		Species:            np.Species,
		Varieties:          append([]string{}, np.Varieties...),
		Region:             np.Region,
		Country:            np.Country,
		AltitudeM:          np.AltitudeM,
		DefaultPackWeightG: np.DefaultPackWeightG,
		DefaultGrind:       np.DefaultGrind,
	}
	sort.Strings(proj.Tags)
	sort.Strings(proj.Varieties)

	for _, v := range np.Variants {
		proj.Variants = append(proj.Variants, variantHashPart{
			PlatformVariantID: v.PlatformVariantID,
			SKU:               v.SKU,
			WeightG:           v.WeightG,
			Grind:             v.Grind,
		})
	}
	sort.Slice(proj.Variants, func(i, j int) bool {
		return proj.Variants[i].PlatformVariantID < proj.Variants[j].PlatformVariantID
	})

	for _, img := range np.Images {
		proj.Images = append(proj.Images, imageHashPart{URL: img.URL, Alt: img.Alt, SortOrder: img.SortOrder})
	}
	sort.Slice(proj.Images, func(i, j int) bool {
		if proj.Images[i].SortOrder != proj.Images[j].SortOrder {
			return proj.Images[i].SortOrder < proj.Images[j].SortOrder
		}
		return proj.Images[i].URL < proj.Images[j].URL
	})

	// Marshal cannot fail for this shape.
	raw, _ := json.Marshal(proj)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
