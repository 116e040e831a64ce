package normalize

import (
	"strings"

	"github.com/roastwatch/roastwatch/internal/model"
)

// denyWords marks products that are definitely not coffee beans. The
// deny list is checked first so "coffee mug" stays a mug.
var denyWords = []string{
	"mug", "grinder", "subscription", "gift card", "giftcard", "voucher",
	"training", "workshop", "course", "equipment", "brewer", "kettle",
	"filter paper", "paper filter", "dripper", "tumbler", "t-shirt",
	"tshirt", "apparel", "tote", "machine", "scale", "cleaner", "carafe",
	"server", "sampler kit", "merch",
}

// allowWords are strong coffee signals in title, type, or tags.
var allowWords = []string{
	"single origin", "single-origin", "single estate", "whole bean",
	"wholebean", "roasted", "espresso", "filter coffee", "arabica",
	"robusta", "liberica", "washed", "natural process", "honey process",
	"peaberry", "estate", "micro lot", "microlot", "blend",
}

// ClassifyProduct decides whether a product is coffee. The platform
// product-type field is the most reliable signal when present; the
// allow/deny word lists cover stores that leave it blank.
func ClassifyProduct(p *model.Product) (bool, float64) {
	ptype := strings.ToLower(p.ProductType)
	haystack := strings.ToLower(p.Title + " " + p.ProductType + " " + strings.Join(p.Tags, " "))

	for _, w := range denyWords {
		if strings.Contains(haystack, w) {
			return false, 0.9
		}
	}
	if ptype != "" {
		if strings.Contains(ptype, "coffee") || strings.Contains(ptype, "beans") {
			return true, 0.95
		}
		if strings.Contains(ptype, "merchandise") || strings.Contains(ptype, "accessor") {
			return false, 0.9
		}
	}
	for _, w := range allowWords {
		if strings.Contains(haystack, w) {
			return true, 0.9
		}
	}
	if strings.Contains(haystack, "coffee") {
		return true, 0.7
	}
	// No signal either way. Variants with pack weights look like beans.
	for _, v := range p.Variants {
		if v.Grams > 0 {
			return true, 0.6
		}
	}
	return false, 0.5
}
