// Package artifact validates fetched payloads against the canonical
// schema and persists every payload, valid or not, for replay.
package artifact

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
)

// knownRoastWords and knownProcessWords drive warning-level checks only;
// the normalizer owns the real vocabulary.
var knownRoastWords = []string{"light", "medium", "dark", "city", "french", "espresso", "filter", "omni"}
var knownProcessWords = []string{"washed", "natural", "honey", "anaerobic", "wet", "dry", "carbonic", "pulped"}

// Validate checks a canonical artifact. Violations of required shape
// return a validation error (the artifact is quarantined); soft issues
// come back as warnings and the artifact passes. Validation is pure.
func Validate(a *model.Artifact) ([]string, error) {
	var problems []string
	var warnings []string

	if !a.Source.Valid() {
		problems = append(problems, fmt.Sprintf("source %q is not a known source", a.Source))
	}
	if a.RoasterDomain == "" {
		problems = append(problems, "roaster_domain is required")
	}
	if a.ScrapedAt.IsZero() {
		problems = append(problems, "scraped_at is required")
	}

	p := &a.Product
	if p.PlatformProductID == "" {
		problems = append(problems, "product.platform_product_id is required")
	}
	if p.Title == "" {
		problems = append(problems, "product.title is required")
	}
	if p.SourceURL == "" {
		problems = append(problems, "product.source_url is required")
	} else if u, err := url.Parse(p.SourceURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("product.source_url %q is not a valid URI", p.SourceURL))
	}

	if len(p.Variants) == 0 {
		problems = append(problems, "product must have at least one variant")
	}
	for i, v := range p.Variants {
		if v.PlatformVariantID == "" {
			problems = append(problems, fmt.Sprintf("variant[%d].platform_variant_id is required", i))
		}
		if v.Price <= 0 {
			problems = append(problems, fmt.Sprintf("variant[%d].price is required", i))
		}
		if !v.WeightUnit.Valid() {
			problems = append(problems, fmt.Sprintf("variant[%d].weight_unit %q is not one of g/kg/oz", i, v.WeightUnit))
		}
		if v.Currency == "" {
			warnings = append(warnings, fmt.Sprintf("variant[%d] has no currency", i))
		}
	}
	if len(p.Variants) == 1 {
		warnings = append(warnings, "single-variant product")
	}

	if len(p.Images) == 0 {
		warnings = append(warnings, "no images")
	}
	if len(p.Tags) == 0 {
		warnings = append(warnings, "no tags")
	}
	if p.DescriptionHTML == "" {
		warnings = append(warnings, "no description")
	}

	// Unknown roast/process wording is kept raw; the normalizer decides.
	haystack := strings.ToLower(p.Title + " " + strings.Join(p.Tags, " "))
	if mentionsAny(haystack, "roast") && !mentionsAny(haystack, knownRoastWords...) {
		warnings = append(warnings, "unrecognized roast wording")
	}
	if mentionsAny(haystack, "process") && !mentionsAny(haystack, knownProcessWords...) {
		warnings = append(warnings, "unrecognized process wording")
	}

	if len(problems) > 0 {
		return warnings, errs.E(errs.KindValidation, "artifact.validate",
			fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return warnings, nil
}

func mentionsAny(haystack string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}
