package normalize

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
)

// Field names used in confidence maps, LLM cache keys, and enrichment
// records.
const (
	FieldRoast   = "roast_level"
	FieldProcess = "process"
	FieldSpecies = "species"
)

// DefaultConfidenceFloor is the per-field threshold below which the
// LLM fallback is consulted.
const DefaultConfidenceFloor = 0.7

// autoApplyConfidence gates whether an LLM suggestion replaces the
// deterministic value or only rides along for review.
const autoApplyConfidence = 0.70

// EnrichRequest asks the LLM layer to resolve one ambiguous field.
type EnrichRequest struct {
	Roaster     *model.Roaster
	RawHash     string
	Field       string
	ContextText string
}

// EnrichResult is the LLM layer's answer for one field.
type EnrichResult struct {
	Value      string
	Confidence float64
	Cached     bool
	TokensUsed int
}

// Enricher resolves ambiguous fields. A nil Enricher disables the
// fallback entirely.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichRequest) (EnrichResult, error)
}

// Normalizer composes the ordered parsers into a pipeline.
type Normalizer struct {
	enricher Enricher
	floors   map[string]float64
}

// New builds a Normalizer. enricher may be nil.
func New(enricher Enricher) *Normalizer {
	return &Normalizer{
		enricher: enricher,
		floors: map[string]float64{
			FieldRoast:   DefaultConfidenceFloor,
			FieldProcess: DefaultConfidenceFloor,
			FieldSpecies: DefaultConfidenceFloor,
		},
	}
}

// SetFloor overrides the confidence floor for one field.
func (n *Normalizer) SetFloor(field string, floor float64) {
	n.floors[field] = floor
}

// Normalize runs the full parser chain over one canonical artifact.
// It never fails on bad input; everything it cannot resolve becomes a
// warning plus a low-confidence value, and the review gate decides the
// final processing status.
func (n *Normalizer) Normalize(ctx context.Context, r *model.Roaster, art *model.Artifact, rawHash string) *model.NormalizedProduct {
	p := &art.Product
	np := &model.NormalizedProduct{
		RoasterID:         r.ID,
		PlatformProductID: p.PlatformProductID,
		SourceURL:         p.SourceURL,
		NameClean:         CleanTitle(p.Title),
		RawPayloadHash:    rawHash,
		RawMeta:           p.RawMeta,
		Confidence:        map[string]float64{},
		Status:            model.StatusOk,
	}

	isCoffee, conf := ClassifyProduct(p)
	np.IsCoffee = isCoffee
	np.Confidence["is_coffee"] = conf
	if !isCoffee {
		// Recorded so rediscovery is cheap, but never normalized
		// further or persisted as a coffee.
		np.ContentHash = ContentHash(np)
		return np
	}

	np.DescriptionMD = CleanDescription(p.DescriptionHTML)
	np.TagsNormalized = NormalizeTags(p.Tags)
	np.Images = p.Images

	haystack := np.NameClean + " " + strings.Join(np.TagsNormalized, " ") + " " + np.DescriptionMD

	np.RoastLevel, np.Confidence[FieldRoast] = ParseRoast(haystack)
	np.Process, np.Confidence[FieldProcess] = ParseProcess(haystack)
	np.Species, np.Confidence[FieldSpecies] = ParseSpecies(haystack)
	np.Varieties = extractVarieties(haystack)

	var geoConf float64
	np.Region, np.Country, np.AltitudeM, geoConf = ExtractGeo(haystack)
	np.Confidence["geo"] = geoConf

	n.normalizeVariants(np, p)
	forceReview := n.enrich(ctx, r, np, haystack)

	if forceReview || len(np.Warnings) >= 2 {
		np.Status = model.StatusReview
	}
	np.ContentHash = ContentHash(np)
	return np
}

// normalizeVariants resolves weight and grind per variant and picks
// the product-level defaults.
func (n *Normalizer) normalizeVariants(np *model.NormalizedProduct, p *model.Product) {
	weightVotes := map[int]int{}
	for i := range p.Variants {
		v := &p.Variants[i]
		grams, _, warns := ParseWeight(v, p.Title, p.DescriptionHTML)
		np.Warnings = append(np.Warnings, warns...)

		grind, _ := ParseGrind(v.Options, v.Title)
		np.Variants = append(np.Variants, model.NormalizedVariant{
			PlatformVariantID: v.PlatformVariantID,
			SKU:               v.SKU,
			WeightG:           grams,
			Grind:             grind,
			Price:             v.Price,
			Currency:          v.Currency,
			InStock:           v.InStock,
			IsSale:            v.IsSale(),
		})
		if grams > 0 {
			weightVotes[grams]++
		}
	}

	np.DefaultPackWeightG = mostCommonWeight(weightVotes)
	if len(np.Variants) > 0 {
		np.DefaultGrind = np.Variants[0].Grind
	}
}

// enrich consults the LLM for fields under their confidence floor.
// Returns true when something still needs human review afterwards.
func (n *Normalizer) enrich(ctx context.Context, r *model.Roaster, np *model.NormalizedProduct, haystack string) (needsReview bool) {
	if n.enricher == nil || !r.LLMEnabled {
		return false
	}

	for _, field := range []string{FieldRoast, FieldProcess, FieldSpecies} {
		if np.Confidence[field] >= n.floors[field] {
			continue
		}
		res, err := n.enricher.Enrich(ctx, EnrichRequest{
			Roaster:     r,
			RawHash:     np.RawPayloadHash,
			Field:       field,
			ContextText: haystack,
		})
		if err != nil {
			if errs.KindOf(err) == errs.KindLLMBudget {
				// Budget exhaustion leaves a core field unresolved.
				np.Warnings = append(np.Warnings, field+": llm budget exhausted")
				needsReview = true
				continue
			}
			log.Warn().Int64("roaster", r.ID).Str("field", field).Err(err).Msg("llm enrichment failed")
			np.Warnings = append(np.Warnings, field+": llm enrichment failed")
			continue
		}

		if res.Confidence >= autoApplyConfidence && n.apply(np, field, res.Value) {
			np.Confidence[field] = res.Confidence
			if np.Enrichment == nil {
				np.Enrichment = map[string]string{}
			}
			np.Enrichment[field] = res.Value
			continue
		}

		// Below the auto-apply bar the raw value stands and the
		// suggestion rides along for a human.
		if np.Enrichment == nil {
			np.Enrichment = map[string]string{}
		}
		np.Enrichment[field] = res.Value
		np.Warnings = append(np.Warnings, field+": llm suggestion below auto-apply confidence")
		needsReview = true
	}
	return needsReview
}

// apply vets an LLM suggestion against the field's vocabulary before
// accepting it.
func (n *Normalizer) apply(np *model.NormalizedProduct, field, value string) bool {
	switch field {
	case FieldRoast:
		if v, ok := ValidRoast(value); ok {
			np.RoastLevel = v
			return true
		}
	case FieldProcess:
		if v, ok := ValidProcess(value); ok {
			np.Process = v
			return true
		}
	case FieldSpecies:
		if v, ok := ValidSpecies(value); ok {
			np.Species = v
			return true
		}
	}
	np.Warnings = append(np.Warnings, field+": llm returned out-of-vocabulary value")
	return false
}

func mostCommonWeight(votes map[int]int) int {
	best, bestN := 0, 0
	weights := make([]int, 0, len(votes))
	for w := range votes {
		weights = append(weights, w)
	}
	sort.Ints(weights)
	for _, w := range weights {
		if votes[w] > bestN {
			best, bestN = w, votes[w]
		}
	}
	return best
}

// knownVarieties is scanned in order; matching is case-insensitive
// substring.
var knownVarieties = []string{
	"gesha", "geisha", "bourbon", "typica", "caturra", "catuai",
	"pacamara", "maragogipe", "sl28", "sl34", "ruiru 11", "batian",
	"kent", "s795", "s9", "catimor", "chandragiri", "heirloom",
	"castillo", "pink bourbon", "java", "mundo novo",
}

func extractVarieties(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	seen := map[string]bool{}
	for _, v := range knownVarieties {
		if strings.Contains(lower, v) && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
