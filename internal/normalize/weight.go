package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/roastwatch/roastwatch/internal/model"
)

const (
	gramsPerOunce = 28.3495
	gramsPerPound = 453.592
)

// weightRe matches a numeric weight followed by a recognized unit word.
var weightRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(kgs?|kilos?|kilograms?|gms?|grams?|g|lbs?|pounds?|oz|ounces?)\b`)

type weightCandidate struct {
	grams      int
	confidence float64
	origin     string
}

// ParseWeight resolves a variant's pack weight in grams. Candidates in
// confidence order: explicit grams field, variant options, title,
// description. Multiple disagreeing candidates keep the strongest and
// record a warning.
func ParseWeight(v *model.Variant, title, description string) (int, float64, []string) {
	var cands []weightCandidate

	if v.Grams > 0 {
		grams := v.Grams
		switch v.WeightUnit {
		case model.UnitKilogram:
			grams = v.Grams * 1000
		case model.UnitOunce:
			grams = roundGrams(float64(v.Grams) * gramsPerOunce)
		}
		cands = append(cands, weightCandidate{grams, 1.0, "grams field"})
	}
	for _, opt := range v.Options {
		if g, ok := gramsFromText(opt); ok {
			cands = append(cands, weightCandidate{g, 0.9, "options"})
		}
	}
	if g, ok := gramsFromText(v.Title); ok {
		cands = append(cands, weightCandidate{g, 0.9, "variant title"})
	}
	if g, ok := gramsFromText(title); ok {
		cands = append(cands, weightCandidate{g, 0.7, "title"})
	}
	if len(cands) == 0 && description != "" {
		if g, ok := gramsFromText(description); ok {
			cands = append(cands, weightCandidate{g, 0.5, "description"})
		}
	}

	if len(cands) == 0 {
		return 0, 0.2, []string{"no pack weight found"}
	}

	best := cands[0]
	var warnings []string
	for _, c := range cands[1:] {
		if c.confidence > best.confidence {
			best = c
		}
	}
	for _, c := range cands {
		if c.grams != best.grams {
			warnings = append(warnings,
				fmt.Sprintf("ambiguous pack weight: %dg (%s) vs %dg (%s)", best.grams, best.origin, c.grams, c.origin))
			break
		}
	}
	return best.grams, best.confidence, warnings
}

// gramsFromText extracts the first weight expression in s as integer
// grams.
func gramsFromText(s string) (int, bool) {
	m := weightRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2])[0] {
	case 'k':
		return roundGrams(val * 1000), true
	case 'o':
		return roundGrams(val * gramsPerOunce), true
	case 'l', 'p':
		return roundGrams(val * gramsPerPound), true
	default:
		return roundGrams(val), true
	}
}

func roundGrams(f float64) int {
	return int(math.Round(f))
}
