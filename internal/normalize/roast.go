package normalize

import (
	"regexp"

	"github.com/roastwatch/roastwatch/internal/model"
)

type roastRule struct {
	re         *regexp.Regexp
	level      model.RoastLevel
	confidence float64
}

// roastRules is an ordered precedence table. Compound phrases come
// before their component words so "medium-dark" never resolves as
// "medium". Classic trade names ("full city", "city+", "french") map
// onto the fixed vocabulary; bare "city" grades carry low confidence
// because usage varies between roasters.
var roastRules = []roastRule{
	{regexp.MustCompile(`(?i)\blight[\s-]?medium\b|\bmedium[\s-]?light\b`), model.RoastLightMedium, 0.9},
	{regexp.MustCompile(`(?i)\bmedium[\s-]?dark\b|\bdark[\s-]?medium\b`), model.RoastMediumDark, 0.9},
	{regexp.MustCompile(`(?i)\bfull\s?city\+?\b|\bvienna\b`), model.RoastMediumDark, 0.85},
	{regexp.MustCompile(`(?i)\bfrench\s?roast\b|\bitalian\s?roast\b`), model.RoastDark, 0.9},
	{regexp.MustCompile(`(?i)\blight\b|\bblonde\b|\bcinnamon\s?roast\b`), model.RoastLight, 0.9},
	{regexp.MustCompile(`(?i)\bdark\b`), model.RoastDark, 0.9},
	{regexp.MustCompile(`(?i)\bmedium\b`), model.RoastMedium, 0.9},
	{regexp.MustCompile(`(?i)\bcity\+?\b`), model.RoastMedium, 0.55},
}

// ParseRoast maps free-text roast wording onto the fixed vocabulary.
// Unmatched text yields unknown at low confidence so the LLM fallback
// can take over.
func ParseRoast(text string) (model.RoastLevel, float64) {
	for _, r := range roastRules {
		if r.re.MatchString(text) {
			return r.level, r.confidence
		}
	}
	return model.RoastUnknown, 0.2
}

// ValidRoast reports whether s is a member of the roast vocabulary.
// Used to vet LLM-suggested values before applying them.
func ValidRoast(s string) (model.RoastLevel, bool) {
	switch model.RoastLevel(s) {
	case model.RoastLight, model.RoastLightMedium, model.RoastMedium,
		model.RoastMediumDark, model.RoastDark, model.RoastUnknown:
		return model.RoastLevel(s), true
	}
	return "", false
}
