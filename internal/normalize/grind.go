package normalize

import (
	"regexp"
	"strings"

	"github.com/roastwatch/roastwatch/internal/model"
)

type grindRule struct {
	re    *regexp.Regexp
	grind model.Grind
}

// grindRules is ordered most-specific first; "south indian filter"
// must not resolve as plain filter.
var grindRules = []grindRule{
	{regexp.MustCompile(`(?i)\bwhole\s?beans?\b`), model.GrindWhole},
	{regexp.MustCompile(`(?i)\bsouth\s?indian(?:\s?filter)?\b`), model.GrindSouthIndian},
	{regexp.MustCompile(`(?i)\bcold\s?brew\b`), model.GrindColdBrew},
	{regexp.MustCompile(`(?i)\bfrench\s?press\b|\bplunger\b`), model.GrindFrenchPress},
	{regexp.MustCompile(`(?i)\bpour[\s-]?over\b|\bv60\b|\bchemex\b`), model.GrindPourOver},
	{regexp.MustCompile(`(?i)\baero\s?press\b`), model.GrindAeropress},
	{regexp.MustCompile(`(?i)\bmoka\s?pot\b|\bmoka\b`), model.GrindMoka},
	{regexp.MustCompile(`(?i)\bturkish\b`), model.GrindTurkish},
	{regexp.MustCompile(`(?i)\bespresso\s?grind\b|\bespresso\b`), model.GrindEspresso},
	{regexp.MustCompile(`(?i)\bomni\b`), model.GrindOmni},
	{regexp.MustCompile(`(?i)\bfilter\b|\bdrip\b`), model.GrindFilter},
}

// ParseGrind resolves a variant's grind from its options first, then
// its own title. Variants that say nothing default to whole bean at
// modest confidence, which is how coffee is usually sold.
func ParseGrind(options []string, variantTitle string) (model.Grind, float64) {
	haystacks := append(append([]string{}, options...), variantTitle)
	for _, r := range grindRules {
		for _, h := range haystacks {
			if r.re.MatchString(h) {
				return r.grind, 0.9
			}
		}
	}
	return model.GrindWhole, 0.5
}

// ValidGrind reports whether s is a member of the grind vocabulary.
func ValidGrind(s string) (model.Grind, bool) {
	switch g := model.Grind(strings.ToLower(s)); g {
	case model.GrindWhole, model.GrindFilter, model.GrindEspresso,
		model.GrindFrenchPress, model.GrindAeropress, model.GrindMoka,
		model.GrindTurkish, model.GrindSouthIndian, model.GrindColdBrew,
		model.GrindPourOver, model.GrindOmni, model.GrindOther:
		return g, true
	}
	return "", false
}
