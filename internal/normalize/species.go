package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/roastwatch/roastwatch/internal/model"
)

var (
	arabicaPctRe = regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*arabica|arabica\s*[:\-]?\s*(\d{1,3})\s*%`)
	robustaPctRe = regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*robusta|robusta\s*[:\-]?\s*(\d{1,3})\s*%`)
)

// ParseSpecies detects the bean species. Explicit percentage blends
// encode both shares ("arabica_80_robusta_20"); plain mentions resolve
// to the species; mixed mentions without percentages are a blend.
func ParseSpecies(text string) (model.Species, float64) {
	a := pctOf(arabicaPctRe, text)
	r := pctOf(robustaPctRe, text)
	if a > 0 && r > 0 {
		return model.Species(fmt.Sprintf("arabica_%d_robusta_%d", a, r)), 0.95
	}

	lower := strings.ToLower(text)
	hasArabica := strings.Contains(lower, "arabica")
	hasRobusta := strings.Contains(lower, "robusta")
	hasLiberica := strings.Contains(lower, "liberica")

	switch {
	case hasArabica && !hasRobusta && !hasLiberica:
		return model.SpeciesArabica, 0.9
	case hasRobusta && !hasArabica && !hasLiberica:
		return model.SpeciesRobusta, 0.9
	case hasLiberica && !hasArabica && !hasRobusta:
		return model.SpeciesLiberica, 0.9
	case hasArabica || hasRobusta || hasLiberica:
		return model.SpeciesBlend, 0.8
	case strings.Contains(lower, "blend"):
		return model.SpeciesBlend, 0.7
	}
	return model.SpeciesUnknown, 0.3
}

func pctOf(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		n, err := strconv.Atoi(g)
		if err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return 0
}

// ValidSpecies accepts vocabulary members and well-formed percentage
// blend encodings.
func ValidSpecies(s string) (model.Species, bool) {
	switch sp := model.Species(strings.ToLower(s)); sp {
	case model.SpeciesArabica, model.SpeciesRobusta, model.SpeciesLiberica,
		model.SpeciesBlend, model.SpeciesUnknown:
		return sp, true
	}
	if blendEncodingRe.MatchString(s) {
		return model.Species(strings.ToLower(s)), true
	}
	return "", false
}

var blendEncodingRe = regexp.MustCompile(`^(?i)arabica_\d{1,3}_robusta_\d{1,3}$`)
