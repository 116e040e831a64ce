package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// knownRegions maps growing regions to their country. Matching is a
// plain substring scan; there is no geocoding.
var knownRegions = map[string]string{
	"yirgacheffe": "Ethiopia",
	"sidamo":      "Ethiopia",
	"sidama":      "Ethiopia",
	"guji":        "Ethiopia",
	"harrar":      "Ethiopia",
	"chikmagalur": "India",
	"coorg":       "India",
	"kodagu":      "India",
	"araku":       "India",
	"baba budan":  "India",
	"nilgiris":    "India",
	"shevaroys":   "India",
	"huila":       "Colombia",
	"antioquia":   "Colombia",
	"narino":      "Colombia",
	"cerrado":     "Brazil",
	"minas gerais": "Brazil",
	"antigua":     "Guatemala",
	"tarrazu":     "Costa Rica",
	"nyeri":       "Kenya",
	"kirinyaga":   "Kenya",
	"bolaven":     "Laos",
	"chiapas":     "Mexico",
}

var knownCountries = []string{
	"Ethiopia", "India", "Colombia", "Brazil", "Kenya", "Guatemala",
	"Costa Rica", "El Salvador", "Honduras", "Nicaragua", "Panama",
	"Peru", "Mexico", "Rwanda", "Burundi", "Uganda", "Tanzania",
	"Indonesia", "Vietnam", "Laos", "Myanmar", "Papua New Guinea",
	"Yemen", "Ecuador", "Bolivia",
}

var regionNames = func() []string {
	names := make([]string, 0, len(knownRegions))
	for r := range knownRegions {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}()

var altitudeRe = regexp.MustCompile(`(?i)(\d{3,4})\s*(?:-|to|–)?\s*(\d{3,4})?\s*(?:m\b|masl\b|meters?\b|metres?\b)`)

// ExtractGeo pulls region, country, and altitude hints out of free
// text. Region implies country when the text names no country itself.
func ExtractGeo(text string) (region, country string, altitudeM int, confidence float64) {
	lower := strings.ToLower(text)

	// Region names are scanned in sorted order so multi-region text
	// always resolves the same way.
	for _, r := range regionNames {
		if strings.Contains(lower, r) {
			region = titleCaser.String(r)
			country = knownRegions[r]
			confidence = 0.85
			break
		}
	}
	for _, c := range knownCountries {
		if strings.Contains(lower, strings.ToLower(c)) {
			country = c
			if confidence < 0.8 {
				confidence = 0.8
			}
			break
		}
	}

	if m := altitudeRe.FindStringSubmatch(text); m != nil {
		lo, _ := strconv.Atoi(m[1])
		altitudeM = lo
		if m[2] != "" {
			hi, _ := strconv.Atoi(m[2])
			altitudeM = (lo + hi) / 2
		}
		// Growing altitudes live well under 3000m; anything else is a
		// false positive like a postcode.
		if altitudeM < 300 || altitudeM > 3000 {
			altitudeM = 0
		}
	}

	if confidence == 0 {
		confidence = 0.3
	}
	return region, country, altitudeM, confidence
}
