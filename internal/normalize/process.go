package normalize

import (
	"regexp"

	"github.com/roastwatch/roastwatch/internal/model"
)

type processRule struct {
	re         *regexp.Regexp
	process    model.Process
	confidence float64
}

// processRules is ordered so compound methods win over their base
// words: "anaerobic natural" is anaerobic, "pulped natural" is honey.
var processRules = []processRule{
	{regexp.MustCompile(`(?i)\banaerobic\b|\bcarbonic\s?maceration\b`), model.ProcessAnaerobic, 0.9},
	{regexp.MustCompile(`(?i)\bhoney[\s-]?(?:process(?:ed)?)?\b|\bpulped[\s-]?natural\b`), model.ProcessHoney, 0.9},
	{regexp.MustCompile(`(?i)\bwashed\b|\bwet[\s-]?process(?:ed)?\b`), model.ProcessWashed, 0.9},
	{regexp.MustCompile(`(?i)\bnatural\b|\bdry[\s-]?process(?:ed)?\b|\bsun[\s-]?dried\b`), model.ProcessNatural, 0.9},
}

// ParseProcess maps free-text processing wording onto the fixed
// vocabulary. Unmatched text yields other at low confidence.
func ParseProcess(text string) (model.Process, float64) {
	for _, r := range processRules {
		if r.re.MatchString(text) {
			return r.process, r.confidence
		}
	}
	return model.ProcessOther, 0.2
}

// ValidProcess reports whether s is a member of the process vocabulary.
func ValidProcess(s string) (model.Process, bool) {
	switch model.Process(s) {
	case model.ProcessWashed, model.ProcessNatural, model.ProcessHoney,
		model.ProcessAnaerobic, model.ProcessOther:
		return model.Process(s), true
	}
	return "", false
}
