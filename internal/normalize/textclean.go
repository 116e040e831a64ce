// Package normalize turns canonical artifacts into normalized products
// with stable enums and a content hash. Parsers are ordered and
// deterministic; an LLM fallback runs only for low-confidence fields.
package normalize

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// maxDescriptionChars bounds cleaned descriptions so pathological pages
// cannot bloat rows or hashes.
const maxDescriptionChars = 20000

var (
	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)

	smartQuotes = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		"–", "-", "—", "-",
		" ", " ",
	)
)

// CleanTitle strips markup and entities from a title and collapses
// whitespace. Titles are single-line.
func CleanTitle(s string) string {
	s = stripTags(s)
	s = smartQuotes.Replace(html.UnescapeString(s))
	s = norm.NFC.String(s)
	s = whitespaceRe.ReplaceAllString(strings.ReplaceAll(s, "\n", " "), " ")
	return strings.TrimSpace(s)
}

// CleanDescription converts product HTML into plain markdown-ish text:
// entities decoded, NFC-normalized, smart punctuation replaced, block
// elements separated by newlines, capped at 20k characters.
func CleanDescription(htmlSrc string) string {
	if htmlSrc == "" {
		return ""
	}
	var b strings.Builder
	tok := xhtml.NewTokenizer(strings.NewReader(htmlSrc))
	listDepth := 0
	for {
		tt := tok.Next()
		if tt == xhtml.ErrorToken {
			break
		}
		switch tt {
		case xhtml.TextToken:
			b.WriteString(string(tok.Text()))
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "p", "div", "section", "table", "tr":
				b.WriteString("\n")
			case "br":
				b.WriteString("\n")
			case "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n\n")
			case "li":
				b.WriteString("\n- ")
			case "ul", "ol":
				listDepth++
			case "script", "style":
				skipUntilClose(tok, string(name))
			}
		case xhtml.EndTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n")
			case "ul", "ol":
				if listDepth > 0 {
					listDepth--
				}
				b.WriteString("\n")
			}
		}
	}

	s := smartQuotes.Replace(html.UnescapeString(b.String()))
	s = norm.NFC.String(s)
	s = whitespaceRe.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > maxDescriptionChars {
		// Back off to a rune boundary so the cut never splits UTF-8.
		cut := maxDescriptionChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// NormalizeTags lowercases, trims, dedupes, and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(CleanTitle(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	tok := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		tt := tok.Next()
		if tt == xhtml.ErrorToken {
			break
		}
		if tt == xhtml.TextToken {
			b.WriteString(string(tok.Text()))
		}
	}
	return b.String()
}

func skipUntilClose(tok *xhtml.Tokenizer, tag string) {
	for {
		tt := tok.Next()
		if tt == xhtml.ErrorToken {
			return
		}
		if tt == xhtml.EndTagToken {
			name, _ := tok.TagName()
			if string(name) == tag {
				return
			}
		}
	}
}
