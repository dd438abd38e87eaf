package security

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeInput prepares user text for the pipeline: HTML-entity-encodes
// markup characters, drops non-printing control characters, and normalizes
// whitespace. Runs after the content filter so filtering sees the raw text.
func SanitizeInput(content string) string {
	if content == "" {
		return content
	}
	out := html.EscapeString(content)
	out = stripControlChars(out)
	return normalizeWhitespace(out)
}

// stripControlChars removes control characters except newline and tab.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// normalizeWhitespace collapses runs of spaces and tabs, caps consecutive
// newlines at two, and trims the ends.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	spaceRun, newlineRun := 0, 0
	for _, r := range s {
		switch {
		case r == '\n':
			newlineRun++
			spaceRun = 0
			if newlineRun <= 2 {
				b.WriteRune(r)
			}
		case r == ' ' || r == '\t':
			spaceRun++
			if spaceRun == 1 {
				b.WriteRune(' ')
			}
		default:
			spaceRun, newlineRun = 0, 0
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
