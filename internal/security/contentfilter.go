package security

import (
	"regexp"
	"strings"
)

// BlockCategory labels why the content filter rejected a message. The
// category is safe to echo to users; the offending content never is.
type BlockCategory string

const (
	CategoryInjection BlockCategory = "prompt_injection"
	CategoryJailbreak BlockCategory = "jailbreak"
	CategoryTooLong   BlockCategory = "length"
)

// injectionPatterns match attempts to override the system instruction.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?|directives?)`),
	regexp.MustCompile(`(?i)disregard\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(?:all\s+|everything\s+)?(?:previous|prior|above|you\s+(?:know|were\s+told))`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)override\s+(?:your|the)\s+(?:instructions?|system\s+prompt|rules?)`),
}

// jailbreakPatterns match persona-switch and prompt-extraction attempts.
var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)roleplay\s+as\b`),
	regexp.MustCompile(`(?i)pretend\s+(?:to\s+be|you\s+are)\b`),
	regexp.MustCompile(`(?i)act\s+as\s+(?:if\s+you\s+(?:are|were)|an?\s+unrestricted)`),
	regexp.MustCompile(`(?i)you\s+are\s+(?:now\s+)?DAN\b`),
	regexp.MustCompile(`(?i)(?:reveal|show|print|repeat|output)\s+(?:your|the)\s+system\s+prompt`),
	regexp.MustCompile(`(?i)what\s+(?:is|are)\s+your\s+(?:system\s+)?(?:prompt|instructions)\b`),
	regexp.MustCompile(`(?i)developer\s+mode\s+enabled`),
}

// ContentFilter rejects messages matching injection or jailbreak patterns,
// or exceeding the length cap. Fail-closed: a caller that cannot run the
// filter must block the message.
type ContentFilter struct {
	maxChars int
}

// NewContentFilter builds a filter with the given length cap in characters.
func NewContentFilter(maxChars int) *ContentFilter {
	return &ContentFilter{maxChars: maxChars}
}

// Check returns the block category and false when content must be rejected.
// Length is counted in runes so multibyte text is not over-penalized.
func (f *ContentFilter) Check(content string) (BlockCategory, bool) {
	if f.maxChars > 0 && len([]rune(content)) > f.maxChars {
		return CategoryTooLong, false
	}
	normalized := normalizeForMatch(content)
	for _, p := range injectionPatterns {
		if p.MatchString(normalized) {
			return CategoryInjection, false
		}
	}
	for _, p := range jailbreakPatterns {
		if p.MatchString(normalized) {
			return CategoryJailbreak, false
		}
	}
	return "", true
}

// normalizeForMatch folds whitespace runs so padding does not dodge patterns.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
