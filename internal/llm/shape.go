package llm

import (
	"log/slog"
	"regexp"
	"strings"
)

// Response shaping: assistant text is cleaned before it is stored or sent.

const maxResponseChars = 1000

// echoedInjectionPatterns match injection fragments a model sometimes
// repeats back from adversarial input.
var echoedInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above)\s+instructions[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)my\s+system\s+prompt\s+(?:is|says)[^.!?\n]*[.!?]?`),
	regexp.MustCompile(`(?i)\bas\s+an?\s+unrestricted\s+(?:ai|model)\b[^.!?\n]*[.!?]?`),
}

// sentenceTerminators are the characters a shaped response may end with.
const sentenceTerminators = ".!?…\"')]}"

// ShapeResponse cleans assistant text for delivery: strips echoed injection
// fragments, caps length at 1000 chars, and ensures the text ends on a
// sentence boundary.
func ShapeResponse(content string) string {
	if content == "" {
		return content
	}
	original := content

	for _, p := range echoedInjectionPatterns {
		content = p.ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)

	if runes := []rune(content); len(runes) > maxResponseChars {
		content = terminateAtSentence(string(runes[:maxResponseChars]))
	} else if content != "" && !strings.ContainsRune(sentenceTerminators, runes[len(runes)-1]) {
		content += "."
	}

	if content != original {
		slog.Debug("llm.response_shaped",
			"original_len", len(original), "shaped_len", len(content))
	}
	return content
}

// terminateAtSentence cuts back to the last sentence boundary within the
// capped text, or appends a period when none exists.
func terminateAtSentence(s string) string {
	cut := strings.LastIndexAny(s, ".!?")
	if cut > len(s)/2 {
		return strings.TrimSpace(s[:cut+1])
	}
	return strings.TrimSpace(s) + "."
}
