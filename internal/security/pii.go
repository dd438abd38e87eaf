package security

import (
	"regexp"
	"strings"
)

// PII redaction. Patterns are applied in a fixed order so overlapping
// matches resolve deterministically; card candidates are Luhn-checked before
// replacement to avoid eating order numbers and tracking ids.

var (
	emailPattern = regexp.MustCompile(
		`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// International and local formats: +84 912 345 678, (555) 123-4567,
	// 555-123-4567. At least 9 digits total to skip short numbers.
	phonePattern = regexp.MustCompile(
		`(?:\+?\d{1,3}[ .\-]?)?(?:\(\d{2,4}\)[ .\-]?)?\d{2,4}[ .\-]\d{3,4}[ .\-]?\d{3,4}\b`)

	// National-id style tokens: 9 to 12 consecutive digits not already part
	// of a longer digit run.
	nationalIDPattern = regexp.MustCompile(`\b\d{9,12}\b`)

	// Card candidates: 13 to 19 digits with optional space/dash grouping.
	cardPattern = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)

	ipv4Pattern = regexp.MustCompile(
		`\b(?:(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d{2}|[1-9]?\d)\b`)

	// Full and compressed IPv6 forms with at least two groups.
	ipv6Pattern = regexp.MustCompile(
		`\b(?:[0-9a-fA-F]{1,4}:){2,7}(?::|[0-9a-fA-F]{1,4})\b`)
)

const (
	emailRedacted = "[EMAIL_REDACTED]"
	phoneRedacted = "[PHONE_REDACTED]"
	idRedacted    = "[ID_REDACTED]"
	cardRedacted  = "[CARD_REDACTED]"
	ipRedacted    = "[IP_REDACTED]"
)

// RedactPII replaces detected PII in content with typed placeholders.
// Applied before storage and before prompt assembly so raw PII never
// reaches the KV, the blob archive, or a provider.
func RedactPII(content string) string {
	if content == "" {
		return content
	}
	out := emailPattern.ReplaceAllString(content, emailRedacted)
	out = cardPattern.ReplaceAllStringFunc(out, func(m string) string {
		if luhnValid(m) {
			return cardRedacted
		}
		return m
	})
	out = ipv4Pattern.ReplaceAllString(out, ipRedacted)
	out = ipv6Pattern.ReplaceAllString(out, ipRedacted)
	out = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		if digitCount(m) >= 9 {
			return phoneRedacted
		}
		return m
	})
	out = nationalIDPattern.ReplaceAllString(out, idRedacted)
	return out
}

// ContainsPII reports whether content still matches any redaction pattern.
func ContainsPII(content string) bool {
	if emailPattern.MatchString(content) || ipv4Pattern.MatchString(content) ||
		ipv6Pattern.MatchString(content) || nationalIDPattern.MatchString(content) {
		return true
	}
	for _, m := range cardPattern.FindAllString(content, -1) {
		if luhnValid(m) {
			return true
		}
	}
	for _, m := range phonePattern.FindAllString(content, -1) {
		if digitCount(m) >= 9 {
			return true
		}
	}
	return false
}

// luhnValid checks the Luhn checksum over the digits of s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitCount(s string) int {
	return len(s) - len(strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return -1
		}
		return r
	}, s))
}
