package memory

import "strings"

// topicLexicon maps content keywords to canonical topics. Matching is on
// lowercase word boundaries via simple containment after tokenization.
var topicLexicon = map[string]string{
	"password":       "authentication",
	"login":          "authentication",
	"signin":         "authentication",
	"2fa":            "authentication",
	"authentication": "authentication",
	"authenticator":  "authentication",
	"invoice":        "billing",
	"billing":        "billing",
	"payment":        "billing",
	"refund":         "billing",
	"charge":         "billing",
	"subscription":   "billing",
	"card":           "billing",
	"account":        "account",
	"profile":        "account",
	"email":          "account",
	"username":       "account",
	"error":          "technical",
	"crash":          "technical",
	"bug":            "technical",
	"timeout":        "technical",
	"connection":     "technical",
	"slow":           "technical",
	"security":       "security",
	"breach":         "security",
	"phishing":       "security",
	"suspicious":     "security",
	"shipping":       "orders",
	"order":          "orders",
	"delivery":       "orders",
	"tracking":       "orders",
}

// extendTopics adds topics detected in content to the monotonic set.
func extendTopics(topics []string, content string) []string {
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		seen[t] = true
	}
	for _, word := range tokenize(content) {
		topic, ok := topicLexicon[word]
		if !ok || seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	return topics
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
