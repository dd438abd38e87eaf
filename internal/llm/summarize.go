package llm

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer condenses conversation history for the memory engine.
type Summarizer struct {
	client *Client
}

func NewSummarizer(client *Client) *Summarizer {
	return &Summarizer{client: client}
}

const summarizeInstruction = `Summarize the customer support conversation below in at ` +
	`most 150 words. Preserve: the customer's issue, key facts (order numbers, error ` +
	`messages, product names), actions already taken, and any unresolved questions. ` +
	`Write in third person, plain prose, no preamble.`

// Summarize produces an updated summary from the previous one plus the
// messages being condensed. Runs with low temperature for stable output.
func (s *Summarizer) Summarize(ctx context.Context, previous string, messages []Message) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\nNew messages:\n")
	}
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, promptMaxMsgChars))
	}

	resp, perr := s.client.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: summarizeInstruction},
			{Role: "user", Content: b.String()},
		},
		Options: map[string]interface{}{
			OptMaxTokens:   300,
			OptTemperature: 0.1,
		},
	})
	if perr != nil {
		return "", perr
	}
	return strings.TrimSpace(resp.Content), nil
}
