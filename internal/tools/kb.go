package tools

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	kbDefaultMaxResults = 5
	kbMaxResults        = 20
)

// Article is one knowledge-base entry with its match relevance.
type Article struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	URL       string  `json:"url"`
	Relevance float64 `json:"relevance"` // in [0, 1]
}

// KnowledgeBase is the search backend behind the kb_search tool.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, filters map[string]string, limit int) ([]Article, error)
}

// KBSearchTool exposes knowledge-base search to the model.
type KBSearchTool struct {
	backend KnowledgeBase
}

func NewKBSearchTool(backend KnowledgeBase) *KBSearchTool {
	return &KBSearchTool{backend: backend}
}

func (t *KBSearchTool) Name() string { return "kb_search" }

func (t *KBSearchTool) Describe() string {
	return "Search the support knowledge base for articles matching a query. " +
		"Returns ranked articles with title, content, and URL."
}

func (t *KBSearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"minLength":   1,
				"description": "Search query string.",
			},
			"filters": map[string]interface{}{
				"type":        "object",
				"description": "Optional attribute filters, e.g. {\"category\": \"billing\"}.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     kbMaxResults,
				"default":     kbDefaultMaxResults,
				"description": "Maximum number of articles to return.",
			},
		},
		"required": []interface{}{"query"},
	}
}

func (t *KBSearchTool) Permissions() []string  { return nil }
func (t *KBSearchTool) Timeout() time.Duration { return 0 }

func (t *KBSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)

	limit := kbDefaultMaxResults
	if v, ok := args["max_results"].(float64); ok {
		limit = int(v)
	}
	if limit > kbMaxResults {
		limit = kbMaxResults
	}

	filters := make(map[string]string)
	if raw, ok := args["filters"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				filters[k] = s
			}
		}
	}

	articles, err := t.backend.Search(ctx, query, filters, limit)
	if err != nil {
		return Fail("knowledge base search failed: " + err.Error())
	}

	// Descending relevance, ties ascending id.
	sort.Slice(articles, func(i, j int) bool {
		if articles[i].Relevance != articles[j].Relevance {
			return articles[i].Relevance > articles[j].Relevance
		}
		return articles[i].ID < articles[j].ID
	})
	if len(articles) > limit {
		articles = articles[:limit]
	}
	return Ok(map[string]interface{}{
		"query":    query,
		"articles": articles,
	})
}

// MemoryKB is an in-memory knowledge base scored by term overlap. Used as
// the default backend and in tests.
type MemoryKB struct {
	articles []Article
	tags     map[string]map[string]string // id -> attrs
}

// NewMemoryKB builds a knowledge base from seed articles.
func NewMemoryKB(articles []Article, tags map[string]map[string]string) *MemoryKB {
	if tags == nil {
		tags = make(map[string]map[string]string)
	}
	return &MemoryKB{articles: articles, tags: tags}
}

// SeedKB returns the built-in support articles.
func SeedKB() *MemoryKB {
	articles := []Article{
		{ID: "kb-001", Title: "Resetting your password",
			Content: "Use the Forgot Password link on the sign-in page. A reset link is emailed within a few minutes and expires after one hour.",
			URL:     "https://support.example.com/kb/001"},
		{ID: "kb-002", Title: "Understanding your invoice",
			Content: "Invoices are issued on the first of each month and cover the previous billing period. Line items show plan charges, usage, and credits.",
			URL:     "https://support.example.com/kb/002"},
		{ID: "kb-003", Title: "Two-factor authentication setup",
			Content: "Enable two-factor authentication under Account Security. Authenticator apps and SMS are supported; recovery codes are shown once.",
			URL:     "https://support.example.com/kb/003"},
		{ID: "kb-004", Title: "Updating payment methods",
			Content: "Add or remove cards under Billing Settings. The default card is charged automatically; expired cards trigger a dunning email.",
			URL:     "https://support.example.com/kb/004"},
		{ID: "kb-005", Title: "Troubleshooting connection errors",
			Content: "Most connection errors resolve after clearing the browser cache or switching networks. Persistent errors include a trace id to quote in a ticket.",
			URL:     "https://support.example.com/kb/005"},
	}
	tags := map[string]map[string]string{
		"kb-001": {"category": "account"},
		"kb-002": {"category": "billing"},
		"kb-003": {"category": "security"},
		"kb-004": {"category": "billing"},
		"kb-005": {"category": "technical"},
	}
	return NewMemoryKB(articles, tags)
}

func (kb *MemoryKB) Search(_ context.Context, query string, filters map[string]string, limit int) ([]Article, error) {
	terms := strings.Fields(strings.ToLower(query))
	var out []Article
	for _, a := range kb.articles {
		if !kb.matchesFilters(a.ID, filters) {
			continue
		}
		score := overlapScore(terms, strings.ToLower(a.Title+" "+a.Content))
		if score > 0 {
			a.Relevance = score
			out = append(out, a)
		}
	}
	return out, nil
}

func (kb *MemoryKB) matchesFilters(id string, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	attrs := kb.tags[id]
	for k, v := range filters {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

// overlapScore is the fraction of query terms found in the document.
func overlapScore(terms []string, doc string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(doc, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
