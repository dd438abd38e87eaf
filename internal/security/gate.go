// Package security implements the inbound message gate: rate limiting,
// PII redaction, content filtering, and input sanitization, applied in
// that order before a message reaches the pipeline.
package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Gate runs every inbound chat message through the security checks.
type Gate struct {
	limiter *RateLimiter
	filter  *ContentFilter
	metrics *monitor.Metrics
}

// NewGate wires the checks together. metrics may be nil in tests.
func NewGate(limiter *RateLimiter, filter *ContentFilter, metrics *monitor.Metrics) *Gate {
	return &Gate{limiter: limiter, filter: filter, metrics: metrics}
}

// Admit checks the per-session request budget, redacts PII, applies the
// content filter, and sanitizes. Returns the cleaned content and the
// rate-limit decision for response headers, or a typed error.
//
// The filter runs on the redacted-but-unsanitized text so HTML escaping
// cannot mask an injection pattern.
func (g *Gate) Admit(ctx context.Context, session, content string, kind LimitKind) (string, Decision, *protocol.Error) {
	decision := g.limiter.Allow(ctx, session, kind)
	if !decision.Allowed {
		if g.metrics != nil {
			g.metrics.RateLimitedCounter.WithLabelValues(string(kind)).Inc()
		}
		slog.Info("security.rate_limited",
			"session", session, "kind", string(kind),
			"retry_after_ms", decision.RetryAfterMS)
		return "", decision, protocol.RateLimited(time.Duration(decision.RetryAfterMS) * time.Millisecond)
	}

	redacted := RedactPII(content)
	if redacted != content {
		slog.Debug("security.pii_redacted", "session", session)
	}

	if category, ok := g.filter.Check(redacted); !ok {
		if g.metrics != nil {
			g.metrics.MessageCounter.WithLabelValues("user", "rejected").Inc()
		}
		slog.Info("security.content_blocked",
			"session", session, "category", string(category))
		if category == CategoryTooLong {
			return "", decision, protocol.E(protocol.KindContentBlocked,
				protocol.CodeMessageTooLong, "message exceeds the maximum length").
				WithDetail("category", string(category))
		}
		return "", decision, protocol.ContentBlocked(string(category))
	}

	return SanitizeInput(redacted), decision, nil
}

// ChargeTokens debits the hourly token budget after an LLM call reports
// usage. Over-limit only affects subsequent messages; the completed
// response is still delivered.
func (g *Gate) ChargeTokens(ctx context.Context, session string, tokens int) Decision {
	if tokens <= 0 {
		return Decision{Allowed: true, Kind: LimitTokens}
	}
	decision := g.limiter.AllowN(ctx, session, LimitTokens, tokens)
	if !decision.Allowed && g.metrics != nil {
		g.metrics.RateLimitedCounter.WithLabelValues(string(LimitTokens)).Inc()
	}
	return decision
}
