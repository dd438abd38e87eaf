package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// Client fronts the primary provider with an optional fallback. The primary
// retries once internally with backoff; any error after that switches to
// the fallback, and the response is marked FallbackUsed.
type Client struct {
	primary  Provider
	fallback Provider
	metrics  *monitor.Metrics
}

// NewClient builds a client. fallback may be nil. metrics may be nil in tests.
func NewClient(primary, fallback Provider, metrics *monitor.Metrics) *Client {
	return &Client{primary: primary, fallback: fallback, metrics: metrics}
}

// Primary exposes the primary provider (health probes).
func (c *Client) Primary() Provider { return c.primary }

// Probe issues a minimal single-token request against the primary provider.
// Used by the health checker; the latency thresholds are applied on top.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.primary.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: "user", Content: "ping"}},
		Options:  map[string]interface{}{OptMaxTokens: 1},
	})
	return err
}

// Chat calls the primary, then the fallback on failure. The returned error
// is a typed upstream error when both paths are exhausted.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, *protocol.Error) {
	resp, err := c.call(ctx, c.primary, req, false)
	if err == nil {
		return resp, nil
	}

	if c.fallback == nil {
		return nil, c.upstreamError(err)
	}

	slog.Warn("llm.primary_failed",
		"provider", c.primary.Name(), "error", err, "fallback", c.fallback.Name())

	resp, err = c.call(ctx, c.fallback, req, true)
	if err != nil {
		return nil, c.upstreamError(err)
	}
	resp.FallbackUsed = true
	return resp, nil
}

// ChatStream mirrors Chat for streaming deliveries. A failure after the
// first chunk is surfaced, not retried on the fallback.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, *protocol.Error) {
	streamed := false
	wrapped := func(chunk StreamChunk) {
		streamed = true
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	start := time.Now()
	resp, err := c.primary.ChatStream(ctx, req, wrapped)
	c.observe(c.primary, req, resp, err, time.Since(start))
	if err == nil {
		return resp, nil
	}
	if streamed || c.fallback == nil {
		return nil, c.upstreamError(err)
	}

	slog.Warn("llm.primary_failed",
		"provider", c.primary.Name(), "error", err, "fallback", c.fallback.Name())

	start = time.Now()
	resp, err = c.fallback.ChatStream(ctx, req, onChunk)
	c.observe(c.fallback, req, resp, err, time.Since(start))
	if err != nil {
		return nil, c.upstreamError(err)
	}
	resp.FallbackUsed = true
	return resp, nil
}

func (c *Client) call(ctx context.Context, p Provider, req ChatRequest, isFallback bool) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.Chat(ctx, req)
	c.observe(p, req, resp, err, time.Since(start))
	if err == nil && isFallback && c.metrics != nil {
		model := req.Model
		if model == "" {
			model = p.DefaultModel()
		}
		c.metrics.LLMRequestCounter.WithLabelValues(p.Name(), model, "fallback").Inc()
	}
	return resp, err
}

func (c *Client) observe(p Provider, req ChatRequest, resp *ChatResponse, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.LLMRequestCounter.WithLabelValues(p.Name(), model, status).Inc()
	c.metrics.LLMRequestDuration.WithLabelValues(p.Name(), model).Observe(elapsed.Seconds())
	if resp != nil && resp.Usage != nil {
		c.metrics.LLMTokensUsed.WithLabelValues(p.Name(), model, "prompt").
			Add(float64(resp.Usage.PromptTokens))
		c.metrics.LLMTokensUsed.WithLabelValues(p.Name(), model, "completion").
			Add(float64(resp.Usage.CompletionTokens))
	}
}

func (c *Client) upstreamError(err error) *protocol.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Timeout("AI service did not respond in time")
	}
	return protocol.Upstream("AI service is temporarily unavailable", err)
}
