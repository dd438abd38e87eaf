package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/config"
	"github.com/nextlevelbuilder/deskwire/internal/llm"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/internal/store/inmem"
	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/internal/workflow"
)

// cannedProvider returns scripted responses in order.
type cannedProvider struct {
	responses []*llm.ChatResponse
	calls     int
}

func (p *cannedProvider) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *cannedProvider) ChatStream(ctx context.Context, req llm.ChatRequest, _ func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *cannedProvider) DefaultModel() string { return "canned-1" }
func (p *cannedProvider) Name() string         { return "canned" }

func canned(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Provider:     "canned",
		Model:        "canned-1",
		Usage:        &llm.Usage{PromptTokens: 40, CompletionTokens: 15, TotalTokens: 55},
	}
}

type fixedSummarizer struct{}

func (fixedSummarizer) Summarize(_ context.Context, _ string, _ []memory.Message) (string, error) {
	return "condensed conversation", nil
}

// harness wires the full API over in-memory stores.
type harness struct {
	srv      *httptest.Server
	engine   *memory.Engine
	executor *workflow.Executor
	health   *monitor.Checker
}

type harnessConfig struct {
	provider *cannedProvider
	limits   map[security.LimitKind]security.Limit
	token    string
	probe    monitor.Prober
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	kv := inmem.NewKV()
	blob := inmem.NewBlob()
	cfg := config.Default()
	cfg.Gateway.Token = hc.token

	limits := hc.limits
	if limits == nil {
		limits = security.DefaultLimits(30, 10000, 60, 20, 10)
	}
	gate := security.NewGate(security.NewRateLimiter(kv, limits), security.NewContentFilter(4000), nil)

	engine := memory.NewEngine(kv, blob, fixedSummarizer{}, memory.Tunables{}, 0, "* * * * *", nil)

	registry := tools.NewRegistry(nil)
	ticketStore := tools.NewMemoryTicketStore()
	for _, tool := range []tools.Tool{
		tools.NewKBSearchTool(tools.SeedKB()),
		tools.NewCreateTicketTool(ticketStore),
		tools.NewTicketStatusTool(ticketStore),
		tools.NewUpdateTicketTool(ticketStore),
	} {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	registry.Seal()

	provider := hc.provider
	if provider == nil {
		provider = &cannedProvider{}
	}
	pipe := pipeline.New(gate, engine, registry, llm.NewClient(provider, nil, nil), nil, nil, nil, 4096)

	executor := workflow.NewExecutor(kv, 2, 30*time.Second, nil)
	if err := executor.Register(workflow.SupportEscalation(registry)); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	health := monitor.NewChecker(time.Second, 2*time.Second)
	if hc.probe != nil {
		health.Register(hc.probe)
	}

	metrics := monitor.NewMetrics()
	alerts := monitor.NewAlertEngine(metrics, kv, "* * * * *", nil)

	api := New(cfg, pipe, engine, registry, executor, health, alerts, metrics)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, engine: engine, executor: executor, health: health}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// envelope mirrors the error response body.
type envelope struct {
	Error struct {
		Code         string                 `json:"code"`
		Message      string                 `json:"message"`
		Details      map[string]interface{} `json:"details"`
		Retryable    bool                   `json:"retryable"`
		RetryAfterMS int64                  `json:"retry_after_ms"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func createSession(t *testing.T, h *harness) string {
	t.Helper()
	resp := h.do(t, "POST", "/v1/sessions", map[string]string{"user_id": "u-1"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	decodeInto(t, resp, &out)
	return out.SessionID
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/sessions", map[string]interface{}{
		"user_id":  "u-1",
		"metadata": map[string]string{"channel": "web"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		SessionID     string            `json:"session_id"`
		Status        string            `json:"status"`
		Configuration map[string]int    `json:"configuration"`
		Metadata      map[string]string `json:"metadata"`
	}
	decodeInto(t, resp, &out)
	if out.SessionID == "" || out.Status != "active" {
		t.Fatalf("session = %+v", out)
	}
	if out.Configuration["max_messages"] != 100 || out.Configuration["rate_limit_per_minute"] != 30 {
		t.Fatalf("configuration = %v", out.Configuration)
	}
	if out.Metadata["channel"] != "web" {
		t.Fatalf("metadata = %v", out.Metadata)
	}
}

func TestChatRoundTrip(t *testing.T) {
	h := newHarness(t, harnessConfig{provider: &cannedProvider{responses: []*llm.ChatResponse{
		canned("Invoices live under Billing > History."),
	}}})
	id := createSession(t, h)

	resp := h.do(t, "POST", "/v1/chat", map[string]string{
		"session_id": id,
		"content":    "Where do I find my invoice?",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" || resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Fatalf("rate limit headers missing: %v", resp.Header)
	}

	var out struct {
		SessionID     string `json:"session_id"`
		MessageID     string `json:"message_id"`
		Content       string `json:"content"`
		CorrelationID string `json:"correlation_id"`
	}
	decodeInto(t, resp, &out)
	if out.SessionID != id || out.MessageID == "" || out.CorrelationID == "" {
		t.Fatalf("response = %+v", out)
	}
	if !strings.HasPrefix(out.Content, "Invoices live under") {
		t.Fatalf("content = %q", out.Content)
	}

	// Both turns are visible through the history endpoint.
	resp = h.do(t, "GET", "/v1/sessions/"+id, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	var page struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Total int `json:"total"`
	}
	decodeInto(t, resp, &page)
	if page.Total != 2 || len(page.Messages) != 2 {
		t.Fatalf("history = %+v", page)
	}
	if page.Messages[0].Role != "user" || page.Messages[1].Role != "assistant" {
		t.Fatalf("roles = %+v", page.Messages)
	}
}

func TestChatValidation(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/chat", map[string]string{"content": "hi"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "MISSING_REQUIRED_FIELD" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	resp = h.do(t, "POST", "/v1/chat", map[string]string{"session_id": "s-1", "content": "   "}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank content status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("POST", h.srv.URL+"/v1/chat", strings.NewReader("{not json"))
	raw, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("malformed request: %v", err)
	}
	defer raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", raw.StatusCode)
	}
	env = envelope{}
	if err := json.NewDecoder(raw.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "INVALID_REQUEST_FORMAT" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestChatRateLimited(t *testing.T) {
	h := newHarness(t, harnessConfig{
		provider: &cannedProvider{responses: []*llm.ChatResponse{canned("ok")}},
		limits: map[security.LimitKind]security.Limit{
			security.LimitRequests: {Max: 1, Burst: 0, Window: time.Minute},
		},
	})
	id := createSession(t, h)

	resp := h.do(t, "POST", "/v1/chat", map[string]string{"session_id": id, "content": "first"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first message status = %d", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/v1/chat", map[string]string{"session_id": id, "content": "second"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q", resp.Header.Get("X-RateLimit-Remaining"))
	}

	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "RATE_LIMIT_EXCEEDED" || !env.Error.Retryable {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.RetryAfterMS <= 0 {
		t.Fatalf("retry_after_ms = %d", env.Error.RetryAfterMS)
	}
}

func TestSessionFetchValidation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := createSession(t, h)

	resp := h.do(t, "GET", "/v1/sessions/"+id+"?limit=0", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d", resp.StatusCode)
	}
	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "INVALID_FIELD_VALUE" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	resp = h.do(t, "GET", "/v1/sessions/"+id+"?limit=500", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=500 status = %d", resp.StatusCode)
	}
}

func TestSessionFetchUnknownEchoesRequestID(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "GET", "/v1/sessions/ghost", nil, map[string]string{"X-Request-ID": "req-abc"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("X-Request-ID = %q", got)
	}

	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("code = %s", env.Error.Code)
	}
	if env.RequestID != "req-abc" {
		t.Fatalf("request_id = %q", env.RequestID)
	}
}

func TestRequestIDGeneratedWhenAbsent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "GET", "/health", nil, nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("no request id stamped")
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	id := createSession(t, h)

	resp := h.do(t, "POST", "/v1/sessions/"+id+"/end", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID  string `json:"session_id"`
		Status     string `json:"status"`
		DurationMS int64  `json:"duration_ms"`
	}
	decodeInto(t, resp, &out)
	if out.SessionID != id || out.Status != "ended" {
		t.Fatalf("end = %+v", out)
	}
	if out.DurationMS < 0 {
		t.Fatalf("duration_ms = %d", out.DurationMS)
	}

	resp = h.do(t, "POST", "/v1/sessions/"+id+"/end", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second end status = %d", resp.StatusCode)
	}
}

func TestSessionRestoreMissingArchive(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "POST", "/v1/sessions/never-archived/restore", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestKBSearchEndpoint(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/kb/search", map[string]interface{}{
		"query":       "reset password",
		"max_results": 3,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Results struct {
			Articles []struct {
				ID string `json:"id"`
			} `json:"articles"`
		} `json:"results"`
		DurationMS *int64 `json:"duration_ms"`
	}
	decodeInto(t, resp, &out)
	if len(out.Results.Articles) == 0 {
		t.Fatal("no articles returned")
	}
	if out.Results.Articles[0].ID != "kb-001" {
		t.Fatalf("top article = %s", out.Results.Articles[0].ID)
	}
	if out.DurationMS == nil {
		t.Fatal("duration_ms missing")
	}
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/tickets", map[string]interface{}{
		"action": "create",
		"ticket_data": map[string]interface{}{
			"title":       "Cannot sign in",
			"description": "Password reset email never arrives.",
			"priority":    "high",
			"category":    "authentication",
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		Result struct {
			TicketID string `json:"ticket_id"`
			Status   string `json:"status"`
		} `json:"result"`
	}
	decodeInto(t, resp, &created)
	if !strings.HasPrefix(created.Result.TicketID, "TKT-") {
		t.Fatalf("ticket id = %q", created.Result.TicketID)
	}

	resp = h.do(t, "POST", "/v1/tickets", map[string]interface{}{
		"action":    "status",
		"ticket_id": created.Result.TicketID,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status lookup = %d", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/v1/tickets", map[string]interface{}{
		"action":    "update",
		"ticket_id": created.Result.TicketID,
		"update_data": map[string]interface{}{
			"status":     "resolved",
			"resolution": "reset link re-sent",
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
}

func TestTicketErrors(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/tickets", map[string]interface{}{
		"action":    "status",
		"ticket_id": "TKT-0-aaaaaa",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing ticket status = %d", resp.StatusCode)
	}
	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "TOOL_EXECUTION_FAILED" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	resp = h.do(t, "POST", "/v1/tickets", map[string]interface{}{"action": "escalate"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad action status = %d", resp.StatusCode)
	}
	env = envelope{}
	decodeInto(t, resp, &env)
	if env.Error.Code != "INVALID_FIELD_VALUE" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestWorkflowExecuteAndStatus(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	resp := h.do(t, "POST", "/v1/workflows/support_escalation/execute", map[string]interface{}{
		"input": map[string]interface{}{
			"issue":    "customer cannot log in after password change",
			"priority": "high",
		},
		"session": "s-wf",
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	var started struct {
		ExecutionID string `json:"execution_id"`
		Workflow    string `json:"workflow"`
		Status      string `json:"status"`
	}
	decodeInto(t, resp, &started)
	if started.ExecutionID == "" || started.Workflow != "support_escalation" || started.Status != "running" {
		t.Fatalf("started = %+v", started)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, perr := h.executor.WaitFor(ctx, started.ExecutionID); perr != nil {
		t.Fatalf("WaitFor: %v", perr)
	}

	resp = h.do(t, "GET", "/v1/workflows/executions/"+started.ExecutionID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status fetch = %d", resp.StatusCode)
	}
	var exec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Steps  []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	decodeInto(t, resp, &exec)
	if exec.Status != "completed" {
		t.Fatalf("execution status = %s", exec.Status)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %+v", exec.Steps)
	}
}

func TestWorkflowUnknownName(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "POST", "/v1/workflows/ghost/execute", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env envelope
	decodeInto(t, resp, &env)
	if env.Error.Code != "WORKFLOW_EXECUTION_FAILED" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestWorkflowExecutionNotFound(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "GET", "/v1/workflows/executions/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, harnessConfig{probe: monitor.ProbeFunc{
		ProbeName: "warm-store",
		Fn:        func(context.Context) error { return nil },
	}})

	resp := h.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report struct {
		Status     string `json:"status"`
		Components []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"components"`
	}
	decodeInto(t, resp, &report)
	if report.Status != "healthy" || len(report.Components) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	h := newHarness(t, harnessConfig{probe: monitor.ProbeFunc{
		ProbeName: "warm-store",
		Fn:        func(context.Context) error { return errors.New("database locked") },
	}})

	resp := h.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "GET", "/v1/alerts", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]interface{}
	decodeInto(t, resp, &out)
	if _, ok := out["active"]; !ok {
		t.Fatalf("body = %v", out)
	}
	if _, ok := out["recent"]; !ok {
		t.Fatalf("body = %v", out)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	h := newHarness(t, harnessConfig{token: "s3cret"})

	resp := h.do(t, "POST", "/v1/sessions", map[string]string{}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/v1/sessions", map[string]string{}, map[string]string{
		"Authorization": "Bearer wrong",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	resp = h.do(t, "POST", "/v1/sessions", map[string]string{}, map[string]string{
		"Authorization": "Bearer s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid token status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	resp := h.do(t, "GET", "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
