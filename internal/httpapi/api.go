// Package httpapi serves the request/response surface: sessions, chat,
// knowledge base, tickets, workflows, and the operational endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskwire/internal/config"
	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/internal/monitor"
	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/internal/security"
	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/internal/workflow"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

// API bundles the handler dependencies. Everything is constructed at
// startup; handlers hold no mutable state of their own.
type API struct {
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	engine   *memory.Engine
	registry *tools.Registry
	executor *workflow.Executor
	health   *monitor.Checker
	alerts   *monitor.AlertEngine
	metrics  *monitor.Metrics
}

func New(cfg *config.Config, pipe *pipeline.Pipeline, engine *memory.Engine,
	registry *tools.Registry, executor *workflow.Executor,
	health *monitor.Checker, alerts *monitor.AlertEngine, metrics *monitor.Metrics) *API {
	return &API{
		cfg:      cfg,
		pipe:     pipe,
		engine:   engine,
		registry: registry,
		executor: executor,
		health:   health,
		alerts:   alerts,
		metrics:  metrics,
	}
}

// RegisterRoutes mounts every handler on the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	wrap := a.middleware

	mux.Handle("POST /v1/sessions", wrap("/v1/sessions", a.handleSessionCreate))
	mux.Handle("GET /v1/sessions/{id}", wrap("/v1/sessions/{id}", a.handleSessionFetch))
	mux.Handle("POST /v1/sessions/{id}/end", wrap("/v1/sessions/{id}/end", a.handleSessionEnd))
	mux.Handle("POST /v1/sessions/{id}/restore", wrap("/v1/sessions/{id}/restore", a.handleSessionRestore))

	mux.Handle("POST /v1/chat", wrap("/v1/chat", a.handleChat))
	mux.Handle("POST /v1/kb/search", wrap("/v1/kb/search", a.handleKBSearch))
	mux.Handle("POST /v1/tickets", wrap("/v1/tickets", a.handleTickets))

	mux.Handle("POST /v1/workflows/{name}/execute", wrap("/v1/workflows/{name}/execute", a.handleWorkflowExecute))
	mux.Handle("GET /v1/workflows/executions/{id}", wrap("/v1/workflows/executions/{id}", a.handleWorkflowStatus))

	mux.Handle("GET /health", wrap("/health", a.handleHealth))
	mux.Handle("GET /v1/alerts", wrap("/v1/alerts", a.handleAlerts))
	mux.Handle("GET /metrics", a.metrics.Handler())
}

// middleware stamps a request id, checks the bearer token, and records the
// request latency under the route pattern (not the raw path, which would
// explode label cardinality).
func (a *API) middleware(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(withRequestID(r.Context(), requestID))

		if !a.authorized(r) {
			writeError(w, r, protocol.E(protocol.KindAuthorization,
				protocol.CodeInvalidRequestFormat, "missing or invalid gateway token"))
			a.observe(r.Method, pattern, http.StatusForbidden, start)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		a.observe(r.Method, pattern, rec.status, start)
	})
}

func (a *API) authorized(r *http.Request) bool {
	token := a.cfg.Gateway.Token
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	presented := strings.TrimPrefix(header, "Bearer ")
	if presented == header {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (a *API) observe(method, pattern string, status int, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.HTTPRequestDuration.
		WithLabelValues(method, pattern, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- request id plumbing ---

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("httpapi.encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, perr *protocol.Error) {
	if perr.Kind == protocol.KindRateLimited && perr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(perr.RetryAfter.Seconds()+1), 10))
	}
	writeJSON(w, perr.HTTPStatus(), perr.Envelope(requestIDFrom(r.Context())))
}

// decodeBody parses the JSON request body into dst, with a typed error on
// malformed input.
func decodeBody(r *http.Request, dst interface{}) *protocol.Error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return protocol.Validation(protocol.CodeInvalidRequestFormat, "request body is not valid JSON")
	}
	return nil
}

// setRateLimitHeaders surfaces the sliding-window decision on chat routes.
func setRateLimitHeaders(w http.ResponseWriter, d security.Decision) {
	if d.Kind == "" {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	w.Header().Set("X-RateLimit-Scope", string(d.Kind))
}
