package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskwire/internal/memory"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

const maxHistoryLimit = 100

type sessionCreateRequest struct {
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type sessionCreateResponse struct {
	SessionID     string            `json:"session_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Status        memory.Status     `json:"status"`
	Configuration map[string]int    `json:"configuration"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// handleSessionCreate allocates a session id and initializes the actor.
//
//	POST /v1/sessions
func (a *API) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if perr := decodeBody(r, &req); perr != nil {
		writeError(w, r, perr)
		return
	}

	id := uuid.NewString()
	sess, _, perr := a.engine.Init(r.Context(), id, req.UserID, req.Metadata)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	sec, mem, _ := a.cfg.Snapshot()
	writeJSON(w, http.StatusCreated, sessionCreateResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.CreatedAt.Add(mem.TTL()),
		Status:    sess.Status,
		Configuration: map[string]int{
			"max_messages":          mem.MaxMessages,
			"session_ttl_hours":     mem.SessionTTLHours,
			"rate_limit_per_minute": sec.RateLimitPerMinute,
			"max_content_chars":     sec.MaxContentChars,
		},
		Metadata: sess.Metadata,
	})
}

type sessionFetchResponse struct {
	Session  memory.Session   `json:"session"`
	Messages []memory.Message `json:"messages"`
	Total    int              `json:"total"`
	Summary  string           `json:"summary,omitempty"`
	Topics   []string         `json:"topics,omitempty"`
}

// handleSessionFetch returns a session snapshot with a message page.
//
//	GET /v1/sessions/{id}?limit=20&offset=0&include_summary=true
func (a *API) handleSessionFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit, perr := queryInt(r, "limit", 20, 1, maxHistoryLimit)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	offset, perr := queryInt(r, "offset", 0, 0, 1<<30)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	view, total, perr := a.engine.History(r.Context(), id, limit, offset)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	sess, perr := a.engine.Session(r.Context(), id)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	resp := sessionFetchResponse{
		Session:  sess,
		Messages: view.Messages,
		Total:    total,
		Topics:   view.Topics,
	}
	if r.URL.Query().Get("include_summary") == "true" {
		resp.Summary = view.Summary
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionEndResponse struct {
	SessionID  string        `json:"session_id"`
	Status     memory.Status `json:"status"`
	Summary    string        `json:"summary,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// handleSessionEnd marks the session ended; idempotent.
//
//	POST /v1/sessions/{id}/end
func (a *API) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, summary, perr := a.engine.End(r.Context(), id)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	writeJSON(w, http.StatusOK, sessionEndResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Summary:    summary,
		DurationMS: sess.LastActivity.Sub(sess.CreatedAt).Milliseconds(),
	})
}

// handleSessionRestore reinstalls an archived session as active.
//
//	POST /v1/sessions/{id}/restore
func (a *API) handleSessionRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, view, perr := a.engine.Restore(r.Context(), id)
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":  sess,
		"messages": len(view.Messages),
		"summary":  view.Summary,
	})
}

func queryInt(r *http.Request, name string, def, min, max int) (int, *protocol.Error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, protocol.Validation(protocol.CodeInvalidFieldValue,
			name+" must be an integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return v, nil
}
