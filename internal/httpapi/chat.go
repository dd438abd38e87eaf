package httpapi

import (
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/deskwire/internal/pipeline"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

type chatRequest struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type chatResponse struct {
	SessionID     string                  `json:"session_id"`
	MessageID     string                  `json:"message_id"`
	Content       string                  `json:"content"`
	ToolCalls     []protocol.ToolCallInfo `json:"tool_calls,omitempty"`
	Provider      string                  `json:"provider,omitempty"`
	Model         string                  `json:"model,omitempty"`
	FallbackUsed  bool                    `json:"fallback_used,omitempty"`
	CorrelationID string                  `json:"correlation_id"`
	ProcessingMS  int64                   `json:"processing_ms"`
}

// handleChat runs one message through the pipeline.
//
//	POST /v1/chat
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if perr := decodeBody(r, &req); perr != nil {
		writeError(w, r, perr)
		return
	}
	if req.SessionID == "" {
		writeError(w, r, protocol.Validation(protocol.CodeMissingRequiredField, "session_id is required"))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, protocol.Validation(protocol.CodeMissingRequiredField, "content is required"))
		return
	}

	res, decision, perr := a.pipe.Handle(r.Context(), pipeline.Request{
		Session:   req.SessionID,
		Content:   req.Content,
		MessageID: req.MessageID,
		Metadata:  req.Metadata,
	})
	setRateLimitHeaders(w, decision)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:     res.Session,
		MessageID:     res.MessageID,
		Content:       res.Content,
		ToolCalls:     res.ToolCalls,
		Provider:      res.Provider,
		Model:         res.Model,
		FallbackUsed:  res.FallbackUsed,
		CorrelationID: res.CorrelationID,
		ProcessingMS:  res.ProcessingMS,
	})
}
