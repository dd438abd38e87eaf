package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/deskwire/internal/tools"
	"github.com/nextlevelbuilder/deskwire/pkg/protocol"
)

type kbSearchRequest struct {
	Query      string                 `json:"query"`
	MaxResults int                    `json:"max_results,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
}

// handleKBSearch runs kb_search through the registry so HTTP callers get
// the same validation, timeout, and metrics as the model path.
//
//	POST /v1/kb/search
func (a *API) handleKBSearch(w http.ResponseWriter, r *http.Request) {
	var req kbSearchRequest
	if perr := decodeBody(r, &req); perr != nil {
		writeError(w, r, perr)
		return
	}

	params := map[string]interface{}{"query": req.Query}
	if req.MaxResults > 0 {
		params["max_results"] = req.MaxResults
	}
	if len(req.Filters) > 0 {
		params["filters"] = req.Filters
	}

	res := a.registry.Execute(r.Context(), "kb_search", params, tools.ExecContext{
		RequestID: requestIDFrom(r.Context()),
	})
	if !res.Success {
		writeError(w, r, toolError(res.Error))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":     res.Data,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

type ticketRequest struct {
	Action     string                 `json:"action"` // create, status, update
	TicketData map[string]interface{} `json:"ticket_data,omitempty"`
	TicketID   string                 `json:"ticket_id,omitempty"`
	UpdateData map[string]interface{} `json:"update_data,omitempty"`
}

// handleTickets dispatches the ticket action to the matching tool.
//
//	POST /v1/tickets
func (a *API) handleTickets(w http.ResponseWriter, r *http.Request) {
	var req ticketRequest
	if perr := decodeBody(r, &req); perr != nil {
		writeError(w, r, perr)
		return
	}
	ec := tools.ExecContext{
		RequestID: requestIDFrom(r.Context()),
		// The HTTP surface is operator-facing; grant the agent tag so
		// update_ticket is reachable without a model round-trip.
		Permissions: []string{"support_agent"},
	}

	var res *tools.Result
	switch req.Action {
	case "create":
		res = a.registry.Execute(r.Context(), "create_ticket", req.TicketData, ec)
	case "status":
		res = a.registry.Execute(r.Context(), "ticket_status",
			map[string]interface{}{"ticket_id": req.TicketID}, ec)
	case "update":
		params := make(map[string]interface{}, len(req.UpdateData)+1)
		for k, v := range req.UpdateData {
			params[k] = v
		}
		params["ticket_id"] = req.TicketID
		res = a.registry.Execute(r.Context(), "update_ticket", params, ec)
	default:
		writeError(w, r, protocol.Validation(protocol.CodeInvalidFieldValue,
			"action must be one of create, status, update"))
		return
	}

	if !res.Success {
		writeError(w, r, toolError(res.Error))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res.Data})
}

// toolError maps a tool failure string to the HTTP error surface. Missing
// tickets read as 404; everything else is a tool execution failure.
func toolError(message string) *protocol.Error {
	if message == "Ticket not found" {
		return protocol.NotFound(protocol.CodeToolExecutionFailed, message)
	}
	return protocol.E(protocol.KindToolFailed, protocol.CodeToolExecutionFailed, message)
}
