package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/deskwire/internal/workflow"
)

type workflowExecuteRequest struct {
	Input   map[string]interface{} `json:"input,omitempty"`
	Session string                 `json:"session,omitempty"`
	User    string                 `json:"user,omitempty"`
}

// handleWorkflowExecute starts an execution and returns its id immediately.
//
//	POST /v1/workflows/{name}/execute
func (a *API) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req workflowExecuteRequest
	if perr := decodeBody(r, &req); perr != nil {
		writeError(w, r, perr)
		return
	}

	execID, perr := a.executor.Execute(r.Context(), name, req.Input, workflow.ExecContext{
		Session: req.Session,
		User:    req.User,
	})
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": execID,
		"workflow":     name,
		"status":       string(workflow.ExecRunning),
	})
}

// handleWorkflowStatus returns the persisted execution record.
//
//	GET /v1/workflows/executions/{id}
func (a *API) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	exec, perr := a.executor.GetStatus(r.Context(), r.PathValue("id"))
	if perr != nil {
		writeError(w, r, perr)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
