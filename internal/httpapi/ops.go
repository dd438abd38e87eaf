package httpapi

import (
	"net/http"

	"github.com/nextlevelbuilder/deskwire/internal/monitor"
)

// handleHealth runs the component probes and reports aggregate status.
// Healthy and degraded reports return 200; only unhealthy maps to 503.
//
//	GET /health
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := a.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleAlerts lists firing and recently resolved alert instances.
//
//	GET /v1/alerts
func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": a.alerts.Active(),
		"recent": a.alerts.Recent(),
	})
}
