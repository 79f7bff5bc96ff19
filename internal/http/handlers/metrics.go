package handlers

import "net/http"

// Metrics returns the orchestrator snapshot as JSON.
func (a *App) Metrics(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Orch.GetMetrics())
}
