package handlers

import (
	"net/http"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	m := a.Orch.GetMetrics()
	states := make(map[string]engine.State, len(m.Engines))
	for _, e := range m.Engines {
		states[e.Name] = e.State
	}
	a.json(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"engines":     states,
		"queue_depth": m.QueueDepth,
	})
}
