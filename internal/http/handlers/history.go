package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/robmcdonald5/vec2art-sub009/internal/domain"
)

// ListHistory returns recently finished jobs, newest first.
func (a *App) ListHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.fail(w, r, domain.ErrHistoryDown)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.History.ListRecent(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.JobRecord{}
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": recs})
}

func (a *App) GetHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.fail(w, r, domain.ErrHistoryDown)
		return
	}
	rec, err := a.History.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, rec)
}

func (a *App) HistorySummary(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.fail(w, r, domain.ErrHistoryDown)
		return
	}
	sums, err := a.History.SummaryByBackend(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if sums == nil {
		sums = []domain.BackendSummary{}
	}
	a.json(w, http.StatusOK, map[string]any{"backends": sums})
}
