package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
)

type submitJobRequest struct {
	ImageID  string `json:"image_id"`
	Priority int    `json:"priority"`
}

// SubmitJob answers 202 for queued work and 200 when the cache already holds
// the result.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "image_id is required")
		return
	}
	image, err := a.Staging.Get(req.ImageID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	h, err := a.Orch.SubmitJob(r.Context(), image, req.Priority)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if h.Cached() {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/v1/jobs/"+h.ID())
	a.json(w, status, h.Info())
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	info, ok := a.Orch.Job(chi.URLParam(r, "id"))
	if !ok {
		a.fail(w, r, orchestrator.ErrJobNotFound)
		return
	}
	a.json(w, http.StatusOK, info)
}

// GetJobSVG serves the finished SVG. With ?wait=true it blocks until the job
// settles or the client goes away.
func (a *App) GetJobSVG(w http.ResponseWriter, r *http.Request) {
	h, ok := a.Orch.Handle(chi.URLParam(r, "id"))
	if !ok {
		a.fail(w, r, orchestrator.ErrJobNotFound)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait && !h.Status().Terminal() {
		a.error(w, http.StatusConflict, "not_finished", "job is "+string(h.Status()))
		return
	}
	res, err := h.Result(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.SVG))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Orch.Cancel(id); err != nil {
		a.fail(w, r, err)
		return
	}
	info, _ := a.Orch.Job(id)
	a.json(w, http.StatusAccepted, info)
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	h, err := a.Orch.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+h.ID())
	status := http.StatusAccepted
	if h.Cached() {
		status = http.StatusOK
	}
	a.json(w, status, h.Info())
}

// JobEvents upgrades to a websocket streaming the job's events.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := a.Orch.Job(id); !ok {
		a.fail(w, r, orchestrator.ErrJobNotFound)
		return
	}
	a.Hub.Serve(w, r, id, func() (events.JobEvent, bool) {
		info, ok := a.Orch.Job(id)
		if !ok {
			return events.JobEvent{}, false
		}
		return orchestrator.CurrentEvent(info), true
	})
}
