package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/domain"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/queue"
	"github.com/robmcdonald5/vec2art-sub009/internal/staging"
)

type App struct {
	Orch    *orchestrator.Orchestrator
	Staging *staging.Store
	Hub     *events.Hub
	// History is nil when no database is configured.
	History domain.JobHistoryRepository
	Log     zerolog.Logger
	// MaxUploadBytes caps request bodies on image upload.
	MaxUploadBytes int64
}

func NewApp(orch *orchestrator.Orchestrator, store *staging.Store, hub *events.Hub, log zerolog.Logger, maxUpload int64) *App {
	if maxUpload <= 0 {
		maxUpload = imageinfo.DefaultMaxBytes
	}
	return &App{
		Orch:           orch,
		Staging:        store,
		Hub:            hub,
		Log:            log.With().Str("component", "http").Logger(),
		MaxUploadBytes: maxUpload,
	}
}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Issues  []params.Issue `json:"issues,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorResponse{Code: code, Message: message})
}

// fail maps a domain error onto a status and error body.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *params.ValidationError
	switch {
	case errors.As(err, &verr):
		a.json(w, http.StatusUnprocessableEntity, errorResponse{Code: "invalid_config", Message: err.Error(), Issues: verr.Issues})
	case errors.Is(err, params.ErrUnknownPreset),
		errors.Is(err, staging.ErrUploadNotFound),
		errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, params.ErrUnknownField),
		errors.Is(err, params.ErrInvalidValue),
		errors.Is(err, params.ErrFieldNotApplicable),
		errors.Is(err, imageinfo.ErrEmptyImage):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, imageinfo.ErrUnsupportedImage):
		a.error(w, http.StatusUnsupportedMediaType, "unsupported_image", err.Error())
	case errors.Is(err, imageinfo.ErrImageTooLarge):
		a.error(w, http.StatusRequestEntityTooLarge, "image_too_large", err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		a.error(w, http.StatusTooManyRequests, "queue_full", "too many jobs waiting, try again shortly")
	case errors.Is(err, orchestrator.ErrNotRetryable), errors.Is(err, queue.ErrCanceled):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case orchestrator.Retryable(err):
		a.error(w, http.StatusServiceUnavailable, "engine_unavailable", "processing failed, please retry")
	case errors.Is(err, engine.ErrEngineRejected):
		a.error(w, http.StatusUnprocessableEntity, "engine_rejected", err.Error())
	case errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, orchestrator.ErrClosed),
		errors.Is(err, engine.ErrHandleClosed):
		a.error(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	case errors.Is(err, domain.ErrHistoryDown):
		a.error(w, http.StatusServiceUnavailable, "history_unavailable", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("http: unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
