package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/http/handlers"
	"github.com/robmcdonald5/vec2art-sub009/internal/middleware"
)

type Options struct {
	Logger          zerolog.Logger
	RateLimitPerMin int
	CORSOrigins     []string
	// Registry backs /metrics. Nil leaves the endpoint out.
	Registry *prometheus.Registry
}

func NewRouter(app *handlers.App, opts Options) (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID(opts.Logger),
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)
	if opts.Registry != nil {
		m, err := middleware.NewHTTPMetrics(opts.Registry)
		if err != nil {
			return nil, err
		}
		r.Use(m.Middleware)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	// uploads and submissions cost engine time, so only they are limited
	limit := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/metrics", app.Metrics)
		r.Get("/presets", app.ListPresets)
		r.Get("/fields", app.ListFields)

		r.Route("/config", func(r chi.Router) {
			r.Get("/", app.GetConfig)
			r.Patch("/", app.PatchConfig)
			r.Put("/preset", app.SelectPreset)
			r.Delete("/preset", app.ClearPreset)
			r.Post("/reset", app.ResetConfig)
		})

		r.With(limit).Post("/images", app.UploadImage)
		r.With(limit).Post("/jobs", app.SubmitJob)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", app.GetJob)
			r.Delete("/", app.CancelJob)
			r.Get("/svg", app.GetJobSVG)
			r.Get("/events", app.JobEvents)
			r.With(limit).Post("/retry", app.RetryJob)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", app.ListHistory)
			r.Get("/summary", app.HistorySummary)
			r.Get("/{id}", app.GetHistory)
		})
	})

	return r, nil
}
