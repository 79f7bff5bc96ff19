package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/robmcdonald5/vec2art-sub009/internal/adapter/repo"
	"github.com/robmcdonald5/vec2art-sub009/internal/bootstrap"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/http/handlers"
	httpapi "github.com/robmcdonald5/vec2art-sub009/internal/http/httpapi"
	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
	"github.com/robmcdonald5/vec2art-sub009/internal/metrics"
	"github.com/robmcdonald5/vec2art-sub009/internal/staging"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewServiceLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	stack, err := bootstrap.New(cfg, logger, bus)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: build orchestrator failed")
	}
	initCtx, cancelInit := context.WithTimeout(ctx, cfg.EngineInitTimeout)
	if err := stack.Orch.Init(initCtx); err != nil {
		// Handles retry init lazily on the first job.
		logger.Warn().Err(err).Msg("api: engine warmup failed")
	}
	cancelInit()

	store, err := staging.New(ctx, staging.Options{
		TTL:            cfg.UploadTTL,
		MaxUploadBytes: cfg.UploadMaxBytes,
		Inspector:      stack.Inspector,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: staging store failed")
	}
	defer store.Close()

	hub, err := events.NewHub(bus, logger, cfg.CORSOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: event hub failed")
	}
	defer hub.Close()

	app := handlers.NewApp(stack.Orch, store, hub, logger, int64(cfg.UploadMaxBytes))

	pool, err := infra.NewDBPool(ctx, cfg)
	switch {
	case errors.Is(err, infra.ErrNoDatabase):
		logger.Info().Msg("api: job history disabled")
	case err != nil:
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	default:
		defer pool.Close()
		history := repo.NewJobHistory(infra.NewSQLRunner(pool, logger), logger)
		if err := history.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("api: history schema failed")
		}
		if err := history.Attach(bus); err != nil {
			logger.Fatal().Err(err).Msg("api: history subscribe failed")
		}
		defer history.Detach(bus)
		app.History = history
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(stack.Orch),
	)

	router, err := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Registry:        reg,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: router failed")
	}

	server := infra.NewHTTPServer(cfg, router)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr()).Str("engine", cfg.EngineKind).Msg("api: listening")
		serveErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("api: http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to stop engines")
	}
	bus.Wait()
	logger.Info().Msg("api: stopped")
}
