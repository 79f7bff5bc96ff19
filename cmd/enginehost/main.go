// Command enginehost runs one vectorization engine behind stdin/stdout so the
// API can supervise it as a child process. Frames use the engine wire format;
// logs go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine/synthetic"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/wasm"
	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLoggerTo(os.Stderr, cfg.AppEnv, cfg.LogLevel, "").
		With().Str("component", "enginehost").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The parent's ENGINE_KIND names this process, so only the module path
	// decides what runs inside it.
	factory := synthetic.Factory()
	if cfg.EngineModulePath != "" {
		eng, err := wasm.Load(cfg.EngineModulePath, wasm.Options{
			MemoryLimitPages: cfg.EngineMemoryPages(),
			Logger:           logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("enginehost: load module failed")
		}
		defer eng.Close(context.Background())
		factory = eng.Factory()
	}

	t, err := factory(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("enginehost: start engine failed")
	}
	logger.Info().Bool("wasm", cfg.EngineModulePath != "").Msg("enginehost: ready")

	if err := relay(ctx, os.Stdin, os.Stdout, t, logger); err != nil {
		logger.Error().Err(err).Msg("enginehost: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("enginehost: stopped")
}
