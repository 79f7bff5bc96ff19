// Package bootstrap assembles the orchestrator stack from infra.Config for
// the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/cache"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/process"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/synthetic"
	"github.com/robmcdonald5/vec2art-sub009/internal/engine/wasm"
	"github.com/robmcdonald5/vec2art-sub009/internal/events"
	"github.com/robmcdonald5/vec2art-sub009/internal/imageinfo"
	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
	"github.com/robmcdonald5/vec2art-sub009/internal/orchestrator"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/resolver"
)

// EngineFactory picks the engine transport named by cfg.EngineKind. The
// returned closer releases shared engine state once every instance is gone.
func EngineFactory(cfg *infra.Config, log zerolog.Logger) (engine.Factory, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.EngineKind {
	case infra.EngineWASM:
		eng, err := wasm.Load(cfg.EngineModulePath, wasm.Options{
			MemoryLimitPages: cfg.EngineMemoryPages(),
			Logger:           log,
		})
		if err != nil {
			return nil, nil, err
		}
		return eng.Factory(), eng.Close, nil
	case infra.EngineProcess:
		return process.Factory(process.Options{
			Command: cfg.EngineCommand,
			Args:    cfg.EngineArgs,
			Logger:  log,
		}), noop, nil
	case infra.EngineSynthetic:
		return synthetic.Factory(), noop, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown engine kind %q", cfg.EngineKind)
	}
}

// Stack is a configured orchestrator and what it was built from.
type Stack struct {
	Orch      *orchestrator.Orchestrator
	Catalog   *params.Catalog
	Inspector imageinfo.Inspector

	closeEngine func(context.Context) error
}

// New builds the orchestrator for cfg. bus may be nil.
func New(cfg *infra.Config, log zerolog.Logger, bus *events.Bus) (*Stack, error) {
	catalog, err := params.LoadCatalog(cfg.PresetsFile)
	if err != nil {
		return nil, err
	}
	factory, closeEngine, err := EngineFactory(cfg, log)
	if err != nil {
		return nil, err
	}
	handles, err := engine.NewHandles(cfg.EnginePoolSize, engine.Options{
		Factory:              factory,
		RequestTimeout:       cfg.EngineRequestTimeout,
		InitTimeout:          cfg.EngineInitTimeout,
		RestartAfterTimeouts: cfg.EngineRestartAfterTimeouts,
		Logger:               log,
	})
	if err != nil {
		_ = closeEngine(context.Background())
		return nil, err
	}
	inspector := imageinfo.NewInspector(cfg.ImageMaxPixels, cfg.UploadMaxBytes)
	orch, err := orchestrator.New(orchestrator.Options{
		Resolver: resolver.New(catalog, params.BackendEdge),
		Cache: cache.New[*engine.Result](cache.Options{
			MaxEntries: cfg.CacheMaxEntries,
			MaxBytes:   cfg.CacheMaxBytes,
			TTL:        cfg.CacheTTL,
		}),
		Handles:          handles,
		QueueDepth:       cfg.QueueMaxDepth,
		Inspector:        inspector,
		Bus:              bus,
		RetainImageBytes: cfg.RetryImageBytes,
		Logger:           log,
	})
	if err != nil {
		_ = closeEngine(context.Background())
		return nil, err
	}
	return &Stack{Orch: orch, Catalog: catalog, Inspector: inspector, closeEngine: closeEngine}, nil
}

// Close stops the orchestrator, then the engine.
func (s *Stack) Close(ctx context.Context) error {
	return errors.Join(s.Orch.Close(ctx), s.closeEngine(ctx))
}
