// Package wasm runs a vectorization engine compiled to WebAssembly inside
// wazero. Each transport owns one runtime and one module instance, driven by
// a single goroutine.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

// DefaultMemoryLimitPages caps the instance at 1 GiB of linear memory.
const DefaultMemoryLimitPages = 16384

var (
	ErrMissingExport = errors.New("wasm: module is missing a required export")
	ErrInputTooLarge = errors.New("wasm: input exceeds module capacity")
)

type Options struct {
	MemoryLimitPages uint32
	Logger           zerolog.Logger
}

// Engine holds a module and a compilation cache shared by every instance it
// spawns, so restarts after a crash skip compilation.
type Engine struct {
	module []byte
	cache  wazero.CompilationCache
	opts   Options
	log    zerolog.Logger
}

func New(module []byte, opts Options) (*Engine, error) {
	if len(module) < 8 || string(module[:4]) != "\x00asm" {
		return nil, fmt.Errorf("wasm: not a wasm binary")
	}
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = DefaultMemoryLimitPages
	}
	return &Engine{
		module: module,
		cache:  wazero.NewCompilationCache(),
		opts:   opts,
		log:    opts.Logger.With().Str("component", "wasm").Logger(),
	}, nil
}

// Load reads a module from disk.
func Load(path string, opts Options) (*Engine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm: read module: %w", err)
	}
	return New(b, opts)
}

func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// Factory returns an engine.Factory spawning fresh instances.
func (e *Engine) Factory() engine.Factory {
	return func(ctx context.Context) (engine.Transport, error) {
		return e.spawn(ctx)
	}
}

type abi struct {
	inputPtr  uint32
	inputCap  uint32
	outputPtr uint32
	outputCap uint32
	run       api.Function
	init      api.Function
}

func (e *Engine) spawn(ctx context.Context) (*Transport, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithMemoryLimitPages(e.opts.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	fail := func(err error) (*Transport, error) {
		_ = rt.Close(context.Background())
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("wasm: wasi: %w", err))
	}
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(reportProgress).Export("report_progress").
		Instantiate(ctx)
	if err != nil {
		return fail(fmt.Errorf("wasm: host module: %w", err))
	}

	compiled, err := rt.CompileModule(ctx, e.module)
	if err != nil {
		return fail(fmt.Errorf("wasm: compile: %w", err))
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("vectorizer").WithStartFunctions())
	if err != nil {
		return fail(fmt.Errorf("wasm: instantiate: %w", err))
	}
	a, err := resolveABI(ctx, mod)
	if err != nil {
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		rt:     rt,
		mod:    mod,
		abi:    a,
		log:    e.log,
		events: make(chan engine.Event, 64),
		wake:   make(chan struct{}, 1),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.loop()
	return t, nil
}

func resolveABI(ctx context.Context, mod api.Module) (abi, error) {
	var a abi
	for name, dst := range map[string]*uint32{
		"input_ptr":        &a.inputPtr,
		"input_bytes_cap":  &a.inputCap,
		"output_ptr":       &a.outputPtr,
		"output_bytes_cap": &a.outputCap,
	} {
		v, ok := exportedValue(ctx, mod, name)
		if !ok {
			return a, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
		*dst = uint32(v)
	}
	if a.run = mod.ExportedFunction("run"); a.run == nil {
		return a, fmt.Errorf("%w: run", ErrMissingExport)
	}
	if mod.Memory() == nil {
		return a, fmt.Errorf("%w: memory", ErrMissingExport)
	}
	a.init = mod.ExportedFunction("init")
	return a, nil
}

// exportedValue reads an i32 exported either as a global or as a nullary
// function.
func exportedValue(ctx context.Context, mod api.Module, name string) (uint64, bool) {
	if g := mod.ExportedGlobal(name); g != nil {
		return g.Get(), true
	}
	if fn := mod.ExportedFunction(name); fn != nil {
		res, err := fn.Call(ctx)
		if err == nil && len(res) > 0 {
			return res[0], true
		}
	}
	return 0, false
}

type progressKey struct{}

type progressSink func(engine.Progress)

// reportProgress is imported by the module as env.report_progress.
func reportProgress(ctx context.Context, m api.Module, stagePtr, stageLen uint32, percent float64) {
	sink, ok := ctx.Value(progressKey{}).(progressSink)
	if !ok {
		return
	}
	stage, ok := m.Memory().Read(stagePtr, stageLen)
	if !ok {
		return
	}
	sink(engine.Progress{Stage: string(stage), Percent: percent})
}

type item struct {
	req     engine.Request
	aborted bool
}

// Transport is one module instance. Requests are processed in arrival order.
type Transport struct {
	rt  wazero.Runtime
	mod api.Module
	abi abi
	log zerolog.Logger

	events chan engine.Event
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	inbox  []item
	closed bool
	once   sync.Once
}

func (t *Transport) Events() <-chan engine.Event { return t.events }

func (t *Transport) Send(ctx context.Context, req engine.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("wasm: instance closed")
	}
	switch req.Kind {
	case engine.RequestAbort:
		for i := range t.inbox {
			if t.inbox[i].req.ID == req.Target {
				t.inbox[i].aborted = true
			}
		}
		return nil
	case engine.RequestCleanup:
		return nil
	}
	t.inbox = append(t.inbox, item{req: req})
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) Terminate() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
	})
	<-t.done
	return nil
}

func (t *Transport) pop() (item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return item{}, false
	}
	it := t.inbox[0]
	t.inbox = t.inbox[1:]
	return it, true
}

func (t *Transport) loop() {
	defer func() {
		_ = t.mod.Close(context.Background())
		_ = t.rt.Close(context.Background())
		close(t.events)
		close(t.done)
	}()
	for {
		it, ok := t.pop()
		if !ok {
			select {
			case <-t.wake:
				continue
			case <-t.ctx.Done():
				return
			}
		}
		if t.ctx.Err() != nil {
			return
		}
		switch {
		case it.aborted:
			t.emit(engine.Event{Kind: engine.EventError, ID: it.req.ID, Message: "aborted"})
		case it.req.Kind == engine.RequestInit:
			t.handleInit(it.req)
		case it.req.Kind == engine.RequestProcess:
			t.handleProcess(it.req)
		}
	}
}

func (t *Transport) emit(ev engine.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) handleInit(req engine.Request) {
	if t.abi.init != nil {
		if _, err := t.abi.init.Call(t.ctx); err != nil {
			t.emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: err.Error()})
			return
		}
	}
	t.emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID})
}

func (t *Transport) handleProcess(req engine.Request) {
	ev, err := t.process(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		ev = engine.Event{Kind: engine.EventError, ID: req.ID, Message: err.Error()}
	}
	t.emit(ev)
}

func (t *Transport) process(req engine.Request) (engine.Event, error) {
	in, err := engine.EncodeFrame(engine.RequestFrame(req))
	if err != nil {
		return engine.Event{}, err
	}
	if uint64(len(in)) > uint64(t.abi.inputCap) {
		return engine.Event{}, fmt.Errorf("%w: %d > %d bytes", ErrInputTooLarge, len(in), t.abi.inputCap)
	}
	mem := t.mod.Memory()
	if !mem.Write(t.abi.inputPtr, in) {
		return engine.Event{}, fmt.Errorf("wasm: input write out of range")
	}

	ctx := context.WithValue(t.ctx, progressKey{}, progressSink(func(p engine.Progress) {
		t.emit(engine.Event{Kind: engine.EventProgress, ID: req.ID, Progress: p})
	}))
	res, err := t.abi.run.Call(ctx, uint64(len(in)))
	if err != nil {
		return engine.Event{}, err
	}
	if len(res) == 0 {
		return engine.Event{}, fmt.Errorf("wasm: run returned no length")
	}
	n := uint32(res[0])
	if n > t.abi.outputCap {
		return engine.Event{}, fmt.Errorf("wasm: output of %d bytes exceeds capacity %d", n, t.abi.outputCap)
	}
	out, ok := mem.Read(t.abi.outputPtr, n)
	if !ok {
		return engine.Event{}, fmt.Errorf("wasm: output read out of range")
	}
	f, err := engine.DecodeFrame(out)
	if err != nil {
		return engine.Event{}, err
	}
	ev, err := f.Event()
	if err != nil {
		return engine.Event{}, err
	}
	if ev.Kind != engine.EventSuccess && ev.Kind != engine.EventError {
		return engine.Event{}, fmt.Errorf("wasm: unexpected output frame %q", f.Type)
	}
	ev.ID = req.ID
	return ev, nil
}
