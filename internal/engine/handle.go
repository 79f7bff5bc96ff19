// Package engine owns the lifecycle of vectorization engine instances and the
// request/response protocol used to talk to them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

// State is the lifecycle state of a Handle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateBusy          State = "busy"
	StateFaulted       State = "faulted"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultInitTimeout    = 30 * time.Second
)

var errNotReady = errors.New("engine not ready")

// Options configures a Handle.
type Options struct {
	Name    string
	Factory Factory
	// Classifier defaults to DefaultClassifier.
	Classifier     Classifier
	RequestTimeout time.Duration
	InitTimeout    time.Duration
	// RestartAfterTimeouts restarts the instance after this many consecutive
	// request timeouts. Zero disables precautionary restarts.
	RestartAfterTimeouts int
	Logger               zerolog.Logger
	// OnStateChange runs with the handle locked and must not call back into it.
	OnStateChange func(name string, from, to State)
}

// Work is one process request.
type Work struct {
	Params params.EngineParams
	Image  []byte
	// Progress receives progress events on the handle's reader goroutine. It
	// must not block.
	Progress func(Progress)
}

// Call is a dispatched request.
type Call struct {
	ID   RequestID
	done chan struct{}
	res  *Result
	err  error
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx ends. Abandoning the wait does
// not cancel the request.
func (c *Call) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingRequest struct {
	kind        RequestKind
	call        *Call
	submittedAt time.Time
	timeoutAt   time.Time
	timer       *time.Timer
	progress    func(Progress)
}

// Info is a point-in-time view of a handle for metrics.
type Info struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	Pending    int    `json:"pending"`
	Generation uint64 `json:"generation"`
	Requests   int64  `json:"requests"`
	Crashes    int64  `json:"crashes"`
	Timeouts   int64  `json:"timeouts"`
	Restarts   int64  `json:"restarts"`
}

// Handle owns one engine instance. It initializes lazily, serializes work,
// times out requests and tears the instance down on fatal errors. A torn
// down handle re-initializes on its next Start.
type Handle struct {
	opts Options
	log  zerolog.Logger
	init singleflight.Group

	mu         sync.Mutex
	state      State
	transport  Transport
	generation uint64
	nextID     RequestID
	pending    map[RequestID]*pendingRequest
	closed     bool

	consecutiveTimeouts int
	requests            int64
	crashes             int64
	timeouts            int64
	restarts            int64
}

func NewHandle(opts Options) (*Handle, error) {
	if opts.Factory == nil {
		return nil, errors.New("engine: factory is required")
	}
	if opts.Name == "" {
		opts.Name = "engine-0"
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	return &Handle{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "engine").Str("handle", opts.Name).Logger(),
		state:   StateUninitialized,
		pending: make(map[RequestID]*pendingRequest),
	}, nil
}

func (h *Handle) Name() string { return h.opts.Name }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		Name:       h.opts.Name,
		State:      h.state,
		Pending:    len(h.pending),
		Generation: h.generation,
		Requests:   h.requests,
		Crashes:    h.crashes,
		Timeouts:   h.timeouts,
		Restarts:   h.restarts,
	}
}

func (h *Handle) setStateLocked(to State) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	h.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("engine: state change")
	if h.opts.OnStateChange != nil {
		h.opts.OnStateChange(h.opts.Name, from, to)
	}
}

// Init brings the engine to Ready. Concurrent callers share one
// initialization; ctx only bounds how long this caller waits.
func (h *Handle) Init(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	if h.state == StateReady || h.state == StateBusy {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ch := h.init.DoChan("init", func() (any, error) {
		return nil, h.doInit()
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) doInit() error {
	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return ErrHandleClosed
	case h.state == StateReady || h.state == StateBusy:
		h.mu.Unlock()
		return nil
	}
	h.setStateLocked(StateInitializing)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.InitTimeout)
	defer cancel()

	start := time.Now()
	t, err := h.opts.Factory(ctx)
	if err != nil {
		h.mu.Lock()
		h.setStateLocked(StateUninitialized)
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("engine: spawn failed")
		return fmt.Errorf("engine %s: spawn: %w", h.opts.Name, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = t.Terminate()
		return ErrHandleClosed
	}
	h.generation++
	gen := h.generation
	h.transport = t
	call := h.registerLocked(RequestInit, nil, h.opts.InitTimeout, gen)
	h.mu.Unlock()

	go h.readLoop(t, gen)

	if err := t.Send(ctx, Request{Kind: RequestInit, ID: call.ID}); err != nil {
		h.teardown(gen, fmt.Sprintf("init send: %v", err), ErrEngineCrashed)
		return fmt.Errorf("engine %s: init: %w", h.opts.Name, err)
	}
	if _, err := call.Wait(context.Background()); err != nil {
		h.teardown(gen, fmt.Sprintf("init failed: %v", err), ErrEngineCrashed)
		return fmt.Errorf("engine %s: init: %w", h.opts.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != gen || h.state != StateInitializing {
		return &Error{Kind: ErrEngineCrashed, Handle: h.opts.Name, Message: "engine lost during init"}
	}
	h.setStateLocked(StateReady)
	h.log.Info().Uint64("generation", gen).Dur("took", time.Since(start)).Msg("engine: ready")
	return nil
}

// registerLocked allocates an ID and a pending entry with its timer.
func (h *Handle) registerLocked(kind RequestKind, progress func(Progress), timeout time.Duration, gen uint64) *Call {
	h.nextID++
	id := h.nextID
	call := &Call{ID: id, done: make(chan struct{})}
	now := time.Now()
	p := &pendingRequest{
		kind:        kind,
		call:        call,
		submittedAt: now,
		timeoutAt:   now.Add(timeout),
		progress:    progress,
	}
	p.timer = time.AfterFunc(timeout, func() { h.expire(id, gen) })
	h.pending[id] = p
	return call
}

// Start dispatches work, initializing the engine first if needed. The
// handle accepts one process request at a time.
func (h *Handle) Start(ctx context.Context, w Work) (*Call, error) {
	if err := h.Init(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return nil, ErrHandleClosed
	case h.state == StateBusy:
		h.mu.Unlock()
		return nil, ErrHandleBusy
	case h.state != StateReady || h.transport == nil:
		h.mu.Unlock()
		return nil, &Error{Kind: ErrEngineCrashed, Handle: h.opts.Name, Message: errNotReady.Error()}
	}
	gen := h.generation
	t := h.transport
	call := h.registerLocked(RequestProcess, w.Progress, h.opts.RequestTimeout, gen)
	h.requests++
	h.setStateLocked(StateBusy)
	h.mu.Unlock()

	err := t.Send(ctx, Request{Kind: RequestProcess, ID: call.ID, Params: w.Params, Image: w.Image})
	if err == nil {
		return call, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		h.settle(gen, call.ID, nil, ctxErr)
		return nil, ctxErr
	}
	h.fatal(gen, fmt.Sprintf("send failed: %v", err))
	return nil, &Error{Kind: ErrEngineCrashed, Handle: h.opts.Name, RequestID: call.ID, Message: err.Error()}
}

// Abort asks the engine to drop a request. The engine may ignore it; the
// call still settles through success, error or timeout.
func (h *Handle) Abort(id RequestID) error {
	h.mu.Lock()
	if _, ok := h.pending[id]; !ok || h.transport == nil {
		h.mu.Unlock()
		return nil
	}
	h.nextID++
	abortID := h.nextID
	t := h.transport
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Send(ctx, Request{Kind: RequestAbort, ID: abortID, Target: id}); err != nil {
		h.log.Warn().Err(err).Uint64("request_id", uint64(id)).Msg("engine: abort not delivered")
		return err
	}
	return nil
}

func (h *Handle) readLoop(t Transport, gen uint64) {
	for ev := range t.Events() {
		h.handleEvent(gen, ev)
	}
	h.mu.Lock()
	current := h.generation == gen && h.transport != nil && !h.closed
	h.mu.Unlock()
	if current {
		h.fatal(gen, "engine exited unexpectedly")
	}
}

func (h *Handle) handleEvent(gen uint64, ev Event) {
	switch ev.Kind {
	case EventProgress:
		h.mu.Lock()
		var cb func(Progress)
		if p, ok := h.pending[ev.ID]; ok && h.generation == gen {
			cb = p.progress
		}
		h.mu.Unlock()
		if cb != nil {
			cb(ev.Progress)
		}
	case EventSuccess:
		h.settle(gen, ev.ID, ev.Result, nil)
	case EventError:
		if h.opts.Classifier(ev.Message) == SeverityFatal {
			h.log.Error().Uint64("request_id", uint64(ev.ID)).Str("message", ev.Message).Msg("engine: fatal error")
			h.fatal(gen, ev.Message)
			return
		}
		h.settle(gen, ev.ID, nil, &Error{Kind: ErrEngineRejected, Handle: h.opts.Name, RequestID: ev.ID, Message: ev.Message})
	case EventFault:
		if h.opts.Classifier(ev.Message) == SeverityFatal {
			h.log.Error().Str("message", ev.Message).Msg("engine: fatal fault")
			h.fatal(gen, ev.Message)
			return
		}
		h.log.Warn().Str("message", ev.Message).Msg("engine: fault")
	default:
		h.log.Warn().Str("kind", string(ev.Kind)).Msg("engine: unknown event discarded")
	}
}

// settle resolves one pending request. Unknown, stale and already settled
// IDs are ignored.
func (h *Handle) settle(gen uint64, id RequestID, res *Result, err error) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok || h.generation != gen {
		h.mu.Unlock()
		h.log.Debug().Uint64("request_id", uint64(id)).Msg("engine: response for unknown request discarded")
		return
	}
	delete(h.pending, id)
	p.timer.Stop()
	if err == nil {
		h.consecutiveTimeouts = 0
	}
	if p.kind == RequestProcess && h.state == StateBusy {
		h.setStateLocked(StateReady)
	}
	h.mu.Unlock()

	p.call.res, p.call.err = res, err
	close(p.call.done)
}

func (h *Handle) expire(id RequestID, gen uint64) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok || h.generation != gen {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	h.timeouts++
	restart := false
	if p.kind == RequestProcess {
		h.consecutiveTimeouts++
		restart = h.opts.RestartAfterTimeouts > 0 && h.consecutiveTimeouts >= h.opts.RestartAfterTimeouts
		if h.state == StateBusy {
			h.setStateLocked(StateReady)
		}
	}
	h.mu.Unlock()

	h.log.Warn().Uint64("request_id", uint64(id)).Dur("after", time.Since(p.submittedAt)).Msg("engine: request timed out")
	p.call.err = &Error{Kind: ErrEngineTimeout, Handle: h.opts.Name, RequestID: id, Message: fmt.Sprintf("no response after %s", p.timeoutAt.Sub(p.submittedAt))}
	close(p.call.done)

	if restart {
		h.log.Warn().Msg("engine: restarting after repeated timeouts")
		h.mu.Lock()
		h.restarts++
		h.mu.Unlock()
		h.teardown(gen, "precautionary restart", ErrEngineTimeout)
	}
}

// fatal is the crash path: every pending request fails with ErrEngineCrashed,
// the instance is terminated and the handle returns to Uninitialized.
func (h *Handle) fatal(gen uint64, message string) {
	h.mu.Lock()
	if h.generation == gen && h.transport != nil {
		h.crashes++
	}
	h.mu.Unlock()
	h.teardown(gen, message, ErrEngineCrashed)
}

func (h *Handle) teardown(gen uint64, message string, kind error) {
	h.mu.Lock()
	if h.generation != gen || h.transport == nil {
		h.mu.Unlock()
		return
	}
	t := h.transport
	h.transport = nil
	pending := h.pending
	h.pending = make(map[RequestID]*pendingRequest)
	h.consecutiveTimeouts = 0
	if kind == ErrEngineCrashed {
		h.setStateLocked(StateFaulted)
	}
	h.setStateLocked(StateUninitialized)
	h.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.call.err = &Error{Kind: kind, Handle: h.opts.Name, RequestID: id, Message: message}
		close(p.call.done)
	}
	if err := t.Terminate(); err != nil {
		h.log.Warn().Err(err).Msg("engine: terminate failed")
	}
	h.log.Warn().Int("rejected", len(pending)).Str("reason", message).Msg("engine: instance torn down")
}

// Close sends cleanup, terminates the instance and fails anything pending.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	t := h.transport
	h.transport = nil
	h.generation++
	pending := h.pending
	h.pending = make(map[RequestID]*pendingRequest)
	h.nextID++
	cleanupID := h.nextID
	h.setStateLocked(StateUninitialized)
	h.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.call.err = &Error{Kind: ErrHandleClosed, Handle: h.opts.Name, RequestID: id}
		close(p.call.done)
	}
	if t == nil {
		return nil
	}
	if err := t.Send(ctx, Request{Kind: RequestCleanup, ID: cleanupID}); err != nil {
		h.log.Debug().Err(err).Msg("engine: cleanup not delivered")
	}
	return t.Terminate()
}

// NewHandles builds n handles sharing opts, named engine-0..engine-n-1.
func NewHandles(n int, opts Options) ([]*Handle, error) {
	if n <= 0 {
		n = 1
	}
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		o := opts
		o.Name = fmt.Sprintf("engine-%d", i)
		h, err := NewHandle(o)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
