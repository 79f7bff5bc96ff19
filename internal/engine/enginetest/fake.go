// Package enginetest provides in-memory engine transports for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

var ErrTerminated = errors.New("enginetest: transport terminated")

// Script reacts to each request the fake receives. It runs on the sender's
// goroutine; use Emit to answer.
type Script func(f *Fake, req engine.Request)

// Fake is a scriptable Transport.
type Fake struct {
	script Script
	events chan engine.Event

	mu         sync.Mutex
	sent       []engine.Request
	terminated bool
	sendErr    error
}

func NewFake(script Script) *Fake {
	return &Fake{script: script, events: make(chan engine.Event, 256)}
}

func (f *Fake) Send(ctx context.Context, req engine.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.terminated {
		f.mu.Unlock()
		return ErrTerminated
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.script != nil {
		f.script(f, req)
	}
	return nil
}

func (f *Fake) Events() <-chan engine.Event { return f.events }

// Emit delivers an event. It is a no-op once terminated.
func (f *Fake) Emit(ev engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return
	}
	f.events <- ev
}

func (f *Fake) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.terminated {
		f.terminated = true
		close(f.events)
	}
	return nil
}

// Crash closes the event stream as if the instance died.
func (f *Fake) Crash() { _ = f.Terminate() }

// FailSends makes every later Send return err.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *Fake) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// Sent returns the requests received so far.
func (f *Fake) Sent() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

// LastOf returns the most recent request of kind.
func (f *Fake) LastOf(kind engine.RequestKind) (engine.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == kind {
			return f.sent[i], true
		}
	}
	return engine.Request{}, false
}

// Pool is a Factory that records every instance it spawns.
type Pool struct {
	mu        sync.Mutex
	script    Script
	spawned   []*Fake
	failSpawn error
}

func NewPool(script Script) *Pool { return &Pool{script: script} }

// SetScript changes the script used by instances spawned from now on.
func (p *Pool) SetScript(s Script) {
	p.mu.Lock()
	p.script = s
	p.mu.Unlock()
}

func (p *Pool) Factory() engine.Factory {
	return func(ctx context.Context) (engine.Transport, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failSpawn != nil {
			return nil, p.failSpawn
		}
		f := NewFake(p.script)
		p.spawned = append(p.spawned, f)
		return f, nil
	}
}

func (p *Pool) FailSpawn(err error) {
	p.mu.Lock()
	p.failSpawn = err
	p.mu.Unlock()
}

func (p *Pool) Spawned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spawned)
}

func (p *Pool) Last() *Fake {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.spawned) == 0 {
		return nil
	}
	return p.spawned[len(p.spawned)-1]
}

// AckInit answers init requests and nothing else.
func AckInit(f *Fake, req engine.Request) {
	if req.Kind == engine.RequestInit {
		f.Emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID})
	}
}

// Hold acknowledges init and leaves process requests pending.
func Hold() Script { return AckInit }

// Echo acknowledges init and answers every process request with svg after
// one progress event.
func Echo(svg string) Script {
	return func(f *Fake, req engine.Request) {
		switch req.Kind {
		case engine.RequestInit:
			AckInit(f, req)
		case engine.RequestProcess:
			f.Emit(engine.Event{Kind: engine.EventProgress, ID: req.ID, Progress: engine.Progress{Stage: "tracing", Percent: 50}})
			f.Emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID, Result: &engine.Result{
				SVG:   svg,
				Stats: engine.Stats{Paths: 1, Backend: req.Params.Backend},
			}})
		}
	}
}

// Fail acknowledges init and answers every process request with an error
// event carrying message.
func Fail(message string) Script {
	return func(f *Fake, req engine.Request) {
		switch req.Kind {
		case engine.RequestInit:
			AckInit(f, req)
		case engine.RequestProcess:
			f.Emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: message})
		}
	}
}
