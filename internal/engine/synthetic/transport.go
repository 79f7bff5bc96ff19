package synthetic

import (
	"context"
	"errors"
	"sync"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

var errClosed = errors.New("synthetic: engine closed")

// Factory spawns in-process synthetic engines.
func Factory() engine.Factory {
	return func(ctx context.Context) (engine.Transport, error) {
		return New(), nil
	}
}

// Transport runs Vectorize on one goroutine, one request at a time.
type Transport struct {
	events chan engine.Event
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	inbox   []engine.Request
	aborted map[engine.RequestID]bool
	closed  bool
	once    sync.Once
}

func New() *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		events:  make(chan engine.Event, 64),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		aborted: make(map[engine.RequestID]bool),
	}
	go t.loop()
	return t
}

func (t *Transport) Events() <-chan engine.Event { return t.events }

func (t *Transport) Send(ctx context.Context, req engine.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	switch req.Kind {
	case engine.RequestAbort:
		for _, r := range t.inbox {
			if r.ID == req.Target {
				t.aborted[r.ID] = true
			}
		}
		return nil
	case engine.RequestCleanup:
		return nil
	}
	t.inbox = append(t.inbox, req)
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

func (t *Transport) pop() (engine.Request, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return engine.Request{}, false, false
	}
	r := t.inbox[0]
	t.inbox = t.inbox[1:]
	aborted := t.aborted[r.ID]
	delete(t.aborted, r.ID)
	return r, aborted, true
}

func (t *Transport) emit(ev engine.Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *Transport) loop() {
	defer close(t.done)
	defer close(t.events)
	for {
		req, aborted, ok := t.pop()
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
		case aborted:
			t.emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: "aborted"})
		case req.Kind == engine.RequestInit:
			t.emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID})
		case req.Kind == engine.RequestProcess:
			res, err := Vectorize(t.ctx, req.Params, req.Image, func(p engine.Progress) {
				t.emit(engine.Event{Kind: engine.EventProgress, ID: req.ID, Progress: p})
			})
			if t.ctx.Err() != nil {
				return
			}
			if err != nil {
				t.emit(engine.Event{Kind: engine.EventError, ID: req.ID, Message: err.Error()})
				continue
			}
			t.emit(engine.Event{Kind: engine.EventSuccess, ID: req.ID, Result: res})
		}
	}
}
