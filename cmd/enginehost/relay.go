package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

// inflight tracks requests that still owe a final event.
type inflight struct {
	mu    sync.Mutex
	ids   map[engine.RequestID]struct{}
	ended bool
	idle  chan struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[engine.RequestID]struct{})}
}

func (f *inflight) add(id engine.RequestID) {
	f.mu.Lock()
	f.ids[id] = struct{}{}
	f.mu.Unlock()
}

func (f *inflight) finish(id engine.RequestID) {
	f.mu.Lock()
	delete(f.ids, id)
	f.signal()
	f.mu.Unlock()
}

// end marks the transport gone; nothing more will finish.
func (f *inflight) end() {
	f.mu.Lock()
	f.ended = true
	f.signal()
	f.mu.Unlock()
}

func (f *inflight) signal() {
	if f.idle != nil && (len(f.ids) == 0 || f.ended) {
		close(f.idle)
		f.idle = nil
	}
}

// wait blocks until every tracked request has answered.
func (f *inflight) wait(ctx context.Context) {
	f.mu.Lock()
	if len(f.ids) == 0 || f.ended {
		f.mu.Unlock()
		return
	}
	idle := make(chan struct{})
	f.idle = idle
	f.mu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
	}
}

// relay feeds request frames from in to t and writes every event t produces
// to out. Once in ends or a cleanup frame arrives it lets accepted requests
// finish, shuts the transport down and returns after the last event is
// written.
func relay(ctx context.Context, in io.Reader, out io.Writer, t engine.Transport, log zerolog.Logger) error {
	pending := newInflight()
	w := bufio.NewWriter(out)
	writeErr := make(chan error, 1)
	go func() {
		var err error
		for ev := range t.Events() {
			if err == nil {
				if err = engine.WriteFrame(w, engine.EventFrame(ev)); err == nil {
					err = w.Flush()
				}
				if err != nil {
					log.Error().Err(err).Msg("enginehost: write event failed")
				}
			}
			if ev.Kind == engine.EventSuccess || ev.Kind == engine.EventError {
				pending.finish(ev.ID)
			}
		}
		pending.end()
		writeErr <- err
	}()

	readErr := pump(ctx, bufio.NewReader(in), t, pending, log)
	pending.wait(ctx)
	if err := t.Terminate(); err != nil {
		log.Warn().Err(err).Msg("enginehost: terminate failed")
	}
	return errors.Join(readErr, <-writeErr)
}

func pump(ctx context.Context, in io.Reader, t engine.Transport, pending *inflight, log zerolog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := engine.ReadFrame(in)
		if errors.Is(err, io.EOF) {
			log.Debug().Msg("enginehost: stdin closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("enginehost: read: %w", err)
		}
		req, err := f.Request()
		if err != nil {
			log.Warn().Err(err).Msg("enginehost: frame discarded")
			continue
		}
		if req.Kind == engine.RequestCleanup {
			log.Debug().Msg("enginehost: cleanup requested")
			return nil
		}
		if req.Kind == engine.RequestInit || req.Kind == engine.RequestProcess {
			pending.add(req.ID)
		}
		if err := t.Send(ctx, req); err != nil {
			pending.finish(req.ID)
			return fmt.Errorf("enginehost: send %s: %w", req.Kind, err)
		}
	}
}
