// Package process runs the engine in a child process speaking length-prefixed
// msgpack frames over stdin and stdout.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robmcdonald5/vec2art-sub009/internal/engine"
)

const (
	DefaultCommand     = "vec2art-enginehost"
	DefaultStopTimeout = 2 * time.Second
)

var ErrStopped = errors.New("process: engine stopped")

type Options struct {
	Command     string
	Args        []string
	Env         []string
	StopTimeout time.Duration
	Logger      zerolog.Logger
}

// Factory spawns a new child per engine instance.
func Factory(opts Options) engine.Factory {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return func(ctx context.Context) (engine.Transport, error) {
		return Start(ctx, opts)
	}
}

// Transport is a running child process.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan engine.Event
	log    zerolog.Logger
	stop   time.Duration
	done   chan struct{}

	writeMu    sync.Mutex
	mu         sync.Mutex
	terminated bool
	once       sync.Once
}

// Start launches the child. ctx only bounds the launch itself; the child
// lives until Terminate or until it exits.
func Start(ctx context.Context, opts Options) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s: %w", opts.Command, err)
	}

	t := &Transport{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan engine.Event, 64),
		log:    opts.Logger.With().Str("component", "engine-process").Int("pid", cmd.Process.Pid).Logger(),
		stop:   opts.StopTimeout,
		done:   make(chan struct{}),
	}
	t.log.Info().Str("command", opts.Command).Msg("process: engine spawned")

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		t.logStderr(stderr)
	}()
	go t.run(bufio.NewReader(stdout), &stderrDone)
	return t, nil
}

func (t *Transport) Events() <-chan engine.Event { return t.events }

func (t *Transport) Send(ctx context.Context, req engine.Request) error {
	t.mu.Lock()
	stopped := t.terminated
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	errc := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		errc <- engine.WriteFrame(t.stdin, engine.RequestFrame(req))
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("process: write: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run reads frames until stdout closes, reaps the child and closes Events.
func (t *Transport) run(stdout io.Reader, stderrDone *sync.WaitGroup) {
	defer close(t.done)
	defer close(t.events)

	for {
		f, err := engine.ReadFrame(stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				t.log.Error().Err(err).Msg("process: bad frame from engine")
			}
			break
		}
		ev, err := f.Event()
		if err != nil {
			t.log.Warn().Err(err).Msg("process: frame discarded")
			continue
		}
		t.events <- ev
	}

	stderrDone.Wait()
	err := t.cmd.Wait()

	t.mu.Lock()
	expected := t.terminated
	t.mu.Unlock()
	if expected {
		t.log.Debug().Err(err).Msg("process: engine exited (shutdown)")
		return
	}
	msg := "engine process exited"
	if err != nil {
		msg = fmt.Sprintf("engine process exited: %v", err)
	}
	t.log.Error().Err(err).Msg("process: engine exited unexpectedly")
	t.events <- engine.Event{Kind: engine.EventFault, Message: msg}
}

func (t *Transport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "ERROR") || strings.Contains(line, "panicked"):
			t.log.Error().Str("log", line).Msg("process: engine stderr")
		case strings.Contains(line, "WARN"):
			t.log.Warn().Str("log", line).Msg("process: engine stderr")
		default:
			t.log.Debug().Str("log", line).Msg("process: engine stderr")
		}
	}
}

// Terminate closes stdin, waits for the child to exit and kills it if it
// does not within the stop timeout.
func (t *Transport) Terminate() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.terminated = true
		t.mu.Unlock()
		_ = t.stdin.Close()
		// Terminate may run on the goroutine that reads Events.
		go func() {
			for range t.events {
			}
		}()

		select {
		case <-t.done:
		case <-time.After(t.stop):
			t.log.Warn().Msg("process: stop timeout, killing engine")
			if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
	})
	<-t.done
	return err
}
