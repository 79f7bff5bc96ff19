package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

// RequestID correlates a request with the events it produces. IDs are
// assigned by one Handle and increase monotonically.
type RequestID uint64

// RequestKind enumerates messages sent to the engine.
type RequestKind string

const (
	RequestInit    RequestKind = "init"
	RequestProcess RequestKind = "process"
	RequestAbort   RequestKind = "abort"
	RequestCleanup RequestKind = "cleanup"
)

// EventKind enumerates messages received from the engine.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventSuccess  EventKind = "success"
	EventError    EventKind = "error"
	// EventFault is raised by the transport itself, not tied to a request.
	EventFault EventKind = "fault"
)

type Request struct {
	Kind   RequestKind
	ID     RequestID
	Target RequestID
	Params params.EngineParams
	Image  []byte
}

type Progress struct {
	Stage   string  `msgpack:"stage" json:"stage"`
	Percent float64 `msgpack:"percent" json:"percent"`
}

type Stats struct {
	Paths        int    `msgpack:"paths" json:"paths"`
	Points       int    `msgpack:"points" json:"points"`
	Width        int    `msgpack:"width" json:"width"`
	Height       int    `msgpack:"height" json:"height"`
	ProcessingMS int64  `msgpack:"processing_ms" json:"processing_ms"`
	Backend      string `msgpack:"backend" json:"backend"`
}

// Result is the engine's output for one process request.
type Result struct {
	SVG   string `json:"svg"`
	Stats Stats  `json:"stats"`
}

// SizeBytes approximates the memory held by the result.
func (r *Result) SizeBytes() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.SVG)) + 64
}

type Event struct {
	Kind     EventKind
	ID       RequestID
	Progress Progress
	Result   *Result
	Message  string
}

// Transport is one live engine instance. Events must be closed once the
// instance is gone, whether through Terminate or on its own.
type Transport interface {
	Send(ctx context.Context, req Request) error
	Events() <-chan Event
	Terminate() error
}

// Factory spawns a fresh engine instance.
type Factory func(ctx context.Context) (Transport, error)

// MaxFrameSize caps a single wire frame.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("engine: frame too large")

// Frame is the msgpack wire form shared by every out-of-process and in-memory
// engine: requests and events travel as the same shape.
type Frame struct {
	Type    string               `msgpack:"type"`
	ID      uint64               `msgpack:"id"`
	Target  uint64               `msgpack:"target,omitempty"`
	Params  *params.EngineParams `msgpack:"params,omitempty"`
	Image   []byte               `msgpack:"image,omitempty"`
	Stage   string               `msgpack:"stage,omitempty"`
	Percent float64              `msgpack:"percent,omitempty"`
	SVG     string               `msgpack:"svg,omitempty"`
	Stats   *Stats               `msgpack:"stats,omitempty"`
	Message string               `msgpack:"message,omitempty"`
}

func RequestFrame(r Request) Frame {
	f := Frame{Type: string(r.Kind), ID: uint64(r.ID), Target: uint64(r.Target)}
	if r.Kind == RequestProcess {
		p := r.Params
		f.Params = &p
		f.Image = r.Image
	}
	return f
}

func (f Frame) Request() (Request, error) {
	r := Request{Kind: RequestKind(f.Type), ID: RequestID(f.ID), Target: RequestID(f.Target), Image: f.Image}
	switch r.Kind {
	case RequestInit, RequestAbort, RequestCleanup:
	case RequestProcess:
		if f.Params == nil {
			return r, fmt.Errorf("engine: process frame %d without params", f.ID)
		}
		r.Params = *f.Params
	default:
		return r, fmt.Errorf("engine: unknown request type %q", f.Type)
	}
	return r, nil
}

func EventFrame(e Event) Frame {
	f := Frame{Type: string(e.Kind), ID: uint64(e.ID), Message: e.Message}
	switch e.Kind {
	case EventProgress:
		f.Stage = e.Progress.Stage
		f.Percent = e.Progress.Percent
	case EventSuccess:
		if e.Result != nil {
			st := e.Result.Stats
			f.SVG = e.Result.SVG
			f.Stats = &st
		}
	}
	return f
}

func (f Frame) Event() (Event, error) {
	e := Event{Kind: EventKind(f.Type), ID: RequestID(f.ID), Message: f.Message}
	switch e.Kind {
	case EventProgress:
		e.Progress = Progress{Stage: f.Stage, Percent: f.Percent}
	case EventSuccess:
		res := &Result{SVG: f.SVG}
		if f.Stats != nil {
			res.Stats = *f.Stats
		}
		e.Result = res
	case EventError, EventFault:
	default:
		return e, fmt.Errorf("engine: unknown event type %q", f.Type)
	}
	return e, nil
}

func EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("engine: decode frame: %w", err)
	}
	return f, nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// msgpack body.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("engine: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame. io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("engine: read frame body: %w", err)
	}
	return DecodeFrame(body)
}
