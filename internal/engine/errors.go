package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEngineTimeout: the request outlived its deadline. The handle survives.
	ErrEngineTimeout = errors.New("engine timeout")
	// ErrEngineCrashed: the engine hit a fatal signature and was torn down.
	ErrEngineCrashed = errors.New("engine crashed")
	// ErrEngineRejected: the engine refused the input. Retrying the same input will fail again.
	ErrEngineRejected = errors.New("engine rejected request")
	ErrHandleClosed   = errors.New("engine handle closed")
	ErrHandleBusy     = errors.New("engine handle busy")
)

// Error carries a classified engine failure. errors.Is matches its Kind.
type Error struct {
	Kind      error
	Handle    string
	RequestID RequestID
	Message   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Handle != "" {
		fmt.Fprintf(&b, " (%s", e.Handle)
		if e.RequestID != 0 {
			fmt.Fprintf(&b, " request %d", e.RequestID)
		}
		b.WriteByte(')')
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// Retryable reports whether resubmitting the same job may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrEngineTimeout) || errors.Is(err, ErrEngineCrashed)
}
