// Package invoker defines the contract shared by backend invocation
// strategies and the error taxonomy the orchestrator uses to decide fallback.
package invoker

import (
	"context"
	"errors"
	"fmt"

	"claude-bridge/internal/models"
)

// Invoker names.
const (
	NameDirect     = "direct"
	NameSubprocess = "subprocess"
)

// ErrTimeout marks an attempt that exceeded its wall-clock budget.
var ErrTimeout = errors.New("invocation timed out")

// ErrUnavailable indicates the invoker cannot currently serve requests.
var ErrUnavailable = errors.New("invoker unavailable")

// Invoker drives one backend.
//
// Stream returns a finite, non-restartable event sequence: zero or more text
// deltas followed by exactly one terminal event carrying the final result or
// an error. The channel is closed after the terminal event. Cancelling ctx
// aborts the underlying work.
type Invoker interface {
	Name() string
	Available() bool
	Invoke(ctx context.Context, q models.TranslatedQuery) (*models.InvocationResult, error)
	Stream(ctx context.Context, q models.TranslatedQuery) (<-chan models.Event, error)
}

// BackendError is a failure reported by an invoker. Terminal errors must not
// be retried against another backend.
type BackendError struct {
	Invoker  string
	Terminal bool
	Err      error
}

func (e *BackendError) Error() string {
	kind := "transport"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("%s invoker %s error: %v", e.Invoker, kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Transport wraps err as a recoverable backend failure.
func Transport(invoker string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Invoker: invoker, Err: err}
}

// Terminal wraps err as a non-recoverable backend failure.
func Terminal(invoker string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Invoker: invoker, Terminal: true, Err: err}
}

// IsTerminal reports whether err carries a terminal BackendError.
func IsTerminal(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Terminal
}

// Message returns the innermost backend message, without the invoker prefix.
func Message(err error) string {
	var be *BackendError
	if errors.As(err, &be) && be.Err != nil {
		return be.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Send delivers ev unless ctx is done first. It reports whether the event
// was delivered.
func Send(ctx context.Context, ch chan<- models.Event, ev models.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
