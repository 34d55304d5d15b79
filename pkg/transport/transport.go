package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport carries one request to the pod and returns its answer.
// Implementations must report failures as *Error so callers can tell whether
// the request may have reached the pod.
type Transport interface {
	SendAndReceive(ctx context.Context, data []byte) ([]byte, error)
}

// Func adapts a function to a Transport
type Func func(ctx context.Context, data []byte) ([]byte, error)

func (f Func) SendAndReceive(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// Error is a link failure. Sent is true once any byte of the request left the controller.
type Error struct {
	Op   string
	Sent bool
	Err  error
}

func (e *Error) Error() string {
	if e.Sent {
		return fmt.Sprintf("%s (after send): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out waiting for the pod")
)

// WasSent reports whether err may hide a request the pod received.
// Errors that are not *Error are treated as sent.
func WasSent(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Sent
	}
	return true
}
