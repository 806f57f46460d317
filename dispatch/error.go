package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/allegro/zuul-go/circuit"
	"github.com/allegro/zuul-go/filters"
)

// Error is returned by the dispatcher when the backend could not
// provide a response. The error phase can discriminate the failures by
// its kind.
type Error struct {
	kind filters.ErrorKind

	// Host of the backend.
	Host string

	// Attempts made, including the first one.
	Attempts int

	// Status is the status code of the last backend response, when the
	// failure was caused by the retried status codes.
	Status int

	// Err is the cause.
	Err error
}

// NewError creates a dispatch error of the kind.
func NewError(kind filters.ErrorKind, host string, err error) *Error {
	return &Error{kind: kind, Host: host, Attempts: 1, Err: err}
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dispatch to %s failed (%s) after %d attempts: status %d", e.Host, e.kind, e.Attempts, e.Status)
	}

	if e.Attempts > 1 {
		return fmt.Sprintf("dispatch to %s failed (%s) after %d attempts: %v", e.Host, e.kind, e.Attempts, e.Err)
	}

	return fmt.Sprintf("dispatch to %s failed (%s): %v", e.Host, e.kind, e.Err)
}

func (e *Error) Unwrap() error           { return e.Err }
func (e *Error) Kind() filters.ErrorKind { return e.kind }

// dialError marks the errors that happened while connecting to the
// backend, before any data was sent. These are safe to retry.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return "dialing failed: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// statusError is used to retry the configured status codes.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("backend responded with status %d", e.code) }

var errHook = errors.New("dispatch hook failed")

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// classify checks the context first, because when the deadline of the
// request was exceeded, the transport may report it as any kind of
// network error.
func classify(ctx context.Context, err error) filters.ErrorKind {
	var (
		derr *dialError
		serr *statusError
	)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return filters.KindTimeout
	case ctx.Err() != nil:
		return filters.KindCanceled
	case circuit.IsOpen(err):
		return filters.KindCircuitOpen
	case errors.Is(err, errHook):
		return filters.KindFilterRun
	case errors.As(err, &derr):
		if isTimeout(derr.err) {
			return filters.KindConnectTimeout
		}

		return filters.KindConnectFailure
	case errors.As(err, &serr):
		return filters.KindUpstream
	case isTimeout(err):
		return filters.KindTimeout
	default:
		return filters.KindUpstream
	}
}
