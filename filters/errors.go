package filters

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies the failures of the filter pipeline. Error
// filters can discriminate by it, and the fallback response preserves
// it in the X-Zuul-Error-Kind header.
type ErrorKind string

const (
	KindCompile        ErrorKind = "compile"
	KindFilterRun      ErrorKind = "filter-run"
	KindNoRoute        ErrorKind = "no-route"
	KindConnectTimeout ErrorKind = "connect-timeout"
	KindConnectFailure ErrorKind = "connect-failure"
	KindTimeout        ErrorKind = "timeout"
	KindUpstream       ErrorKind = "upstream-error"
	KindRetryExhausted ErrorKind = "retry-exhausted"
	KindCircuitOpen    ErrorKind = "circuit-open"
	KindCanceled       ErrorKind = "canceled"
	KindQueueFull      ErrorKind = "queue-full"
	KindQueueTimeout   ErrorKind = "queue-timeout"
	KindQueueClosed    ErrorKind = "queue-closed"
	KindUnhandled      ErrorKind = "unhandled"
)

// ErrorKindHeader is set on the fallback response sent when no error
// filter handled a failure.
const ErrorKindHeader = "X-Zuul-Error-Kind"

// StatusClientClosedRequest is used when the client canceled the
// request before the response was ready.
const StatusClientClosedRequest = 499

// Kinder is implemented by the errors that carry their own kind.
type Kinder interface {
	Kind() ErrorKind
}

// StatusCoder is implemented by the errors that prescribe the status
// code of the fallback response.
type StatusCoder interface {
	StatusCode() int
}

// ErrNoRoute is the failure when the route phase completed without a
// routing decision. It is a configuration error of the filter set.
var ErrNoRoute = noRouteError{}

type noRouteError struct{}

func (noRouteError) Error() string   { return "no routing decision set by the route filters" }
func (noRouteError) Kind() ErrorKind { return KindNoRoute }
func (noRouteError) StatusCode() int { return http.StatusInternalServerError }

// CompileError is returned by the loader when a filter source could not
// be turned into a filter.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile filter %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error   { return e.Err }
func (e *CompileError) Kind() ErrorKind { return KindCompile }

// FilterRunError wraps the error returned by, or the panic raised in,
// a filter.
type FilterRunError struct {
	Phase  Phase
	Filter string
	Err    error
}

func (e *FilterRunError) Error() string {
	return fmt.Sprintf("filter %s/%s failed: %v", e.Phase, e.Filter, e.Err)
}

func (e *FilterRunError) Unwrap() error { return e.Err }

// Kind returns the kind of the wrapped error when it has one, e.g. a
// dispatch error returned through FilterContext.Dispatch, otherwise
// KindFilterRun.
func (e *FilterRunError) Kind() ErrorKind {
	var k Kinder
	if errors.As(e.Err, &k) {
		return k.Kind()
	}

	return KindFilterRun
}

// Failure holds the identity of the filter and the error that sent the
// request to the error phase.
type Failure struct {
	Phase  Phase
	Filter string
	Err    error
}

// Kind returns the classification of the failure.
func (f *Failure) Kind() ErrorKind { return KindOf(f.Err) }

// StatusCode returns the status code of the fallback response.
func (f *Failure) StatusCode() int { return StatusFor(f.Err) }

// KindOf returns the kind of an error. Errors without a kind are
// classified as filter failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}

	return KindFilterRun
}

// StatusFor returns the status code used for the fallback response of an
// unhandled failure.
func StatusFor(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return sc.StatusCode()
	}

	switch KindOf(err) {
	case KindConnectTimeout, KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnectFailure, KindUpstream, KindRetryExhausted, KindQueueTimeout:
		return http.StatusBadGateway
	case KindCircuitOpen, KindQueueFull, KindQueueClosed:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
