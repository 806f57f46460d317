// Package tracing creates the opentracing tracer of the proxy, and
// provides the span helpers shared by the engine and the dispatcher.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	ot "github.com/opentracing/opentracing-go"

	"github.com/allegro/zuul-go/logging"
)

const (
	ClientRequestStateTag = "client.request"
	ComponentTag          = "component"
	ErrorTag              = "error"
	ErrorKindTag          = "zuul.error_kind"
	FilterTag             = "zuul.filter"
	FlowIDTag             = "flow_id"
	HostnameTag           = "hostname"
	HTTPHostTag           = "http.host"
	HTTPMethodTag         = "http.method"
	HTTPPathTag           = "http.path"
	HTTPRemoteAddrTag     = "http.remote_addr"
	HTTPStatusCodeTag     = "http.status_code"
	HTTPUrlTag            = "http.url"
	PhaseTag              = "zuul.phase"
	RequestIDTag          = "zuul.request_id"
	SpanKindTag           = "span.kind"

	ClientRequestCanceled = "canceled"
	SpanKindClient        = "client"
	SpanKindServer        = "server"

	Component = "zuul"
)

var (
	// ErrUnsupportedTracer is returned when an unsupported opentracing
	// implementation was requested as tracer.
	ErrUnsupportedTracer = errors.New("invalid argument, not a supported tracer")

	hostname, _ = os.Hostname()
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the tracer selected by the first option: noop, basic or
// jaeger. The rest of the options are passed to the selected tracer.
// When no options are set, the noop tracer is returned. The returned
// closer flushes the tracer.
func New(opts []string, log logging.Logger) (ot.Tracer, io.Closer, error) {
	if len(opts) == 0 {
		return &ot.NoopTracer{}, nopCloser{}, nil
	}

	if log == nil {
		log = &logging.DefaultLog{}
	}

	impl, opts := opts[0], opts[1:]
	switch impl {
	case "noop":
		return &ot.NoopTracer{}, nopCloser{}, nil
	case "basic":
		t, err := newBasic(opts, log)
		return t, nopCloser{}, err
	case "jaeger":
		return newJaeger(opts)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedTracer, impl)
	}
}

// Or returns the noop tracer when the argument is nil.
func Or(t ot.Tracer) ot.Tracer {
	if t == nil {
		return &ot.NoopTracer{}
	}

	return t
}

// StartSpan starts a span as the child of the span in the context, if
// there is one, and returns the context with the new span.
func StartSpan(ctx context.Context, tracer ot.Tracer, operation string, opts ...ot.StartSpanOption) (ot.Span, context.Context) {
	if parent := ot.SpanFromContext(ctx); parent != nil {
		opts = append(opts, ot.ChildOf(parent.Context()))
	}

	span := tracer.StartSpan(operation, opts...)
	return span, ot.ContextWithSpan(ctx, span)
}

// StartServerSpan starts the span of an incoming request, continuing
// the trace received in the headers when there is one.
func StartServerSpan(tracer ot.Tracer, operation string, r *http.Request) ot.Span {
	var span ot.Span
	if wireContext, err := tracer.Extract(ot.HTTPHeaders, ot.HTTPHeadersCarrier(r.Header)); err == nil {
		span = tracer.StartSpan(operation, ot.ChildOf(wireContext))
	} else {
		span = tracer.StartSpan(operation)
	}

	SetTag(span, SpanKindTag, SpanKindServer)
	SetTag(span, ComponentTag, Component)
	SetTag(span, HostnameTag, hostname)
	SetTag(span, HTTPMethodTag, r.Method)
	SetTag(span, HTTPHostTag, r.Host)
	SetTag(span, HTTPPathTag, r.URL.Path)
	SetTag(span, HTTPRemoteAddrTag, r.RemoteAddr)
	if id := r.Header.Get("X-Flow-Id"); id != "" {
		SetTag(span, FlowIDTag, id)
	}

	return span
}

// Inject writes the span context into the outgoing request headers.
// Tracers not supporting the http headers format are ignored.
func Inject(tracer ot.Tracer, span ot.Span, h http.Header) {
	if span == nil {
		return
	}

	_ = tracer.Inject(span.Context(), ot.HTTPHeaders, ot.HTTPHeadersCarrier(h))
}

// SetTag sets a tag when the span is not nil.
func SetTag(span ot.Span, key string, value any) {
	if span == nil {
		return
	}

	span.SetTag(key, value)
}

// LogKV logs key value pairs to the span, when it is not nil.
func LogKV(span ot.Span, kv ...any) {
	if span == nil {
		return
	}

	span.LogKV(kv...)
}

// SetError marks the span as failed.
func SetError(span ot.Span, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetTag(ErrorTag, true)
	span.LogKV("event", "error", "message", err.Error())
}
