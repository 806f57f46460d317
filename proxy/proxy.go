package proxy

import (
	stdlibcontext "context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ot "github.com/opentracing/opentracing-go"

	"github.com/allegro/zuul-go/dispatch"
	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filterstore"
	"github.com/allegro/zuul-go/logging"
	"github.com/allegro/zuul-go/metrics"
	"github.com/allegro/zuul-go/report"
	"github.com/allegro/zuul-go/scheduler"
	"github.com/allegro/zuul-go/tracing"
)

const (
	// DefaultRequestTimeout is used when no request timeout was set.
	DefaultRequestTimeout = 60 * time.Second

	maxRequestIDLength = 128
	streamBufferSize   = 8192
	spanOperation      = "ingress"
)

// Dispatcher sends the request to the backend selected by the route
// filters. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(stdlibcontext.Context, *http.Request, *filters.RouteDecision) (*http.Response, error)
}

// Params of the proxy.
type Params struct {

	// Store provides the active filters. One snapshot of it is used
	// for all the phases of a request.
	Store *filterstore.Store

	// Dispatcher calls the backends.
	Dispatcher Dispatcher

	// Scheduler is optional. When set, the requests wait for
	// admission in it before the filters are executed.
	Scheduler *scheduler.Queue

	// RequestTimeout sets the deadline of the requests, including the
	// filters and the backend call. Defaults to 60s, negative values
	// disable it.
	RequestTimeout time.Duration

	// Metrics, defaults to metrics.Default.
	Metrics metrics.Metrics

	// Reporter receives the failures of the filters and the backend
	// calls. Defaults to report.Void.
	Reporter report.Reporter

	// Tracer, defaults to the noop tracer.
	Tracer ot.Tracer

	// Log, defaults to logging.DefaultLog.
	Log logging.Logger

	// AccessLogDisabled disables the access log of ServeHTTP.
	AccessLogDisabled bool
}

// Proxy executes the filters of the phases for every request, and
// dispatches the requests to the backends. It implements http.Handler.
type Proxy struct {
	store             *filterstore.Store
	dispatcher        Dispatcher
	scheduler         *scheduler.Queue
	requestTimeout    time.Duration
	metrics           metrics.Metrics
	reporter          report.Reporter
	tracer            ot.Tracer
	log               logging.Logger
	accessLogDisabled bool
	ownDispatcher     *dispatch.Dispatcher
}

// caughtPanic is used to print the stack only for the first panic.
var caughtPanic atomic.Bool

// New creates a proxy.
func New(p Params) *Proxy {
	if p.Store == nil {
		p.Store = filterstore.New()
	}

	var own *dispatch.Dispatcher
	if p.Dispatcher == nil {
		own = dispatch.New(dispatch.Options{
			Metrics: p.Metrics,
			Tracer:  p.Tracer,
			Log:     p.Log,
		})

		p.Dispatcher = own
	}

	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Default
	}

	if p.Reporter == nil {
		p.Reporter = report.Void
	}

	if p.Log == nil {
		p.Log = logging.New()
	}

	return &Proxy{
		store:             p.Store,
		dispatcher:        p.Dispatcher,
		scheduler:         p.Scheduler,
		requestTimeout:    p.RequestTimeout,
		metrics:           p.Metrics,
		reporter:          p.Reporter,
		tracer:            tracing.Or(p.Tracer),
		log:               p.Log,
		accessLogDisabled: p.AccessLogDisabled,
		ownDispatcher:     own,
	}
}

// Close releases the dispatcher when it was created by the proxy.
func (p *Proxy) Close() error {
	if p.ownDispatcher != nil {
		p.ownDispatcher.Close()
	}

	return nil
}

func tryCatch(p func(), onErr func(err any, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			s := ""
			if caughtPanic.CompareAndSwap(false, true) {
				buf := make([]byte, 1024)
				l := runtime.Stack(buf, false)
				s = string(buf[:l])
			}

			onErr(err, s)
		}
	}()

	p()
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(dispatch.RequestIDHeader); id != "" && len(id) <= maxRequestIDLength {
		return id
	}

	return uuid.NewString()
}

// closer releases the resources of the request when the body of the
// response was closed.
type closer struct {
	io.ReadCloser
	release []func()
	closed  bool
}

func (c *closer) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true
	err := c.ReadCloser.Close()
	for i := len(c.release) - 1; i >= 0; i-- {
		c.release[i]()
	}

	return err
}

func (p *Proxy) report(t report.Type, c *context, phase filters.Phase, filter string, err error) {
	p.reporter.Report(report.Event{
		Type:      t,
		Time:      time.Now(),
		Phase:     phase,
		Filter:    filter,
		RequestID: c.requestID,
		Err:       err,
	})
}

func (p *Proxy) dispatch(c *context) (*http.Response, error) {
	ctx := dispatch.WithRequestID(c.ctx, c.requestID)
	rsp, err := p.dispatcher.Dispatch(ctx, c.request, c.route)
	if err != nil {
		c.log.Errorf("Failed to dispatch request: %v", err)
		p.report(report.DispatchFailure, c, filters.Route, c.filter, err)
		return nil, err
	}

	return rsp, nil
}

func (p *Proxy) runFilter(c *context, f filters.Filter) (err error) {
	phase := f.Phase()
	c.setFilter(phase, f.Name())
	start := time.Now()
	tryCatch(func() {
		if !f.ShouldRun(c) {
			return
		}

		defer p.metrics.MeasureFilter(string(phase), f.Name(), start)
		err = f.Run(c)
	}, func(perr any, stack string) {
		c.log.Errorf("Panic in filter %s/%s: %v %s", phase, f.Name(), perr, stack)
		err = fmt.Errorf("panic: %v", perr)
	})

	if err == nil && !validStatus(c.response.StatusCode) {
		err = fmt.Errorf("invalid status code: %d", c.response.StatusCode)
		c.setResponse(nil)
		c.shortCircuited = false
	}

	if err != nil {
		err = &filters.FilterRunError{Phase: phase, Filter: f.Name(), Err: err}
		p.report(report.FilterFailure, c, phase, f.Name(), err)
	}

	return err
}

// runPhase executes the filters of a phase in order, and stops at the
// first failure or when a filter short-circuited the request.
func (p *Proxy) runPhase(c *context, snapshot *filterstore.Snapshot, phase filters.Phase) {
	seq := snapshot.Phase(phase)
	if len(seq) == 0 {
		return
	}

	span, _ := tracing.StartSpan(c.ctx, p.tracer, string(phase))
	tracing.SetTag(span, tracing.PhaseTag, string(phase))
	start := time.Now()
	defer func() {
		p.metrics.MeasurePhase(string(phase), start)
		span.Finish()
	}()

	for _, f := range seq {
		if f.Disabled() {
			continue
		}

		if err := p.runFilter(c, f); err != nil {
			c.fail(phase, f.Name(), err)
			tracing.SetTag(span, tracing.FilterTag, f.Name())
			tracing.SetError(span, err)
			return
		}

		if c.shortCircuited {
			tracing.LogKV(span, "short_circuit", f.Name())
			return
		}
	}
}

// dispatchDecision dispatches the routing decision after the route phase,
// unless a route filter did it already.
func (p *Proxy) dispatchDecision(c *context) {
	c.setFilter(filters.Route, "")
	switch {
	case c.dispatchErr != nil:
		c.fail(filters.Route, c.dispatchedBy, c.dispatchErr)
	case c.dispatched:
	case c.route == nil:
		c.fail(filters.Route, "", filters.ErrNoRoute)
	default:
		if err := c.Dispatch(); err != nil {
			c.fail(filters.Route, "", err)
		}
	}
}

// validStatus accepts the codes that can be written as the status of a
// final response.
func validStatus(code int) bool {
	return code >= 100 && code <= 599
}

func fallbackResponse(c *context) *http.Response {
	code := c.failure.StatusCode()
	text := http.StatusText(code)
	if text == "" {
		text = "Client Closed Request"
	}

	rsp := defaultResponse(c.request)
	rsp.StatusCode = code
	rsp.Status = fmt.Sprintf("%d %s", code, text)
	rsp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	rsp.Header.Set(filters.ErrorKindHeader, string(c.failure.Kind()))
	rsp.Body = io.NopCloser(strings.NewReader(text))
	rsp.ContentLength = int64(len(text))
	return rsp
}

// runErrorPhase executes the error filters once, with the same rules as
// the other phases: the first failing error filter stops the phase. Its
// failure is reported, but it doesn't restart the error phase, and the
// fallback response of the original failure is staged. The fallback is
// staged, too, when none of the error filters served a response.
func (p *Proxy) runErrorPhase(c *context, snapshot *filterstore.Snapshot) {
	kind := c.failure.Kind()
	p.metrics.IncErrorKind(string(kind))
	if span := ot.SpanFromContext(c.ctx); span != nil {
		tracing.SetTag(span, tracing.ErrorKindTag, string(kind))
		tracing.SetError(span, c.failure.Err)
	}

	c.shortCircuited = false
	if seq := snapshot.Phase(filters.Error); len(seq) > 0 {
		span, _ := tracing.StartSpan(c.ctx, p.tracer, string(filters.Error))
		tracing.SetTag(span, tracing.PhaseTag, string(filters.Error))
		start := time.Now()
		for _, f := range seq {
			if f.Disabled() {
				continue
			}

			if err := p.runFilter(c, f); err != nil {
				c.log.Errorf("Error filter failed: %v", err)
				tracing.LogKV(span, "error_filter_failed", f.Name())
				c.shortCircuited = false
				break
			}

			if c.shortCircuited {
				break
			}
		}

		p.metrics.MeasurePhase(string(filters.Error), start)
		span.Finish()
	}

	if !c.shortCircuited {
		c.log.Errorf("Unhandled failure in %s/%s: %v", c.failure.Phase, c.failure.Filter, c.failure.Err)
		c.setResponse(fallbackResponse(c))
	}
}

// execute runs the state machine of the request: pre, route, dispatch,
// post, and the error phase on failure.
func (p *Proxy) execute(c *context, snapshot *filterstore.Snapshot) {
	for _, phase := range []filters.Phase{filters.Pre, filters.Route, filters.Post} {
		p.runPhase(c, snapshot, phase)
		if c.failure == nil && !c.shortCircuited && phase == filters.Route {
			p.dispatchDecision(c)
		}

		if c.failure != nil {
			p.runErrorPhase(c, snapshot)
			return
		}

		if c.shortCircuited {
			return
		}
	}
}

func (p *Proxy) admissionResponse(c *context, err error) {
	c.fail("", "", err)
	p.metrics.IncErrorKind(string(c.failure.Kind()))
	c.log.Errorf("Request not admitted: %v", err)
	c.setResponse(fallbackResponse(c))
}

// Handle executes the filters for the request, and returns the response
// to be sent to the client. It never returns nil. The caller needs to
// close the body of the response, which releases the resources of the
// request.
func (p *Proxy) Handle(r *http.Request) *http.Response {
	id := requestID(r)
	var release []func()
	ctx := r.Context()
	if p.requestTimeout > 0 {
		var cancel func()
		ctx, cancel = stdlibcontext.WithTimeout(ctx, p.requestTimeout)
		release = append(release, cancel)
	}

	r = r.WithContext(ctx)
	c := newContext(ctx, r, id, p)
	if p.scheduler != nil {
		done, err := p.scheduler.Wait()
		release = append(release, done)
		if err != nil {
			p.admissionResponse(c, err)
			return p.finish(c, release)
		}
	}

	p.execute(c, p.store.Snapshot())
	return p.finish(c, release)
}

func (p *Proxy) finish(c *context, release []func()) *http.Response {
	if !validStatus(c.response.StatusCode) {
		c.log.Errorf("Invalid status code of the response: %d", c.response.StatusCode)
		c.fail("", "", fmt.Errorf("invalid status code: %d", c.response.StatusCode))
		c.setResponse(fallbackResponse(c))
	}

	rsp := c.response
	rsp.Header.Set(dispatch.RequestIDHeader, c.requestID)
	rsp.Body = &closer{ReadCloser: rsp.Body, release: release}
	return rsp
}

type flushedResponseWriter interface {
	http.ResponseWriter
	http.Flusher
}

func copyStream(to flushedResponseWriter, from io.Reader) error {
	b := make([]byte, streamBufferSize)
	for {
		l, rerr := from.Read(b)
		if l > 0 {
			if _, werr := to.Write(b[:l]); werr != nil {
				return werr
			}

			to.Flush()
		}

		if rerr == io.EOF {
			return nil
		}

		if rerr != nil {
			return rerr
		}
	}
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

func (p *Proxy) serveResponse(w flushedResponseWriter, r *http.Request, rsp *http.Response, span ot.Span) {
	h := rsp.Header.Clone()
	dispatch.RemoveHopHeaders(h)
	h.Del("Content-Length")
	copyHeader(w.Header(), h)

	code := rsp.StatusCode
	if err := r.Context().Err(); err != nil {
		p.log.Infof("Client request: %v", err)
		code = filters.StatusClientClosedRequest
		tracing.SetTag(span, tracing.ClientRequestStateTag, tracing.ClientRequestCanceled)
	}

	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	if err := copyStream(w, rsp.Body); err != nil {
		p.log.Errorf("Error while copying the response stream: %v", err)
	}
}

// ServeHTTP executes the filters and writes the response.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := logging.NewLoggingWriter(w)

	span := tracing.StartServerSpan(p.tracer, spanOperation, r)
	defer span.Finish()
	r = r.WithContext(ot.ContextWithSpan(r.Context(), span))

	rsp := p.Handle(r)
	defer rsp.Body.Close()

	id := rsp.Header.Get(dispatch.RequestIDHeader)
	tracing.SetTag(span, tracing.RequestIDTag, id)
	p.serveResponse(lw, r, rsp, span)
	tracing.SetTag(span, tracing.HTTPStatusCodeTag, uint16(lw.GetCode()))
	p.metrics.MeasureServe(r.Method, lw.GetCode(), start)

	if !p.accessLogDisabled {
		logging.LogAccess(&logging.AccessEntry{
			Request:      r,
			StatusCode:   lw.GetCode(),
			ResponseSize: lw.GetBytes(),
			RequestTime:  start,
			Duration:     time.Since(start),
			RequestID:    id,
			ErrorKind:    rsp.Header.Get(filters.ErrorKindHeader),
		})
	}
}
