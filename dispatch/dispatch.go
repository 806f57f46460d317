/*
Package dispatch implements the proxy dispatcher: it sends the request
to the backend selected by the routing decision, and returns the
backend response.

The outgoing request is created from the incoming one. The scheme and
the host are taken from the target, the path of the target is prepended
to the request path, and the query parameters are merged. The
hop-by-hop headers are removed, the client address is appended to
X-Forwarded-For, and the request id is sent as X-Request-Id.

When the routing decision has a retry policy, the requests with an
idempotent method and without a body are retried on connection failures
and on the configured status codes, with an exponential backoff. The
retries stop when the deadline of the request or the timeout of the
decision expires.

Failures are returned as *Error, classified by kind: connect-timeout,
connect-failure, timeout, upstream-error, retry-exhausted, circuit-open
and canceled.
*/
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	ot "github.com/opentracing/opentracing-go"

	"github.com/allegro/zuul-go/circuit"
	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging"
	"github.com/allegro/zuul-go/metrics"
	"github.com/allegro/zuul-go/tracing"
)

const (
	// DefaultDialTimeout is the default connect timeout.
	DefaultDialTimeout = 3 * time.Second

	// DefaultIdleConnsPerHost is the default value of
	// http.Transport.MaxIdleConnsPerHost.
	DefaultIdleConnsPerHost = 64

	// DefaultCloseIdleConnsPeriod is the default period at which the
	// idle connections are forcibly closed.
	DefaultCloseIdleConnsPeriod = 20 * time.Second

	// DefaultResponseHeaderTimeout is the default timeout of waiting
	// for the response headers.
	DefaultResponseHeaderTimeout = 60 * time.Second

	// KeyRetry counts the retried attempts.
	KeyRetry = "dispatch.retry"

	spanName = "dispatch"
)

// Options of the dispatcher.
type Options struct {

	// DialTimeout is the connect timeout. Defaults to 3s.
	DialTimeout time.Duration

	// KeepAlive of the backend connections.
	KeepAlive time.Duration

	// TLSHandshakeTimeout of the backend connections.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for the
	// response headers after the request was sent. Defaults to 60s.
	ResponseHeaderTimeout time.Duration

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// IdleConnectionsPerHost is the maximum number of idle connections
	// per backend host. Defaults to 64.
	IdleConnectionsPerHost int

	// CloseIdleConnsPeriod sets the period at which the idle
	// connections are closed. Defaults to 20s, negative values disable
	// it.
	CloseIdleConnsPeriod time.Duration

	// Insecure skips the TLS verification of the backends.
	Insecure bool

	// ClientTLS is the TLS config used for the backends.
	ClientTLS *tls.Config

	// RoundTripper replaces the default transport when set.
	RoundTripper http.RoundTripper

	// Breakers, when set, provides the circuit breakers of the backend
	// hosts.
	Breakers *circuit.Registry

	// Metrics, defaults to metrics.Default.
	Metrics metrics.Metrics

	// Tracer, defaults to the noop tracer.
	Tracer ot.Tracer

	// Log, defaults to logging.DefaultLog.
	Log logging.Logger
}

// Dispatcher sends the requests to the backends.
type Dispatcher struct {
	roundTripper http.RoundTripper
	breakers     *circuit.Registry
	metrics      metrics.Metrics
	tracer       ot.Tracer
	log          logging.Logger
	quit         chan struct{}
}

// dialer marks the connection failures, so that they can be retried.
type dialer struct {
	net.Dialer
}

func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	span := ot.SpanFromContext(ctx)
	tracing.LogKV(span, "dial_context", "start")
	conn, err := d.Dialer.DialContext(ctx, network, addr)
	tracing.LogKV(span, "dial_context", "done")
	if err != nil {
		return nil, &dialError{err: err}
	}

	return conn, nil
}

// New creates a dispatcher.
func New(o Options) *Dispatcher {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}

	if o.IdleConnectionsPerHost <= 0 {
		o.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if o.CloseIdleConnsPeriod == 0 {
		o.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if o.ResponseHeaderTimeout <= 0 {
		o.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	if o.Log == nil {
		o.Log = logging.New()
	}

	d := &Dispatcher{
		roundTripper: o.RoundTripper,
		breakers:     o.Breakers,
		metrics:      o.Metrics,
		tracer:       tracing.Or(o.Tracer),
		log:          o.Log,
		quit:         make(chan struct{}),
	}

	if d.roundTripper != nil {
		return d
	}

	tr := &http.Transport{
		Proxy: nil,
		DialContext: (&dialer{net.Dialer{
			Timeout:   o.DialTimeout,
			KeepAlive: o.KeepAlive,
		}}).DialContext,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.IdleConnectionsPerHost,
		IdleConnTimeout:       o.CloseIdleConnsPeriod,
		TLSClientConfig:       o.ClientTLS,
	}

	if o.Insecure {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}

		/* #nosec */
		tr.TLSClientConfig.InsecureSkipVerify = true
	}

	if o.CloseIdleConnsPeriod > 0 {
		go func() {
			for {
				select {
				case <-time.After(o.CloseIdleConnsPeriod):
					tr.CloseIdleConnections()
				case <-d.quit:
					tr.CloseIdleConnections()
					return
				}
			}
		}()
	}

	d.roundTripper = tr
	return d
}

// cancelBody releases the timeout of the decision when the body of the
// response was consumed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (d *Dispatcher) breaker(host string) (func(bool), error) {
	if d.breakers == nil {
		return func(bool) {}, nil
	}

	b := d.breakers.Get(circuit.BreakerSettings{Host: host})
	if b == nil {
		return func(bool) {}, nil
	}

	done, ok := b.Allow()
	if !ok {
		return nil, circuit.ErrOpen
	}

	return done, nil
}

// attempt makes a single roundtrip. Only the connection failures are
// returned as retryable errors.
func (d *Dispatcher) attempt(ctx context.Context, r *http.Request, dec *filters.RouteDecision) (*http.Response, error) {
	host := dec.Target.Host
	done, err := d.breaker(host)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := mapRequest(ctx, r, dec)
	if err != nil {
		done(true)
		return nil, backoff.Permanent(err)
	}

	if dec.RequestHook != nil {
		if err := dec.RequestHook(req); err != nil {
			done(true)
			return nil, backoff.Permanent(errors.Join(errHook, err))
		}
	}

	span := ot.SpanFromContext(ctx)
	tracing.Inject(d.tracer, span, req.Header)

	start := time.Now()
	tracing.LogKV(span, "http_roundtrip", "start")
	rsp, err := d.roundTripper.RoundTrip(req)
	tracing.LogKV(span, "http_roundtrip", "end")
	d.metrics.MeasureBackend(host, start)
	if err != nil {
		done(false)
		d.log.Errorf("Failed to do backend roundtrip to %s: %v", host, err)

		var derr *dialError
		if errors.As(err, &derr) && ctx.Err() == nil {
			return nil, err
		}

		return nil, backoff.Permanent(err)
	}

	done(rsp.StatusCode < http.StatusInternalServerError)
	return rsp, nil
}

func newBackOff(p *filters.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff()
	b.Multiplier = 2
	return b
}

// Dispatch sends the request to the target of the routing decision,
// applying its retry policy and timeout, and the deadline of ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, r *http.Request, dec *filters.RouteDecision) (*http.Response, error) {
	if dec == nil || dec.Target == nil {
		return nil, filters.ErrNoRoute
	}

	host := dec.Target.Host
	cancel := context.CancelFunc(func() {})
	if dec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, dec.Timeout)
	}

	span, ctx := tracing.StartSpan(ctx, d.tracer, spanName)
	defer span.Finish()
	tracing.SetTag(span, tracing.SpanKindTag, tracing.SpanKindClient)
	tracing.SetTag(span, tracing.ComponentTag, tracing.Component)
	tracing.SetTag(span, tracing.HTTPMethodTag, r.Method)
	tracing.SetTag(span, tracing.HTTPHostTag, host)
	tracing.SetTag(span, tracing.HTTPUrlTag, targetURL(dec.Target, r.URL).Redacted())

	policy := dec.Retry
	retryable := policy != nil && policy.MaxAttempts > 1 && policy.AllowsMethod(r.Method) && emptyBody(r)
	maxTries := 1
	if retryable {
		maxTries = policy.MaxAttempts
	}

	var (
		attempts   int
		lastStatus int
	)

	op := func() (*http.Response, error) {
		attempts++
		if attempts > 1 {
			d.metrics.IncCounter(KeyRetry)
			tracing.LogKV(span, "retry", attempts)
		}

		rsp, err := d.attempt(ctx, r, dec)
		if err != nil {
			return nil, err
		}

		if retryable && policy.RetriesStatus(rsp.StatusCode) {
			lastStatus = rsp.StatusCode
			rsp.Body.Close()
			return nil, &statusError{code: rsp.StatusCode}
		}

		return rsp, nil
	}

	opts := []backoff.RetryOption{backoff.WithMaxTries(uint(maxTries))}
	if retryable {
		opts = append(opts, backoff.WithBackOff(newBackOff(policy)), backoff.WithMaxElapsedTime(0))
	}

	rsp, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		derr := d.dispatchError(ctx, host, err, attempts, maxTries)
		if derr.kind == filters.KindUpstream {
			derr.Status = lastStatus
		}

		cancel()
		tracing.SetTag(span, tracing.ErrorKindTag, string(derr.kind))
		tracing.SetError(span, derr)
		return nil, derr
	}

	tracing.SetTag(span, tracing.HTTPStatusCodeTag, uint16(rsp.StatusCode))
	if dec.ResponseHook != nil {
		if err := dec.ResponseHook(rsp); err != nil {
			rsp.Body.Close()
			cancel()
			derr := &Error{kind: filters.KindFilterRun, Host: host, Attempts: attempts, Err: err}
			tracing.SetError(span, derr)
			return nil, derr
		}
	}

	rsp.Body = &cancelBody{ReadCloser: rsp.Body, cancel: cancel}
	return rsp, nil
}

func (d *Dispatcher) dispatchError(ctx context.Context, host string, err error, attempts, maxTries int) *Error {
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		err = perr.Err
	}

	kind := classify(ctx, err)
	if maxTries > 1 && attempts >= maxTries {
		switch kind {
		case filters.KindConnectFailure, filters.KindConnectTimeout:
			kind = filters.KindRetryExhausted
		}
	}

	return &Error{kind: kind, Host: host, Attempts: attempts, Err: err}
}

// Close stops closing the idle connections periodically, and closes
// them.
func (d *Dispatcher) Close() {
	close(d.quit)
}
