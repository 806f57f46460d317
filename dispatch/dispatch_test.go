package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/circuit"
	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging/loggingtest"
	"github.com/allegro/zuul-go/metrics/metricstest"
	"github.com/allegro/zuul-go/tracing"
	"github.com/allegro/zuul-go/tracing/tracingtest"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newDispatcher(t *testing.T, o Options) *Dispatcher {
	t.Helper()
	if o.Log == nil {
		l := loggingtest.New()
		t.Cleanup(l.Close)
		o.Log = l
	}

	d := New(o)
	t.Cleanup(d.Close)
	return d
}

func decision(t *testing.T, target string) *filters.RouteDecision {
	t.Helper()
	d, err := filters.NewRouteDecision(target)
	require.NoError(t, err)
	return d
}

func closedServerURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	u := s.URL
	s.Close()
	return u
}

func readBody(t *testing.T, rsp *http.Response) string {
	t.Helper()
	defer rsp.Body.Close()
	b, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return string(b)
}

func requireKind(t *testing.T, err error, kind filters.ErrorKind) *Error {
	t.Helper()
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, kind, derr.Kind())
	assert.Equal(t, kind, filters.KindOf(err))
	return derr
}

func TestMapRequest(t *testing.T) {
	var received *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Clone(context.Background())
		w.Header().Set("X-Backend", "yes")
		w.Write([]byte("hello"))
	}))
	defer backend.Close()

	d := newDispatcher(t, Options{})

	req := httptest.NewRequest("GET", "http://www.example.org/bar?b=2", nil)
	req.RemoteAddr = "10.0.0.1:4242"
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("X-Forwarded-For", "192.168.0.1")
	req.Header.Set("X-Custom", "kept")

	dec := decision(t, backend.URL+"/foo?a=1")
	ctx := WithRequestID(context.Background(), "request-42")
	rsp, err := d.Dispatch(ctx, req, dec)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "yes", rsp.Header.Get("X-Backend"))
	assert.Equal(t, "hello", readBody(t, rsp))

	require.NotNil(t, received)
	assert.Equal(t, "/foo/bar", received.URL.Path)
	assert.Equal(t, "a=1&b=2", received.URL.RawQuery)
	assert.Equal(t, dec.Target.Host, received.Host)
	assert.Equal(t, "www.example.org", received.Header.Get(ForwardedHostHeader))
	assert.Equal(t, "192.168.0.1, 10.0.0.1", received.Header.Get(ForwardedForHeader))
	assert.Equal(t, "request-42", received.Header.Get(RequestIDHeader))
	assert.Equal(t, "kept", received.Header.Get("X-Custom"))
	assert.Empty(t, received.Header.Get("X-Drop-Me"))
	assert.Empty(t, received.Header.Get("Keep-Alive"))
}

func TestPreserveHost(t *testing.T) {
	var host string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.Host
	}))
	defer backend.Close()

	d := newDispatcher(t, Options{})
	dec := decision(t, backend.URL)
	dec.PreserveHost = true

	rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "http://www.example.org/", nil), dec)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, "www.example.org", host)
}

func TestBasicAuthFromTarget(t *testing.T) {
	var user, pass string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	u.User = url.UserPassword("zuul", "secret")

	d := newDispatcher(t, Options{})
	rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), &filters.RouteDecision{Target: u})
	require.NoError(t, err)
	rsp.Body.Close()

	assert.Equal(t, "zuul", user)
	assert.Equal(t, "secret", pass)
}

func TestNoDecision(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), nil)
	assert.ErrorIs(t, err, filters.ErrNoRoute)
}

func TestConnectFailure(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), decision(t, closedServerURL()))
	derr := requireKind(t, err, filters.KindConnectFailure)
	assert.Equal(t, 1, derr.Attempts)
	assert.Equal(t, http.StatusBadGateway, filters.StatusFor(err))
}

func TestConnectTimeout(t *testing.T) {
	d := newDispatcher(t, Options{
		RoundTripper: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, &dialError{err: timeoutError{}}
		}),
	})

	_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), decision(t, "http://backend.test"))
	requireKind(t, err, filters.KindConnectTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, filters.StatusFor(err))
}

func TestRetry(t *testing.T) {
	t.Run("connection failures exhaust the attempts", func(t *testing.T) {
		m := &metricstest.MockMetrics{}
		d := newDispatcher(t, Options{Metrics: m})
		dec := decision(t, closedServerURL())
		dec.Retry = &filters.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

		_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		derr := requireKind(t, err, filters.KindRetryExhausted)
		assert.Equal(t, 3, derr.Attempts)
		assert.Equal(t, http.StatusBadGateway, filters.StatusFor(err))

		retries, _ := m.Counter(KeyRetry)
		assert.Equal(t, int64(2), retries)
	})

	t.Run("retried status recovers", func(t *testing.T) {
		var calls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			w.Write([]byte("ok"))
		}))
		defer backend.Close()

		d := newDispatcher(t, Options{})
		dec := decision(t, backend.URL)
		dec.Retry = &filters.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

		rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rsp.StatusCode)
		assert.Equal(t, "ok", readBody(t, rsp))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("retried status exhausts the attempts", func(t *testing.T) {
		var calls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer backend.Close()

		d := newDispatcher(t, Options{})
		dec := decision(t, backend.URL)
		dec.Retry = &filters.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}

		_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		derr := requireKind(t, err, filters.KindUpstream)
		assert.Equal(t, http.StatusServiceUnavailable, derr.Status)
		assert.Equal(t, 2, derr.Attempts)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("without a policy the status passes through", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer backend.Close()

		d := newDispatcher(t, Options{})
		rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), decision(t, backend.URL))
		require.NoError(t, err)
		rsp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, rsp.StatusCode)
	})

	t.Run("method not allowed", func(t *testing.T) {
		var calls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer backend.Close()

		d := newDispatcher(t, Options{})
		dec := decision(t, backend.URL)
		dec.Retry = &filters.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

		rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("POST", "/", nil), dec)
		require.NoError(t, err)
		rsp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, rsp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer backend.Close()

	d := newDispatcher(t, Options{})
	dec := decision(t, backend.URL)
	dec.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
	requireKind(t, err, filters.KindTimeout)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, http.StatusGatewayTimeout, filters.StatusFor(err))
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(t, Options{
		RoundTripper: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			cancel()
			return nil, r.Context().Err()
		}),
	})

	_, err := d.Dispatch(ctx, httptest.NewRequest("GET", "/", nil), decision(t, "http://backend.test"))
	requireKind(t, err, filters.KindCanceled)
	assert.Equal(t, filters.StatusClientClosedRequest, filters.StatusFor(err))
}

func TestCircuitBreaker(t *testing.T) {
	breakers := circuit.NewRegistry(nil, circuit.BreakerSettings{
		Type:     circuit.ConsecutiveFailures,
		Failures: 1,
		Timeout:  time.Hour,
	})

	var calls atomic.Int32
	d := newDispatcher(t, Options{
		Breakers: breakers,
		RoundTripper: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, &dialError{err: errors.New("connection refused")}
		}),
	})

	dec := decision(t, "http://backend.test")
	_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
	requireKind(t, err, filters.KindConnectFailure)

	_, err = d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
	requireKind(t, err, filters.KindCircuitOpen)
	assert.Equal(t, http.StatusServiceUnavailable, filters.StatusFor(err))
	assert.Equal(t, int32(1), calls.Load())

	states := breakers.States()
	require.Len(t, states, 1)
	assert.Equal(t, "backend.test", states[0].Host)
	assert.Equal(t, "open", states[0].State)
}

func TestHooks(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Hook"))
	}))
	defer backend.Close()

	d := newDispatcher(t, Options{})

	t.Run("request and response hook", func(t *testing.T) {
		dec := decision(t, backend.URL)
		dec.RequestHook = func(r *http.Request) error {
			r.Header.Set("X-Hook", "set")
			return nil
		}

		dec.ResponseHook = func(rsp *http.Response) error {
			rsp.Header.Set("X-Seen", rsp.Header.Get("X-Echo"))
			return nil
		}

		rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		require.NoError(t, err)
		rsp.Body.Close()
		assert.Equal(t, "set", rsp.Header.Get("X-Seen"))
	})

	t.Run("request hook fails", func(t *testing.T) {
		dec := decision(t, backend.URL)
		dec.RequestHook = func(*http.Request) error { return errors.New("hook failed") }
		_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		requireKind(t, err, filters.KindFilterRun)
	})

	t.Run("response hook fails", func(t *testing.T) {
		dec := decision(t, backend.URL)
		dec.ResponseHook = func(*http.Response) error { return errors.New("hook failed") }
		_, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), dec)
		requireKind(t, err, filters.KindFilterRun)
	})
}

func TestDispatchSpan(t *testing.T) {
	var traceHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceHeader = r.Header.Get("Mockpfx-Ids-Traceid")
	}))
	defer backend.Close()

	tracer := tracingtest.NewTracer()
	d := newDispatcher(t, Options{Tracer: tracer})

	rsp, err := d.Dispatch(context.Background(), httptest.NewRequest("GET", "/", nil), decision(t, backend.URL))
	require.NoError(t, err)
	rsp.Body.Close()

	span := tracer.FindSpan(spanName)
	require.NotNil(t, span)
	assert.Equal(t, tracing.SpanKindClient, span.Tag(tracing.SpanKindTag))
	assert.Equal(t, uint16(http.StatusOK), span.Tag(tracing.HTTPStatusCodeTag))
	assert.NotEmpty(t, traceHeader)
}
