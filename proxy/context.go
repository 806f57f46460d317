package proxy

import (
	stdlibcontext "context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging"
)

var (
	errAlreadyDispatched = errors.New("routing decision already dispatched")
	errDispatchPhase     = errors.New("routing decision can be dispatched only by the route filters")
	errDispatchFailed    = errors.New("routing decision can't be dispatched after a failure")
)

type context struct {
	request        *http.Request
	response       *http.Response
	shortCircuited bool
	stateBag       map[string]any
	route          *filters.RouteDecision
	dispatched     bool
	dispatchErr    error
	dispatchedBy   string
	failure        *filters.Failure
	requestID      string
	ctx            stdlibcontext.Context
	log            logging.Logger
	phase          filters.Phase
	filter         string
	proxy          *Proxy
}

func defaultBody() io.ReadCloser {
	return io.NopCloser(strings.NewReader(""))
}

func defaultResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          defaultBody(),
		ContentLength: -1,
		Request:       r,
	}
}

func newContext(ctx stdlibcontext.Context, r *http.Request, id string, p *Proxy) *context {
	return &context{
		request:   r,
		response:  defaultResponse(r),
		stateBag:  map[string]any{filters.StartTimeKey: time.Now()},
		requestID: id,
		ctx:       ctx,
		log:       p.log.WithFields(map[string]any{"request_id": id}),
		proxy:     p,
	}
}

func (c *context) Request() *http.Request         { return c.request }
func (c *context) Response() *http.Response       { return c.response }
func (c *context) ShortCircuit()                  { c.shortCircuited = true }
func (c *context) ShortCircuited() bool           { return c.shortCircuited }
func (c *context) StateBag() map[string]any       { return c.stateBag }
func (c *context) Route() *filters.RouteDecision  { return c.route }
func (c *context) Failure() *filters.Failure      { return c.failure }
func (c *context) RequestID() string              { return c.requestID }
func (c *context) Context() stdlibcontext.Context { return c.ctx }
func (c *context) Logger() logging.Logger         { return c.log }

func (c *context) setFilter(p filters.Phase, name string) {
	c.phase, c.filter = p, name
}

// setResponse replaces the staged response, and closes the body of the
// previous one.
func (c *context) setResponse(rsp *http.Response) {
	if rsp == nil {
		rsp = defaultResponse(c.request)
	}

	if rsp.Header == nil {
		rsp.Header = make(http.Header)
	}

	if rsp.Body == nil {
		rsp.Body = defaultBody()
	}

	if rsp.Request == nil {
		rsp.Request = c.request
	}

	if c.response != nil && c.response != rsp && c.response.Body != nil {
		c.response.Body.Close()
	}

	c.response = rsp
}

func (c *context) Serve(rsp *http.Response) {
	c.setResponse(rsp)
	c.shortCircuited = true
}

func (c *context) SetRoute(d *filters.RouteDecision) {
	if c.phase != filters.Route {
		c.log.Warnf("Routing decision set by %s/%s ignored outside the route phase", c.phase, c.filter)
		return
	}

	c.route = d
}

// mergeBackendResponse stages the backend response. The headers of the
// backend take precedence over the ones staged before dispatching.
func (c *context) mergeBackendResponse(rsp *http.Response) {
	for k, v := range c.response.Header {
		if _, ok := rsp.Header[k]; !ok {
			rsp.Header[k] = v
		}
	}

	c.setResponse(rsp)
}

func (c *context) Dispatch() error {
	if c.phase != filters.Route {
		return errDispatchPhase
	}

	if c.failure != nil {
		return errDispatchFailed
	}

	if c.route == nil {
		return filters.ErrNoRoute
	}

	if c.dispatched {
		return errAlreadyDispatched
	}

	c.dispatched = true
	c.dispatchedBy = c.filter
	rsp, err := c.proxy.dispatch(c)
	if err != nil {
		c.dispatchErr = err
		return err
	}

	c.mergeBackendResponse(rsp)
	return nil
}

// fail records the first failure of the request.
func (c *context) fail(p filters.Phase, filter string, err error) {
	if c.failure != nil {
		return
	}

	c.failure = &filters.Failure{Phase: p, Filter: filter, Err: err}
}
