package filters

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RouteDecision is set in the context by a route filter, and consumed
// exactly once by the dispatcher.
type RouteDecision struct {

	// Target is the backend address. The scheme and the host are
	// used, and the path, when set, is prepended to the request path.
	Target *url.URL

	// Retry is optional. When nil, the backend is called once.
	Retry *RetryPolicy

	// Timeout is optional, and it is applied on top of the deadline
	// of the request.
	Timeout time.Duration

	// PreserveHost sends the Host header of the incoming request to
	// the backend instead of the target host.
	PreserveHost bool

	// RequestHook is optional, called with the outgoing request before
	// every attempt.
	RequestHook func(*http.Request) error

	// ResponseHook is optional, called with the backend response
	// before it is staged in the context.
	ResponseHook func(*http.Response) error
}

// RetryPolicy controls the repeated attempts of the dispatcher.
type RetryPolicy struct {

	// MaxAttempts is the total number of attempts including the
	// first one. Values lower than 2 disable retrying.
	MaxAttempts int

	// Methods that may be retried. When empty, the idempotent
	// methods are retried: GET, HEAD, OPTIONS, TRACE, PUT and DELETE.
	Methods []string

	// StatusCodes that are retried in addition to the connection
	// failures. When empty, 502, 503 and 504 are retried.
	StatusCodes []int

	// Backoff is the initial wait between the attempts, it grows
	// exponentially. Defaults to 50ms.
	Backoff time.Duration
}

var (
	defaultRetryMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
		http.MethodTrace,
		http.MethodPut,
		http.MethodDelete,
	}

	defaultRetryStatusCodes = []int{
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
)

const defaultRetryBackoff = 50 * time.Millisecond

// NewRouteDecision creates a decision with the backend address. The
// address needs to be absolute, with http or https scheme.
func NewRouteDecision(target string) (*RouteDecision, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("invalid route target %q: %w", target, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid route target %q: unsupported scheme", target)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid route target %q: missing host", target)
	}

	return &RouteDecision{Target: u}, nil
}

// AllowsMethod tells whether the request method can be retried.
func (p *RetryPolicy) AllowsMethod(method string) bool {
	methods := p.Methods
	if len(methods) == 0 {
		methods = defaultRetryMethods
	}

	for _, m := range methods {
		if m == method {
			return true
		}
	}

	return false
}

// RetriesStatus tells whether a backend response with the status code
// should be retried.
func (p *RetryPolicy) RetriesStatus(code int) bool {
	codes := p.StatusCodes
	if len(codes) == 0 {
		codes = defaultRetryStatusCodes
	}

	for _, c := range codes {
		if c == code {
			return true
		}
	}

	return false
}

// InitialBackoff returns the wait before the first retry.
func (p *RetryPolicy) InitialBackoff() time.Duration {
	if p.Backoff <= 0 {
		return defaultRetryBackoff
	}

	return p.Backoff
}
