package filters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/allegro/zuul-go/logging"
)

// Phase tells when a filter runs relative to the backend dispatch.
type Phase string

const (
	// Pre filters run before routing. They typically authenticate,
	// annotate or short-circuit the request.
	Pre Phase = "pre"

	// Route filters select the backend, see RouteDecision.
	Route Phase = "route"

	// Post filters run after the backend responded and transform
	// the response.
	Post Phase = "post"

	// Error filters run once when any of the other phases failed.
	Error Phase = "error"
)

// Phases lists the phases in execution order, with the error phase
// last.
var Phases = []Phase{Pre, Route, Post, Error}

// ErrInvalidPhase is returned by ParsePhase for unknown names.
var ErrInvalidPhase = errors.New("invalid filter phase")

// ParsePhase returns the phase with the given name.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case Pre, Route, Post, Error:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
}

func (p Phase) String() string { return string(p) }

// Context object providing the request and response objects to the
// filters, the shared state between the filters of the same request, and
// the routing decision.
type FilterContext interface {

	// The incoming request object. It is forwarded to the backend
	// after the route phase, with the modifications made by the
	// filters.
	Request() *http.Request

	// The response staged for the client. Before dispatching, it is
	// an empty response with status 200. After dispatching, it holds
	// the backend response.
	Response() *http.Response

	// Stages the response and sets the short-circuit flag: no further
	// filters of the current or later phases are executed, and the
	// response is sent to the client as it is.
	Serve(*http.Response)

	// Sets the short-circuit flag keeping the currently staged
	// response.
	ShortCircuit()

	// Tells whether the short-circuit flag was set.
	ShortCircuited() bool

	// Provides the state bag shared between the filters of the same
	// request. Well-known keys are read through StateString, StateInt
	// and StateBool.
	StateBag() map[string]any

	// Returns the routing decision set by a route filter, or nil.
	Route() *RouteDecision

	// Sets the routing decision. Only valid during the route phase.
	SetRoute(*RouteDecision)

	// Dispatches the current routing decision immediately and stages
	// the backend response. A decision is dispatched at most once;
	// when a route filter doesn't call it, the proxy dispatches after
	// the route phase.
	Dispatch() error

	// Returns the failure that sent the request to the error phase,
	// or nil.
	Failure() *Failure

	// Unique id of the request, also sent to the backend as the
	// X-Request-Id header.
	RequestID() string

	// Context of the request carrying its deadline.
	Context() context.Context

	// Logger with the request id attached.
	Logger() logging.Logger
}

// Filter is a compiled filter unit. Instances are created by the
// compilers of the loader, and are shared between concurrent requests.
type Filter interface {

	// Name identifies the filter within its phase.
	Name() string

	// Phase returns the phase the filter belongs to.
	Phase() Phase

	// Order defines the execution order within the phase, lower runs
	// first. Filters with the same order run in the order of their
	// names.
	Order() int

	// ShouldRun is evaluated before every execution of Run.
	ShouldRun(FilterContext) bool

	// Run executes the filter. Returning an error sends the request
	// to the error phase.
	Run(FilterContext) error

	// Disabled filters are loaded but skipped.
	Disabled() bool

	// Fingerprint of the source the filter was compiled from.
	Fingerprint() uint64
}

// Closer is optionally implemented by filters holding resources, e.g.
// script interpreters. The loader calls it when the filter is replaced
// or removed.
type Closer interface {
	Close()
}

// Spec objects are the specifications for the built-in filters that can
// be referenced from declarative filter definitions. When the loader
// compiles a definition, it looks up the spec by name in a registry and
// calls CreateFilter with the arguments of the definition.
type Spec interface {

	// Name of the filter specification. Definitions reference it by
	// this name.
	Name() string

	// Creates the filter behavior from the definition arguments. The
	// returned instance only has to implement Run, the rest of the
	// Filter interface is provided by the definition.
	CreateFilter(args []any) (Runner, error)
}

// ErrInvalidFilterParameters is returned by CreateFilter when the
// arguments of a definition don't match the expected ones.
var ErrInvalidFilterParameters = errors.New("invalid filter parameters")

// Runner is the behavior part of a built-in filter.
type Runner interface {
	Run(FilterContext) error
}

// Registry used to lookup Spec objects by name.
type Registry map[string]Spec

// Register a filter specification.
func (r Registry) Register(s Spec) {
	r[s.Name()] = s
}

// Less implements the (order, name) ordering of the filters within a
// phase.
func Less(a, b Filter) bool {
	if a.Order() != b.Order() {
		return a.Order() < b.Order()
	}

	return a.Name() < b.Name()
}

// Sort sorts the filters in place by (order, name).
func Sort(f []Filter) {
	sort.SliceStable(f, func(i, j int) bool { return Less(f[i], f[j]) })
}
