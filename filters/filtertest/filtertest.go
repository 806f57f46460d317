// Package filtertest implements mock versions of the Filter and
// FilterContext interfaces used during tests.
package filtertest

import (
	"context"
	"net/http"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging"
)

// Filter is a configurable filter unit. Nil functions default to
// ShouldRun returning true and Run doing nothing.
type Filter struct {
	FilterName     string
	FilterPhase    filters.Phase
	FilterOrder    int
	FilterDisabled bool
	FFingerprint   uint64
	FShouldRun     func(filters.FilterContext) bool
	FRun           func(filters.FilterContext) error
	Closed         bool
}

func (f *Filter) Name() string         { return f.FilterName }
func (f *Filter) Phase() filters.Phase { return f.FilterPhase }
func (f *Filter) Order() int           { return f.FilterOrder }
func (f *Filter) Disabled() bool       { return f.FilterDisabled }
func (f *Filter) Fingerprint() uint64  { return f.FFingerprint }
func (f *Filter) Close()               { f.Closed = true }

func (f *Filter) ShouldRun(ctx filters.FilterContext) bool {
	if f.FShouldRun == nil {
		return true
	}

	return f.FShouldRun(ctx)
}

func (f *Filter) Run(ctx filters.FilterContext) error {
	if f.FRun == nil {
		return nil
	}

	return f.FRun(ctx)
}

// Context is a plain FilterContext. Dispatch calls FDispatch when set.
type Context struct {
	FRequest        *http.Request
	FResponse       *http.Response
	FShortCircuited bool
	FStateBag       map[string]any
	FRoute          *filters.RouteDecision
	FFailure        *filters.Failure
	FRequestID      string
	FContext        context.Context
	FLogger         logging.Logger
	FDispatch       func(*filters.RouteDecision) (*http.Response, error)
}

func (fc *Context) Request() *http.Request            { return fc.FRequest }
func (fc *Context) Response() *http.Response          { return fc.FResponse }
func (fc *Context) ShortCircuit()                     { fc.FShortCircuited = true }
func (fc *Context) ShortCircuited() bool              { return fc.FShortCircuited }
func (fc *Context) StateBag() map[string]any          { return fc.FStateBag }
func (fc *Context) Route() *filters.RouteDecision     { return fc.FRoute }
func (fc *Context) SetRoute(r *filters.RouteDecision) { fc.FRoute = r }
func (fc *Context) Failure() *filters.Failure         { return fc.FFailure }
func (fc *Context) RequestID() string                 { return fc.FRequestID }

func (fc *Context) Serve(rsp *http.Response) {
	fc.FResponse = rsp
	fc.FShortCircuited = true
}

func (fc *Context) Dispatch() error {
	if fc.FDispatch == nil || fc.FRoute == nil {
		return filters.ErrNoRoute
	}

	rsp, err := fc.FDispatch(fc.FRoute)
	if err != nil {
		return err
	}

	fc.FResponse = rsp
	return nil
}

func (fc *Context) Context() context.Context {
	if fc.FContext == nil {
		return context.Background()
	}

	return fc.FContext
}

func (fc *Context) Logger() logging.Logger {
	if fc.FLogger == nil {
		return &logging.DefaultLog{}
	}

	return fc.FLogger
}

// NewContext creates a test context with the request, an empty staged
// response and an empty state bag.
func NewContext(r *http.Request) *Context {
	return &Context{
		FRequest: r,
		FResponse: &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    r,
		},
		FStateBag: make(map[string]any),
	}
}
