/*
Package builtin provides a small, generic set of filters that can be used
from the declarative filter definitions.
*/
package builtin

import (
	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filters/flowid"
)

const (
	SetRequestHeaderName     = "setRequestHeader"
	SetResponseHeaderName    = "setResponseHeader"
	AppendRequestHeaderName  = "appendRequestHeader"
	AppendResponseHeaderName = "appendResponseHeader"
	DropRequestHeaderName    = "dropRequestHeader"
	DropResponseHeaderName   = "dropResponseHeader"

	ModPathName       = "modPath"
	SetPathName       = "setPath"
	SetQueryName      = "setQuery"
	DropQueryName     = "dropQuery"
	StripQueryName    = "stripQuery"
	RedirectToName    = "redirectTo"
	StaticName        = "static"
	StatusName        = "status"
	InlineContentName = "inlineContent"
	SetRouteName      = "setRoute"
	PreserveHostName  = "preserveHost"
	SetStateName      = "setState"
)

// MakeRegistry returns a registry initialized with the built-in filter
// specifications, including the flowId filter.
func MakeRegistry() filters.Registry {
	r := make(filters.Registry)
	for _, s := range []filters.Spec{
		NewSetRequestHeader(),
		NewAppendRequestHeader(),
		NewDropRequestHeader(),
		NewSetResponseHeader(),
		NewAppendResponseHeader(),
		NewDropResponseHeader(),
		NewModPath(),
		NewSetPath(),
		NewSetQuery(),
		NewDropQuery(),
		NewStripQuery(),
		NewRedirectTo(),
		NewStatic(),
		NewStatus(),
		NewInlineContent(),
		NewSetRoute(),
		NewPreserveHost(),
		NewSetState(),
		NewRatelimit(),
		flowid.New(),
	} {
		r.Register(s)
	}

	return r
}
