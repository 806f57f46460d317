package builtin

import (
	"net/http"
	"strings"

	"github.com/allegro/zuul-go/filters"
)

type headerType int

const (
	setRequestHeader headerType = iota
	appendRequestHeader
	dropRequestHeader
	setResponseHeader
	appendResponseHeader
	dropResponseHeader
)

// common structure for the header specifications and filters
type headerFilter struct {
	typ        headerType
	key, value string
}

// NewSetRequestHeader returns a filter specification that is used to
// set headers for requests. Setting the Host header changes the host
// of the request. Instances expect two arguments: the header name and
// the header value.
func NewSetRequestHeader() filters.Spec { return &headerFilter{typ: setRequestHeader} }

// NewAppendRequestHeader returns a filter specification that is used to
// append headers for requests. Instances expect two arguments: the
// header name and the header value.
func NewAppendRequestHeader() filters.Spec { return &headerFilter{typ: appendRequestHeader} }

// NewDropRequestHeader returns a filter specification that is used to
// delete headers for requests. Instances expect one argument: the
// header name.
func NewDropRequestHeader() filters.Spec { return &headerFilter{typ: dropRequestHeader} }

// NewSetResponseHeader returns a filter specification that is used to
// set headers of the staged response.
func NewSetResponseHeader() filters.Spec { return &headerFilter{typ: setResponseHeader} }

// NewAppendResponseHeader returns a filter specification that is used
// to append headers of the staged response.
func NewAppendResponseHeader() filters.Spec { return &headerFilter{typ: appendResponseHeader} }

// NewDropResponseHeader returns a filter specification that is used to
// delete headers of the staged response.
func NewDropResponseHeader() filters.Spec { return &headerFilter{typ: dropResponseHeader} }

func (spec *headerFilter) Name() string {
	switch spec.typ {
	case setRequestHeader:
		return SetRequestHeaderName
	case appendRequestHeader:
		return AppendRequestHeaderName
	case dropRequestHeader:
		return DropRequestHeaderName
	case setResponseHeader:
		return SetResponseHeaderName
	case appendResponseHeader:
		return AppendResponseHeaderName
	case dropResponseHeader:
		return DropResponseHeaderName
	default:
		panic("invalid header type")
	}
}

func (spec *headerFilter) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	f := &headerFilter{typ: spec.typ, key: a.String()}
	switch spec.typ {
	case dropRequestHeader, dropResponseHeader:
	default:
		f.value = a.String()
	}

	if err := a.Err(); err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return f, nil
}

func (f *headerFilter) Run(ctx filters.FilterContext) error {
	var h http.Header
	switch f.typ {
	case setRequestHeader, appendRequestHeader, dropRequestHeader:
		h = ctx.Request().Header
	default:
		h = ctx.Response().Header
	}

	switch f.typ {
	case setRequestHeader:
		if strings.ToLower(f.key) == "host" {
			ctx.Request().Host = f.value
			return nil
		}

		h.Set(f.key, f.value)
	case setResponseHeader:
		h.Set(f.key, f.value)
	case appendRequestHeader, appendResponseHeader:
		h.Add(f.key, f.value)
	default:
		h.Del(f.key)
	}

	return nil
}
