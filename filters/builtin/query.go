package builtin

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/allegro/zuul-go/filters"
)

type modQueryBehavior int

const (
	set modQueryBehavior = 1 + iota
	drop
)

type modQuery struct {
	behavior    modQueryBehavior
	name, value string
	hasValue    bool
}

type stripQuery struct {
	preserveAsHeader bool
}

// NewDropQuery returns a filter specification whose instances drop a
// query parameter. Instances expect the name of the parameter.
func NewDropQuery() filters.Spec { return &modQuery{behavior: drop} }

// NewSetQuery returns a filter specification whose instances set a query
// parameter. Instances expect the name and the value. With the name
// only, the whole query is replaced by it.
func NewSetQuery() filters.Spec { return &modQuery{behavior: set} }

func (spec *modQuery) Name() string {
	if spec.behavior == drop {
		return DropQueryName
	}

	return SetQueryName
}

func (spec *modQuery) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) < 1 || len(args) > 2 || spec.behavior == drop && len(args) != 1 {
		return nil, filters.ErrInvalidFilterParameters
	}

	name, err := filters.StringArg(args[0])
	if err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	f := &modQuery{behavior: spec.behavior, name: name}
	if len(args) == 2 {
		if f.value, err = filters.StringArg(args[1]); err != nil {
			return nil, filters.ErrInvalidFilterParameters
		}

		f.hasValue = true
	}

	return f, nil
}

func (f *modQuery) Run(ctx filters.FilterContext) error {
	req := ctx.Request()
	if f.behavior == set && !f.hasValue {
		req.URL.RawQuery = f.name
		return nil
	}

	params := req.URL.Query()
	if f.behavior == drop {
		params.Del(f.name)
	} else {
		params.Set(f.name, f.value)
	}

	req.URL.RawQuery = params.Encode()
	return nil
}

// NewStripQuery returns a filter specification whose instances remove
// the query of the request. With the optional argument "true", the
// query parameters are preserved as X-Query-Param-<name> headers.
func NewStripQuery() filters.Spec { return &stripQuery{} }

func (stripQuery) Name() string { return StripQueryName }

func (stripQuery) CreateFilter(args []any) (filters.Runner, error) {
	var preserveAsHeader bool
	if len(args) == 1 {
		s, ok := args[0].(string)
		if !ok {
			return nil, filters.ErrInvalidFilterParameters
		}

		preserveAsHeader = strings.ToLower(s) == "true"
	} else if len(args) > 1 {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &stripQuery{preserveAsHeader}, nil
}

func validHeaderFieldByte(b byte) bool {
	return ('A' <= b && b <= 'Z') ||
		('a' <= b && b <= 'z') ||
		('0' <= b && b <= '9') ||
		b == '-'
}

func sanitize(input string) string {
	var s strings.Builder
	for _, i := range strconv.QuoteToASCII(input) {
		if validHeaderFieldByte(byte(i)) {
			s.WriteRune(i)
		}
	}

	return s.String()
}

func (f *stripQuery) Run(ctx filters.FilterContext) error {
	r := ctx.Request()
	if f.preserveAsHeader {
		for k, vv := range r.URL.Query() {
			for _, v := range vv {
				if r.Header == nil {
					r.Header = http.Header{}
				}

				r.Header.Add(fmt.Sprintf("X-Query-Param-%s", sanitize(k)), v)
			}
		}
	}

	r.URL.RawQuery = ""
	return nil
}
