package builtin

import (
	"fmt"
	"regexp"

	"github.com/allegro/zuul-go/filters"
)

type modPath struct {
	rx          *regexp.Regexp
	replacement []byte
}

type setPath string

// NewModPath returns a filter specification whose instances modify the
// path of the request. Instances expect two arguments: a regular
// expression and the replacement, which can reference the submatches,
// as in regexp.Regexp.ReplaceAll.
func NewModPath() filters.Spec { return &modPath{} }

func (spec *modPath) Name() string { return ModPathName }

func invalidConfig(args []any) error {
	return fmt.Errorf("%w in %s, expecting regexp and string, got: %v", filters.ErrInvalidFilterParameters, ModPathName, args)
}

func (spec *modPath) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	expr, replacement := a.String(), a.String()
	if a.Err() != nil {
		return nil, invalidConfig(args)
	}

	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	return &modPath{rx: rx, replacement: []byte(replacement)}, nil
}

func (f *modPath) Run(ctx filters.FilterContext) error {
	req := ctx.Request()
	req.URL.Path = string(f.rx.ReplaceAll([]byte(req.URL.Path), f.replacement))
	req.URL.RawPath = ""
	return nil
}

// NewSetPath returns a filter specification whose instances replace
// the path of the request. Instances expect one argument: the new path.
func NewSetPath() filters.Spec { return setPath("") }

func (spec setPath) Name() string { return SetPathName }

func (spec setPath) CreateFilter(args []any) (filters.Runner, error) {
	a := filters.Args(args)
	p := a.String()
	if err := a.Err(); err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return setPath(p), nil
}

func (f setPath) Run(ctx filters.FilterContext) error {
	u := ctx.Request().URL
	u.Path = string(f)
	u.RawPath = ""
	return nil
}
