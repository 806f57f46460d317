package flowid

import (
	"strings"

	"github.com/allegro/zuul-go/filters"
)

const (
	Name                = "flowId"
	ReuseParameterValue = "reuse"
	HeaderName          = "X-Flow-Id"
	ULIDParameterValue  = "ulid"
)

type flowIDSpec struct{}

type flowID struct {
	reuseExisting bool
	generator     Generator
}

// New creates the specification of the flowId filter.
func New() filters.Spec {
	return &flowIDSpec{}
}

func (spec *flowIDSpec) Name() string { return Name }

// CreateFilter accepts two optional arguments: "reuse" to keep a valid
// incoming flow id, and either the length of the generated ids or
// "ulid".
func (spec *flowIDSpec) CreateFilter(args []any) (filters.Runner, error) {
	var reuseExisting bool
	if len(args) > 0 {
		r, ok := args[0].(string)
		if !ok {
			return nil, filters.ErrInvalidFilterParameters
		}

		reuseExisting = strings.ToLower(r) == ReuseParameterValue
	}

	if len(args) > 2 {
		return nil, filters.ErrInvalidFilterParameters
	}

	var (
		g   Generator
		err error
	)

	if len(args) < 2 {
		g, err = NewStandardGenerator(defaultLen)
	} else if s, ok := args[1].(string); ok && s == ULIDParameterValue {
		g = NewULIDGenerator()
	} else {
		l, argErr := filters.IntArg(args[1])
		if argErr != nil {
			return nil, filters.ErrInvalidFilterParameters
		}

		g, err = NewStandardGenerator(l)
	}

	if err != nil {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &flowID{reuseExisting: reuseExisting, generator: g}, nil
}

// Run sets the flow id header of the request, and stores the id in the
// state bag.
func (f *flowID) Run(ctx filters.FilterContext) error {
	r := ctx.Request()
	if f.reuseExisting {
		if id := r.Header.Get(HeaderName); f.generator.IsValid(id) {
			ctx.StateBag()[filters.FlowIDKey] = id
			return nil
		}
	}

	id, err := f.generator.Generate()
	if err != nil {
		return err
	}

	r.Header.Set(HeaderName, id)
	ctx.StateBag()[filters.FlowIDKey] = id
	return nil
}
