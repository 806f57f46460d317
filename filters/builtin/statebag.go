package builtin

import "github.com/allegro/zuul-go/filters"

type setStateSpec struct{}

type setState struct {
	key   string
	value any
}

// NewSetState returns a filter specification whose instances store a
// value in the state bag. Instances expect two arguments: the key and
// the value. The value is stored as it was decoded from the definition.
func NewSetState() filters.Spec { return setStateSpec{} }

func (setStateSpec) Name() string { return SetStateName }

func (setStateSpec) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) != 2 {
		return nil, filters.ErrInvalidFilterParameters
	}

	key, err := filters.StringArg(args[0])
	if err != nil || key == "" {
		return nil, filters.ErrInvalidFilterParameters
	}

	return &setState{key: key, value: args[1]}, nil
}

func (f *setState) Run(ctx filters.FilterContext) error {
	ctx.StateBag()[f.key] = f.value
	return nil
}
