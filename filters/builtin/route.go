package builtin

import (
	"errors"
	"fmt"

	"github.com/allegro/zuul-go/filters"
)

// ErrNoTarget is returned by the setRoute filter when neither its
// arguments nor the state bag provide the backend address.
var ErrNoTarget = errors.New("no route target")

type setRouteSpec struct{}

type setRoute struct {
	target   string
	template *filters.RouteDecision
}

// NewSetRoute returns a filter specification whose instances set the
// routing decision. Instances expect two optional arguments: the
// backend address and a map of options:
//
//   - retries: the number of retries after the first attempt
//   - backoff: the initial wait between the attempts, e.g. 50ms
//   - timeout: the timeout of the backend call
//   - retryStatus: the list of status codes to retry
//   - preserveHost: send the host of the incoming request
//
// Without the address, the filter routes to the address found in the
// state bag under the route-target key, set by an earlier filter.
func NewSetRoute() filters.Spec { return setRouteSpec{} }

func (setRouteSpec) Name() string { return SetRouteName }

func optionsArg(x any) (map[string]any, error) {
	switch m := x.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		o := make(map[string]any, len(m))
		for k, v := range m {
			ks, err := filters.StringArg(k)
			if err != nil {
				return nil, err
			}

			o[ks] = v
		}

		return o, nil
	default:
		return nil, fmt.Errorf("%v is not a map", x)
	}
}

func applyRouteOptions(d *filters.RouteDecision, o map[string]any) error {
	for k, v := range o {
		var err error
		switch k {
		case "retries":
			var n int
			if n, err = filters.IntArg(v); err == nil && n > 0 {
				if d.Retry == nil {
					d.Retry = &filters.RetryPolicy{}
				}

				d.Retry.MaxAttempts = n + 1
			}
		case "backoff":
			if d.Retry == nil {
				d.Retry = &filters.RetryPolicy{}
			}

			d.Retry.Backoff, err = filters.DurationArg(v)
		case "timeout":
			d.Timeout, err = filters.DurationArg(v)
		case "preserveHost":
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("%v is not a bool", v)
			}

			d.PreserveHost = b
		case "retryStatus":
			codes, ok := v.([]any)
			if !ok {
				err = fmt.Errorf("%v is not a list", v)
				break
			}

			if d.Retry == nil {
				d.Retry = &filters.RetryPolicy{}
			}

			for _, c := range codes {
				var code int
				if code, err = filters.IntArg(c); err != nil {
					break
				}

				d.Retry.StatusCodes = append(d.Retry.StatusCodes, code)
			}
		default:
			err = fmt.Errorf("unknown option")
		}

		if err != nil {
			return fmt.Errorf("%w: %s: %v", filters.ErrInvalidFilterParameters, k, err)
		}
	}

	return nil
}

func (setRouteSpec) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) > 2 {
		return nil, filters.ErrInvalidFilterParameters
	}

	f := &setRoute{template: &filters.RouteDecision{}}
	if len(args) > 0 {
		var err error
		if f.target, err = filters.StringArg(args[0]); err != nil {
			return nil, filters.ErrInvalidFilterParameters
		}

		if f.target != "" {
			if _, err := filters.NewRouteDecision(f.target); err != nil {
				return nil, err
			}
		}
	}

	if len(args) > 1 {
		o, err := optionsArg(args[1])
		if err != nil {
			return nil, filters.ErrInvalidFilterParameters
		}

		if err := applyRouteOptions(f.template, o); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (f *setRoute) Run(ctx filters.FilterContext) error {
	target := f.target
	if target == "" {
		s, ok, err := filters.StateString(ctx, filters.RouteTargetKey)
		if err != nil {
			return err
		}

		if !ok || s == "" {
			return ErrNoTarget
		}

		target = s
	}

	d, err := filters.NewRouteDecision(target)
	if err != nil {
		return err
	}

	d.Timeout = f.template.Timeout
	d.PreserveHost = f.template.PreserveHost
	if f.template.Retry != nil {
		r := *f.template.Retry
		d.Retry = &r
	}

	ctx.SetRoute(d)
	return nil
}

type preserveHost struct{}

// NewPreserveHost returns a filter specification whose instances make
// the current routing decision send the host of the incoming request to
// the backend. It needs to run after the filter setting the decision.
func NewPreserveHost() filters.Spec { return preserveHost{} }

func (preserveHost) Name() string { return PreserveHostName }

func (preserveHost) CreateFilter(args []any) (filters.Runner, error) {
	if len(args) != 0 {
		return nil, filters.ErrInvalidFilterParameters
	}

	return preserveHost{}, nil
}

func (preserveHost) Run(ctx filters.FilterContext) error {
	if d := ctx.Route(); d != nil {
		d.PreserveHost = true
	}

	return nil
}
