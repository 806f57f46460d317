package filters

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func StringArg(x any) (string, error) {
	if s, ok := x.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%v is not a string", x)
}

func Float64Arg(x any) (float64, error) {
	switch f := x.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	}
	return 0, fmt.Errorf("%v is not a float64", x)
}

func IntArg(x any) (int, error) {
	switch i := x.(type) {
	case int:
		return i, nil
	case int64:
		return int(i), nil
	case float64:
		ii := int(i)
		// check if integer
		if float64(ii) == i {
			return ii, nil
		}
	}
	return 0, fmt.Errorf("%v is not an integer", x)
}

// Converts string argument into time.Duration using time.ParseDuration.
// Uses time.Duration argument as is.
// Returns error if duration is negative.
func DurationArg(x any) (time.Duration, error) {
	var d time.Duration
	switch t := x.(type) {
	case time.Duration:
		d = t
	case string:
		var err error
		d, err = time.ParseDuration(t)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%v is not a duration", x)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %v is negative", x)
	}
	return d, nil
}

// StringMapArg accepts the maps produced by the YAML and the JSON
// decoders, with string values.
func StringMapArg(x any) (map[string]string, error) {
	result := make(map[string]string)
	switch m := x.(type) {
	case map[string]string:
		for k, v := range m {
			result[k] = v
		}
	case map[string]any:
		for k, v := range m {
			s, err := StringArg(v)
			if err != nil {
				return nil, err
			}
			result[k] = s
		}
	case map[any]any:
		for k, v := range m {
			ks, err := StringArg(k)
			if err != nil {
				return nil, err
			}
			vs, err := StringArg(v)
			if err != nil {
				return nil, err
			}
			result[ks] = vs
		}
	default:
		return nil, fmt.Errorf("%v is not a map of strings", x)
	}
	return result, nil
}

type FilterArgs struct {
	args []any
	pos  int
	errs []error
}

// Creates filter arguments wrapper that provides methods
// to sequentially access and convert arguments.
// Every call of non-optional accessor method increases expected argument counter.
// The Err() method returns non nil error if expected argument counter
// does not match input argument array length or if there were conversion errors.
//
// Example usage:
//
//	a := Args([]any{"s", 1})
//	s, i, opt, err := a.String(), a.Int(), a.OptionalString("default"), a.Err()
//	if err != nil {
//	    return err
//	}
func Args(args []any) *FilterArgs {
	return &FilterArgs{args: args}
}

func (a *FilterArgs) String() (_ string) {
	if x, ok := a.next(); ok {
		if s, err := StringArg(x); err == nil {
			return s
		} else {
			a.error(err)
		}
	}
	return
}

func (a *FilterArgs) OptionalString(defaultValue string) string {
	if a.pos >= len(a.args) {
		return defaultValue
	}
	return a.String()
}

func (a *FilterArgs) Int() (_ int) {
	if x, ok := a.next(); ok {
		if i, err := IntArg(x); err == nil {
			return i
		} else {
			a.error(err)
		}
	}
	return
}

func (a *FilterArgs) OptionalInt(defaultValue int) int {
	if a.pos >= len(a.args) {
		return defaultValue
	}
	return a.Int()
}

func (a *FilterArgs) Duration() (_ time.Duration) {
	if x, ok := a.next(); ok {
		if d, err := DurationArg(x); err == nil {
			return d
		} else {
			a.error(err)
		}
	}
	return
}

func (a *FilterArgs) OptionalStringMap() map[string]string {
	if a.pos >= len(a.args) {
		return nil
	}
	if x, ok := a.next(); ok {
		if m, err := StringMapArg(x); err == nil {
			return m
		} else {
			a.error(err)
		}
	}
	return nil
}

// Err returns an error if expected argument counter
// does not match input argument array length or if there were conversion errors.
func (a *FilterArgs) Err() error {
	if len(a.args) != a.pos {
		a.errs = append(a.errs, fmt.Errorf("expected %d arguments, got %d", a.pos, len(a.args)))
	}

	if len(a.errs) == 0 {
		return nil
	}

	msgs := make([]string, len(a.errs))
	for i, err := range a.errs {
		msgs[i] = err.Error()
	}

	return errors.New(strings.Join(msgs, "; "))
}

func (a *FilterArgs) next() (any, bool) {
	if a.pos >= len(a.args) {
		a.pos++
		return nil, false
	}
	x := a.args[a.pos]
	a.pos++
	return x, true
}

func (a *FilterArgs) error(err error) {
	a.errs = append(a.errs, err)
}
