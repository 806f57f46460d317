package filters

import "fmt"

// Well-known state bag keys.
const (
	// UserKey is conventionally set by the authenticating pre filters.
	UserKey = "user"

	// RouteTargetKey may hold the backend address chosen by an earlier
	// filter, as a string. The setRoute filter falls back to it when
	// it has no argument.
	RouteTargetKey = "route-target"

	// FlowIDKey holds the flow id set by the flowId filter.
	FlowIDKey = "flow-id"

	// StartTimeKey holds the time.Time when the request processing
	// started.
	StartTimeKey = "start-time"
)

// StateTypeError is returned when a well-known key holds a value of an
// unexpected type.
type StateTypeError struct {
	Key      string
	Expected string
	Value    any
}

func (e *StateTypeError) Error() string {
	return fmt.Sprintf("state bag key %q: expected %s, got %T", e.Key, e.Expected, e.Value)
}

// StateString reads a string value from the state bag. The boolean
// result is false when the key is not set.
func StateString(ctx FilterContext, key string) (string, bool, error) {
	v, ok := ctx.StateBag()[key]
	if !ok || v == nil {
		return "", false, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", true, &StateTypeError{Key: key, Expected: "string", Value: v}
	}

	return s, true, nil
}

// StateInt reads an integer value from the state bag. Integral float64
// values, as set by the scripts, are accepted.
func StateInt(ctx FilterContext, key string) (int, bool, error) {
	v, ok := ctx.StateBag()[key]
	if !ok || v == nil {
		return 0, false, nil
	}

	i, err := IntArg(v)
	if err != nil {
		return 0, true, &StateTypeError{Key: key, Expected: "integer", Value: v}
	}

	return i, true, nil
}

// StateBool reads a boolean value from the state bag.
func StateBool(ctx FilterContext, key string) (bool, bool, error) {
	v, ok := ctx.StateBag()[key]
	if !ok || v == nil {
		return false, false, nil
	}

	b, ok := v.(bool)
	if !ok {
		return false, true, &StateTypeError{Key: key, Expected: "bool", Value: v}
	}

	return b, true, nil
}
