package circuit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging"
)

// BreakerType defines the type of the used breaker: consecutive, rate or disabled.
type BreakerType int

const (
	BreakerNone BreakerType = iota
	ConsecutiveFailures
	FailureRate
	BreakerDisabled
)

// ParseBreakerType parses the names used in the flags and the config
// file.
func ParseBreakerType(s string) (BreakerType, error) {
	switch s {
	case "consecutive":
		return ConsecutiveFailures, nil
	case "rate":
		return FailureRate, nil
	case "disabled":
		return BreakerDisabled, nil
	default:
		return BreakerNone, fmt.Errorf("invalid breaker type %v (allowed values are: consecutive, rate or disabled)", s)
	}
}

func (b *BreakerType) UnmarshalYAML(unmarshal func(any) error) error {
	var value string
	if err := unmarshal(&value); err != nil {
		return err
	}

	t, err := ParseBreakerType(value)
	if err != nil {
		return err
	}

	*b = t
	return nil
}

// ErrOpen is returned by the dispatcher when the breaker of the backend
// host rejected the request.
var ErrOpen = openError{}

type openError struct{}

func (openError) Error() string           { return "circuit breaker open" }
func (openError) Kind() filters.ErrorKind { return filters.KindCircuitOpen }

// IsOpen tells whether an error was caused by an open breaker,
// including the errors of the gobreaker package.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// BreakerSettings contains the settings of the breakers of a backend
// host. Settings without a host are the defaults.
type BreakerSettings struct {
	Type             BreakerType   `yaml:"type"`
	Host             string        `yaml:"host"`
	Window           int           `yaml:"window"`
	Failures         int           `yaml:"failures"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half-open-requests"`
	IdleTTL          time.Duration `yaml:"idle-ttl"`
}

// the values not set in the receiver are taken from the argument
func (to BreakerSettings) mergeSettings(from BreakerSettings) BreakerSettings {
	if to.Type == BreakerNone {
		to.Type = from.Type
		switch from.Type {
		case ConsecutiveFailures:
			to.Failures = from.Failures
		case FailureRate:
			to.Window = from.Window
			to.Failures = from.Failures
		}
	}

	if to.Timeout == 0 {
		to.Timeout = from.Timeout
	}

	if to.HalfOpenRequests == 0 {
		to.HalfOpenRequests = from.HalfOpenRequests
	}

	if to.IdleTTL == 0 {
		to.IdleTTL = from.IdleTTL
	}

	return to
}

// String returns the settings in the format accepted by the -breaker
// flag.
//
//lint:ignore ST1016 "s" makes sense here and mergeSettings has "to"
func (s BreakerSettings) String() string {
	var ss []string
	switch s.Type {
	case ConsecutiveFailures:
		ss = append(ss, "type=consecutive")
	case FailureRate:
		ss = append(ss, "type=rate")
	case BreakerDisabled:
		return "disabled"
	default:
		return "none"
	}

	if s.Host != "" {
		ss = append(ss, "host="+s.Host)
	}

	if s.Type == FailureRate && s.Window > 0 {
		ss = append(ss, "window="+strconv.Itoa(s.Window))
	}

	if s.Failures > 0 {
		ss = append(ss, "failures="+strconv.Itoa(s.Failures))
	}

	if s.Timeout > 0 {
		ss = append(ss, "timeout="+s.Timeout.String())
	}

	if s.HalfOpenRequests > 0 {
		ss = append(ss, "half-open-requests="+strconv.Itoa(s.HalfOpenRequests))
	}

	if s.IdleTTL > 0 {
		ss = append(ss, "idle-ttl="+s.IdleTTL.String())
	}

	return strings.Join(ss, ",")
}

type breakerImplementation interface {
	Allow() (func(bool), bool)
	State() gobreaker.State
}

type voidBreaker struct{}

func (voidBreaker) Allow() (func(bool), bool) { return func(bool) {}, true }
func (voidBreaker) State() gobreaker.State    { return gobreaker.StateClosed }

// Breaker guards the requests to a single backend host.
//
// Use the Get() method of the Registry to request fully initialized breakers.
type Breaker struct {
	settings BreakerSettings
	ts       time.Time
	impl     breakerImplementation
}

func newBreaker(s BreakerSettings, log logging.Logger) *Breaker {
	if log == nil {
		log = &logging.DefaultLog{}
	}

	var impl breakerImplementation
	switch s.Type {
	case ConsecutiveFailures:
		impl = newConsecutive(s, log)
	case FailureRate:
		impl = newRate(s, log)
	default:
		impl = voidBreaker{}
	}

	return &Breaker{
		settings: s,
		impl:     impl,
	}
}

// Allow returns true and a callback when the request can be sent. The
// callback needs to be called with the outcome of the request, true on
// success. When the breaker is open, it returns false and no callback.
func (b *Breaker) Allow() (func(bool), bool) {
	return b.impl.Allow()
}

// State returns the current state of the breaker: closed, half-open or
// open.
func (b *Breaker) State() string {
	return b.impl.State().String()
}

// Settings returns the effective settings of the breaker.
func (b *Breaker) Settings() BreakerSettings {
	return b.settings
}

func (b *Breaker) idle(now time.Time) bool {
	return now.Sub(b.ts) > b.settings.IdleTTL
}

func stateChangeLogger(log logging.Logger) func(string, gobreaker.State, gobreaker.State) {
	return func(host string, from, to gobreaker.State) {
		log.Infof("circuit breaker %s went from %v to %v", host, from, to)
	}
}
