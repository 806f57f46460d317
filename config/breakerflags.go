package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/zuul-go/circuit"
)

var errInvalidBreakerConfig = errors.New("invalid breaker config (allowed values are: consecutive, rate or disabled)")

// breakerFlags collect the settings of the circuit breakers. The flag
// can be repeated, each occurrence is a comma separated list of
// key=value pairs, e.g. type=rate,host=foo.example.org,window=300.
type breakerFlags []circuit.BreakerSettings

func (b breakerFlags) String() string {
	s := make([]string, len(b))
	for i, bi := range b {
		s[i] = bi.String()
	}

	return strings.Join(s, "\n")
}

func (b *breakerFlags) Set(value string) error {
	var s circuit.BreakerSettings
	for _, vi := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(vi, "=")
		if !ok {
			return errInvalidBreakerConfig
		}

		var err error
		switch strings.TrimSpace(k) {
		case "type":
			s.Type, err = circuit.ParseBreakerType(v)
			if err != nil {
				return errInvalidBreakerConfig
			}
		case "host":
			s.Host = v
		case "window":
			s.Window, err = strconv.Atoi(v)
		case "failures":
			s.Failures, err = strconv.Atoi(v)
		case "timeout":
			s.Timeout, err = time.ParseDuration(v)
		case "half-open-requests":
			s.HalfOpenRequests, err = strconv.Atoi(v)
		case "idle-ttl":
			s.IdleTTL, err = time.ParseDuration(v)
		default:
			return errInvalidBreakerConfig
		}

		if err != nil {
			return err
		}
	}

	*b = append(*b, s)
	return nil
}

func (b *breakerFlags) reset() { *b = nil }

// UnmarshalYAML accepts a list of settings, or a single one.
func (b *breakerFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var list []circuit.BreakerSettings
	if err := unmarshal(&list); err == nil {
		*b = list
		return nil
	}

	var s circuit.BreakerSettings
	if err := unmarshal(&s); err != nil {
		return err
	}

	*b = breakerFlags{s}
	return nil
}
