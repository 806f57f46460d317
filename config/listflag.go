package config

import (
	"fmt"
	"slices"
	"strings"
)

// listFlag collects comma separated values. The flag can be repeated,
// e.g. -filter-dir=/etc/zuul/a,/etc/zuul/b -filter-dir=/opt/zuul, and
// in the config file it accepts a YAML list or a comma separated string.
// When allowed values are set, any other value is rejected.
type listFlag struct {
	allowed []string
	values  []string
}

func newListFlag(allowed ...string) *listFlag {
	return &listFlag{allowed: allowed}
}

func splitList(s string) []string {
	var values []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}

	return values
}

func (lf *listFlag) add(values []string) error {
	for _, v := range values {
		if len(lf.allowed) > 0 && !slices.Contains(lf.allowed, v) {
			return fmt.Errorf("value not allowed: %s, expected one of: %s", v, strings.Join(lf.allowed, ", "))
		}
	}

	lf.values = append(lf.values, values...)
	return nil
}

func (lf *listFlag) reset() { lf.values = nil }

func (lf *listFlag) Set(value string) error {
	return lf.add(splitList(value))
}

func (lf *listFlag) UnmarshalYAML(unmarshal func(any) error) error {
	lf.reset()

	var list []string
	if err := unmarshal(&list); err == nil {
		var values []string
		for _, v := range list {
			values = append(values, splitList(v)...)
		}

		return lf.add(values)
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	return lf.add(splitList(s))
}

func (lf *listFlag) String() string {
	if lf == nil {
		return ""
	}

	return strings.Join(lf.values, ",")
}
