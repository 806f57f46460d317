package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"
)

// yamlFlag sets a structured option from an inline YAML document, e.g.
// -scheduler="{max-concurrency: 100, timeout: 3s}". The option stays nil
// until the flag or the config file sets it. Unknown keys are rejected.
type yamlFlag[T any] struct {
	target **T
}

func newYamlFlag[T any](target **T) *yamlFlag[T] {
	return &yamlFlag[T]{target: target}
}

func (f *yamlFlag[T]) Set(value string) error {
	v := new(T)
	if err := yaml.UnmarshalStrict([]byte(value), v); err != nil {
		return fmt.Errorf("invalid yaml value %q: %w", value, err)
	}

	*f.target = v
	return nil
}

func (f *yamlFlag[T]) UnmarshalYAML(unmarshal func(any) error) error {
	v := new(T)
	if err := unmarshal(v); err != nil {
		return err
	}

	*f.target = v
	return nil
}

// String returns the current value in the YAML flow style.
func (f *yamlFlag[T]) String() string {
	if f == nil || f.target == nil || *f.target == nil {
		return ""
	}

	b, err := yaml.Marshal(*f.target)
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return "{" + strings.Join(lines, ", ") + "}"
}
