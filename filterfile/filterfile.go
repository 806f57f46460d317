/*
Package filterfile implements the compiler of the declarative filter
definitions, YAML documents that compose the built-in filters:

	type: pre
	order: 10
	when:
	  methods: [GET, HEAD]
	  pathPrefix: /api
	  headers:
	    X-Debug: ""
	run:
	  - flowId: [reuse]
	  - setRequestHeader: [X-Proxied, "true"]

The steps of run are executed in order, until one of them fails or
short-circuits the request. The when conditions are all required to
match; an empty header value only requires the header to be present.
The type can be omitted when the location of the file defines the phase.
*/
package filterfile

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/loader"
)

// Extensions of the definition files.
var Extensions = []string{".yaml", ".yml"}

var (
	ErrNoSteps     = errors.New("no steps defined in run")
	ErrInvalidStep = errors.New("invalid step, expected a single filter name with its arguments")
)

// Condition of running a definition.
type Condition struct {
	Methods    []string          `yaml:"methods"`
	PathPrefix string            `yaml:"pathPrefix"`
	Headers    map[string]string `yaml:"headers"`
	StateKeys  []string          `yaml:"stateKeys"`
}

// Definition is the parsed form of a definition file.
type Definition struct {
	Type     string             `yaml:"type"`
	Order    int                `yaml:"order"`
	Disabled bool               `yaml:"disabled"`
	When     *Condition         `yaml:"when"`
	Run      []map[string][]any `yaml:"run"`
}

type step struct {
	name   string
	runner filters.Runner
}

type definitionFilter struct {
	name        string
	phase       filters.Phase
	order       int
	disabled    bool
	fingerprint uint64
	when        *Condition
	steps       []step
}

// Compiler creates filters from definitions, looking up the referenced
// filter specifications in a registry.
type Compiler struct {
	registry filters.Registry
}

// NewCompiler creates a compiler with the registry of the available
// filter specifications.
func NewCompiler(r filters.Registry) *Compiler {
	return &Compiler{registry: r}
}

// Parse parses a definition document.
func Parse(source []byte) (*Definition, error) {
	var d Definition
	if err := yaml.UnmarshalStrict(source, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

func (c *Compiler) createStep(def map[string][]any) (step, error) {
	if len(def) != 1 {
		return step{}, ErrInvalidStep
	}

	for name, args := range def {
		spec, ok := c.registry[name]
		if !ok {
			return step{}, fmt.Errorf("filter not found: '%s'", name)
		}

		r, err := spec.CreateFilter(args)
		if err != nil {
			return step{}, fmt.Errorf("failed to create filter %s: %w", name, err)
		}

		return step{name: name, runner: r}, nil
	}

	return step{}, ErrInvalidStep
}

func closeSteps(steps []step) {
	for _, s := range steps {
		if c, ok := s.runner.(filters.Closer); ok {
			c.Close()
		}
	}
}

// Compile parses a definition and creates the filters of its steps.
func (c *Compiler) Compile(source []byte, md loader.Metadata) (filters.Filter, error) {
	d, err := Parse(source)
	if err != nil {
		return nil, err
	}

	phase, err := md.ResolvePhase(d.Type)
	if err != nil {
		return nil, err
	}

	if len(d.Run) == 0 {
		return nil, ErrNoSteps
	}

	f := &definitionFilter{
		name:        md.Name,
		phase:       phase,
		order:       d.Order,
		disabled:    d.Disabled,
		fingerprint: md.Fingerprint,
		when:        d.When,
	}

	for _, def := range d.Run {
		s, err := c.createStep(def)
		if err != nil {
			closeSteps(f.steps)
			return nil, err
		}

		f.steps = append(f.steps, s)
	}

	return f, nil
}

func (f *definitionFilter) Name() string         { return f.name }
func (f *definitionFilter) Phase() filters.Phase { return f.phase }
func (f *definitionFilter) Order() int           { return f.order }
func (f *definitionFilter) Disabled() bool       { return f.disabled }
func (f *definitionFilter) Fingerprint() uint64  { return f.fingerprint }
func (f *definitionFilter) Close()               { closeSteps(f.steps) }

func matchMethod(methods []string, r *http.Request) bool {
	if len(methods) == 0 {
		return true
	}

	for _, m := range methods {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}

	return false
}

func matchHeaders(headers map[string]string, r *http.Request) bool {
	for k, v := range headers {
		values, ok := r.Header[http.CanonicalHeaderKey(k)]
		if !ok {
			return false
		}

		if v != "" && (len(values) == 0 || values[0] != v) {
			return false
		}
	}

	return true
}

func (f *definitionFilter) ShouldRun(ctx filters.FilterContext) bool {
	if f.when == nil {
		return true
	}

	r := ctx.Request()
	if !matchMethod(f.when.Methods, r) || !strings.HasPrefix(r.URL.Path, f.when.PathPrefix) {
		return false
	}

	if !matchHeaders(f.when.Headers, r) {
		return false
	}

	for _, k := range f.when.StateKeys {
		if _, ok := ctx.StateBag()[k]; !ok {
			return false
		}
	}

	return true
}

func (f *definitionFilter) Run(ctx filters.FilterContext) error {
	for _, s := range f.steps {
		if err := s.runner.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}

		if ctx.ShortCircuited() {
			return nil
		}
	}

	return nil
}
