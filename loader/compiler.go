package loader

import (
	"errors"
	"fmt"

	"github.com/allegro/zuul-go/filters"
)

// Metadata describes the source of a filter for the compilers.
type Metadata struct {

	// Path of the source file.
	Path string

	// Name of the filter, derived from the file name: the extension
	// and the phase prefix, if any, removed.
	Name string

	// Phase of the location the file was found in, or the phase
	// given by the file name. Empty when neither declares it, and
	// then the compiled filter needs to declare it.
	Phase filters.Phase

	// Fingerprint of the source.
	Fingerprint uint64
}

// Compiler turns the source text of a filter into a filter. The loader
// only relies on the contract of the returned filter, never on the
// language of the source.
type Compiler interface {
	Compile(source []byte, md Metadata) (filters.Filter, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func([]byte, Metadata) (filters.Filter, error)

func (f CompilerFunc) Compile(source []byte, md Metadata) (filters.Filter, error) {
	return f(source, md)
}

var (
	ErrMissingPhase  = errors.New("filter phase not declared")
	ErrPhaseConflict = errors.New("declared filter phase conflicts with the location")
)

// ResolvePhase combines the phase declared by the source with the phase
// of the location. The declaration is optional when the location has a
// phase, but they must not conflict.
func (md Metadata) ResolvePhase(declared string) (filters.Phase, error) {
	if declared == "" {
		if md.Phase == "" {
			return "", ErrMissingPhase
		}

		return md.Phase, nil
	}

	p, err := filters.ParsePhase(declared)
	if err != nil {
		return "", err
	}

	if md.Phase != "" && md.Phase != p {
		return "", fmt.Errorf("%w: %s in %s", ErrPhaseConflict, p, md.Phase)
	}

	return p, nil
}
