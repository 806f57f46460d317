/*
Package filterstore implements the in-memory registry of the compiled
filters, organized by phase.

The store holds an immutable snapshot of all phases. Readers load the
current snapshot without locking, and a snapshot taken once stays
unchanged for as long as the reader holds it, regardless of the
concurrent updates. Updates replace the complete sequence of a phase,
by creating a new snapshot and swapping it in a single atomic step.
Concurrent updates are serialized.
*/
package filterstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/allegro/zuul-go/filters"
)

var (
	// ErrPhaseMismatch is returned when a filter in the sequence belongs
	// to a different phase than the one being swapped.
	ErrPhaseMismatch = errors.New("filter phase mismatch")

	// ErrDuplicateName is returned when the sequence contains the same
	// name more than once.
	ErrDuplicateName = errors.New("duplicate filter name")
)

// Snapshot is a consistent, read-only view of all the phases.
type Snapshot struct {
	version uint64
	phases  map[filters.Phase][]filters.Filter
}

// Store holds the current snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

var empty = &Snapshot{phases: make(map[filters.Phase][]filters.Filter)}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.current.Store(empty)
	return s
}

// Version is incremented with every swap.
func (s *Snapshot) Version() uint64 { return s.version }

// Phase returns the sequence of the phase in (order, name) order. The
// returned slice must not be modified.
func (s *Snapshot) Phase(p filters.Phase) []filters.Filter {
	return s.phases[p]
}

// Get returns the filter with the name in the phase.
func (s *Snapshot) Get(p filters.Phase, name string) (filters.Filter, bool) {
	for _, f := range s.phases[p] {
		if f.Name() == name {
			return f, true
		}
	}

	return nil, false
}

// All returns the filters of all phases, in execution order.
func (s *Snapshot) All() []filters.Filter {
	var all []filters.Filter
	for _, p := range filters.Phases {
		all = append(all, s.phases[p]...)
	}

	return all
}

// Len returns the number of filters in all phases.
func (s *Snapshot) Len() int {
	var n int
	for _, seq := range s.phases {
		n += len(seq)
	}

	return n
}

// Snapshot returns the current snapshot. It never blocks.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Phase returns the current sequence of a phase.
func (s *Store) Phase(p filters.Phase) []filters.Filter {
	return s.Snapshot().Phase(p)
}

// Get returns a filter from the current snapshot.
func (s *Store) Get(p filters.Phase, name string) (filters.Filter, bool) {
	return s.Snapshot().Get(p, name)
}

func validate(p filters.Phase, seq []filters.Filter) error {
	if _, err := filters.ParsePhase(string(p)); err != nil {
		return err
	}

	names := make(map[string]bool)
	for _, f := range seq {
		if f.Phase() != p {
			return fmt.Errorf("%w: %s in %s", ErrPhaseMismatch, f.Name(), p)
		}

		if names[f.Name()] {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateName, p, f.Name())
		}

		names[f.Name()] = true
	}

	return nil
}

// Swap replaces the complete sequence of a phase. The store keeps a
// sorted copy of seq, the caller may reuse it. It returns the sequence
// that was replaced.
func (s *Store) Swap(p filters.Phase, seq []filters.Filter) ([]filters.Filter, error) {
	if err := validate(p, seq); err != nil {
		return nil, err
	}

	sorted := make([]filters.Filter, len(seq))
	copy(sorted, seq)
	filters.Sort(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()
	next := &Snapshot{
		version: current.version + 1,
		phases:  make(map[filters.Phase][]filters.Filter, len(current.phases)+1),
	}

	for phase, fs := range current.phases {
		next.phases[phase] = fs
	}

	if len(sorted) == 0 {
		delete(next.phases, p)
	} else {
		next.phases[p] = sorted
	}

	s.current.Store(next)
	return current.phases[p], nil
}
