/*
Package loader implements the loading and the hot reloading of the
filters.

The loader scans the configured locations for filter source files, and
compiles them with the compiler registered for their file extension. The
compiled filters are published to the filter store per phase, sorted by
their order and name.

The locations are scanned periodically, or when notified. Only the files
whose fingerprint changed are compiled again. When a file fails to
compile, the previously loaded version of the same file stays active, and
the failure is reported. Removed files are removed from the store. A
phase is republished only when its filters changed.
*/
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filterstore"
	"github.com/allegro/zuul-go/logging"
	"github.com/allegro/zuul-go/metrics"
	"github.com/allegro/zuul-go/report"
)

// DefaultPollInterval is used when Options.PollInterval is not set.
const DefaultPollInterval = 5 * time.Second

var (
	ErrNoCompiler  = errors.New("no compiler for the file extension")
	ErrMissingName = errors.New("compiled filter has no name")
)

// DuplicateNameError is reported when a file defines a filter with the
// same phase and name as a file earlier in the path order.
type DuplicateNameError struct {
	Phase    filters.Phase
	Name     string
	Existing string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate filter name %s/%s, already defined in %s", e.Phase, e.Name, e.Existing)
}

// Options to create a loader.
type Options struct {

	// Locations to scan for filter source files.
	Locations []Location

	// Compilers by file extension, including the dot, e.g. ".lua".
	Compilers map[string]Compiler

	// Store receives the compiled filters.
	Store *filterstore.Store

	// PollInterval of the scanning. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// MaxConcurrency limits the concurrent compilations within one
	// cycle. Defaults to GOMAXPROCS.
	MaxConcurrency int

	// Reporter receives the compile failures. Defaults to logging
	// them.
	Reporter report.Reporter

	// Metrics counts the loaded and removed filters.
	Metrics metrics.Metrics

	// Log is used for the lifecycle messages of the loader.
	Log logging.Logger
}

type entry struct {
	path        string
	fingerprint uint64
	filter      filters.Filter
}

// publishedKey identifies a published filter version.
type publishedKey struct {
	path        string
	fingerprint uint64
}

// Loader loads the filters into the store.
type Loader struct {
	options    Options
	log        logging.Logger
	reporter   report.Reporter
	metrics    metrics.Metrics
	extensions []string

	// cycles are serialized
	mu         sync.Mutex
	compiled   map[string]entry
	failed     map[string]uint64
	duplicates map[string]bool
	published  map[filters.Phase][]publishedKey

	notify    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a loader. It doesn't load any filters until LoadAll or
// Start is called.
func New(o Options) *Loader {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = runtime.GOMAXPROCS(0)
	}

	if o.Store == nil {
		o.Store = filterstore.New()
	}

	l := &Loader{
		options:    o,
		log:        o.Log,
		reporter:   o.Reporter,
		metrics:    o.Metrics,
		compiled:   make(map[string]entry),
		failed:     make(map[string]uint64),
		duplicates: make(map[string]bool),
		published:  make(map[filters.Phase][]publishedKey),
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if l.log == nil {
		l.log = &logging.DefaultLog{}
	}

	if l.reporter == nil {
		l.reporter = report.NewLog(l.log)
	}

	if l.metrics == nil {
		l.metrics = metrics.Default
	}

	for ext := range o.Compilers {
		l.extensions = append(l.extensions, ext)
	}

	sort.Strings(l.extensions)
	return l
}

// Store returns the store that the loader publishes to.
func (l *Loader) Store() *filterstore.Store {
	return l.options.Store
}

func closeFilter(f filters.Filter) {
	if c, ok := f.(filters.Closer); ok {
		c.Close()
	}
}

// Load compiles a single filter source with the compiler registered for
// its extension. Failures are returned as *filters.CompileError.
func (l *Loader) Load(d Descriptor) (filters.Filter, error) {
	c, ok := l.options.Compilers[d.Ext]
	if !ok {
		return nil, &filters.CompileError{Path: d.Path, Err: fmt.Errorf("%w: %q", ErrNoCompiler, d.Ext)}
	}

	f, err := c.Compile(d.Source, d.Metadata())
	if err != nil {
		return nil, &filters.CompileError{Path: d.Path, Err: err}
	}

	if err := validate(f, d); err != nil {
		closeFilter(f)
		return nil, &filters.CompileError{Path: d.Path, Err: err}
	}

	return f, nil
}

func validate(f filters.Filter, d Descriptor) error {
	if f.Name() == "" {
		return ErrMissingName
	}

	if _, err := filters.ParsePhase(string(f.Phase())); err != nil {
		return err
	}

	if d.Phase != "" && f.Phase() != d.Phase {
		return fmt.Errorf("%w: %s in %s", ErrPhaseConflict, f.Phase(), d.Phase)
	}

	return nil
}

// Publish replaces the filters of a phase in the store, sorted by order
// and name. The replaced filters, which are not part of the new sequence
// and which are not managed by the loader, are closed. The next cycle of
// the loader restores the phase from the files, when they change.
func (l *Loader) Publish(p filters.Phase, seq []filters.Filter) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	replaced, err := l.options.Store.Swap(p, seq)
	if err != nil {
		return err
	}

	delete(l.published, p)
	keep := make(map[filters.Filter]bool)
	for _, f := range seq {
		keep[f] = true
	}

	for _, e := range l.compiled {
		keep[e.filter] = true
	}

	for _, f := range replaced {
		if !keep[f] {
			closeFilter(f)
		}
	}

	return nil
}

func (l *Loader) reportFailure(d Descriptor, phase filters.Phase, err error) {
	l.reporter.Report(report.Event{
		Type:   report.CompileFailure,
		Time:   time.Now(),
		Phase:  phase,
		Filter: d.Name,
		Path:   d.Path,
		Err:    err,
	})
}

type compilation struct {
	descriptor Descriptor
	filter     filters.Filter
	err        error
}

// compile compiles the new and the changed files concurrently, skipping
// the versions that already failed.
func (l *Loader) compile(descriptors []Descriptor) []*compilation {
	var changed []*compilation
	for _, d := range descriptors {
		if e, ok := l.compiled[d.Path]; ok && e.fingerprint == d.Fingerprint {
			continue
		}

		if fp, ok := l.failed[d.Path]; ok && fp == d.Fingerprint {
			continue
		}

		changed = append(changed, &compilation{descriptor: d})
	}

	var g errgroup.Group
	g.SetLimit(l.options.MaxConcurrency)
	for _, c := range changed {
		g.Go(func() error {
			c.filter, c.err = l.Load(c.descriptor)
			return nil
		})
	}

	g.Wait()
	return changed
}

// update applies the compilation results, and returns the filters that
// were replaced or removed.
func (l *Loader) update(descriptors []Descriptor, results []*compilation) []filters.Filter {
	var retired []filters.Filter
	for _, c := range results {
		d := c.descriptor
		if c.err != nil {
			l.failed[d.Path] = d.Fingerprint
			l.reportFailure(d, d.Phase, c.err)
			continue
		}

		delete(l.failed, d.Path)
		if e, ok := l.compiled[d.Path]; ok {
			retired = append(retired, e.filter)
		}

		l.compiled[d.Path] = entry{path: d.Path, fingerprint: d.Fingerprint, filter: c.filter}
		l.metrics.IncFilterLoad(string(c.filter.Phase()), metrics.FilterLoaded)
		l.log.Infof("Filter loaded: %s/%s from %s", c.filter.Phase(), c.filter.Name(), d.Path)
	}

	present := make(map[string]bool)
	for _, d := range descriptors {
		present[d.Path] = true
	}

	for p, e := range l.compiled {
		if present[p] {
			continue
		}

		retired = append(retired, e.filter)
		delete(l.compiled, p)
		delete(l.duplicates, p)
		l.metrics.IncFilterLoad(string(e.filter.Phase()), metrics.FilterRemoved)
		l.log.Infof("Filter removed: %s/%s from %s", e.filter.Phase(), e.filter.Name(), p)
	}

	for p := range l.failed {
		if !present[p] {
			delete(l.failed, p)
		}
	}

	return retired
}

// compose builds the sequences of the phases from the compiled filters.
// Duplicate names are resolved in path order, the first wins.
func (l *Loader) compose(descriptors []Descriptor) map[filters.Phase][]entry {
	seqs := make(map[filters.Phase][]entry)
	names := make(map[filters.Phase]map[string]string)
	for _, d := range descriptors {
		e, ok := l.compiled[d.Path]
		if !ok {
			continue
		}

		p, name := e.filter.Phase(), e.filter.Name()
		if names[p] == nil {
			names[p] = make(map[string]string)
		}

		if existing, dup := names[p][name]; dup {
			if !l.duplicates[d.Path] {
				l.duplicates[d.Path] = true
				l.reportFailure(d, p, &filters.CompileError{
					Path: d.Path,
					Err:  &DuplicateNameError{Phase: p, Name: name, Existing: existing},
				})
			}

			continue
		}

		delete(l.duplicates, d.Path)
		names[p][name] = d.Path
		seqs[p] = append(seqs[p], e)
	}

	for _, seq := range seqs {
		sort.SliceStable(seq, func(i, j int) bool { return filters.Less(seq[i].filter, seq[j].filter) })
	}

	return seqs
}

func keys(seq []entry) []publishedKey {
	k := make([]publishedKey, len(seq))
	for i, e := range seq {
		k[i] = publishedKey{path: e.path, fingerprint: e.fingerprint}
	}

	return k
}

func equalKeys(a, b []publishedKey) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func (l *Loader) publish(seqs map[filters.Phase][]entry) {
	for _, p := range filters.Phases {
		seq := seqs[p]
		k := keys(seq)
		if published, ok := l.published[p]; ok && equalKeys(published, k) {
			continue
		}

		f := make([]filters.Filter, len(seq))
		for i, e := range seq {
			f[i] = e.filter
		}

		if _, err := l.options.Store.Swap(p, f); err != nil {
			l.log.Errorf("Failed to publish the %s filters: %v", p, err)
			continue
		}

		l.published[p] = k
		l.log.Debugf("Published %d %s filters", len(f), p)
	}
}

func (l *Loader) cycle() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	descriptors, err := Scan(l.options.Locations, l.extensions...)
	if err != nil {
		l.log.Errorf("Failed to scan the filter locations: %v", err)
		return err
	}

	results := l.compile(descriptors)
	retired := l.update(descriptors, results)
	l.publish(l.compose(descriptors))
	for _, f := range retired {
		closeFilter(f)
	}

	return nil
}

// LoadAll runs a single, synchronous loading cycle. It returns an error
// only when the locations could not be scanned. The compile failures
// are reported, and they don't fail the cycle.
func (l *Loader) LoadAll() error {
	return l.cycle()
}

// Notify requests a loading cycle without waiting for the poll
// interval. It doesn't block.
func (l *Loader) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run executes the loading cycles until the context is canceled or the
// loader is closed.
func (l *Loader) Run(ctx context.Context) {
	t := time.NewTicker(l.options.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-l.notify:
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		}

		l.cycle()
	}
}

// Start runs the loading cycles in the background. Call Close to stop
// it.
func (l *Loader) Start() {
	l.startOnce.Do(func() {
		go func() {
			defer close(l.done)
			l.Run(context.Background())
		}()
	})
}

// Close stops the background cycles, and waits until the running cycle
// finishes. The loaded filters stay in the store.
func (l *Loader) Close() {
	l.closeOnce.Do(func() { close(l.quit) })

	// when not started, there is nothing to wait for
	l.startOnce.Do(func() { close(l.done) })
	<-l.done
}
