/*
Package report implements the monitoring hook of the filter pipeline.

The loader reports the compile failures and the proxy reports the
failures of the filters and of the backend calls. The reporters must not
block the caller significantly: wrap the slow ones with Async, which
buffers the events and drops them when the buffer is full.
*/
package report

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/logging"
	"github.com/allegro/zuul-go/metrics"
)

// Type of the reported failure.
type Type int

const (
	// CompileFailure is reported by the loader when a filter source
	// could not be compiled.
	CompileFailure Type = iota + 1

	// FilterFailure is reported when a filter returned an error or
	// panicked, including the filters of the error phase.
	FilterFailure

	// DispatchFailure is reported when the backend call failed.
	DispatchFailure
)

func (t Type) String() string {
	switch t {
	case CompileFailure:
		return "compile-failure"
	case FilterFailure:
		return "filter-failure"
	case DispatchFailure:
		return "dispatch-failure"
	default:
		return "unknown"
	}
}

// Event describes a single failure.
type Event struct {
	Type      Type
	Time      time.Time
	Phase     filters.Phase
	Filter    string
	Path      string
	RequestID string
	Err       error
}

// Kind returns the error kind of the event.
func (e Event) Kind() filters.ErrorKind {
	return filters.KindOf(e.Err)
}

// Reporter receives the events. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Report(Event)
}

// Func adapts a function to the Reporter interface.
type Func func(Event)

func (f Func) Report(e Event) { f(e) }

// Void discards the events.
var Void Reporter = Func(func(Event) {})

// Multi sends the events to every reporter in order.
type Multi []Reporter

func (m Multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

type logReporter struct {
	log logging.Logger
}

// NewLog returns a reporter that logs the events as errors.
func NewLog(l logging.Logger) Reporter {
	if l == nil {
		l = logging.New()
	}

	return &logReporter{log: l}
}

func (r *logReporter) Report(e Event) {
	fields := map[string]any{
		"event": e.Type.String(),
		"kind":  string(e.Kind()),
	}

	if e.Phase != "" {
		fields["phase"] = string(e.Phase)
	}

	if e.Filter != "" {
		fields["filter"] = e.Filter
	}

	if e.Path != "" {
		fields["path"] = e.Path
	}

	if e.RequestID != "" {
		fields["request-id"] = e.RequestID
	}

	r.log.WithFields(fields).Error(e.Err)
}

type metricsReporter struct {
	metrics metrics.Metrics
}

// NewMetrics returns a reporter that counts the events. Compile
// failures are counted per phase, the request failures per error kind.
func NewMetrics(m metrics.Metrics) Reporter {
	return &metricsReporter{metrics: m}
}

func (r *metricsReporter) Report(e Event) {
	switch e.Type {
	case CompileFailure:
		r.metrics.IncFilterLoad(string(e.Phase), metrics.FilterFailed)
	default:
		r.metrics.IncCounter("report." + e.Type.String())
	}
}

// Async delivers the events to the wrapped reporter on a separate
// goroutine. When the buffer is full, the events are dropped and
// counted.
type Async struct {
	next    Reporter
	events  chan Event
	quit    chan struct{}
	done    chan struct{}
	mx      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

const defaultBufferSize = 1024

// NewAsync starts the delivery goroutine. It needs to be stopped with
// Close.
func NewAsync(next Reporter, bufferSize int) *Async {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	a := &Async{
		next:   next,
		events: make(chan Event, bufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case e := <-a.events:
			a.next.Report(e)
		case <-a.quit:
			for {
				select {
				case e := <-a.events:
					a.next.Report(e)
				default:
					return
				}
			}
		}
	}
}

// Report never blocks. The events reported after Close are dropped.
func (a *Async) Report(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	a.mx.Lock()
	defer a.mx.Unlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}

	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of the events that were not delivered.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close delivers the buffered events and stops the goroutine.
func (a *Async) Close() {
	a.mx.Lock()
	if !a.closed {
		a.closed = true
		close(a.quit)
	}

	a.mx.Unlock()
	<-a.done
}
