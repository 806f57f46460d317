// Package scheduler provides the admission queue of the proxy. When
// enabled, it limits the number of the requests handled concurrently,
// and keeps the waiting requests in a bounded LIFO stack.
package scheduler

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aryszka/jobqueue"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/metrics"
)

const (
	KeyActiveRequests = "scheduler.active"
	KeyQueuedRequests = "scheduler.queued"
)

// Config can be used to provide the configuration of the queue.
type Config struct {

	// MaxConcurrency defines how many requests are allowed to be handled
	// concurrently. Defaults to 1.
	MaxConcurrency int `yaml:"max-concurrency"`

	// MaxQueueSize defines how many requests may be waiting in the
	// stack. Defaults to infinite.
	MaxQueueSize int `yaml:"max-queue-size"`

	// Timeout defines how long a request can be waiting in the stack.
	// Defaults to infinite.
	Timeout time.Duration `yaml:"timeout"`
}

// Options provides the options of the queue besides the config.
type Options struct {

	// Metrics, when set, receives the gauges of the active and the
	// queued requests.
	Metrics metrics.Metrics

	// MetricsUpdateTimeout defines how often the gauges are updated.
	// Defaults to 1s.
	MetricsUpdateTimeout time.Duration
}

// QueueStatus reports the current status of a queue.
type QueueStatus struct {

	// ActiveRequests represents the number of the requests currently being handled.
	ActiveRequests int

	// QueuedRequests represents the number of requests waiting to be handled.
	QueuedRequests int
}

// AdmissionError is returned when a request was rejected by the queue.
type AdmissionError struct {
	kind filters.ErrorKind
	code int
	err  error
}

func (e *AdmissionError) Error() string           { return e.err.Error() }
func (e *AdmissionError) Unwrap() error           { return e.err }
func (e *AdmissionError) Kind() filters.ErrorKind { return e.kind }
func (e *AdmissionError) StatusCode() int         { return e.code }

var (
	ErrQueueFull    = &AdmissionError{kind: filters.KindQueueFull, code: http.StatusServiceUnavailable, err: jobqueue.ErrStackFull}
	ErrQueueTimeout = &AdmissionError{kind: filters.KindQueueTimeout, code: http.StatusBadGateway, err: jobqueue.ErrTimeout}
	ErrQueueClosed  = &AdmissionError{kind: filters.KindQueueClosed, code: http.StatusServiceUnavailable, err: jobqueue.ErrClosed}
)

// Queue admits the requests with a maximum allowed concurrency. The
// requests over the concurrency limit wait in a stack, the last one
// arriving is admitted first.
type Queue struct {
	mx      sync.Mutex
	config  Config
	queue   *jobqueue.Stack
	options Options
	quit    chan struct{}
	done    chan struct{}
}

func jobqueueOptions(c Config) jobqueue.Options {
	return jobqueue.Options{
		MaxConcurrency: c.MaxConcurrency,
		MaxStackSize:   c.MaxQueueSize,
		Timeout:        c.Timeout,
	}
}

// New creates a queue. When metrics are set, it starts a goroutine
// updating the gauges until the queue is closed.
func New(c Config, o Options) *Queue {
	if o.MetricsUpdateTimeout <= 0 {
		o.MetricsUpdateTimeout = time.Second
	}

	q := &Queue{
		config:  c,
		queue:   jobqueue.With(jobqueueOptions(c)),
		options: o,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if o.Metrics == nil {
		close(q.done)
	} else {
		go q.measure()
	}

	return q
}

// Wait blocks until a request can be handled or needs to be rejected.
// When it can be handled, calling done indicates that it has finished.
// It is mandatory to call done when the request was handled. Rejected
// requests get ErrQueueFull or ErrQueueTimeout, and ErrQueueClosed after
// the queue was closed.
func (q *Queue) Wait() (done func(), err error) {
	done, err = q.queue.Wait()
	switch {
	case err == nil:
		return done, nil
	case errors.Is(err, jobqueue.ErrStackFull):
		err = ErrQueueFull
	case errors.Is(err, jobqueue.ErrTimeout):
		err = ErrQueueTimeout
	case errors.Is(err, jobqueue.ErrClosed):
		err = ErrQueueClosed
	}

	return func() {}, err
}

// Status returns the current status of the queue.
func (q *Queue) Status() QueueStatus {
	st := q.queue.Status()
	return QueueStatus{
		ActiveRequests: st.ActiveJobs,
		QueuedRequests: st.QueuedJobs,
	}
}

// Config returns the current configuration of the queue.
func (q *Queue) Config() Config {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.config
}

// Reconfigure applies a new configuration without dropping the
// requests being handled.
func (q *Queue) Reconfigure(c Config) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if c == q.config {
		return
	}

	q.config = c
	q.queue.Reconfigure(jobqueueOptions(c))
}

func (q *Queue) measure() {
	defer close(q.done)
	for {
		s := q.Status()
		q.options.Metrics.UpdateGauge(KeyActiveRequests, float64(s.ActiveRequests))
		q.options.Metrics.UpdateGauge(KeyQueuedRequests, float64(s.QueuedRequests))

		select {
		case <-time.After(q.options.MetricsUpdateTimeout):
		case <-q.quit:
			return
		}
	}
}

// Close tears down the queue, and stops updating the metrics.
func (q *Queue) Close() {
	close(q.quit)
	<-q.done
	q.queue.Close()
}
