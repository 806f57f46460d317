package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind selects the metrics backend.
type Kind int

const (
	UnknownKind Kind = iota
	CodaHaleKind
	PrometheusKind
	AllKind
)

// String returns the flag value of the kind.
func (k Kind) String() string {
	switch k {
	case CodaHaleKind:
		return "codahale"
	case PrometheusKind:
		return "prometheus"
	case AllKind:
		return "all"
	default:
		return "unknown"
	}
}

// ParseMetricsKind parses the metrics flavour flag value.
func ParseMetricsKind(s string) (Kind, error) {
	switch s {
	case "codahale":
		return CodaHaleKind, nil
	case "prometheus":
		return PrometheusKind, nil
	case "all":
		return AllKind, nil
	default:
		return UnknownKind, fmt.Errorf("invalid metrics flavour: %q", s)
	}
}

// Results of the compilation of a filter, as counted by IncFilterLoad.
const (
	FilterLoaded  = "loaded"
	FilterFailed  = "failed"
	FilterRemoved = "removed"
)

// Metrics is the recorder interface used by the proxy and the loader.
// Implementations need to be safe for concurrent use.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)

	// MeasureFilter records the duration of a single filter execution.
	MeasureFilter(phase, filterName string, start time.Time)

	// MeasurePhase records the duration of all the filters of a phase
	// for one request.
	MeasurePhase(phase string, start time.Time)

	// MeasureBackend records the duration of the backend call, per
	// host when enabled in the options.
	MeasureBackend(host string, start time.Time)

	// MeasureServe records the total time of serving a request.
	MeasureServe(method string, code int, start time.Time)

	// IncErrorKind counts the failures of the requests by kind.
	IncErrorKind(kind string)

	// IncFilterLoad counts the results of the loader per phase.
	IncFilterLoad(phase, result string)

	RegisterHandler(path string, mux *http.ServeMux)
}

// Options for initializing metrics collection.
type Options struct {

	// the metrics exposing format
	Format Kind

	// Common prefix for the keys of the different collected metrics.
	// With Prometheus, it is used as the namespace, without the
	// trailing dot.
	Prefix string

	// If set, garbage collector metrics are collected in addition to
	// the http traffic metrics.
	EnableDebugGcMetrics bool

	// If set, Go runtime metrics are collected in addition to the http
	// traffic metrics.
	EnableRuntimeMetrics bool

	// If set, the backend durations are also recorded separately for
	// every backend host.
	EnableBackendHostMetrics bool

	// Use the exponentially decaying sample for the Coda Hale timers
	// instead of the uniform one.
	UseExpDecaySample bool

	// Histogram buckets of the Prometheus metrics. Defaults to
	// prometheus.DefBuckets.
	HistogramBuckets []float64

	// Registry of the Prometheus metrics. A new registry is created
	// when not set.
	PrometheusRegistry *prometheus.Registry
}

// NewDefault creates the backend selected by the format option.
// Unknown formats fall back to Coda Hale.
func NewDefault(o Options) Metrics {
	switch o.Format {
	case PrometheusKind:
		return NewPrometheus(o)
	case AllKind:
		return NewAll(o)
	default:
		return NewCodaHale(o)
	}
}

// Default is used when no metrics were configured. It discards every
// measurement.
var Default Metrics = NewVoid()
