package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace        = "zuul"
	promFilterSubsystem  = "filter"
	promPhaseSubsystem   = "phase"
	promProxySubsystem   = "backend"
	promServeSubsystem   = "serve"
	promRequestSubsystem = "request"
	promLoaderSubsystem  = "loader"
	promCustomSubsystem  = "custom"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	filterM          *prometheus.HistogramVec
	phaseM           *prometheus.HistogramVec
	backendM         *prometheus.HistogramVec
	backendCombinedM prometheus.Histogram
	serveM           *prometheus.HistogramVec
	serveCounterM    *prometheus.CounterVec
	errorsM          *prometheus.CounterVec
	filterLoadM      *prometheus.CounterVec
	customHistogramM *prometheus.HistogramVec
	customCounterM   *prometheus.CounterVec
	customGaugeM     *prometheus.GaugeVec

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	buckets := opts.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	filter := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promFilterSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a filter execution.",
		Buckets:   buckets,
	}, []string{"phase", "filter"})

	phase := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promPhaseSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of all the filters of a phase.",
		Buckets:   buckets,
	}, []string{"phase"})

	backend := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of a proxy backend.",
		Buckets:   buckets,
	}, []string{"host"})

	backendCombined := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promProxySubsystem,
		Name:      "combined_duration_seconds",
		Help:      "Duration in seconds of a proxy backend combined.",
		Buckets:   buckets,
	})

	serve := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of serving a request.",
		Buckets:   buckets,
	}, []string{"code", "method"})

	serveCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promServeSubsystem,
		Name:      "count",
		Help:      "Total number of served requests.",
	}, []string{"code", "method"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promRequestSubsystem,
		Name:      "errors_total",
		Help:      "Total number of failed requests by error kind.",
	}, []string{"kind"})

	filterLoad := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promLoaderSubsystem,
		Name:      "filters_total",
		Help:      "Total number of filter compilations and removals by result.",
	}, []string{"phase", "result"})

	customCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "total",
		Help:      "Total number of custom metrics.",
	}, []string{"key"})

	customGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "gauges",
		Help:      "Gauges number of custom metrics.",
	}, []string{"key"})

	customHistogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: promCustomSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds of custom metrics.",
		Buckets:   buckets,
	}, []string{"key"})

	p := &Prometheus{
		filterM:          filter,
		phaseM:           phase,
		backendM:         backend,
		backendCombinedM: backendCombined,
		serveM:           serve,
		serveCounterM:    serveCounter,
		errorsM:          errors,
		filterLoadM:      filterLoad,
		customCounterM:   customCounter,
		customGaugeM:     customGauge,
		customHistogramM: customHistogram,

		registry: opts.PrometheusRegistry,
		opts:     opts,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registerMetrics()
	return p
}

// sinceS returns the seconds passed since the start time until now.
func (p *Prometheus) sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func (p *Prometheus) registerMetrics() {
	p.registry.MustRegister(p.filterM)
	p.registry.MustRegister(p.phaseM)
	p.registry.MustRegister(p.backendM)
	p.registry.MustRegister(p.backendCombinedM)
	p.registry.MustRegister(p.serveM)
	p.registry.MustRegister(p.serveCounterM)
	p.registry.MustRegister(p.errorsM)
	p.registry.MustRegister(p.filterLoadM)
	p.registry.MustRegister(p.customCounterM)
	p.registry.MustRegister(p.customHistogramM)
	p.registry.MustRegister(p.customGaugeM)

	// Register prometheus runtime collectors if required.
	if p.opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler != nil {
		return p.handler
	}

	p.handler = p.CreateHandler()
	return p.handler
}

// RegisterHandler satisfies Metrics interface.
func (p *Prometheus) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, p.getHandler())
}

// MeasureSince satisfies Metrics interface.
func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.customHistogramM.WithLabelValues(key).Observe(p.sinceS(start))
}

// IncCounter satisfies Metrics interface.
func (p *Prometheus) IncCounter(key string) {
	p.customCounterM.WithLabelValues(key).Inc()
}

// IncCounterBy satisfies Metrics interface.
func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounterM.WithLabelValues(key).Add(float64(value))
}

// UpdateGauge satisfies Metrics interface.
func (p *Prometheus) UpdateGauge(key string, v float64) {
	p.customGaugeM.WithLabelValues(key).Set(v)
}

// MeasureFilter satisfies Metrics interface.
func (p *Prometheus) MeasureFilter(phase, filterName string, start time.Time) {
	p.filterM.WithLabelValues(phase, filterName).Observe(p.sinceS(start))
}

// MeasurePhase satisfies Metrics interface.
func (p *Prometheus) MeasurePhase(phase string, start time.Time) {
	p.phaseM.WithLabelValues(phase).Observe(p.sinceS(start))
}

// MeasureBackend satisfies Metrics interface.
func (p *Prometheus) MeasureBackend(host string, start time.Time) {
	t := p.sinceS(start)
	p.backendCombinedM.Observe(t)
	if p.opts.EnableBackendHostMetrics {
		p.backendM.WithLabelValues(hostForKey(host)).Observe(t)
	}
}

// MeasureServe satisfies Metrics interface.
func (p *Prometheus) MeasureServe(method string, code int, start time.Time) {
	method = measuredMethod(method)
	p.serveM.WithLabelValues(fmt.Sprint(code), method).Observe(p.sinceS(start))
	p.serveCounterM.WithLabelValues(fmt.Sprint(code), method).Inc()
}

// IncErrorKind satisfies Metrics interface.
func (p *Prometheus) IncErrorKind(kind string) {
	p.errorsM.WithLabelValues(kind).Inc()
}

// IncFilterLoad satisfies Metrics interface.
func (p *Prometheus) IncFilterLoad(phase, result string) {
	p.filterLoadM.WithLabelValues(phase, result).Inc()
}
