package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

const (
	KeyFilter          = "filter.%s.%s"
	KeyPhase           = "phase.%s"
	KeyBackendCombined = "all.backend"
	KeyBackendHost     = "backendhost.%s"
	KeyServe           = "serve.%s.%d"
	KeyServeCombined   = "all.serve"
	KeyErrors          = "errors.%s"
	KeyFilterLoad      = "loader.%s.%s"

	statsRefreshDuration = 5 * time.Second

	defaultUniformReservoirSize  = 1024
	defaultExpDecayReservoirSize = 1028
	defaultExpDecayAlpha         = 0.015
)

// CodaHale is the CodaHale format backend, implements Metrics interface in DropWizard's CodaHale metrics format.
type CodaHale struct {
	reg           metrics.Registry
	createTimer   func() metrics.Timer
	createCounter func() metrics.Counter
	createGauge   func() metrics.GaugeFloat64
	options       Options
	handler       http.Handler
}

// NewCodaHale returns a new CodaHale backend of metrics.
func NewCodaHale(o Options) *CodaHale {
	c := &CodaHale{}
	c.reg = metrics.NewRegistry()

	c.createTimer = timerFactory(o.UseExpDecaySample)

	c.createCounter = metrics.NewCounter
	c.createGauge = metrics.NewGaugeFloat64
	c.options = o

	if o.EnableDebugGcMetrics {
		metrics.RegisterDebugGCStats(c.reg)
		go metrics.CaptureDebugGCStats(c.reg, statsRefreshDuration)
	}

	if o.EnableRuntimeMetrics {
		metrics.RegisterRuntimeMemStats(c.reg)
		go metrics.CaptureRuntimeMemStats(c.reg, statsRefreshDuration)
	}

	return c
}

// NewVoid returns a backend that discards the measurements.
func NewVoid() *CodaHale {
	c := &CodaHale{}
	c.reg = metrics.NewRegistry()
	c.createTimer = func() metrics.Timer { return metrics.NilTimer{} }
	c.createCounter = func() metrics.Counter { return metrics.NilCounter{} }
	c.createGauge = func() metrics.GaugeFloat64 { return metrics.NilGaugeFloat64{} }
	return c
}

func (c *CodaHale) getTimer(key string) metrics.Timer {
	return c.reg.GetOrRegister(key, c.createTimer).(metrics.Timer)
}

func (c *CodaHale) getGauge(key string) metrics.GaugeFloat64 {
	return c.reg.GetOrRegister(key, c.createGauge).(metrics.GaugeFloat64)
}

func (c *CodaHale) getCounter(key string) metrics.Counter {
	return c.reg.GetOrRegister(key, c.createCounter).(metrics.Counter)
}

func (c *CodaHale) measureSince(key string, start time.Time) {
	c.getTimer(key).UpdateSince(start)
}

func (c *CodaHale) incCounter(key string, value int64) {
	c.getCounter(key).Inc(value)
}

func (c *CodaHale) MeasureSince(key string, start time.Time) {
	c.measureSince(key, start)
}

func (c *CodaHale) IncCounter(key string) {
	c.incCounter(key, 1)
}

func (c *CodaHale) IncCounterBy(key string, value int64) {
	c.incCounter(key, value)
}

func (c *CodaHale) UpdateGauge(key string, v float64) {
	c.getGauge(key).Update(v)
}

func (c *CodaHale) MeasureFilter(phase, filterName string, start time.Time) {
	c.measureSince(fmt.Sprintf(KeyFilter, phase, filterName), start)
}

func (c *CodaHale) MeasurePhase(phase string, start time.Time) {
	c.measureSince(fmt.Sprintf(KeyPhase, phase), start)
}

func (c *CodaHale) MeasureBackend(host string, start time.Time) {
	c.measureSince(KeyBackendCombined, start)
	if c.options.EnableBackendHostMetrics {
		c.measureSince(fmt.Sprintf(KeyBackendHost, hostForKey(host)), start)
	}
}

func (c *CodaHale) MeasureServe(method string, code int, start time.Time) {
	c.measureSince(KeyServeCombined, start)
	c.measureSince(fmt.Sprintf(KeyServe, measuredMethod(method), code), start)
}

func (c *CodaHale) IncErrorKind(kind string) {
	c.incCounter(fmt.Sprintf(KeyErrors, kind), 1)
}

func (c *CodaHale) IncFilterLoad(phase, result string) {
	c.incCounter(fmt.Sprintf(KeyFilterLoad, phase, result), 1)
}

func (c *CodaHale) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, c.getHandler(path))
}

func (c *CodaHale) CreateHandler(path string) http.Handler {
	return &codaHaleMetricsHandler{path: path, registry: c.reg, options: c.options}
}

func (c *CodaHale) getHandler(path string) http.Handler {
	if c.handler != nil {
		return c.handler
	}

	c.handler = c.CreateHandler(path)
	return c.handler
}

type codaHaleMetricsHandler struct {
	path     string
	registry metrics.Registry
	options  Options
}

func (c *codaHaleMetricsHandler) sendMetrics(w http.ResponseWriter, p string) {
	_, k := path.Split(p)

	metrics := filterMetrics(c.registry, c.options.Prefix, k)

	if len(metrics) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(metrics)
	} else {
		http.NotFound(w, nil)
	}
}

// This listener is only used to expose the metrics
func (c *codaHaleMetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	c.sendMetrics(w, strings.TrimPrefix(r.URL.Path, c.path))
}

func filterMetrics(reg metrics.Registry, prefix, key string) codaHaleMetrics {
	metrics := make(codaHaleMetrics)

	canonicalKey := strings.TrimPrefix(key, prefix)
	m := reg.Get(canonicalKey)
	if m != nil {
		metrics[key] = m
	} else {
		reg.Each(func(name string, i any) {
			if key == "" || (strings.HasPrefix(name, canonicalKey)) {
				metrics[prefix+name] = i
			}
		})
	}
	return metrics
}

type codaHaleMetrics map[string]any

func timerValues(t metrics.Timer) map[string]any {
	s := t.Snapshot()
	ps := s.Percentiles([]float64{0.5, 0.75, 0.95, 0.99, 0.999})
	return map[string]any{
		"count":     s.Count(),
		"min":       s.Min(),
		"max":       s.Max(),
		"mean":      s.Mean(),
		"stddev":    s.StdDev(),
		"median":    ps[0],
		"75%":       ps[1],
		"95%":       ps[2],
		"99%":       ps[3],
		"99.9%":     ps[4],
		"1m.rate":   s.Rate1(),
		"5m.rate":   s.Rate5(),
		"15m.rate":  s.Rate15(),
		"mean.rate": s.RateMean(),
	}
}

func histogramValues(h metrics.Histogram) map[string]any {
	s := h.Snapshot()
	ps := s.Percentiles([]float64{0.5, 0.75, 0.95, 0.99, 0.999})
	return map[string]any{
		"count":  s.Count(),
		"min":    s.Min(),
		"max":    s.Max(),
		"mean":   s.Mean(),
		"stddev": s.StdDev(),
		"median": ps[0],
		"75%":    ps[1],
		"95%":    ps[2],
		"99%":    ps[3],
		"99.9%":  ps[4],
	}
}

// MarshalJSON groups the metrics by family: gauges, histograms, timers
// and counters.
func (cm codaHaleMetrics) MarshalJSON() ([]byte, error) {
	data := make(map[string]map[string]any)
	for name, metric := range cm {
		var (
			family string
			values map[string]any
		)

		switch m := metric.(type) {
		case metrics.Gauge:
			family = "gauges"
			values = map[string]any{"value": m.Value()}
		case metrics.GaugeFloat64:
			family = "gauges"
			values = map[string]any{"value": m.Snapshot().Value()}
		case metrics.Histogram:
			family = "histograms"
			values = histogramValues(m)
		case metrics.Timer:
			family = "timers"
			values = timerValues(m)
		case metrics.Counter:
			family = "counters"
			values = map[string]any{"count": m.Snapshot().Count()}
		default:
			family = "unknown"
			values = map[string]any{"error": fmt.Sprintf("unknown metrics type %T", m)}
		}

		if data[family] == nil {
			data[family] = make(map[string]any)
		}

		data[family][name] = values
	}

	return json.Marshal(data)
}
