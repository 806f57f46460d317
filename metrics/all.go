package metrics

import (
	"net/http"
	"strings"
	"time"
)

// All records the measurements both in the Prometheus and in the Coda
// Hale backends.
type All struct {
	prometheus        *Prometheus
	codaHale          *CodaHale
	prometheusHandler http.Handler
	codaHaleHandler   http.Handler
}

func NewAll(o Options) *All {
	return &All{
		prometheus: NewPrometheus(o),
		codaHale:   NewCodaHale(o),
	}
}

func (a *All) MeasureSince(key string, start time.Time) {
	a.prometheus.MeasureSince(key, start)
	a.codaHale.MeasureSince(key, start)
}

func (a *All) IncCounter(key string) {
	a.prometheus.IncCounter(key)
	a.codaHale.IncCounter(key)
}

func (a *All) IncCounterBy(key string, value int64) {
	a.prometheus.IncCounterBy(key, value)
	a.codaHale.IncCounterBy(key, value)
}

func (a *All) UpdateGauge(key string, v float64) {
	a.prometheus.UpdateGauge(key, v)
	a.codaHale.UpdateGauge(key, v)
}

func (a *All) MeasureFilter(phase, filterName string, start time.Time) {
	a.prometheus.MeasureFilter(phase, filterName, start)
	a.codaHale.MeasureFilter(phase, filterName, start)
}

func (a *All) MeasurePhase(phase string, start time.Time) {
	a.prometheus.MeasurePhase(phase, start)
	a.codaHale.MeasurePhase(phase, start)
}

func (a *All) MeasureBackend(host string, start time.Time) {
	a.prometheus.MeasureBackend(host, start)
	a.codaHale.MeasureBackend(host, start)
}

func (a *All) MeasureServe(method string, code int, start time.Time) {
	a.prometheus.MeasureServe(method, code, start)
	a.codaHale.MeasureServe(method, code, start)
}

func (a *All) IncErrorKind(kind string) {
	a.prometheus.IncErrorKind(kind)
	a.codaHale.IncErrorKind(kind)
}

func (a *All) IncFilterLoad(phase, result string) {
	a.prometheus.IncFilterLoad(phase, result)
	a.codaHale.IncFilterLoad(phase, result)
}

// RegisterHandler serves the Prometheus format by default, and the Coda
// Hale JSON format when the request accepts only application/json, or
// queries a single metric by key below the path.
func (a *All) RegisterHandler(path string, mux *http.ServeMux) {
	a.prometheusHandler = a.prometheus.getHandler()
	a.codaHaleHandler = a.codaHale.getHandler(path)
	mux.Handle(path, a)
}

func (a *All) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/json" || !strings.HasSuffix(r.URL.Path, "/metrics") && !strings.HasSuffix(r.URL.Path, "/metrics/") {
		a.codaHaleHandler.ServeHTTP(w, r)
		return
	}

	a.prometheusHandler.ServeHTTP(w, r)
}
