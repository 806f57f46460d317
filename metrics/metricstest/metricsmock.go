// Package metricstest implements a metrics.Metrics that records the
// measurements in memory, using the keys of the Coda Hale backend.
package metricstest

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/allegro/zuul-go/metrics"
)

type MockMetrics struct {
	Prefix string

	mu sync.Mutex

	// Metrics gathering
	counters map[string]int64
	gauges   map[string]float64
	measures map[string][]time.Duration
	Now      time.Time
}

//
// Public thread safe access to metrics
//

func (m *MockMetrics) WithCounters(f func(counters map[string]int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	f(m.counters)
}

func (m *MockMetrics) WithMeasures(f func(measures map[string][]time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measures == nil {
		m.measures = make(map[string][]time.Duration)
	}
	f(m.measures)
}

func (m *MockMetrics) WithGauges(f func(map[string]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}

	f(m.gauges)
}

//
// Interface Metrics
//

func (m *MockMetrics) MeasureSince(key string, start time.Time) {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	key = m.Prefix + key
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], now.Sub(start))
	})
}

func (m *MockMetrics) IncCounter(key string) {
	m.IncCounterBy(key, 1)
}

func (m *MockMetrics) IncCounterBy(key string, value int64) {
	key = m.Prefix + key
	m.WithCounters(func(counters map[string]int64) {
		counters[key] += value
	})
}

func (m *MockMetrics) UpdateGauge(key string, value float64) {
	key = m.Prefix + key
	m.WithGauges(func(g map[string]float64) {
		g[key] = value
	})
}

func (m *MockMetrics) MeasureFilter(phase, filterName string, start time.Time) {
	m.MeasureSince(fmt.Sprintf(metrics.KeyFilter, phase, filterName), start)
}

func (m *MockMetrics) MeasurePhase(phase string, start time.Time) {
	m.MeasureSince(fmt.Sprintf(metrics.KeyPhase, phase), start)
}

func (m *MockMetrics) MeasureBackend(host string, start time.Time) {
	m.MeasureSince(metrics.KeyBackendCombined, start)
}

func (m *MockMetrics) MeasureServe(method string, code int, start time.Time) {
	m.MeasureSince(metrics.KeyServeCombined, start)
	m.MeasureSince(fmt.Sprintf(metrics.KeyServe, method, code), start)
}

func (m *MockMetrics) IncErrorKind(kind string) {
	m.IncCounter(fmt.Sprintf(metrics.KeyErrors, kind))
}

func (m *MockMetrics) IncFilterLoad(phase, result string) {
	m.IncCounter(fmt.Sprintf(metrics.KeyFilterLoad, phase, result))
}

func (*MockMetrics) RegisterHandler(path string, handler *http.ServeMux) {
	panic("implement me")
}

func (m *MockMetrics) Counter(key string) (v int64, ok bool) {
	m.WithCounters(func(c map[string]int64) {
		v, ok = c[key]
	})

	return
}

func (m *MockMetrics) Gauge(key string) (v float64, ok bool) {
	m.WithGauges(func(g map[string]float64) {
		v, ok = g[key]
	})

	return
}

func (m *MockMetrics) Timer(key string) (d []time.Duration, ok bool) {
	m.WithMeasures(func(measures map[string][]time.Duration) {
		d, ok = measures[key]
	})

	return
}

func (m *MockMetrics) Measure(key string) ([]time.Duration, bool) {
	return m.Timer(key)
}
