package metricstest

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/allegro/zuul-go/metrics"
)

var _ metrics.Metrics = &MockMetrics{}

func TestMockMetrics(t *testing.T) {
	m := &MockMetrics{}

	t.Run("test-measure-since", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			key := "test-measure-since"
			start := time.Now()
			time.Sleep(2 * time.Second)
			m.MeasureSince(key, start)

			if a, ok := m.Measure(key); !ok {
				t.Fatalf("Failed to find measure %q", key)
			} else if len(a) != 1 || a[0] != 2*time.Second {
				t.Fatalf("Failed to have one measurement of 2s, got: %v", a)
			}
		})
	})

	t.Run("test-inc-counter", func(t *testing.T) {
		key := "test-inc-counter"
		m.IncCounter(key)
		if i, ok := m.Counter(key); !ok || i != 1 {
			t.Fatalf("Failed to get the right value after inc: %d", i)
		}

		m.IncCounterBy(key, 2)
		if i, ok := m.Counter(key); !ok || i != 3 {
			t.Fatalf("Failed to get the right value after inc: %d", i)
		}
	})

	t.Run("test-error-kind", func(t *testing.T) {
		m.IncErrorKind("no-route")
		m.IncErrorKind("no-route")
		if i, _ := m.Counter("errors.no-route"); i != 2 {
			t.Fatalf("Failed to count error kinds, got: %d", i)
		}
	})

	t.Run("test-filter", func(t *testing.T) {
		m.MeasureFilter("pre", "auth", time.Now())
		if _, ok := m.Timer("filter.pre.auth"); !ok {
			t.Fatal("Failed to measure filter")
		}
	})

	t.Run("test-update-gauge", func(t *testing.T) {
		key := "test-update-gauge"
		m.UpdateGauge(key, 5)
		m.UpdateGauge(key, 7)
		if v, ok := m.Gauge(key); !ok || v != 7 {
			t.Fatalf("Failed to get the right gauge value: %v", v)
		}
	})
}
