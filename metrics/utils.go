package metrics

import (
	"strings"

	metrics "github.com/rcrowley/go-metrics"
)

// timerFactory returns the constructor of the timers registered by the
// CodaHale backend. The histograms sample uniformly unless the
// exponentially decaying reservoir is requested.
func timerFactory(expDecay bool) func() metrics.Timer {
	return func() metrics.Timer {
		var s metrics.Sample
		if expDecay {
			s = metrics.NewExpDecaySample(defaultExpDecayReservoirSize, defaultExpDecayAlpha)
		} else {
			s = metrics.NewUniformSample(defaultUniformReservoirSize)
		}

		return metrics.NewCustomTimer(metrics.NewHistogram(s), metrics.NewMeter())
	}
}

// dots would nest the backend host keys in graphite-like stores.
var hostKeyReplacer = strings.NewReplacer(".", "_", ":", "__")

func hostForKey(h string) string {
	return hostKeyReplacer.Replace(h)
}

var knownMethods = map[string]bool{
	"OPTIONS": true,
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"TRACE":   true,
	"CONNECT": true,
}

// measuredMethod keeps the cardinality of the serve keys bounded.
func measuredMethod(m string) string {
	if knownMethods[m] {
		return m
	}

	return "_unknownmethod_"
}
