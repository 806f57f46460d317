package tracing

import (
	"fmt"
	"strconv"
	"strings"

	basic "github.com/opentracing/basictracer-go"
	ot "github.com/opentracing/opentracing-go"

	"github.com/allegro/zuul-go/logging"
)

// logRecorder writes the finished spans to the debug log.
type logRecorder struct {
	log logging.Logger
}

func (r logRecorder) RecordSpan(s basic.RawSpan) {
	r.log.Debugf(
		"span: trace=%x span=%x parent=%x operation=%s duration=%v tags=%v",
		s.Context.TraceID,
		s.Context.SpanID,
		s.ParentSpanID,
		s.Operation,
		s.Duration,
		s.Tags,
	)
}

// newBasic creates a tracer that logs the sampled spans. Options:
// sample-modulo=N and max-logs-per-span=N.
func newBasic(opts []string, log logging.Logger) (ot.Tracer, error) {
	o := basic.DefaultOptions()
	o.Recorder = logRecorder{log: log}

	var (
		sampleModulo uint64 = 1
		err          error
	)

	for _, opt := range opts {
		k, v, _ := strings.Cut(opt, "=")
		switch k {
		case "sample-modulo":
			sampleModulo, err = strconv.ParseUint(v, 10, 64)
			if err != nil || sampleModulo == 0 {
				return nil, invalidArg(k, fmt.Errorf("%q", v))
			}
		case "max-logs-per-span":
			o.MaxLogsPerSpan, err = strconv.Atoi(v)
			if err != nil {
				return nil, invalidArg(k, err)
			}
		case "drop-all-logs":
			o.DropAllLogs = true
		default:
			return nil, fmt.Errorf("unknown basic tracer option: %s", k)
		}
	}

	o.ShouldSample = func(traceID uint64) bool { return traceID%sampleModulo == 0 }
	return basic.NewWithOptions(o), nil
}
