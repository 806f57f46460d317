package tracing

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics/prometheus"
)

const defServiceName = "zuul"

func missingArg(opt string) error {
	return fmt.Errorf("missing argument for %s option", opt)
}

func invalidArg(opt string, err error) error {
	return fmt.Errorf("invalid argument for %s option: %w", opt, err)
}

func parseSampler(v string, c *config.SamplerConfig) error {
	typ, param, hasParam := strings.Cut(v, ":")
	c.Type = typ
	switch typ {
	case "const":
		c.Param = 1
	case "probabilistic", "rateLimiting", "remote":
		if !hasParam {
			return missingArg("sampler-type")
		}

		p, err := strconv.ParseFloat(param, 64)
		if err != nil {
			return invalidArg("sampler-type", err)
		}

		c.Param = p
	default:
		return invalidArg("sampler-type", errors.New("invalid sampler type"))
	}

	return nil
}

// parseJaegerOptions parses the key=value options of the jaeger tracer.
func parseJaegerOptions(opts []string) (*config.Configuration, error) {
	c := &config.Configuration{
		ServiceName: defServiceName,
		Sampler:     &config.SamplerConfig{},
		Reporter:    &config.ReporterConfig{},
	}

	for _, o := range opts {
		k, v, hasValue := strings.Cut(o, "=")
		if !hasValue && k != "use-rpc-metrics" {
			return nil, missingArg(k)
		}

		switch k {
		case "service-name":
			c.ServiceName = v
		case "use-rpc-metrics":
			c.RPCMetrics = true
		case "sampler-type":
			if err := parseSampler(v, c.Sampler); err != nil {
				return nil, err
			}
		case "sampler-url":
			c.Sampler.SamplingServerURL = v
		case "reporter-queue":
			q, err := strconv.Atoi(v)
			if err != nil {
				return nil, invalidArg(k, err)
			}

			c.Reporter.QueueSize = q
		case "reporter-interval":
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, invalidArg(k, err)
			}

			c.Reporter.BufferFlushInterval = d
		case "local-agent":
			c.Reporter.LocalAgentHostPort = v
		case "tag":
			tk, tv, ok := strings.Cut(v, "=")
			if !ok {
				return nil, fmt.Errorf("missing value for tag %s", tk)
			}

			c.Tags = append(c.Tags, ot.Tag{Key: tk, Value: tv})
		default:
			return nil, fmt.Errorf("unknown jaeger option: %s", k)
		}
	}

	return c, nil
}

func newJaeger(opts []string) (ot.Tracer, io.Closer, error) {
	c, err := parseJaegerOptions(opts)
	if err != nil {
		return nil, nil, err
	}

	return c.NewTracer(config.Metrics(prometheus.New()))
}
