package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	zuul "github.com/allegro/zuul-go"
	"github.com/allegro/zuul-go/circuit"
	"github.com/allegro/zuul-go/loader"
	"github.com/allegro/zuul-go/proxy"
	"github.com/allegro/zuul-go/proxylistener"
	"github.com/allegro/zuul-go/scheduler"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address                    string        `yaml:"address"`
	SupportListener            string        `yaml:"support-listener"`
	Insecure                   bool          `yaml:"insecure"`
	RequestTimeout             time.Duration `yaml:"request-timeout"`
	EnableBreakers             bool          `yaml:"enable-breakers"`
	Breakers                   breakerFlags  `yaml:"breaker"`
	WaitForHealthcheckInterval time.Duration `yaml:"wait-for-healthcheck-interval"`

	// proxy protocol:
	EnableProxyProtocol            bool          `yaml:"enable-proxy-protocol"`
	ProxyProtocolAllowList         *listFlag     `yaml:"proxy-protocol-allow-list"`
	ProxyProtocolSkipList          *listFlag     `yaml:"proxy-protocol-skip-list"`
	ProxyProtocolDenyList          *listFlag     `yaml:"proxy-protocol-deny-list"`
	ProxyProtocolReadHeaderTimeout time.Duration `yaml:"proxy-protocol-read-header-timeout"`

	// scheduler:
	Scheduler     *scheduler.Config           `yaml:"-"`
	SchedulerFlag *yamlFlag[scheduler.Config] `yaml:"scheduler"`

	// filters:
	PreFilters         *listFlag     `yaml:"pre-filters"`
	RouteFilters       *listFlag     `yaml:"route-filters"`
	PostFilters        *listFlag     `yaml:"post-filters"`
	ErrorFilters       *listFlag     `yaml:"error-filters"`
	FilterDirs         *listFlag     `yaml:"filter-dir"`
	PollInterval       time.Duration `yaml:"poll-interval"`
	CompileConcurrency int           `yaml:"compile-concurrency"`
	LuaModules         *listFlag     `yaml:"lua-modules"`
	LuaStatePoolSize   int           `yaml:"lua-state-pool-size"`

	// logging, metrics, tracing:
	MetricsFlavour               *listFlag `yaml:"metrics-flavour"`
	MetricsPrefix                string    `yaml:"metrics-prefix"`
	EnableRuntimeMetrics         bool      `yaml:"runtime-metrics"`
	EnableDebugGcMetrics         bool      `yaml:"debug-gc-metrics"`
	EnableBackendHostMetrics     bool      `yaml:"backend-host-metrics"`
	HistogramMetricBucketsString string    `yaml:"histogram-metric-buckets"`
	HistogramMetricBuckets       []float64 `yaml:"-"`
	OpenTracing                  string    `yaml:"opentracing"`
	ReportBufferSize             int       `yaml:"report-buffer-size"`
	ApplicationLogLevel          log.Level `yaml:"-"`
	ApplicationLogLevelString    string    `yaml:"application-log-level"`
	ApplicationLogPrefix         string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled    bool      `yaml:"application-log-json-enabled"`
	AccessLogDisabled            bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled         bool      `yaml:"access-log-json-enabled"`

	// connections, timeouts:
	ReadTimeoutServer            time.Duration `yaml:"read-timeout-server"`
	ReadHeaderTimeoutServer      time.Duration `yaml:"read-header-timeout-server"`
	WriteTimeoutServer           time.Duration `yaml:"write-timeout-server"`
	IdleTimeoutServer            time.Duration `yaml:"idle-timeout-server"`
	MaxHeaderBytes               int           `yaml:"max-header-bytes"`
	TimeoutBackend               time.Duration `yaml:"timeout-backend"`
	KeepaliveBackend             time.Duration `yaml:"keepalive-backend"`
	TlsHandshakeTimeoutBackend   time.Duration `yaml:"tls-timeout-backend"`
	ResponseHeaderTimeoutBackend time.Duration `yaml:"response-header-timeout-backend"`
	MaxIdleConnsBackend          int           `yaml:"max-idle-connection-backend"`
	IdleConnsPerHost             int           `yaml:"idle-conns-num"`
	CloseIdleConnsPeriod         time.Duration `yaml:"close-idle-conns-period"`
}

const (
	breakerUsage = `set per host or default circuit breakers, e.g. -breaker type=rate,host=www.example.org,window=300,failures=30
	possible breaker properties:
	type: consecutive/rate/disabled (defaults to consecutive)
	host: a host name that overrides the global for a host
	failures: the number of failures for consecutive or rate breakers
	window: the size of the sliding window for the rate breaker
	timeout: duration string or milliseconds while the breaker stays open
	half-open-requests: the number of requests in half-open state to succeed before getting closed again
	idle-ttl: duration string or milliseconds after the breaker is considered idle and reset
	(see also: https://pkg.go.dev/github.com/allegro/zuul-go/circuit)`

	schedulerUsage = `enables the admission queue of the requests, e.g. -scheduler="{max-concurrency: 100, max-queue-size: 1000, timeout: 3s}"`

	filterDirUsage = `directory of filters declaring their phase in the file name or in the source, can be repeated`
)

func NewConfig() *Config {
	cfg := new(Config)
	cfg.PreFilters = newListFlag()
	cfg.RouteFilters = newListFlag()
	cfg.PostFilters = newListFlag()
	cfg.ErrorFilters = newListFlag()
	cfg.FilterDirs = newListFlag()
	cfg.LuaModules = newListFlag()
	cfg.MetricsFlavour = newListFlag("codahale", "prometheus")
	cfg.SchedulerFlag = newYamlFlag(&cfg.Scheduler)
	cfg.ProxyProtocolAllowList = newListFlag()
	cfg.ProxyProtocolSkipList = newListFlag()
	cfg.ProxyProtocolDenyList = newListFlag()

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", zuul.DefaultAddress, "network address that zuul should listen on")
	flag.StringVar(&cfg.SupportListener, "support-listener", zuul.DefaultSupportListener, "network address used for exposing the /metrics, /filters, /breakers and /health endpoints. An empty value disables support endpoint.")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "flag indicating to ignore the verification of the TLS certificates of the backend services")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", proxy.DefaultRequestTimeout, "deadline of the requests, including the filters and the backend call")
	flag.BoolVar(&cfg.EnableBreakers, "enable-breakers", false, "enable the circuit breakers of the backend hosts")
	flag.Var(&cfg.Breakers, "breaker", breakerUsage)
	flag.Var(cfg.SchedulerFlag, "scheduler", schedulerUsage)
	flag.DurationVar(&cfg.WaitForHealthcheckInterval, "wait-for-healthcheck-interval", 0, "period waiting to become unhealthy in the loadbalancer pool in front of zuul, before shutting down")

	// proxy protocol:
	flag.BoolVar(&cfg.EnableProxyProtocol, "enable-proxy-protocol", false, "accept the PROXY protocol header on the proxy listener")
	flag.Var(cfg.ProxyProtocolAllowList, "proxy-protocol-allow-list", "comma separated list of the addresses and networks allowed to send the PROXY protocol header")
	flag.Var(cfg.ProxyProtocolSkipList, "proxy-protocol-skip-list", "comma separated list of the addresses and networks connecting without the PROXY protocol header")
	flag.Var(cfg.ProxyProtocolDenyList, "proxy-protocol-deny-list", "comma separated list of the addresses and networks whose connections are rejected")
	flag.DurationVar(&cfg.ProxyProtocolReadHeaderTimeout, "proxy-protocol-read-header-timeout", time.Second, "timeout of reading the PROXY protocol header")

	// filters:
	flag.Var(cfg.PreFilters, "pre-filters", "comma separated list of the directories of the pre filters")
	flag.Var(cfg.RouteFilters, "route-filters", "comma separated list of the directories of the route filters")
	flag.Var(cfg.PostFilters, "post-filters", "comma separated list of the directories of the post filters")
	flag.Var(cfg.ErrorFilters, "error-filters", "comma separated list of the directories of the error filters")
	flag.Var(cfg.FilterDirs, "filter-dir", filterDirUsage)
	flag.DurationVar(&cfg.PollInterval, "poll-interval", loader.DefaultPollInterval, "polling interval of the filter directories")
	flag.IntVar(&cfg.CompileConcurrency, "compile-concurrency", 0, "maximum number of filters compiled concurrently, defaults to GOMAXPROCS")
	flag.Var(cfg.LuaModules, "lua-modules", "comma separated list of Lua modules, e.g. base,json,string.lower. Defaults to all modules")
	flag.IntVar(&cfg.LuaStatePoolSize, "lua-state-pool-size", 0, "maximum number of idle Lua states kept per filter")

	// logging, metrics, tracing:
	flag.Var(cfg.MetricsFlavour, "metrics-flavour", "metrics flavour is used to change the exposed metrics format. Supported metric formats: 'codahale' and 'prometheus', you can select both of them")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "zuul.", "allows setting a custom path prefix for metrics export")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "runtime-metrics", true, "enables reporting of the Go runtime statistics exported in runtime and specifically runtime.MemStats")
	flag.BoolVar(&cfg.EnableDebugGcMetrics, "debug-gc-metrics", false, "enables reporting of the Go garbage collector statistics exported in debug.GCStats")
	flag.BoolVar(&cfg.EnableBackendHostMetrics, "backend-host-metrics", false, "enables reporting total serve time metrics for each backend")
	flag.StringVar(&cfg.HistogramMetricBucketsString, "histogram-metric-buckets", "", "use custom buckets for prometheus histograms, must be a comma-separated list of numbers")
	flag.StringVar(&cfg.OpenTracing, "opentracing", "noop", "list of arguments for opentracing (space separated), first argument is the tracer implementation: noop, basic or jaeger")
	flag.IntVar(&cfg.ReportBufferSize, "report-buffer-size", 0, "size of the buffer of the failure reports, the reports exceeding it are dropped")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")

	// connections, timeouts:
	flag.DurationVar(&cfg.ReadTimeoutServer, "read-timeout-server", 5*time.Minute, "set ReadTimeout for http server connections")
	flag.DurationVar(&cfg.ReadHeaderTimeoutServer, "read-header-timeout-server", 60*time.Second, "set ReadHeaderTimeout for http server connections")
	flag.DurationVar(&cfg.WriteTimeoutServer, "write-timeout-server", 60*time.Second, "set WriteTimeout for http server connections")
	flag.DurationVar(&cfg.IdleTimeoutServer, "idle-timeout-server", 60*time.Second, "set IdleTimeout for http server connections")
	flag.IntVar(&cfg.MaxHeaderBytes, "max-header-bytes", 1<<20, "set MaxHeaderBytes for http server connections")
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", 60*time.Second, "sets the TCP client connection timeout for backend connections")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", 30*time.Second, "sets the keepalive for backend connections")
	flag.DurationVar(&cfg.TlsHandshakeTimeoutBackend, "tls-timeout-backend", 60*time.Second, "sets the TLS handshake timeout for backend connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeoutBackend, "response-header-timeout-backend", 60*time.Second, "sets the HTTP response header timeout for backend connections")
	flag.IntVar(&cfg.MaxIdleConnsBackend, "max-idle-connection-backend", 0, "sets the maximum idle connections for all backend connections")
	flag.IntVar(&cfg.IdleConnsPerHost, "idle-conns-num", 64, "maximum idle connections per backend host")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", 20*time.Second, "sets the time interval of closing all idle connections. Not closing when 0")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	_, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}

	_, err = c.parseHistogramBuckets(c.HistogramMetricBucketsString, prometheus.DefBuckets)
	if err != nil {
		return err
	}

	if c.Scheduler != nil {
		if c.Scheduler.MaxConcurrency < 0 || c.Scheduler.MaxQueueSize < 0 || c.Scheduler.Timeout < 0 {
			return errors.New("invalid scheduler config: negative values are not allowed")
		}
	}

	for _, l := range []*listFlag{c.ProxyProtocolAllowList, c.ProxyProtocolSkipList, c.ProxyProtocolDenyList} {
		if _, err := proxylistener.ParseIPCIDRs(l.values); err != nil {
			return fmt.Errorf("invalid proxy protocol address list %q: %w", l, err)
		}
	}

	if c.RequestTimeout < 0 {
		return fmt.Errorf("invalid request timeout: %v", c.RequestTimeout)
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		// the flags take precedence over the config file, the
		// repeatable ones replace the values of the file
		c.Flags.Visit(func(f *flag.Flag) {
			if r, ok := f.Value.(interface{ reset() }); ok {
				r.reset()
			}
		})

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	c.HistogramMetricBuckets, _ = c.parseHistogramBuckets(c.HistogramMetricBucketsString, prometheus.DefBuckets)
	return nil
}

func (c *Config) ToOptions() zuul.Options {
	var breakers []circuit.BreakerSettings
	if c.EnableBreakers {
		breakers = c.Breakers
	}

	var openTracing []string
	if c.OpenTracing != "" {
		openTracing = strings.Fields(c.OpenTracing)
	}

	return zuul.Options{
		// generic:
		Address:                    c.Address,
		SupportListener:            c.SupportListener,
		InsecureBackends:           c.Insecure,
		RequestTimeout:             c.RequestTimeout,
		BreakerSettings:            breakers,
		Scheduler:                  c.Scheduler,
		WaitForHealthcheckInterval: c.WaitForHealthcheckInterval,

		// proxy protocol:
		EnableProxyProtocol:            c.EnableProxyProtocol,
		ProxyProtocolAllowList:         c.ProxyProtocolAllowList.values,
		ProxyProtocolSkipList:          c.ProxyProtocolSkipList.values,
		ProxyProtocolDenyList:          c.ProxyProtocolDenyList.values,
		ProxyProtocolReadHeaderTimeout: c.ProxyProtocolReadHeaderTimeout,

		// filters:
		PreFilters:         c.PreFilters.values,
		RouteFilters:       c.RouteFilters.values,
		PostFilters:        c.PostFilters.values,
		ErrorFilters:       c.ErrorFilters.values,
		FilterDirs:         c.FilterDirs.values,
		PollInterval:       c.PollInterval,
		CompileConcurrency: c.CompileConcurrency,
		LuaModules:         c.LuaModules.values,
		LuaStatePoolSize:   c.LuaStatePoolSize,

		// logging, metrics, tracing:
		MetricsFlavours:           c.MetricsFlavour.values,
		MetricsPrefix:             c.MetricsPrefix,
		EnableRuntimeMetrics:      c.EnableRuntimeMetrics,
		EnableDebugGcMetrics:      c.EnableDebugGcMetrics,
		EnableBackendHostMetrics:  c.EnableBackendHostMetrics,
		HistogramMetricBuckets:    c.HistogramMetricBuckets,
		OpenTracing:               openTracing,
		ReportBufferSize:          c.ReportBufferSize,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,

		// connections, timeouts:
		ReadTimeoutServer:            c.ReadTimeoutServer,
		ReadHeaderTimeoutServer:      c.ReadHeaderTimeoutServer,
		WriteTimeoutServer:           c.WriteTimeoutServer,
		IdleTimeoutServer:            c.IdleTimeoutServer,
		MaxHeaderBytes:               c.MaxHeaderBytes,
		TimeoutBackend:               c.TimeoutBackend,
		KeepAliveBackend:             c.KeepaliveBackend,
		TLSHandshakeTimeoutBackend:   c.TlsHandshakeTimeoutBackend,
		ResponseHeaderTimeoutBackend: c.ResponseHeaderTimeoutBackend,
		MaxIdleConnsBackend:          c.MaxIdleConnsBackend,
		IdleConnectionsPerHost:       c.IdleConnsPerHost,
		CloseIdleConnsPeriod:         c.CloseIdleConnsPeriod,
	}
}

func (c *Config) parseHistogramBuckets(bucketString string, defaultBuckets []float64) ([]float64, error) {
	if bucketString == "" {
		return defaultBuckets, nil
	}

	var result []float64
	thresholds := strings.Split(bucketString, ",")
	for _, v := range thresholds {
		bucket, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("unable to parse histogram-metric-buckets: %w", err)
		}
		result = append(result, bucket)
	}
	sort.Float64s(result)
	return result, nil
}
