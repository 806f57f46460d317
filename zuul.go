package zuul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/allegro/zuul-go/circuit"
	"github.com/allegro/zuul-go/dispatch"
	"github.com/allegro/zuul-go/filterfile"
	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filters/builtin"
	"github.com/allegro/zuul-go/filterstore"
	"github.com/allegro/zuul-go/loader"
	"github.com/allegro/zuul-go/logging"
	"github.com/allegro/zuul-go/metrics"
	"github.com/allegro/zuul-go/proxy"
	"github.com/allegro/zuul-go/proxylistener"
	"github.com/allegro/zuul-go/report"
	"github.com/allegro/zuul-go/scheduler"
	"github.com/allegro/zuul-go/script"
	"github.com/allegro/zuul-go/tracing"
)

const (
	DefaultAddress         = "localhost:8080"
	DefaultSupportListener = ":9911"
	DefaultPreFilters      = "filters/pre"
	DefaultRouteFilters    = "filters/route"
	DefaultPostFilters     = "filters/post"
)

// Options to start zuul with.
type Options struct {

	// Network address that the proxy listens on.
	Address string

	// Network address of the support endpoints: /metrics, /filters,
	// /breakers and /health. When empty, the support listener is not
	// started.
	SupportListener string

	// Directories of the pre, route, post and error filters. The
	// files in these directories belong to the phase of the
	// directory.
	PreFilters   []string
	RouteFilters []string
	PostFilters  []string
	ErrorFilters []string

	// Directories of filters that declare their phase, either by the
	// <phase>_<name>.<ext> file name, or in the source.
	FilterDirs []string

	// PollInterval of the filter directories. Defaults to 5s.
	PollInterval time.Duration

	// CompileConcurrency limits the concurrent compilations in one
	// loader cycle. Defaults to GOMAXPROCS.
	CompileConcurrency int

	// LuaModules enabled in the Lua filters, e.g. "base", "json" or
	// "string.lower". When empty, all modules are enabled.
	LuaModules []string

	// LuaStatePoolSize is the number of idle Lua states kept per
	// filter.
	LuaStatePoolSize int

	// CustomFilters are registered in addition to the built-in
	// filters of the YAML definitions.
	CustomFilters []filters.Spec

	// CustomCompilers by file extension, including the dot. They
	// replace the default compilers for the same extension.
	CustomCompilers map[string]loader.Compiler

	// RequestTimeout is the deadline of a request, including the
	// filters and the backend call.
	RequestTimeout time.Duration

	// Timeouts of the server.
	ReadTimeoutServer       time.Duration
	ReadHeaderTimeoutServer time.Duration
	WriteTimeoutServer      time.Duration
	IdleTimeoutServer       time.Duration
	MaxHeaderBytes          int

	// Backend connection settings.
	TimeoutBackend               time.Duration
	KeepAliveBackend             time.Duration
	TLSHandshakeTimeoutBackend   time.Duration
	ResponseHeaderTimeoutBackend time.Duration
	MaxIdleConnsBackend          int
	IdleConnectionsPerHost       int
	CloseIdleConnsPeriod         time.Duration
	InsecureBackends             bool

	// BreakerSettings of the backend hosts. Settings without a host
	// are the defaults.
	BreakerSettings []circuit.BreakerSettings

	// Scheduler, when set, enables the admission queue of the
	// requests.
	Scheduler *scheduler.Config

	// MetricsFlavours: codahale, prometheus or both.
	MetricsFlavours []string

	// MetricsPrefix of the keys.
	MetricsPrefix string

	EnableRuntimeMetrics     bool
	EnableDebugGcMetrics     bool
	EnableBackendHostMetrics bool

	// HistogramMetricBuckets of the Prometheus histograms.
	HistogramMetricBuckets []float64

	// OpenTracing selects the tracer and its options, e.g.
	// []string{"jaeger", "service-name=zuul"}. Defaults to noop.
	OpenTracing []string

	// Reporter receives the failures in addition to the metrics and
	// the log. It is called asynchronously.
	Reporter report.Reporter

	// ReportBufferSize of the asynchronous reporter.
	ReportBufferSize int

	// Logging.
	ApplicationLogLevel       log.Level
	ApplicationLogPrefix      string
	ApplicationLogOutput      io.Writer
	ApplicationLogJSONEnabled bool
	AccessLogDisabled         bool
	AccessLogOutput           io.Writer
	AccessLogJSONEnabled      bool

	// EnableProxyProtocol accepts the PROXY protocol header from the
	// upstreams in ProxyProtocolAllowList. The upstreams in
	// ProxyProtocolSkipList connect without the header, and the
	// connections from any other upstream are rejected.
	EnableProxyProtocol            bool
	ProxyProtocolAllowList         []string
	ProxyProtocolSkipList          []string
	ProxyProtocolDenyList          []string
	ProxyProtocolReadHeaderTimeout time.Duration

	// WaitForHealthcheckInterval is the time between receiving
	// SIGTERM and shutting down the listener, while /health reports
	// unhealthy.
	WaitForHealthcheckInterval time.Duration
}

// Zuul holds the components created from the options.
type Zuul struct {
	options      Options
	store        *filterstore.Store
	loader       *loader.Loader
	dispatcher   *dispatch.Dispatcher
	breakers     *circuit.Registry
	scheduler    *scheduler.Queue
	proxy        *proxy.Proxy
	reporter     *report.Async
	metrics      metrics.Metrics
	tracer       ot.Tracer
	tracerCloser io.Closer
	log          logging.Logger
	shuttingDown atomic.Bool
}

func (o Options) locations() []loader.Location {
	var l []loader.Location
	add := func(dirs []string, p filters.Phase) {
		for _, d := range dirs {
			l = append(l, loader.Location{Dir: d, Phase: p})
		}
	}

	add(o.PreFilters, filters.Pre)
	add(o.RouteFilters, filters.Route)
	add(o.PostFilters, filters.Post)
	add(o.ErrorFilters, filters.Error)
	add(o.FilterDirs, "")
	return l
}

// withDefaults returns the options with the default address, and with
// the default filter directories when none is configured.
func (o Options) withDefaults() Options {
	if o.Address == "" {
		o.Address = DefaultAddress
	}

	if len(o.locations()) == 0 {
		o.PreFilters = []string{DefaultPreFilters}
		o.RouteFilters = []string{DefaultRouteFilters}
		o.PostFilters = []string{DefaultPostFilters}
	}

	return o
}

func (o Options) metricsKind() (metrics.Kind, error) {
	var codahale, prometheus bool
	for _, f := range o.MetricsFlavours {
		k, err := metrics.ParseMetricsKind(f)
		if err != nil {
			return metrics.UnknownKind, err
		}

		switch k {
		case metrics.CodaHaleKind:
			codahale = true
		case metrics.PrometheusKind:
			prometheus = true
		case metrics.AllKind:
			codahale, prometheus = true, true
		}
	}

	switch {
	case codahale && prometheus:
		return metrics.AllKind, nil
	case prometheus:
		return metrics.PrometheusKind, nil
	default:
		return metrics.CodaHaleKind, nil
	}
}

func (o Options) compilers(registry filters.Registry) map[string]loader.Compiler {
	lua := script.NewCompiler(script.LuaOptions{
		Modules:  o.LuaModules,
		PoolSize: o.LuaStatePoolSize,
	})

	definitions := filterfile.NewCompiler(registry)
	c := map[string]loader.Compiler{
		".lua":  lua,
		".yaml": definitions,
		".yml":  definitions,
	}

	for ext, cc := range o.CustomCompilers {
		c[ext] = cc
	}

	return c
}

// New creates the components, without loading the filters or starting
// any listener.
func New(o Options) (*Zuul, error) {
	kind, err := o.metricsKind()
	if err != nil {
		return nil, err
	}

	m := metrics.NewDefault(metrics.Options{
		Format:                   kind,
		Prefix:                   o.MetricsPrefix,
		EnableRuntimeMetrics:     o.EnableRuntimeMetrics,
		EnableDebugGcMetrics:     o.EnableDebugGcMetrics,
		EnableBackendHostMetrics: o.EnableBackendHostMetrics,
		HistogramBuckets:         o.HistogramMetricBuckets,
	})

	l := logging.New()
	tracer, tracerCloser, err := tracing.New(o.OpenTracing, l)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize the tracer: %w", err)
	}

	reporters := report.Multi{report.NewLog(l), report.NewMetrics(m)}
	if o.Reporter != nil {
		reporters = append(reporters, o.Reporter)
	}

	reporter := report.NewAsync(reporters, o.ReportBufferSize)

	registry := builtin.MakeRegistry()
	for _, s := range o.CustomFilters {
		registry.Register(s)
	}

	store := filterstore.New()
	ld := loader.New(loader.Options{
		Locations:      o.locations(),
		Compilers:      o.compilers(registry),
		Store:          store,
		PollInterval:   o.PollInterval,
		MaxConcurrency: o.CompileConcurrency,
		Reporter:       reporter,
		Metrics:        m,
		Log:            l,
	})

	var breakers *circuit.Registry
	if len(o.BreakerSettings) > 0 {
		breakers = circuit.NewRegistry(l, o.BreakerSettings...)
	}

	d := dispatch.New(dispatch.Options{
		DialTimeout:            o.TimeoutBackend,
		KeepAlive:              o.KeepAliveBackend,
		TLSHandshakeTimeout:    o.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:  o.ResponseHeaderTimeoutBackend,
		MaxIdleConns:           o.MaxIdleConnsBackend,
		IdleConnectionsPerHost: o.IdleConnectionsPerHost,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
		Insecure:               o.InsecureBackends,
		Breakers:               breakers,
		Metrics:                m,
		Tracer:                 tracer,
		Log:                    l,
	})

	var q *scheduler.Queue
	if o.Scheduler != nil {
		q = scheduler.New(*o.Scheduler, scheduler.Options{Metrics: m})
	}

	px := proxy.New(proxy.Params{
		Store:             store,
		Dispatcher:        d,
		Scheduler:         q,
		RequestTimeout:    o.RequestTimeout,
		Metrics:           m,
		Reporter:          reporter,
		Tracer:            tracer,
		Log:               l,
		AccessLogDisabled: o.AccessLogDisabled,
	})

	return &Zuul{
		options:      o,
		store:        store,
		loader:       ld,
		dispatcher:   d,
		breakers:     breakers,
		scheduler:    q,
		proxy:        px,
		reporter:     reporter,
		metrics:      m,
		tracer:       tracer,
		tracerCloser: tracerCloser,
		log:          l,
	}, nil
}

// Store returns the store of the active filters.
func (z *Zuul) Store() *filterstore.Store { return z.store }

// Loader returns the filter loader.
func (z *Zuul) Loader() *loader.Loader { return z.loader }

// ServeHTTP executes the filters for the request.
func (z *Zuul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	z.proxy.ServeHTTP(w, r)
}

type filterInfo struct {
	Phase       filters.Phase `json:"phase"`
	Name        string        `json:"name"`
	Order       int           `json:"order"`
	Disabled    bool          `json:"disabled"`
	Fingerprint string        `json:"fingerprint"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to write the response: %v", err)
	}
}

func (z *Zuul) serveFilters(w http.ResponseWriter, _ *http.Request) {
	snapshot := z.store.Snapshot()
	all := snapshot.All()
	list := make([]filterInfo, 0, len(all))
	for _, f := range all {
		list = append(list, filterInfo{
			Phase:       f.Phase(),
			Name:        f.Name(),
			Order:       f.Order(),
			Disabled:    f.Disabled(),
			Fingerprint: fmt.Sprintf("%016x", f.Fingerprint()),
		})
	}

	writeJSON(w, struct {
		Version uint64       `json:"version"`
		Filters []filterInfo `json:"filters"`
	}{snapshot.Version(), list})
}

func (z *Zuul) serveBreakers(w http.ResponseWriter, _ *http.Request) {
	states := []circuit.HostState{}
	if z.breakers != nil {
		states = z.breakers.States()
	}

	writeJSON(w, states)
}

func (z *Zuul) serveScheduler(w http.ResponseWriter, r *http.Request) {
	if z.scheduler == nil {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, z.scheduler.Status())
}

func (z *Zuul) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if z.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// SupportHandler returns the handler of the support endpoints.
func (z *Zuul) SupportHandler() http.Handler {
	mux := http.NewServeMux()
	z.metrics.RegisterHandler("/metrics", mux)
	mux.HandleFunc("/filters", z.serveFilters)
	mux.HandleFunc("/breakers", z.serveBreakers)
	mux.HandleFunc("/scheduler", z.serveScheduler)
	mux.HandleFunc("/health", z.serveHealth)
	return mux
}

// Close stops the loader, and releases the resources of the
// components.
func (z *Zuul) Close() {
	z.loader.Close()
	z.dispatcher.Close()
	if z.scheduler != nil {
		z.scheduler.Close()
	}

	z.reporter.Close()
	if err := z.tracerCloser.Close(); err != nil {
		z.log.Errorf("Failed to close the tracer: %v", err)
	}
}

func newShutdownFunc(z *Zuul, servers ...*http.Server) func(delay time.Duration) {
	once := &sync.Once{}
	return func(delay time.Duration) {
		once.Do(func() {
			z.shuttingDown.Store(true)
			log.Infof("shutting down the server in %s...", delay)
			time.Sleep(delay)
			for _, s := range servers {
				if err := s.Shutdown(context.Background()); err != nil {
					log.Error("unable to shut down the server: ", err)
				}
			}

			log.Info("server shut down")
		})
	}
}

func (z *Zuul) serve(l net.Listener, sigs <-chan os.Signal) error {
	o := z.options
	server := &http.Server{
		Handler:           z,
		ReadTimeout:       o.ReadTimeoutServer,
		ReadHeaderTimeout: o.ReadHeaderTimeoutServer,
		WriteTimeout:      o.WriteTimeoutServer,
		IdleTimeout:       o.IdleTimeoutServer,
		MaxHeaderBytes:    o.MaxHeaderBytes,
	}

	servers := []*http.Server{server}
	var support *http.Server
	if o.SupportListener != "" {
		support = &http.Server{Addr: o.SupportListener, Handler: z.SupportHandler()}
		servers = append(servers, support)
	}

	shutdown := newShutdownFunc(z, servers...)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			shutdown(o.WaitForHealthcheckInterval)
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	if support != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("support listener on %v", support.Addr)
			if err := support.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Failed to start the support listener: %v", err)
			}
		}()
	}

	log.Infof("proxy listener on %v", l.Addr())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	} else {
		shutdown(0)
	}

	wg.Wait()
	return err
}

// Run loads the filters, starts the proxy and the support listener, and
// blocks until SIGTERM or a listener failure. After SIGTERM, it waits
// WaitForHealthcheckInterval before shutting down the listeners.
func Run(o Options) error {
	logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogOutput:      o.ApplicationLogOutput,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogOutput:           o.AccessLogOutput,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	})

	o = o.withDefaults()
	z, err := New(o)
	if err != nil {
		return err
	}

	defer z.Close()

	// the first cycle is synchronous, so that the proxy starts with
	// the filters available
	if err := z.loader.LoadAll(); err != nil {
		return err
	}

	z.loader.Start()

	l, err := net.Listen("tcp", o.Address)
	if err != nil {
		return err
	}

	if o.EnableProxyProtocol {
		pl, err := proxylistener.New(proxylistener.Options{
			Listener:          l,
			ReadHeaderTimeout: o.ProxyProtocolReadHeaderTimeout,
			AllowListCIDRs:    o.ProxyProtocolAllowList,
			SkipListCIDRs:     o.ProxyProtocolSkipList,
			DenyListCIDRs:     o.ProxyProtocolDenyList,
			Log:               z.log,
		})
		if err != nil {
			l.Close()
			return err
		}

		l = pl
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)
	return z.serve(l, sigs)
}
