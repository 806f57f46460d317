package zuul

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/loader"
	"github.com/allegro/zuul-go/metrics"
	"github.com/allegro/zuul-go/report"
	"github.com/allegro/zuul-go/scheduler"
)

const userKeyFilter = `
function should_filter(ctx)
	return ctx.request.path ~= "/health"
end

function run(ctx)
	local key = ctx.request.header["X-User-Key"]
	if key == "" then
		ctx.serve(401, "missing user key")
		return
	end

	ctx.request.header["X-User"] = key
end
`

const proxiedFilter = `
run:
  - setResponseHeader: ["X-Proxied", "true"]
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func routeFilter(backend string) string {
	return fmt.Sprintf("run:\n  - setRoute: [%q]\n", backend)
}

func newBackend(t *testing.T) *httptest.Server {
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-User", r.Header.Get("X-User"))
		w.Write([]byte("hello"))
	}))

	t.Cleanup(b.Close)
	return b
}

func newZuul(t *testing.T, o Options) *Zuul {
	t.Helper()
	z, err := New(o)
	require.NoError(t, err)
	t.Cleanup(z.Close)
	require.NoError(t, z.Loader().LoadAll())
	return z
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("GET", path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestProxy(t *testing.T) {
	backend := newBackend(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pre"), "user_key.lua", userKeyFilter)
	writeFile(t, filepath.Join(root, "route"), "backend.yaml", routeFilter(backend.URL))
	writeFile(t, filepath.Join(root, "post"), "proxied.yml", proxiedFilter)

	z := newZuul(t, Options{
		PreFilters:   []string{filepath.Join(root, "pre")},
		RouteFilters: []string{filepath.Join(root, "route")},
		PostFilters:  []string{filepath.Join(root, "post")},
	})

	w := get(t, z, "/", "X-User-Key", "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "alice", w.Header().Get("X-Backend-User"))
	assert.Equal(t, "true", w.Header().Get("X-Proxied"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = get(t, z, "/")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing user key", w.Body.String())
	assert.Empty(t, w.Header().Get("X-Proxied"))
}

func closedAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := l.Addr().String()
	l.Close()
	return "http://" + a
}

func TestPhaseFromFileName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pre_user_key.lua", userKeyFilter)
	writeFile(t, dir, "route_backend.yaml", routeFilter(closedAddress(t)))
	writeFile(t, dir, "error_fallback.lua", `
		function run(ctx)
			ctx.serve(503, "fallback: " .. ctx.error.kind)
		end
	`)

	z := newZuul(t, Options{FilterDirs: []string{dir}})
	snapshot := z.Store().Snapshot()
	assert.Equal(t, 3, snapshot.Len())
	_, ok := snapshot.Get(filters.Error, "fallback")
	assert.True(t, ok)

	w := get(t, z, "/")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(t, z, "/", "X-User-Key", "bob")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "fallback: "+string(filters.KindConnectFailure), w.Body.String())
}

func TestNoRoute(t *testing.T) {
	z := newZuul(t, Options{PreFilters: []string{t.TempDir()}})
	w := get(t, z, "/")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(filters.KindNoRoute), w.Header().Get(filters.ErrorKindHeader))
}

func TestReload(t *testing.T) {
	var events []report.Event
	dir := t.TempDir()
	writeFile(t, dir, "status.lua", `function run(ctx) ctx.serve(200, "v1") end`)

	z := newZuul(t, Options{
		PreFilters: []string{dir},
		Reporter:   report.Func(func(e report.Event) { events = append(events, e) }),
	})

	assert.Equal(t, "v1", get(t, z, "/").Body.String())

	writeFile(t, dir, "status.lua", `function run(ctx) ctx.serve(200, "v2") end`)
	require.NoError(t, z.Loader().LoadAll())
	assert.Equal(t, "v2", get(t, z, "/").Body.String())

	// the previous version stays active on compile errors
	writeFile(t, dir, "status.lua", `function run(ctx) ctx.serve(200, "v3")`)
	require.NoError(t, z.Loader().LoadAll())
	assert.Equal(t, "v2", get(t, z, "/").Body.String())

	require.NoError(t, os.Remove(filepath.Join(dir, "status.lua")))
	require.NoError(t, z.Loader().LoadAll())
	assert.Equal(t, 0, z.Store().Snapshot().Len())

	// the reports are delivered asynchronously
	z.reporter.Close()
	require.Len(t, events, 1)
	assert.Equal(t, report.CompileFailure, events[0].Type)
}

func TestSupportEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "proxied.yaml", proxiedFilter)
	z := newZuul(t, Options{PostFilters: []string{dir}})
	h := z.SupportHandler()

	w := get(t, h, "/filters")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Version uint64
		Filters []struct {
			Phase       string
			Name        string
			Order       int
			Disabled    bool
			Fingerprint string
		}
	}

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Filters, 1)
	assert.Equal(t, "post", list.Filters[0].Phase)
	assert.Equal(t, "proxied", list.Filters[0].Name)
	assert.Equal(t, fmt.Sprintf("%016x", loader.Fingerprint([]byte(proxiedFilter))), list.Filters[0].Fingerprint)
	assert.Equal(t, z.Store().Snapshot().Version(), list.Version)

	w = get(t, h, "/breakers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/scheduler").Code)
	get(t, z, "/")
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)

	z.shuttingDown.Store(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)
}

func TestScheduler(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.lua", `function run(ctx) ctx.serve(200, "ok") end`)
	z := newZuul(t, Options{
		PreFilters: []string{dir},
		Scheduler:  &scheduler.Config{MaxConcurrency: 2, MaxQueueSize: 4, Timeout: time.Second},
	})

	rsp := get(t, z, "/")
	assert.Equal(t, "ok", rsp.Body.String())

	w := get(t, z.SupportHandler(), "/scheduler")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ActiveRequests": 0, "QueuedRequests": 0}`, w.Body.String())
}

func TestMetricsKind(t *testing.T) {
	for _, tt := range []struct {
		flavours []string
		expected metrics.Kind
		err      bool
	}{
		{nil, metrics.CodaHaleKind, false},
		{[]string{"codahale"}, metrics.CodaHaleKind, false},
		{[]string{"prometheus"}, metrics.PrometheusKind, false},
		{[]string{"prometheus", "codahale"}, metrics.AllKind, false},
		{[]string{"statsd"}, metrics.UnknownKind, true},
	} {
		k, err := Options{MetricsFlavours: tt.flavours}.metricsKind()
		if tt.err {
			assert.Error(t, err, "%v", tt.flavours)
			continue
		}

		assert.NoError(t, err)
		assert.Equal(t, tt.expected, k, "%v", tt.flavours)
	}
}

func TestDefaultOptions(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultAddress, o.Address)
	assert.Equal(t, []string{DefaultPreFilters}, o.PreFilters)
	assert.Equal(t, []string{DefaultRouteFilters}, o.RouteFilters)
	assert.Equal(t, []string{DefaultPostFilters}, o.PostFilters)
	assert.Empty(t, o.ErrorFilters)

	o = Options{Address: ":9090", FilterDirs: []string{"/etc/zuul"}}.withDefaults()
	assert.Equal(t, ":9090", o.Address)
	assert.Empty(t, o.PreFilters)
	assert.Len(t, o.locations(), 1)
}

func TestInvalidTracer(t *testing.T) {
	_, err := New(Options{OpenTracing: []string{"zipkin"}})
	assert.Error(t, err)
}

func TestServerShutdown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.lua", `function run(ctx) ctx.serve(200, "ok") end`)

	const shutdownDelay = 200 * time.Millisecond
	z := newZuul(t, Options{
		PreFilters:                 []string{dir},
		WaitForHealthcheckInterval: shutdownDelay,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := "http://" + l.Addr().String()

	sigs := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- z.serve(l, sigs) }()

	rsp, err := http.Get(u)
	require.NoError(t, err)
	b, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))

	sigs <- syscall.SIGTERM

	// still serving while the health check reports unhealthy
	time.Sleep(shutdownDelay / 2)
	assert.True(t, z.shuttingDown.Load())
	rsp, err = http.Get(u)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("failed to shut down")
	}

	http.DefaultClient.CloseIdleConnections()
	_, err = http.Get(u)
	assert.Error(t, err)
}
