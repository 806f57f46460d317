package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/filters/filtertest"
	"github.com/allegro/zuul-go/loader"
)

func compile(t *testing.T, src string) filters.Filter {
	t.Helper()
	f, err := NewCompiler(LuaOptions{}).Compile([]byte(src), loader.Metadata{
		Path:        "test.lua",
		Name:        "test",
		Phase:       filters.Pre,
		Fingerprint: 42,
	})
	require.NoError(t, err)
	return f
}

func testContext(t *testing.T) *filtertest.Context {
	t.Helper()
	req, err := http.NewRequest("GET", "http://www.example.org/foo?bar=baz", nil)
	require.NoError(t, err)
	return filtertest.NewContext(req)
}

func TestCompile(t *testing.T) {
	for _, tt := range []struct {
		name    string
		src     string
		noPhase bool
		expErr  error
		ok      bool
	}{{
		name: "minimal",
		src:  `function run(ctx) end`,
		ok:   true,
	}, {
		name:   "missing run",
		src:    `print("some string")`,
		expErr: ErrMissingRun,
	}, {
		name: "syntax error",
		src:  `function run(ctx) print(ctx.request.method)`,
	}, {
		name: "runtime error in the chunk",
		src:  `error("init failed"); function run(ctx) end`,
	}, {
		name:   "conflicting phase",
		src:    `filter_type = "post"; function run(ctx) end`,
		expErr: loader.ErrPhaseConflict,
	}, {
		name:   "invalid phase",
		src:    `filter_type = "foo"; function run(ctx) end`,
		expErr: filters.ErrInvalidPhase,
	}, {
		name:    "missing phase",
		src:     `function run(ctx) end`,
		noPhase: true,
		expErr:  loader.ErrMissingPhase,
	}, {
		name:   "invalid order",
		src:    `filter_order = "first"; function run(ctx) end`,
		expErr: ErrInvalidType,
	}, {
		name:   "run is not a function",
		src:    `run = 42`,
		expErr: ErrInvalidType,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			phase := filters.Pre
			if tt.noPhase {
				phase = ""
			}

			_, err := NewCompiler(LuaOptions{}).Compile([]byte(tt.src), loader.Metadata{Path: "test.lua", Name: "test", Phase: phase})
			if tt.ok {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			if tt.expErr != nil {
				assert.True(t, errors.Is(err, tt.expErr), "unexpected error: %v", err)
			}
		})
	}
}

func TestDeclarations(t *testing.T) {
	f, err := NewCompiler(LuaOptions{}).Compile([]byte(`
		filter_type = "route"
		filter_order = 5
		filter_disabled = true
		function run(ctx) end
	`), loader.Metadata{Path: "routing.lua", Name: "routing", Fingerprint: 42})
	require.NoError(t, err)
	defer f.(filters.Closer).Close()

	assert.Equal(t, "routing", f.Name())
	assert.Equal(t, filters.Route, f.Phase())
	assert.Equal(t, 5, f.Order())
	assert.True(t, f.Disabled())
	assert.Equal(t, uint64(42), f.Fingerprint())
}

func TestShouldFilter(t *testing.T) {
	f := compile(t, `
		function should_filter(ctx)
			return ctx.request.header["Authorization"] ~= ""
		end

		function run(ctx) end
	`)

	ctx := testContext(t)
	assert.False(t, f.ShouldRun(ctx))

	ctx.FRequest.Header.Set("Authorization", "Bearer foo")
	assert.True(t, f.ShouldRun(ctx))

	assert.True(t, compile(t, `function run(ctx) end`).ShouldRun(ctx))
	assert.False(t, compile(t, `function should_filter(ctx) error("fail") end; function run(ctx) end`).ShouldRun(ctx))
}

func TestStateBag(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.state_bag["user"] = ctx.request.header["X-User"]
			ctx.state_bag["count"] = ctx.state_bag["count"] + 1
			ctx.state_bag["flag"] = true
			ctx.state_bag["list"] = {"a", "b"}
			ctx.state_bag["remove"] = nil
		end
	`)

	ctx := testContext(t)
	ctx.FRequest.Header.Set("X-User", "jdoe")
	ctx.FStateBag["count"] = 41
	ctx.FStateBag["remove"] = "me"
	require.NoError(t, f.Run(ctx))

	user, ok, err := filters.StateString(ctx, filters.UserKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "jdoe", user)

	count, _, err := filters.StateInt(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 42, count)

	flag, _, err := filters.StateBool(ctx, "flag")
	require.NoError(t, err)
	assert.True(t, flag)

	assert.Equal(t, []any{"a", "b"}, ctx.FStateBag["list"])
	assert.NotContains(t, ctx.FStateBag, "remove")
}

func TestRequest(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.state_bag["method"] = ctx.request.method
			ctx.state_bag["path"] = ctx.request.path
			ctx.state_bag["host"] = ctx.request.host
			ctx.state_bag["bar"] = ctx.request.query["bar"]
			ctx.request.header["User-Agent"] = "zuul.lua/1.0"
			ctx.request.header["X-Remove"] = nil
			ctx.request.query["qux"] = "quux"
			ctx.request.path = "/rewritten"
		end
	`)

	ctx := testContext(t)
	ctx.FRequest.Header.Set("X-Remove", "foo")
	require.NoError(t, f.Run(ctx))

	assert.Equal(t, "GET", ctx.FStateBag["method"])
	assert.Equal(t, "/foo", ctx.FStateBag["path"])
	assert.Equal(t, "www.example.org", ctx.FStateBag["host"])
	assert.Equal(t, "baz", ctx.FStateBag["bar"])
	assert.Equal(t, "zuul.lua/1.0", ctx.FRequest.Header.Get("User-Agent"))
	assert.Empty(t, ctx.FRequest.Header.Get("X-Remove"))
	assert.Equal(t, "/rewritten", ctx.FRequest.URL.Path)
	assert.Equal(t, "quux", ctx.FRequest.URL.Query().Get("qux"))
	assert.Equal(t, "baz", ctx.FRequest.URL.Query().Get("bar"))
}

func TestResponse(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.response.header["X-Baz"] = ctx.request.header["X-Foo"] .. ctx.response.header["X-Bar"]
			ctx.response.body = string.upper(ctx.response.body)
			ctx.response.status = 201
		end
	`)

	ctx := testContext(t)
	ctx.FRequest.Header.Set("X-Foo", "Foo")
	ctx.FResponse.Header.Set("X-Bar", "Bar")
	setBody(ctx.FResponse, "hello world")
	require.NoError(t, f.Run(ctx))

	assert.Equal(t, "FooBar", ctx.FResponse.Header.Get("X-Baz"))
	assert.Equal(t, 201, ctx.FResponse.StatusCode)

	body, err := io.ReadAll(ctx.FResponse.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(body))
	assert.Equal(t, int64(len(body)), ctx.FResponse.ContentLength)
}

func TestServe(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.serve(401, "unauthorized", {["WWW-Authenticate"] = "Basic"})
		end
	`)

	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))

	assert.True(t, ctx.ShortCircuited())
	assert.Equal(t, http.StatusUnauthorized, ctx.FResponse.StatusCode)
	assert.Equal(t, "Basic", ctx.FResponse.Header.Get("WWW-Authenticate"))

	body, err := io.ReadAll(ctx.FResponse.Body)
	require.NoError(t, err)
	assert.Equal(t, "unauthorized", string(body))
}

func TestInvalidStatus(t *testing.T) {
	for _, src := range []string{
		`function run(ctx) ctx.serve(0, "zero") end`,
		`function run(ctx) ctx.serve(1000) end`,
		`function run(ctx) ctx.response.status = 42 end`,
		`function run(ctx) ctx.response.status = 600 end`,
	} {
		ctx := testContext(t)
		err := compile(t, src).Run(ctx)
		require.Error(t, err, src)
		assert.Contains(t, err.Error(), "invalid status code", src)
		assert.False(t, ctx.ShortCircuited(), src)
		assert.Equal(t, http.StatusOK, ctx.FResponse.StatusCode, src)
	}
}

func TestShortCircuit(t *testing.T) {
	f := compile(t, `function run(ctx) ctx.response.status = 204; ctx.short_circuit() end`)
	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))
	assert.True(t, ctx.ShortCircuited())
	assert.Equal(t, http.StatusNoContent, ctx.FResponse.StatusCode)
}

func TestRoute(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.route("http://backend:9000/api", {
				retries = 2,
				backoff_ms = 10,
				timeout_ms = 100,
				retry_status = {503},
				preserve_host = true,
			})
		end
	`)

	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))

	d := ctx.Route()
	require.NotNil(t, d)
	assert.Equal(t, "http://backend:9000/api", d.Target.String())
	assert.Equal(t, 100*time.Millisecond, d.Timeout)
	assert.True(t, d.PreserveHost)
	require.NotNil(t, d.Retry)
	assert.Equal(t, 3, d.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, d.Retry.Backoff)
	assert.Equal(t, []int{503}, d.Retry.StatusCodes)

	err := compile(t, `function run(ctx) ctx.route("backend:9000") end`).Run(testContext(t))
	assert.Error(t, err)
}

type kindError filters.ErrorKind

func (e kindError) Error() string           { return string(e) }
func (e kindError) Kind() filters.ErrorKind { return filters.ErrorKind(e) }

func TestDispatch(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.route("http://backend:9000")
			ctx.dispatch()
			ctx.response.header["X-Dispatched"] = "true"
		end
	`)

	ctx := testContext(t)
	ctx.FDispatch = func(*filters.RouteDecision) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: http.NoBody}, nil
	}

	require.NoError(t, f.Run(ctx))
	assert.Equal(t, "true", ctx.FResponse.Header.Get("X-Dispatched"))

	ctx = testContext(t)
	ctx.FDispatch = func(*filters.RouteDecision) (*http.Response, error) {
		return nil, kindError(filters.KindConnectTimeout)
	}

	err := f.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, filters.KindConnectTimeout, filters.KindOf(err))
}

func TestErrorTable(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			if ctx.error then
				ctx.state_bag["kind"] = ctx.error.kind
				ctx.state_bag["filter"] = ctx.error.filter
				ctx.state_bag["status"] = ctx.error.status
			end
		end
	`)

	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))
	assert.NotContains(t, ctx.FStateBag, "kind")

	ctx.FFailure = &filters.Failure{Phase: filters.Route, Filter: "backend", Err: kindError(filters.KindConnectTimeout)}
	require.NoError(t, f.Run(ctx))
	assert.Equal(t, "connect-timeout", ctx.FStateBag["kind"])
	assert.Equal(t, "backend", ctx.FStateBag["filter"])
	assert.Equal(t, float64(http.StatusGatewayTimeout), ctx.FStateBag["status"])
}

func TestRunError(t *testing.T) {
	err := compile(t, `function run(ctx) error("boom") end`).Run(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRequestID(t *testing.T) {
	f := compile(t, `function run(ctx) ctx.response.header["X-Request-Id"] = ctx.request_id end`)
	ctx := testContext(t)
	ctx.FRequestID = "abc"
	require.NoError(t, f.Run(ctx))
	assert.Equal(t, "abc", ctx.FResponse.Header.Get("X-Request-Id"))
}

func TestCanceledContext(t *testing.T) {
	f := compile(t, `function run(ctx) while true do end end`)

	c, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ctx := testContext(t)
	ctx.FContext = c

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("script was not interrupted")
	}
}

func TestConcurrentRuns(t *testing.T) {
	f := compile(t, `
		function run(ctx)
			ctx.response.header["X-Echo"] = ctx.request.header["X-Echo"]
		end
	`)
	defer f.(filters.Closer).Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := testContext(t)
			ctx.FRequest.Header.Set("X-Echo", fmt.Sprint(i))
			if err := f.Run(ctx); err != nil {
				t.Error(err)
				return
			}

			if got := ctx.FResponse.Header.Get("X-Echo"); got != fmt.Sprint(i) {
				t.Errorf("expected %d, got %s", i, got)
			}
		}(i)
	}

	wg.Wait()
}

func TestRunAfterClose(t *testing.T) {
	f := compile(t, `function run(ctx) ctx.state_bag["ok"] = true end`)
	f.(filters.Closer).Close()

	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))
	assert.Equal(t, true, ctx.FStateBag["ok"])
}

func TestAdditionalModules(t *testing.T) {
	f := compile(t, `
		local json = require("json")
		local url = require("url")
		local base64 = require("base64")

		function run(ctx)
			ctx.state_bag["json"] = json.encode({a = 1})
			ctx.state_bag["host"] = url.parse("http://example.com/foo?bar=baz").host
			ctx.state_bag["base64"] = base64.encode_url("??>")
		end
	`)

	ctx := testContext(t)
	require.NoError(t, f.Run(ctx))
	assert.Equal(t, `{"a":1}`, ctx.FStateBag["json"])
	assert.Equal(t, "example.com", ctx.FStateBag["host"])
	assert.Equal(t, "Pz8-", ctx.FStateBag["base64"])
}

func TestDisabledModules(t *testing.T) {
	f, err := NewCompiler(LuaOptions{Modules: []string{"none"}}).Compile(
		[]byte(`function run(ctx) print("test") end`),
		loader.Metadata{Path: "test.lua", Name: "test", Phase: filters.Pre},
	)
	require.NoError(t, err)

	err = f.Run(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt to call a non-function object")
}
