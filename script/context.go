package script

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/allegro/zuul-go/filters"
)

// binding exposes a filter context to a single call of a script as the
// ctx table.
type binding struct {
	ctx filters.FilterContext

	// err is set when a Go operation called from the script failed
	// with an error that needs to keep its kind, e.g. dispatching.
	err error
}

func (b *binding) proxyTable(L *lua.LState, get, set lua.LGFunction) *lua.LTable {
	t := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(get))
	if set != nil {
		mt.RawSetString("__newindex", L.NewFunction(set))
	}

	L.SetMetatable(t, mt)
	return t
}

func (b *binding) table(L *lua.LState) *lua.LTable {
	t := L.NewTable()

	req := b.proxyTable(L, b.getRequestValue, b.setRequestValue)
	req.RawSetString("header", b.proxyTable(L, b.getRequestHeader, b.setRequestHeader))
	req.RawSetString("query", b.proxyTable(L, b.getQueryParam, b.setQueryParam))
	t.RawSetString("request", req)

	rsp := b.proxyTable(L, b.getResponseValue, b.setResponseValue)
	rsp.RawSetString("header", b.proxyTable(L, b.getResponseHeader, b.setResponseHeader))
	t.RawSetString("response", rsp)

	t.RawSetString("state_bag", b.proxyTable(L, b.getStateBagValue, b.setStateBagValue))
	t.RawSetString("request_id", lua.LString(b.ctx.RequestID()))
	t.RawSetString("error", b.errorTable(L))

	L.SetFuncs(t, map[string]lua.LGFunction{
		"route":         b.route,
		"serve":         b.serve,
		"short_circuit": b.shortCircuit,
		"dispatch":      b.dispatch,
	})

	return t
}

func (b *binding) errorTable(L *lua.LState) lua.LValue {
	f := b.ctx.Failure()
	if f == nil {
		return lua.LNil
	}

	t := L.NewTable()
	t.RawSetString("kind", lua.LString(f.Kind()))
	t.RawSetString("phase", lua.LString(f.Phase))
	t.RawSetString("filter", lua.LString(f.Filter))
	t.RawSetString("status", lua.LNumber(f.StatusCode()))
	if f.Err != nil {
		t.RawSetString("message", lua.LString(f.Err.Error()))
	}

	return t
}

func (b *binding) getRequestValue(L *lua.LState) int {
	r := b.ctx.Request()
	var ret lua.LValue
	switch L.CheckString(2) {
	case "method":
		ret = lua.LString(r.Method)
	case "url":
		ret = lua.LString(r.URL.String())
	case "path":
		ret = lua.LString(r.URL.Path)
	case "raw_query":
		ret = lua.LString(r.URL.RawQuery)
	case "host":
		ret = lua.LString(r.Host)
	case "remote_addr":
		ret = lua.LString(r.RemoteAddr)
	case "content_length":
		ret = lua.LNumber(r.ContentLength)
	case "proto":
		ret = lua.LString(r.Proto)
	default:
		ret = lua.LNil
	}

	L.Push(ret)
	return 1
}

func (b *binding) setRequestValue(L *lua.LState) int {
	r := b.ctx.Request()
	key := L.CheckString(2)
	value := L.CheckString(3)
	switch key {
	case "method":
		r.Method = value
	case "url":
		u, err := url.Parse(value)
		if err != nil {
			L.RaiseError("invalid url: %v", err)
			return 0
		}

		r.URL = u
	case "path":
		r.URL.Path = value
		r.URL.RawPath = ""
	case "raw_query":
		r.URL.RawQuery = value
	case "host":
		r.Host = value
	default:
		L.RaiseError("unsupported request field: %s", key)
	}

	return 0
}

func getHeader(L *lua.LState, h http.Header) int {
	L.Push(lua.LString(h.Get(L.CheckString(2))))
	return 1
}

func setHeader(L *lua.LState, h http.Header) int {
	name := L.CheckString(2)
	switch v := L.Get(3).(type) {
	case *lua.LNilType:
		h.Del(name)
	case lua.LString:
		if v == "" {
			h.Del(name)
		} else {
			h.Set(name, string(v))
		}
	default:
		h.Set(name, L.ToStringMeta(v).String())
	}

	return 0
}

func (b *binding) getRequestHeader(L *lua.LState) int {
	return getHeader(L, b.ctx.Request().Header)
}

func (b *binding) setRequestHeader(L *lua.LState) int {
	return setHeader(L, b.ctx.Request().Header)
}

func (b *binding) getQueryParam(L *lua.LState) int {
	L.Push(lua.LString(b.ctx.Request().URL.Query().Get(L.CheckString(2))))
	return 1
}

func (b *binding) setQueryParam(L *lua.LState) int {
	u := b.ctx.Request().URL
	q := u.Query()
	name := L.CheckString(2)
	if v := L.Get(3); v == lua.LNil {
		q.Del(name)
	} else {
		q.Set(name, L.ToStringMeta(v).String())
	}

	u.RawQuery = q.Encode()
	return 0
}

func (b *binding) getResponseHeader(L *lua.LState) int {
	return getHeader(L, b.ctx.Response().Header)
}

func (b *binding) setResponseHeader(L *lua.LState) int {
	return setHeader(L, b.ctx.Response().Header)
}

// readBody reads the staged response body, and stages it again so that
// it can be read more than once.
func readBody(rsp *http.Response) ([]byte, error) {
	if rsp.Body == nil || rsp.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	rsp.Body = io.NopCloser(bytes.NewReader(body))
	return body, err
}

func setBody(rsp *http.Response, body string) {
	if rsp.Body != nil {
		rsp.Body.Close()
	}

	rsp.Body = io.NopCloser(strings.NewReader(body))
	rsp.ContentLength = int64(len(body))
	rsp.Header.Del("Content-Length")
}

func (b *binding) getResponseValue(L *lua.LState) int {
	rsp := b.ctx.Response()
	switch L.CheckString(2) {
	case "status":
		L.Push(lua.LNumber(rsp.StatusCode))
	case "body":
		body, err := readBody(rsp)
		if err != nil {
			L.RaiseError("failed to read the response body: %v", err)
			return 0
		}

		L.Push(lua.LString(body))
	default:
		L.Push(lua.LNil)
	}

	return 1
}

func (b *binding) setResponseValue(L *lua.LState) int {
	rsp := b.ctx.Response()
	switch key := L.CheckString(2); key {
	case "status":
		rsp.StatusCode = checkStatus(L, 3)
		rsp.Status = ""
	case "body":
		setBody(rsp, L.CheckString(3))
	default:
		L.RaiseError("unsupported response field: %s", key)
	}

	return 0
}

func (b *binding) getStateBagValue(L *lua.LState) int {
	L.Push(toLua(L, b.ctx.StateBag()[L.CheckString(2)]))
	return 1
}

func (b *binding) setStateBagValue(L *lua.LState) int {
	key := L.CheckString(2)
	if v := L.Get(3); v == lua.LNil {
		delete(b.ctx.StateBag(), key)
	} else {
		b.ctx.StateBag()[key] = toGo(v)
	}

	return 0
}

func milliseconds(t *lua.LTable, key string) time.Duration {
	if n, ok := t.RawGetString(key).(lua.LNumber); ok {
		return time.Duration(float64(n) * float64(time.Millisecond))
	}

	return 0
}

// route sets the routing decision: ctx.route(url, options). The
// options are retries, backoff_ms, timeout_ms, retry_status and
// preserve_host.
func (b *binding) route(L *lua.LState) int {
	d, err := filters.NewRouteDecision(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}

	if o := L.OptTable(2, nil); o != nil {
		d.Timeout = milliseconds(o, "timeout_ms")
		d.PreserveHost = lua.LVAsBool(o.RawGetString("preserve_host"))
		if retries, ok := o.RawGetString("retries").(lua.LNumber); ok && retries > 0 {
			d.Retry = &filters.RetryPolicy{
				MaxAttempts: int(retries) + 1,
				Backoff:     milliseconds(o, "backoff_ms"),
			}

			if codes, ok := o.RawGetString("retry_status").(*lua.LTable); ok {
				codes.ForEach(func(_, v lua.LValue) {
					if n, ok := v.(lua.LNumber); ok {
						d.Retry.StatusCodes = append(d.Retry.StatusCodes, int(n))
					}
				})
			}
		}
	}

	b.ctx.SetRoute(d)
	return 0
}

func checkStatus(L *lua.LState, n int) int {
	code := L.CheckInt(n)
	if code < 100 || code > 599 {
		L.ArgError(n, fmt.Sprintf("invalid status code: %d", code))
	}

	return code
}

// serve stages a response and short-circuits: ctx.serve(status, body,
// headers).
func (b *binding) serve(L *lua.LState) int {
	status := checkStatus(L, 1)
	body := L.OptString(2, "")
	rsp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Request:    b.ctx.Request(),
	}

	if h := L.OptTable(3, nil); h != nil {
		h.ForEach(func(k, v lua.LValue) {
			rsp.Header.Set(k.String(), v.String())
		})
	}

	setBody(rsp, body)
	b.ctx.Serve(rsp)
	return 0
}

func (b *binding) shortCircuit(L *lua.LState) int {
	b.ctx.ShortCircuit()
	return 0
}

// dispatch calls the backend with the current routing decision. A
// failure fails the filter keeping the error kind.
func (b *binding) dispatch(L *lua.LState) int {
	if err := b.ctx.Dispatch(); err != nil {
		b.err = err
		L.RaiseError("%v", err)
	}

	return 0
}

func toGo(v lua.LValue) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			a := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				a = append(a, toGo(v.RawGetInt(i)))
			}

			return a
		}

		m := make(map[string]any)
		v.ForEach(func(k, e lua.LValue) {
			m[k.String()] = toGo(e)
		})

		return m
	default:
		return v.String()
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case time.Time:
		return lua.LString(v.Format(time.RFC3339Nano))
	case []string:
		t := L.CreateTable(len(v), 0)
		for _, s := range v {
			t.Append(lua.LString(s))
		}

		return t
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, e := range v {
			t.Append(toLua(L, e))
		}

		return t
	case map[string]string:
		t := L.CreateTable(0, len(v))
		for k, e := range v {
			t.RawSetString(k, lua.LString(e))
		}

		return t
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}

		sort.Strings(keys)
		t := L.CreateTable(0, len(v))
		for _, k := range keys {
			t.RawSetString(k, toLua(L, v[k]))
		}

		return t
	case fmt.Stringer:
		return lua.LString(v.String())
	default:
		return lua.LString(fmt.Sprint(v))
	}
}
