/*
Package script implements the compiler of the Lua filters.

A Lua filter is a script that defines the global run function, and
optionally the should_filter function, both called with the context of
the request:

	filter_type = "pre"
	filter_order = 10

	function should_filter(ctx)
		return ctx.request.header["Authorization"] ~= ""
	end

	function run(ctx)
		ctx.state_bag["user"] = ctx.request.header["X-User"]
	end

The optional globals filter_type, filter_order and filter_disabled
declare the phase, the order and the disabled flag of the filter. The
phase declaration is required only when the location of the script
doesn't define it.

Raising an error in run sends the request to the error phase.

The scripts are compiled once, and the compiled code is executed by a
pool of Lua states, because a Lua state cannot be used concurrently.
*/
package script

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cjoudrey/gluahttp"
	"github.com/cjoudrey/gluaurl"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	gjson "layeh.com/gopher-json"

	"github.com/allegro/zuul-go/filters"
	"github.com/allegro/zuul-go/loader"
	"github.com/allegro/zuul-go/script/base64"
)

// Extension of the Lua filter files.
const Extension = ".lua"

const (
	defaultPoolSize    = 16
	defaultHTTPTimeout = 3 * time.Second
)

var (
	ErrMissingRun  = errors.New("global function run not defined")
	ErrInvalidType = errors.New("invalid type of global")
)

// LuaOptions configure the compiler.
type LuaOptions struct {

	// Modules and module symbols enabled in the scripts, e.g.
	// "base", "string.lower" or "json". When empty, all the standard
	// and the additional modules are available.
	Modules []string

	// PoolSize is the maximum number of idle Lua states kept per
	// filter. Defaults to 16.
	PoolSize int

	// HTTPTimeout is the timeout of the client of the http module.
	// Defaults to 3s.
	HTTPTimeout time.Duration
}

// Compiler compiles the Lua sources into filters.
type Compiler struct {
	options  LuaOptions
	standard []luaModule
	preload  []luaModule
}

// NewCompiler creates a compiler with the options.
func NewCompiler(o LuaOptions) *Compiler {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}

	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}

	client := &http.Client{Timeout: o.HTTPTimeout}
	additional := []luaModule{
		{"base64", base64.Loader, nil},
		{"json", gjson.Loader, nil},
		{"url", gluaurl.Loader, nil},
		{"http", gluahttp.NewHttpModule(client).Loader, nil},
	}

	c := &Compiler{options: o}
	if len(o.Modules) == 0 {
		c.standard = standardModules
		c.preload = additional
		return c
	}

	config := moduleConfig(o.Modules)
	for _, m := range standardModules {
		if symbols, ok := config[m.configName()]; ok {
			if len(symbols) > 0 {
				m = m.withSymbols(symbols)
			}

			c.standard = append(c.standard, m)
		}
	}

	for _, m := range additional {
		if _, ok := config[m.name]; ok {
			c.preload = append(c.preload, m)
		}
	}

	return c
}

func (c *Compiler) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, m := range c.standard {
		m.load(L)
	}

	// preloading needs the package module
	if L.GetGlobal(lua.LoadLibName) == lua.LNil {
		return L
	}

	for _, m := range c.preload {
		m.preload(L)
	}

	return L
}

// instantiate creates a Lua state and executes the compiled chunk in it
// to define the globals.
func (c *Compiler) instantiate(proto *lua.FunctionProto) (*lua.LState, error) {
	L := c.newState()
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, err
	}

	L.SetTop(0)
	return L, nil
}

func optionalString(L *lua.LState, name string) (string, error) {
	switch v := L.GetGlobal(name).(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(v), nil
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrInvalidType, name, v.Type())
	}
}

func optionalInt(L *lua.LState, name string) (int, error) {
	switch v := L.GetGlobal(name).(type) {
	case *lua.LNilType:
		return 0, nil
	case lua.LNumber:
		return filters.IntArg(float64(v))
	default:
		return 0, fmt.Errorf("%w: %s is %s", ErrInvalidType, name, v.Type())
	}
}

func optionalBool(L *lua.LState, name string) (bool, error) {
	switch v := L.GetGlobal(name).(type) {
	case *lua.LNilType:
		return false, nil
	case lua.LBool:
		return bool(v), nil
	default:
		return false, fmt.Errorf("%w: %s is %s", ErrInvalidType, name, v.Type())
	}
}

func optionalFunction(L *lua.LState, name string) (bool, error) {
	switch v := L.GetGlobal(name).(type) {
	case *lua.LNilType:
		return false, nil
	case *lua.LFunction:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s is %s", ErrInvalidType, name, v.Type())
	}
}

// Compile parses and compiles the source, and executes it once to read
// the declarations of the filter.
func (c *Compiler) Compile(source []byte, md loader.Metadata) (filters.Filter, error) {
	chunk, err := parse.Parse(bytes.NewReader(source), md.Path)
	if err != nil {
		return nil, err
	}

	proto, err := lua.Compile(chunk, md.Path)
	if err != nil {
		return nil, err
	}

	L, err := c.instantiate(proto)
	if err != nil {
		return nil, err
	}

	f := &luaFilter{
		name:        md.Name,
		fingerprint: md.Fingerprint,
		source:      md.Path,
		pool:        newStatePool(c.options.PoolSize, func() (*lua.LState, error) { return c.instantiate(proto) }),
	}

	if err := f.declare(L, md); err != nil {
		L.Close()
		return nil, err
	}

	f.pool.put(L)
	return f, nil
}

func (f *luaFilter) declare(L *lua.LState, md loader.Metadata) error {
	declared, err := optionalString(L, "filter_type")
	if err != nil {
		return err
	}

	if f.phase, err = md.ResolvePhase(declared); err != nil {
		return err
	}

	if f.order, err = optionalInt(L, "filter_order"); err != nil {
		return err
	}

	if f.disabled, err = optionalBool(L, "filter_disabled"); err != nil {
		return err
	}

	if f.hasShouldFilter, err = optionalFunction(L, "should_filter"); err != nil {
		return err
	}

	hasRun, err := optionalFunction(L, "run")
	if err != nil {
		return err
	}

	if !hasRun {
		return ErrMissingRun
	}

	return nil
}

type luaFilter struct {
	name            string
	phase           filters.Phase
	order           int
	disabled        bool
	fingerprint     uint64
	source          string
	hasShouldFilter bool
	pool            *statePool
}

func (f *luaFilter) Name() string         { return f.name }
func (f *luaFilter) Phase() filters.Phase { return f.phase }
func (f *luaFilter) Order() int           { return f.order }
func (f *luaFilter) Disabled() bool       { return f.disabled }
func (f *luaFilter) Fingerprint() uint64  { return f.fingerprint }
func (f *luaFilter) Close()               { f.pool.close() }

func (f *luaFilter) call(name string, ctx filters.FilterContext) (lua.LValue, error) {
	L, err := f.pool.get()
	if err != nil {
		return lua.LNil, err
	}

	defer f.pool.put(L)

	L.SetContext(ctx.Context())
	defer L.RemoveContext()

	b := &binding{ctx: ctx}
	err = L.CallByParam(
		lua.P{
			Fn:      L.GetGlobal(name),
			NRet:    1,
			Protect: true,
		},
		b.table(L),
	)

	if b.err != nil {
		return lua.LNil, b.err
	}

	if err != nil {
		return lua.LNil, err
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// ShouldRun calls should_filter, when defined. Errors are logged, and
// the filter is skipped.
func (f *luaFilter) ShouldRun(ctx filters.FilterContext) bool {
	if !f.hasShouldFilter {
		return true
	}

	ret, err := f.call("should_filter", ctx)
	if err != nil {
		ctx.Logger().Errorf("Error calling should_filter from %s: %v", f.source, err)
		return false
	}

	return lua.LVAsBool(ret)
}

func (f *luaFilter) Run(ctx filters.FilterContext) error {
	_, err := f.call("run", ctx)
	return err
}

// statePool keeps the idle Lua states of a filter. New states are
// created on demand, and the states exceeding the pool size are closed
// when returned.
type statePool struct {
	mu     sync.Mutex
	states chan *lua.LState
	create func() (*lua.LState, error)
	closed bool
}

func newStatePool(size int, create func() (*lua.LState, error)) *statePool {
	return &statePool{
		states: make(chan *lua.LState, size),
		create: create,
	}
}

func (p *statePool) get() (*lua.LState, error) {
	select {
	case L := <-p.states:
		return L, nil
	default:
		return p.create()
	}
}

func (p *statePool) put(L *lua.LState) {
	L.SetTop(0)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		L.Close()
		return
	}

	select {
	case p.states <- L:
	default:
		L.Close()
	}
}

// close closes the idle states. The states in use are closed when they
// are returned.
func (p *statePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.closed = true
	for {
		select {
		case L := <-p.states:
			L.Close()
		default:
			return
		}
	}
}
