// Package lua runs page modules written in Lua. Module source is fetched from
// the dev server and evaluated on a single interpreter goroutine, which plays
// the part of the page's event loop: module bodies and every hot callback run
// there one at a time.
package lua

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/esm-hmr/internal/hot"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("lua runtime closed")

// workItem is a unit of work for the executor.
type workItem struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// executorKey marks a context as running on the executor goroutine.
type executorKey struct{}

// Options configures a Runtime.
type Options struct {
	// Origin is prefixed to module identities to fetch their source.
	Origin string
	// FetchTimeout bounds each source fetch; 0 means no limit.
	FetchTimeout time.Duration
	// Registry receives the hot contexts created by module bodies.
	Registry *hot.Registry
	// Client defaults to a new http.Client.
	Client *http.Client
	Logger hot.Logger
}

// Runtime is a Lua interpreter holding the instances of one page session.
// It implements hot.Importer.
type Runtime struct {
	State        *lua.LState
	origin       string
	fetchTimeout time.Duration
	client       *http.Client
	registry     *hot.Registry
	logger       hot.Logger

	executorChan chan workItem
	done         chan struct{}
	closeOnce    sync.Once

	mu      sync.Mutex
	modules map[moduleKey]*moduleEntry

	// evaluating is only touched on the executor
	evaluating map[moduleKey]bool
}

// NewRuntime creates a runtime and starts its executor goroutine.
func NewRuntime(opts Options) *Runtime {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	registry := opts.Registry
	if registry == nil {
		registry = hot.NewRegistry(nil, nil, opts.Logger)
	}
	r := &Runtime{
		State:        lua.NewState(),
		origin:       strings.TrimSuffix(opts.Origin, "/"),
		fetchTimeout: opts.FetchTimeout,
		client:       client,
		registry:     registry,
		logger:       opts.Logger,
		executorChan: make(chan workItem, 100),
		done:         make(chan struct{}),
		modules:      make(map[moduleKey]*moduleEntry),
		evaluating:   make(map[moduleKey]bool),
	}
	r.installGlobals()
	r.startExecutor()
	return r
}

func (r *Runtime) log(level int, format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Log(level, format, args...)
	}
}

// Registry returns the registry module bodies register with.
func (r *Runtime) Registry() *hot.Registry {
	return r.registry
}

// Close stops the executor and releases the interpreter. Pending and future
// work fails with ErrClosed.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// startExecutor creates the goroutine that processes work items. The
// interpreter is closed on that goroutine once the runtime shuts down.
func (r *Runtime) startExecutor() {
	go func() {
		for {
			select {
			case <-r.done:
				r.State.Close()
				return
			case work := <-r.executorChan:
				work.result <- r.run(work)
			}
		}
	}()
}

func (r *Runtime) run(work workItem) (err error) {
	ctx := context.WithValue(work.ctx, executorKey{}, r)
	r.State.SetContext(ctx)
	defer r.State.RemoveContext()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in lua executor: %v", p)
		}
	}()
	return work.fn(ctx)
}

// onExecutor reports whether ctx belongs to work already running on the
// executor.
func (r *Runtime) onExecutor(ctx context.Context) bool {
	runtime, _ := ctx.Value(executorKey{}).(*Runtime)
	return runtime == r
}

// execute runs fn on the executor and blocks until it completes. Work that is
// already on the executor calls straight through.
func (r *Runtime) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.onExecutor(ctx) {
		return fn(ctx)
	}
	work := workItem{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case r.executorChan <- work:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
	select {
	case err := <-work.result:
		return err
	case <-r.done:
		return ErrClosed
	}
}

// Global returns the Go value of a Lua global.
func (r *Runtime) Global(ctx context.Context, name string) (any, error) {
	var value any
	err := r.execute(ctx, func(context.Context) error {
		value = LuaToGo(r.State.GetGlobal(name))
		return nil
	})
	return value, err
}

// DoString runs a chunk of Lua on the executor, outside any module.
func (r *Runtime) DoString(ctx context.Context, code string) error {
	return r.execute(ctx, func(context.Context) error {
		return r.State.DoString(code)
	})
}

// LuaToGo converts a Lua value to plain Go values. Tables with only positive
// integer keys become slices, other tables become maps keyed by their string
// keys.
func LuaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			switch k := key.(type) {
			case lua.LNumber:
				if int(k) > maxN {
					maxN = int(k)
				}
			case lua.LString:
				hasStringKeys = true
			}
		})
		if maxN > 0 && !hasStringKeys {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = LuaToGo(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				m[string(ks)] = LuaToGo(value)
			}
		})
		return m
	case *lua.LUserData:
		return v.Value
	case *lua.LNilType:
		return nil
	default:
		return val
	}
}

// GoToLua converts a Go value for use by module code. Lua values pass
// through unchanged.
func GoToLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(GoToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, GoToLua(L, item))
		}
		return tbl
	case *hot.Module:
		if v == nil {
			return lua.LNil
		}
		return GoToLua(L, v.Exports)
	default:
		ud := L.NewUserData()
		ud.Value = v
		return ud
	}
}
