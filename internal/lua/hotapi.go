package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/esm-hmr/internal/hot"
)

// installGlobals sets up the module-facing API:
//
//	hmr.createHotContext(url) -> hot
//	hmr.import(specifier)     -> exports of a module relative to the caller
//	window                    -> table shared by every module of the page
func (r *Runtime) installGlobals() {
	L := r.State
	hmr := L.NewTable()
	hmr.RawSetString("createHotContext", L.NewFunction(r.luaCreateHotContext))
	hmr.RawSetString("import", L.NewFunction(r.luaImport))
	L.SetGlobal("hmr", hmr)
	L.SetGlobal("window", L.NewTable())
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (r *Runtime) luaCreateHotContext(L *lua.LState) int {
	url := L.CheckString(1)
	// a failing dispose of the previous instance aborts the new one
	state, err := r.registry.CreateHotContext(luaContext(L), url)
	if err != nil {
		raise(L, err)
		return 0
	}
	L.Push(r.hotObject(state))
	return 1
}

// luaImport resolves the specifier against the chunk that called it and returns the
// module's exports.
func (r *Runtime) luaImport(L *lua.LState) int {
	specifier := L.CheckString(1)
	id, err := hot.ResolveDependency(callerModule(L), specifier)
	if err != nil {
		raise(L, &hot.ImportError{Kind: hot.ResolutionFailed, ID: specifier, Err: err})
		return 0
	}
	m, err := r.Import(luaContext(L), id, 0)
	if err != nil {
		raise(L, err)
		return 0
	}
	L.Push(GoToLua(L, m))
	return 1
}

// callerModule returns the identity of the nearest Lua chunk on the stack.
// Chunks are loaded under their module identity.
func callerModule(L *lua.LState) string {
	for level := 0; ; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return "/"
		}
		if _, err := L.GetInfo("S", dbg, lua.LNil); err != nil {
			continue
		}
		if dbg.Source != "" && dbg.Source[0] == '/' {
			return dbg.Source
		}
	}
}

// hotObject builds the hot table handed to a module body. Functions accept
// both hot.f(...) and hot:f(...).
func (r *Runtime) hotObject(state *hot.State) *lua.LTable {
	L := r.State
	id := state.ID()
	obj := L.NewTable()

	base := func(L *lua.LState) int {
		if L.Get(1) == lua.LValue(obj) {
			return 2
		}
		return 1
	}
	set := func(name string, fn lua.LGFunction) {
		obj.RawSetString(name, L.NewFunction(fn))
	}

	set("accept", func(L *lua.LState) int {
		n := base(L)
		onUpdate := r.acceptFunc(L, id, n)
		if err := state.Accept(hot.AcceptOptions{OnUpdate: onUpdate}); err != nil {
			raise(L, err)
		}
		return 0
	})
	set("acceptDeps", func(L *lua.LState) int {
		n := base(L)
		var deps []string
		L.CheckTable(n).ForEach(func(_, v lua.LValue) {
			deps = append(deps, v.String())
		})
		onUpdate := r.acceptFunc(L, id, n+1)
		if err := state.Accept(hot.AcceptOptions{Dependencies: deps, OnUpdate: onUpdate}); err != nil {
			raise(L, err)
		}
		return 0
	})
	set("dispose", func(L *lua.LState) int {
		fn := L.CheckFunction(base(L))
		state.Dispose(func(ctx context.Context) error {
			return r.callLua(ctx, id, fn, func(*lua.LState) []lua.LValue { return nil })
		})
		return 0
	})
	set("decline", func(L *lua.LState) int {
		state.Decline()
		return 0
	})
	set("invalidate", func(L *lua.LState) int {
		state.Invalidate()
		return 0
	})
	set("lock", func(L *lua.LState) int {
		state.Lock()
		return 0
	})

	meta := L.NewTable()
	meta.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		switch L.CheckString(2) {
		case "id":
			L.Push(lua.LString(id))
		case "data":
			L.Push(r.dataProxy(state))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	L.SetMetatable(obj, meta)
	return obj
}

// acceptFunc converts the callback argument at n: a function is called with
// the update, true or nil accept silently.
func (r *Runtime) acceptFunc(L *lua.LState, id string, n int) hot.AcceptFunc {
	switch cb := L.Get(n).(type) {
	case *lua.LFunction:
		return func(ctx context.Context, u hot.Update) error {
			return r.callLua(ctx, id, cb, func(L *lua.LState) []lua.LValue {
				return []lua.LValue{updateTable(L, u)}
			})
		}
	case lua.LBool:
		if !bool(cb) {
			L.ArgError(n, "callback must be a function or true")
		}
		return nil
	case *lua.LNilType:
		return nil
	default:
		L.ArgError(n, fmt.Sprintf("callback must be a function or true, got %s", cb.Type()))
		return nil
	}
}

// updateTable is the info argument of an accept callback:
// {module = exports, bubbled = bool, deps = {exports...}}.
func updateTable(L *lua.LState, u hot.Update) *lua.LTable {
	info := L.NewTable()
	info.RawSetString("module", GoToLua(L, u.Module))
	info.RawSetString("bubbled", lua.LBool(u.Bubbled))
	deps := L.NewTable()
	for _, dep := range u.Deps {
		deps.Append(GoToLua(L, dep))
	}
	info.RawSetString("deps", deps)
	return info
}

// dataProxy is a live view of the state's current data map.
func (r *Runtime) dataProxy(state *hot.State) *lua.LTable {
	L := r.State
	proxy := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		L.Push(GoToLua(L, state.DataValue(L.CheckString(2))))
		return 1
	}))
	meta.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(2)
		if v := L.Get(3); v == lua.LNil {
			state.DeleteData(key)
		} else {
			state.SetData(key, v)
		}
		return 0
	}))
	L.SetMetatable(proxy, meta)
	return proxy
}

// callLua runs a module callback on the executor. args builds the arguments
// there, since Lua values may only be created on that goroutine.
func (r *Runtime) callLua(ctx context.Context, id string, fn *lua.LFunction, args func(*lua.LState) []lua.LValue) error {
	return r.execute(ctx, func(context.Context) error {
		L := r.State
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args(L)...); err != nil {
			return luaError(hot.CallbackFailed, id, err)
		}
		return nil
	})
}
