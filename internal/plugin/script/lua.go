package script

import (
	"context"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// luaEngine runs ".lua" plugins on gopher-lua with only the base, table,
// string, math and coroutine libraries opened.
type luaEngine struct {
	c      *Context
	L      *lua.LState
	loaded map[string]lua.LValue

	// raised is the Go error behind the last RaiseError, so the failure
	// keeps its sentinel after crossing the Lua stack.
	raised error
}

// Globals removed after opening the base library.
var luaRemovedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "module",
	"getfenv", "setfenv", "_printregs", "newproxy",
}

func newLuaEngine(c *Context) *luaEngine {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	e := &luaEngine{c: c, L: L, loaded: make(map[string]lua.LValue)}

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range luaRemovedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("require", L.NewFunction(e.require))
	L.SetGlobal("print", L.NewFunction(e.print))
	L.SetGlobal("fetch", L.NewFunction(e.fetch))
	L.SetGlobal("http", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{"get": e.fetch}))
	L.SetGlobal("resource", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{"read": e.readResource}))

	logos := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"callModule": e.callModule,
		"on":         e.on,
		"off":        e.off,
	})
	logos.RawSetString("plugin", lua.LString(c.name))
	L.SetGlobal("logos", logos)

	e.bindCoroutines()
	return e
}

// luaCoroutineWrap rebuilds coroutine.wrap on top of coroutine.resume so
// wrapped coroutines get the same context rebinding.
const luaCoroutineWrap = `
local create, resume, error = coroutine.create, coroutine.resume, error
local function pass(ok, ...)
  if not ok then error((...), 0) end
  return ...
end
coroutine.wrap = function(f)
  local co = create(f)
  return function(...) return pass(resume(co, ...)) end
end`

// bindCoroutines makes every resume run the coroutine under the caller's
// current context. A thread otherwise keeps the context of the run that
// created it and fails once that run has ended.
func (e *luaEngine) bindCoroutines() {
	co, ok := e.L.GetGlobal("coroutine").(*lua.LTable)
	if !ok {
		return
	}
	resume, ok := co.RawGetString("resume").(*lua.LFunction)
	if !ok {
		return
	}
	co.RawSetString("resume", e.L.NewFunction(func(L *lua.LState) int {
		th := L.CheckThread(1)
		if ctx := L.Context(); ctx != nil {
			th.SetContext(ctx)
		}
		top := L.GetTop()
		L.Push(resume)
		for i := 1; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top, lua.MultRet)
		return L.GetTop() - top
	}))
	if err := e.L.DoString(luaCoroutineWrap); err != nil {
		e.c.logger.Warn("coroutine.wrap unavailable", zap.Error(err))
	}
}

func (e *luaEngine) run(ctx context.Context, path string) (any, error) {
	fn, err := e.L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	rets, err := e.call(ctx, fn, 1)
	if err != nil {
		return nil, err
	}
	view := e.L.GetGlobal("view")
	if view == lua.LNil && len(rets) > 0 {
		view = rets[0]
	}
	return fromLua(view), nil
}

func (e *luaEngine) view() any {
	return fromLua(e.L.GetGlobal("view"))
}

func (e *luaEngine) close() {
	e.L.Close()
}

// call runs fn under ctx and returns its results.
func (e *luaEngine) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	e.raised = nil
	top := e.L.GetTop()
	e.L.Push(fn)
	for _, arg := range args {
		e.L.Push(arg)
	}
	if err := e.L.PCall(len(args), nret, nil); err != nil {
		return nil, e.failure(ctx, err)
	}

	n := e.L.GetTop() - top
	rets := make([]lua.LValue, n)
	for i := range n {
		rets[i] = e.L.Get(top + i + 1)
	}
	e.L.Pop(n)
	return rets, nil
}

func (e *luaEngine) failure(ctx context.Context, err error) error {
	raised := e.raised
	e.raised = nil
	if raised != nil && strings.Contains(err.Error(), raised.Error()) {
		err = &causedError{msg: err.Error(), cause: raised}
	}
	return interrupted(ctx, err)
}

func (e *luaEngine) raise(L *lua.LState, err error) int {
	e.raised = err
	L.RaiseError("%s", err.Error())
	return 0
}

// require loads a module from the allowed import roots. Results are cached
// per resolved path.
func (e *luaEngine) require(L *lua.LState) int {
	name := L.CheckString(1)
	path, err := e.c.resolveImport(name, ".lua")
	if err != nil {
		return e.raise(L, err)
	}
	if v, ok := e.loaded[path]; ok {
		L.Push(v)
		return 1
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(fn)
	L.Call(0, 1)
	v := L.Get(-1)
	if v == lua.LNil {
		v = lua.LTrue
		L.Pop(1)
		L.Push(v)
	}
	e.loaded[path] = v
	return 1
}

func (e *luaEngine) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	e.c.logger.Info("script output", zap.String("plugin", e.c.name), zap.String("text", strings.Join(parts, "\t")))
	return 0
}

func (e *luaEngine) fetch(L *lua.LState) int {
	err := e.c.fetch(L.CheckString(1))
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (e *luaEngine) readResource(L *lua.LState) int {
	data, err := e.c.readResource(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

func (e *luaEngine) callModule(L *lua.LState) int {
	module := L.CheckString(1)
	method := L.CheckString(2)
	args := make([]any, 0, L.GetTop())
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, fromLua(L.Get(i)))
	}

	result, err := e.c.callModule(module, method, args)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(toLua(L, result))
	return 1
}

func (e *luaEngine) on(L *lua.LState) int {
	module := L.CheckString(1)
	event := L.CheckString(2)
	fn := L.CheckFunction(3)

	id, err := e.c.on(module, event, func(ctx context.Context, data any) error {
		_, err := e.call(ctx, fn, 0, toLua(e.L, data))
		return err
	})
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (e *luaEngine) off(L *lua.LState) int {
	L.Push(lua.LBool(e.c.off(L.CheckInt(1))))
	return 1
}
