package script

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// jsEngine runs ".js" plugins on goja. Only the ECMAScript builtins and the
// sandbox globals exist; there is no module loader besides require.
type jsEngine struct {
	c       *Context
	vm      *goja.Runtime
	modules map[string]goja.Value
}

func newJSEngine(c *Context) *jsEngine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	e := &jsEngine{c: c, vm: vm, modules: make(map[string]goja.Value)}

	logos := vm.NewObject()
	_ = logos.Set("callModule", e.callModule)
	_ = logos.Set("on", e.on)
	_ = logos.Set("off", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(c.off(int(call.Argument(0).ToInteger())))
	})
	_ = logos.Set("plugin", c.name)
	_ = vm.Set("logos", logos)

	resource := vm.NewObject()
	_ = resource.Set("read", e.readResource)
	_ = vm.Set("resource", resource)

	httpObj := vm.NewObject()
	_ = httpObj.Set("get", func(call goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(c.fetch(call.Argument(0).String())))
	})
	_ = vm.Set("http", httpObj)
	_ = vm.Set("fetch", e.fetch)
	_ = vm.Set("require", e.require)

	console := vm.NewObject()
	_ = console.Set("log", e.log)
	_ = vm.Set("console", console)

	return e
}

func (e *jsEngine) run(ctx context.Context, path string) (any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(path, string(src), false)
	if err != nil {
		return nil, err
	}

	var completion goja.Value
	err = e.guard(ctx, func() error {
		v, err := e.vm.RunProgram(prog)
		completion = v
		return err
	})
	if err != nil {
		return nil, err
	}

	view := e.vm.Get("view")
	if isNullish(view) {
		view = completion
	}
	if isNullish(view) {
		return nil, nil
	}
	return view.Export(), nil
}

func (e *jsEngine) view() any {
	v := e.vm.Get("view")
	if isNullish(v) {
		return nil
	}
	return v.Export()
}

func (e *jsEngine) close() {
	e.modules = nil
}

// guard runs fn and interrupts the runtime when ctx ends first.
func (e *jsEngine) guard(ctx context.Context, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		e.vm.ClearInterrupt()
	}()
	return interrupted(ctx, fn())
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// throw raises err as a JavaScript exception.
func (e *jsEngine) throw(err error) {
	panic(e.vm.NewGoError(err))
}

func (e *jsEngine) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	path, err := e.c.resolveImport(name, ".js")
	if err != nil {
		e.throw(err)
	}
	if v, ok := e.modules[path]; ok {
		return v
	}

	src, err := os.ReadFile(path)
	if err != nil {
		e.throw(err)
	}
	prog, err := goja.Compile(path, "(function(exports, module, require) {"+string(src)+"\n})", false)
	if err != nil {
		e.throw(err)
	}
	wrapper, err := e.vm.RunProgram(prog)
	if err != nil {
		e.throw(err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		e.throw(fmt.Errorf("module %s did not compile to a function", name))
	}

	module := e.vm.NewObject()
	exports := e.vm.NewObject()
	_ = module.Set("exports", exports)
	e.modules[path] = exports

	if _, err := fn(goja.Undefined(), exports, module, e.vm.Get("require")); err != nil {
		delete(e.modules, path)
		if ex, ok := err.(*goja.Exception); ok {
			panic(ex.Value())
		}
		e.throw(err)
	}

	result := module.Get("exports")
	e.modules[path] = result
	return result
}

func (e *jsEngine) callModule(call goja.FunctionCall) goja.Value {
	module := call.Argument(0).String()
	method := call.Argument(1).String()
	var args []any
	if len(call.Arguments) > 2 {
		for _, a := range call.Arguments[2:] {
			args = append(args, a.Export())
		}
	}

	result, err := e.c.callModule(module, method, args)
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(result)
}

func (e *jsEngine) on(call goja.FunctionCall) goja.Value {
	module := call.Argument(0).String()
	event := call.Argument(1).String()
	fn, ok := goja.AssertFunction(call.Argument(2))
	if !ok {
		panic(e.vm.NewTypeError("logos.on: callback must be a function"))
	}

	id, err := e.c.on(module, event, func(ctx context.Context, data any) error {
		return e.guard(ctx, func() error {
			_, err := fn(goja.Undefined(), e.vm.ToValue(data))
			return err
		})
	})
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(id)
}

// fetch always returns a rejected promise.
func (e *jsEngine) fetch(call goja.FunctionCall) goja.Value {
	err := e.c.fetch(call.Argument(0).String())
	promise, _, reject := e.vm.NewPromise()
	reject(e.vm.NewGoError(err))
	return e.vm.ToValue(promise)
}

func (e *jsEngine) readResource(call goja.FunctionCall) goja.Value {
	data, err := e.c.readResource(call.Argument(0).String())
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(string(data))
}

func (e *jsEngine) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	e.c.logger.Info("script output", zap.String("plugin", e.c.name), zap.String("text", strings.Join(parts, " ")))
	return goja.Undefined()
}
