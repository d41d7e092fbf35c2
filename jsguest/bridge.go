package jsguest

import (
	"context"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/transomlabs/transom/guest"
)

// setupGlobals scrubs the node-isms and installs console, the transom
// bridge and timers.
func (m *VM) setupGlobals() error {
	// Remove dangerous globals
	m.vm.Set("require", goja.Undefined())
	m.vm.Set("process", goja.Undefined())
	m.vm.Set("module", goja.Undefined())
	m.vm.Set("exports", goja.Undefined())

	console := m.vm.NewObject()
	console.Set("debug", m.makeConsoleFunc(zapcore.DebugLevel))
	console.Set("log", m.makeConsoleFunc(zapcore.InfoLevel))
	console.Set("info", m.makeConsoleFunc(zapcore.InfoLevel))
	console.Set("warn", m.makeConsoleFunc(zapcore.WarnLevel))
	console.Set("error", m.makeConsoleFunc(zapcore.ErrorLevel))
	m.vm.Set("console", console)

	transom := m.vm.NewObject()
	transom.Set("name", m.rt.Name())
	transom.Set("base", m.rt.Base())
	transom.Set("policy", m.rt.Policy())
	transom.Set("props", m.jsProps)
	transom.Set("prop", m.jsProp)
	transom.Set("watch", m.jsWatch)
	transom.Set("on", m.jsOn)
	transom.Set("emit", m.jsEmit)
	transom.Set("register", m.jsRegister)
	m.vm.Set("transom", transom)

	m.vm.Set("setTimeout", m.jsSetTimeout)
	m.vm.Set("setInterval", m.jsSetInterval)
	m.vm.Set("clearTimeout", m.jsClearTimer)
	m.vm.Set("clearInterval", m.jsClearTimer)

	return nil
}

// makeConsoleFunc routes console output to the guest logger.
func (m *VM) makeConsoleFunc(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if ce := m.logger.Check(level, strings.Join(parts, " ")); ce != nil {
			ce.Write()
		}
		return goja.Undefined()
	}
}

func (m *VM) jsProps(call goja.FunctionCall) goja.Value {
	return m.vm.ToValue(m.rt.Props())
}

func (m *VM) jsProp(call goja.FunctionCall) goja.Value {
	v, ok := m.rt.Prop(call.Argument(0).String())
	if !ok {
		return goja.Undefined()
	}
	return m.vm.ToValue(v)
}

// jsWatch subscribes a script callback to property changes. Change sets
// cross as {key: {old, new}} objects. Returns a stop function.
func (m *VM) jsWatch(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(m.vm.NewTypeError("watch expects a function"))
	}
	stop := m.rt.Watch(func(changes map[string]guest.Change) {
		m.post(func() {
			if _, err := fn(goja.Undefined(), m.vm.ToValue(exportChanges(changes))); err != nil {
				m.logger.Warn("watch callback failed", zap.Error(err))
			}
		})
	})
	return m.vm.ToValue(stop)
}

// jsOn subscribes a script callback to a host event. Returns a stop
// function.
func (m *VM) jsOn(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(m.vm.NewTypeError("on expects a function"))
	}
	stop := m.rt.On(name, func(data any) {
		m.post(func() {
			if _, err := fn(goja.Undefined(), m.vm.ToValue(data)); err != nil {
				m.logger.Warn("event callback failed",
					zap.String("event", name),
					zap.Error(err))
			}
		})
	})
	return m.vm.ToValue(stop)
}

// jsEmit sends an application event to the host. Failures surface as
// thrown exceptions.
func (m *VM) jsEmit(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	if err := m.rt.Emit(name, export(call.Argument(1))); err != nil {
		panic(m.vm.NewGoError(err))
	}
	return goja.Undefined()
}

// jsRegister exposes a script function to the host. The host calls land on
// the executor, so scripts never see concurrent entries. Returns an
// unregister function.
func (m *VM) jsRegister(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(m.vm.NewTypeError("register expects a function"))
	}

	wrapped := guest.Func(func(ctx context.Context, args ...any) (any, error) {
		var value any
		var callErr error
		if err := m.do(ctx, func() {
			jsArgs := make([]goja.Value, len(args))
			for i, arg := range args {
				jsArgs[i] = m.vm.ToValue(arg)
			}
			val, err := fn(goja.Undefined(), jsArgs...)
			if err != nil {
				callErr = err
				return
			}
			value = export(val)
		}); err != nil {
			return nil, err
		}
		return value, callErr
	})

	unregister, err := m.rt.Register(name, wrapped)
	if err != nil {
		panic(m.vm.NewGoError(err))
	}
	return m.vm.ToValue(unregister)
}

func exportChanges(changes map[string]guest.Change) map[string]map[string]any {
	out := make(map[string]map[string]any, len(changes))
	for key, c := range changes {
		out[key] = map[string]any{"old": c.Old, "new": c.New}
	}
	return out
}
