package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
)

//go:embed js/harden.js
var hardenScript string

const (
	scriptName   = "script.js"
	scriptPrefix = `(async function () {"use strict"; `
	scriptSuffix = "\n})()"

	bindingsGlobal = "api"
	consoleGlobal  = "console"

	maxStackLines = 10
)

// allowedGlobals survive hardening; every other global is removed
var allowedGlobals = []string{
	"Object", "Array", "String", "Number", "Boolean", "Symbol", "BigInt",
	"Math", "JSON", "Date", "RegExp", "Promise",
	"Map", "Set", "WeakMap", "WeakSet",
	"ArrayBuffer", "DataView", "Int8Array", "Uint8Array", "Uint8ClampedArray",
	"Int16Array", "Uint16Array", "Int32Array", "Uint32Array", "Float32Array", "Float64Array",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "EvalError", "URIError", "AggregateError",
	"parseInt", "parseFloat", "isNaN", "isFinite", "NaN", "Infinity", "undefined",
	"encodeURIComponent", "decodeURIComponent", "encodeURI", "decodeURI",
}

var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

// engine is one hardened goja runtime. It runs one script at a time.
type engine struct {
	vm        *goja.Runtime
	stringify goja.Callable
	parse     goja.Callable
	errorCtor *goja.Object
}

// outcome is the engine-level result of a run; kind is empty on success
type outcome struct {
	value   any
	kind    Kind
	message string
	stack   string

	// tainted runtimes must not run another script
	tainted bool
	fault   error
}

func (o outcome) result() *Result {
	switch o.kind {
	case "":
		return &Result{Success: true, Value: o.value}
	case KindFault:
		return faultResult()
	default:
		return failure(o.kind, o.message, o.stack)
	}
}

func newEngine(maxCallStackSize int) (*engine, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	jsonObj := vm.Get("JSON").ToObject(vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is not callable")
	}
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse is not callable")
	}
	errorCtor := vm.Get("Error").ToObject(vm)

	prelude, err := vm.RunString(hardenScript)
	if err != nil {
		return nil, fmt.Errorf("failed to compile hardening prelude: %w", err)
	}
	harden, ok := goja.AssertFunction(prelude)
	if !ok {
		return nil, errors.New("hardening prelude is not a function")
	}
	names := make([]any, len(allowedGlobals))
	for i, name := range allowedGlobals {
		names[i] = name
	}
	if _, err := harden(goja.Undefined(), vm.NewArray(names...)); err != nil {
		return nil, fmt.Errorf("failed to harden runtime: %w", err)
	}

	return &engine{
		vm:        vm,
		stringify: stringify,
		parse:     parse,
		errorCtor: errorCtor,
	}, nil
}

func wrapScript(code string) string {
	return scriptPrefix + code + scriptSuffix
}

// run executes code as the body of an async function. The runtime is
// interrupted when ctx is done.
func (e *engine) run(ctx context.Context, code string, api Bindings, sink *consoleSink) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{kind: KindFault, tainted: true, fault: fmt.Errorf("panic: %v", r)}
		}
	}()

	prog, err := goja.Compile(scriptName, wrapScript(code), true)
	if err != nil {
		return outcome{kind: KindSyntax, message: err.Error()}
	}

	if err := e.install(ctx, api, sink); err != nil {
		return outcome{kind: KindFault, tainted: true, fault: err}
	}
	defer e.uninstall()

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	value, err := e.vm.RunProgram(prog)
	close(stop)
	<-stopped
	e.vm.ClearInterrupt()

	if err != nil {
		return e.classify(ctx, err)
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return outcome{kind: KindFault, fault: fmt.Errorf("script wrapper returned %T", value.Export())}
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		result, err := e.export(promise.Result())
		if err != nil {
			return outcome{kind: KindRuntime, message: fmt.Sprintf("result is not serializable: %v", err)}
		}
		return outcome{value: result}
	case goja.PromiseStateRejected:
		message, stack := e.describe(promise.Result())
		return outcome{kind: KindRuntime, message: message, stack: stack}
	default:
		return outcome{kind: KindRuntime, message: "script did not settle: an awaited promise never resolved"}
	}
}

func (e *engine) classify(ctx context.Context, err error) outcome {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return outcome{kind: KindTimeout, message: interruptMessage(ctx), tainted: true}
	}

	var thrown interface {
		error
		Value() goja.Value
	}
	if errors.As(err, &thrown) {
		message, stack := e.describe(thrown.Value())
		if message == "" || message == "undefined" {
			message = thrown.Error()
		}
		return outcome{kind: KindRuntime, message: message, stack: stack, tainted: true}
	}

	// Uncatchable script errors such as call stack exhaustion.
	return outcome{kind: KindRuntime, message: err.Error(), tainted: true}
}

func interruptMessage(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "execution cancelled"
	}
	return "execution timed out"
}

func (e *engine) install(ctx context.Context, api Bindings, sink *consoleSink) error {
	root := e.vm.NewObject()
	if api != nil {
		for group, names := range api.Methods() {
			obj := e.vm.NewObject()
			for _, name := range names {
				if err := obj.Set(name, e.method(ctx, api, group, name)); err != nil {
					return fmt.Errorf("failed to bind %s.%s: %w", group, name, err)
				}
			}
			if err := root.Set(group, obj); err != nil {
				return fmt.Errorf("failed to bind group %s: %w", group, err)
			}
		}
	}
	if err := e.vm.Set(bindingsGlobal, root); err != nil {
		return fmt.Errorf("failed to install bindings: %w", err)
	}

	console := e.vm.NewObject()
	for _, level := range consoleLevels {
		if err := console.Set(level, e.consoleFunc(level, sink)); err != nil {
			return fmt.Errorf("failed to install console.%s: %w", level, err)
		}
	}
	if err := e.vm.Set(consoleGlobal, console); err != nil {
		return fmt.Errorf("failed to install console: %w", err)
	}
	return nil
}

func (e *engine) uninstall() {
	global := e.vm.GlobalObject()
	_ = global.Delete(bindingsGlobal)
	_ = global.Delete(consoleGlobal)
}

// method returns the native function behind api.<group>.<name>. Every call
// returns a promise that is settled before the function returns.
func (e *engine) method(ctx context.Context, api Bindings, group, name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := e.vm.NewPromise()

		args, err := e.exportArgs(call.Arguments)
		if err == nil {
			var result any
			result, err = api.Invoke(ctx, group, name, args)
			if err == nil {
				var value goja.Value
				if value, err = e.importValue(result); err == nil {
					resolve(value)
					return e.vm.ToValue(promise)
				}
			}
		}

		reject(e.newError(err.Error()))
		return e.vm.ToValue(promise)
	}
}

func (e *engine) consoleFunc(level string, sink *consoleSink) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, e.display(arg))
		}
		sink.add(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (e *engine) newError(message string) goja.Value {
	obj, err := e.vm.New(e.errorCtor, e.vm.ToValue(message))
	if err != nil {
		return e.vm.ToValue(message)
	}
	return obj
}

// exportArgs converts call arguments to plain JSON values
func (e *engine) exportArgs(args []goja.Value) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	items := make([]any, len(args))
	for i, arg := range args {
		items[i] = arg
	}
	encoded, err := e.stringify(goja.Undefined(), e.vm.NewArray(items...))
	if err != nil {
		return nil, fmt.Errorf("arguments are not serializable: %w", err)
	}
	var out []any
	if err := sonic.UnmarshalString(encoded.String(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}

// export converts a script value to a plain JSON value
func (e *engine) export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	encoded, err := e.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(encoded) {
		return nil, nil
	}
	var out any
	if err := sonic.UnmarshalString(encoded.String(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// importValue converts a handler result into a script value
func (e *engine) importValue(v any) (goja.Value, error) {
	if v == nil {
		return goja.Null(), nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return e.parse(goja.Undefined(), e.vm.ToValue(string(data)))
}

// describe renders a thrown value as an error message and a sanitized stack.
// Plain Error instances report their message alone; other error types are
// prefixed with their name.
func (e *engine) describe(reason goja.Value) (string, string) {
	if reason == nil || goja.IsUndefined(reason) {
		return "undefined", ""
	}
	obj, ok := reason.(*goja.Object)
	if !ok {
		return reason.String(), ""
	}

	message := obj.Get("message")
	if message == nil || goja.IsUndefined(message) {
		return e.display(obj), ""
	}

	text := message.String()
	if name := stringOf(obj.Get("name")); name != "" && name != "Error" {
		text = name + ": " + text
	}
	return text, sanitizeStack(stringOf(obj.Get("stack")))
}

func (e *engine) display(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if encoded, err := e.stringify(goja.Undefined(), obj); err == nil && !goja.IsUndefined(encoded) {
			return encoded.String()
		}
	}
	return v.String()
}

func stringOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// sanitizeStack keeps only frames inside the script and caps their number
func sanitizeStack(stack string) string {
	if stack == "" {
		return ""
	}
	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "at ") || !strings.Contains(line, scriptName) {
			continue
		}
		frames = append(frames, line)
		if len(frames) == maxStackLines {
			break
		}
	}
	return strings.Join(frames, "\n")
}
