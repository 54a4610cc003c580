package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// DefaultRequestGlobal is the name under which the current request is visible to executed code.
const DefaultRequestGlobal = "REQUEST"

// codecSource builds the code runner, value encoder and request decoder inside the runtime.
// Code runs through an indirect eval: var and function declarations land on the global object, while let, const
// and class declarations stay scoped to the request that made them.
// The functions capture the built-in eval, JSON and Error objects so that executed code can't break them by
// reassigning globals.
// Error instances are rendered with toString(), anywhere in the value.
const codecSource = `(function (indirectEval, stringify, parse, ErrorType) {
	function replacer(key, value) {
		return value instanceof ErrorType ? value.toString() : value;
	}
	return {
		run: function (code) { return indirectEval(code); },
		encode: function (value) { return stringify(value, replacer); },
		decode: function (text) { return parse(text); }
	};
})(eval, JSON.stringify, JSON.parse, Error)`

// EvalContext is the JavaScript runtime that every request on every connection runs in.
//
// It is intentionally shared: globals defined by one request are visible to later requests, from any connection,
// and the request global is overwritten by each request. Nothing executed here is sandboxed; it has the same
// privileges as the server process, and the socket's filesystem permissions are the only thing guarding it.
//
// Requests are run one at a time.
type EvalContext struct {
	requestGlobal string
	closed        atomic.Pointer[string]

	mut    sync.Mutex
	vm     *goja.Runtime
	run    goja.Callable
	encode goja.Callable
	decode goja.Callable
}

// NewEvalContext creates a runtime that publishes requests under requestGlobal.
func NewEvalContext(requestGlobal string) (*EvalContext, error) {
	if requestGlobal == "" {
		requestGlobal = DefaultRequestGlobal
	}
	vm := goja.New()
	codec, err := vm.RunString(codecSource)
	if err != nil {
		return nil, fmt.Errorf("compiling value codec: %w", err)
	}
	fns := codec.ToObject(vm)
	run, ok := goja.AssertFunction(fns.Get("run"))
	if !ok {
		return nil, errors.New("code runner is not a function")
	}
	encode, ok := goja.AssertFunction(fns.Get("encode"))
	if !ok {
		return nil, errors.New("value encoder is not a function")
	}
	decode, ok := goja.AssertFunction(fns.Get("decode"))
	if !ok {
		return nil, errors.New("request decoder is not a function")
	}
	return &EvalContext{
		requestGlobal: requestGlobal,
		vm:            vm,
		run:           run,
		encode:        encode,
		decode:        decode,
	}, nil
}

// RequestGlobal returns the name of the global that holds the current request.
func (e *EvalContext) RequestGlobal() string {
	return e.requestGlobal
}

// Eval publishes request, the JSON text of the request object, then runs code and returns its result as JSON.
// A result with no JSON representation, such as undefined or a function, becomes null.
func (e *EvalContext) Eval(request, code string) (json.RawMessage, error) {
	e.mut.Lock()
	defer e.mut.Unlock()

	e.vm.ClearInterrupt()
	if reason := e.closed.Load(); reason != nil {
		return nil, fmt.Errorf("evaluation context closed: %s", *reason)
	}

	req, err := e.decode(goja.Undefined(), e.vm.ToValue(request))
	if err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}
	if err := e.vm.Set(e.requestGlobal, req); err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}

	v, err := e.run(goja.Undefined(), e.vm.ToValue(code))
	if err != nil {
		return nil, err
	}

	encoded, err := e.encode(goja.Undefined(), v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	if goja.IsUndefined(encoded) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(encoded.String()), nil
}

// Interrupt aborts the code currently running, if any. The request being run fails with an error mentioning reason.
func (e *EvalContext) Interrupt(reason string) {
	e.vm.Interrupt(reason)
}

// Close interrupts the code currently running and makes every later Eval fail.
func (e *EvalContext) Close(reason string) {
	e.closed.CompareAndSwap(nil, &reason)
	e.vm.Interrupt(reason)
}
