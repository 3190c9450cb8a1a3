// Package sandbox runs untrusted transformation, condition, and scheduling
// scripts in a bounded goja VM — grounded on the teacher's
// system/tee.gojaScriptEngine (fresh goja.New() per execution, console
// capture, builtin injection, JSON round-trip export), extended with a CPU
// deadline (the teacher's simulation-mode engine had none; a sandbox with no
// timeout is not a sandbox) and no fetch/network shim at all.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// ErrorKind distinguishes why a script failed to produce a result, so
// callers can map it to the right execution.ErrorCategory.
type ErrorKind string

const (
	ErrKindTimeout      ErrorKind = "TIMEOUT"
	ErrKindSyntax       ErrorKind = "SYNTAX_ERROR"
	ErrKindReference    ErrorKind = "REFERENCE_ERROR"
	ErrKindRuntime      ErrorKind = "RUNTIME_ERROR"
	ErrKindEntryMissing ErrorKind = "ENTRY_POINT_ERROR"
)

// Error wraps a script failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Request is one bounded script invocation.
type Request struct {
	Script     string
	EntryPoint string // defaults to "transform" below if empty; callers pass the contract-specific name
	Args       []any  // positional arguments passed to EntryPoint, exported via goja.ToValue
	Timeout    time.Duration
	Logger     *logrus.Entry
}

// Result is the exported return value of the script's entry point, plus any
// console.log lines captured during execution.
type Result struct {
	Value any
	Logs  []string
}

// Run executes req.Script in a fresh, isolated VM and invokes EntryPoint
// with Args, enforcing Timeout via goja's interrupt mechanism. Each call
// gets its own VM so concurrent integrations never share script state.
func Run(ctx context.Context, req Request) (Result, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	var logs []string
	if err := installBuiltins(vm, &logs, req.Logger); err != nil {
		return Result{}, &Error{Kind: ErrKindRuntime, Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("script exceeded its CPU time budget")
	})
	defer timer.Stop()

	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCtx.Done():
			if ctx.Err() != nil {
				vm.Interrupt("parent context cancelled")
			}
		case <-done:
		}
	}()
	defer close(done)

	if _, err := vm.RunString(req.Script); err != nil {
		return Result{}, classifyCompileError(err)
	}

	entryPoint := req.EntryPoint
	if entryPoint == "" {
		entryPoint = "transform"
	}
	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return Result{}, &Error{Kind: ErrKindEntryMissing, Err: fmt.Errorf("entry point %q is not a function", entryPoint)}
	}

	args := make([]goja.Value, len(req.Args))
	for i, a := range req.Args {
		args[i] = vm.ToValue(a)
	}

	resultVal, err := fn(goja.Undefined(), args...)
	if err != nil {
		return Result{}, classifyCallError(err)
	}

	return Result{Value: exportValue(resultVal), Logs: logs}, nil
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	// Normalize through JSON so map[string]interface{} keys and nested
	// goja-native types come out as plain Go values for callers.
	raw, err := json.Marshal(exported)
	if err != nil {
		return exported
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return exported
	}
	return normalized
}

func classifyCompileError(err error) error {
	if _, ok := err.(*goja.CompilerSyntaxError); ok {
		return &Error{Kind: ErrKindSyntax, Err: err}
	}
	if interrupted, ok := err.(*goja.InterruptedError); ok {
		return &Error{Kind: ErrKindTimeout, Err: interrupted}
	}
	return &Error{Kind: ErrKindRuntime, Err: err}
}

func classifyCallError(err error) error {
	if interrupted, ok := err.(*goja.InterruptedError); ok {
		return &Error{Kind: ErrKindTimeout, Err: interrupted}
	}
	if _, ok := err.(*goja.Exception); ok {
		if containsReferenceError(err.Error()) {
			return &Error{Kind: ErrKindReference, Err: err}
		}
	}
	return &Error{Kind: ErrKindRuntime, Err: err}
}

func containsReferenceError(msg string) bool {
	const needle = "ReferenceError"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
