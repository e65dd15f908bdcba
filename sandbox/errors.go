package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies a failed execution
type Kind string

// Failure kinds
const (
	KindSyntax  Kind = "syntax"
	KindRuntime Kind = "runtime"
	KindTimeout Kind = "timeout"
	KindFault   Kind = "fault"
)

// Sentinel errors for error classification.
var (
	// ErrScriptSyntax indicates the script failed to compile.
	ErrScriptSyntax = errors.New("script syntax error")

	// ErrScriptRuntime indicates an uncaught exception thrown by the script.
	ErrScriptRuntime = errors.New("script runtime error")

	// ErrTimeout indicates the script exceeded its time bound and was terminated.
	ErrTimeout = errors.New("script timeout")

	// ErrSandboxFault indicates an internal isolation failure.
	ErrSandboxFault = errors.New("sandbox fault")

	// ErrPoolClosed is returned by a disposed pool.
	ErrPoolClosed = errors.New("sandbox pool is closed")

	// ErrPoolExhausted is returned when no slot is free and the pool rejects.
	ErrPoolExhausted = errors.New("sandbox pool exhausted")

	// ErrAcquireTimeout is returned when waiting for a free slot takes too long.
	ErrAcquireTimeout = errors.New("sandbox acquisition timeout")

	// ErrUnknownMode is returned for an unsupported isolation mode.
	ErrUnknownMode = errors.New("unknown sandbox mode")
)

// faultMessage is all a caller learns about an internal fault
const faultMessage = "internal sandbox error"

// ExecError describes a failed execution
type ExecError struct {
	Kind    Kind
	Message string
	Stack   string
}

// Error returns the message prefixed with the failure kind
func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the sentinel error for the failure kind
func (e *ExecError) Is(target error) bool {
	switch e.Kind {
	case KindSyntax:
		return target == ErrScriptSyntax
	case KindRuntime:
		return target == ErrScriptRuntime
	case KindTimeout:
		return target == ErrTimeout
	case KindFault:
		return target == ErrSandboxFault
	default:
		return false
	}
}

func failure(kind Kind, message, stack string) *Result {
	return &Result{Success: false, Kind: kind, Error: message, Stack: stack}
}

func faultResult() *Result {
	return failure(KindFault, faultMessage, "")
}
