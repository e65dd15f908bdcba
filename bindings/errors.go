package bindings

import "errors"

// Sentinel errors for error classification.
var (
	// ErrBindingResolution indicates a call that did not resolve to a method
	// after alias resolution. It points at a registry or alias-table bug, or
	// at a script calling a method that does not exist.
	ErrBindingResolution = errors.New("binding resolution error")

	// ErrConfiguration indicates an invalid binding configuration detected
	// while building, such as duplicate method names or a parameter spec
	// naming an unknown method.
	ErrConfiguration = errors.New("binding configuration error")

	// ErrPositionalArgs indicates call arguments that cannot be mapped onto
	// the method's parameter object.
	ErrPositionalArgs = errors.New("invalid positional arguments")

	// ErrLimitExceeded indicates the per-execution tool call limit was reached.
	ErrLimitExceeded = errors.New("limit exceeded")
)
