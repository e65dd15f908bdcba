package sandbox

import (
	"context"
	"time"
)

// Mode selects an isolation backend
type Mode string

// Isolation modes
const (
	ModeShared  Mode = "shared"
	ModeProcess Mode = "process"
)

// ConsoleMode selects what happens to script console output
type ConsoleMode string

// Console modes
const (
	// ConsoleBuffer collects console output into Result.Console.
	ConsoleBuffer ConsoleMode = "buffer"
	// ConsoleForward writes console output to the host logger.
	ConsoleForward ConsoleMode = "forward"
)

// Bindings is the call surface injected into a script as the global api
// object. Methods lists callable names per group; Invoke performs one call
// with the raw, JSON-shaped script arguments.
type Bindings interface {
	Methods() map[string][]string
	Invoke(ctx context.Context, group, method string, args []any) (any, error)
}

// Sandbox executes scripts against injected bindings.
//
// Contract:
//   - Execute never panics and never reports script failures as Go errors;
//     every outcome is a *Result.
//   - One script runs at a time per instance; callers wanting concurrency use
//     a Pool.
//   - Healthy reports false once the instance faulted; a faulted instance must
//     be disposed, not reused.
type Sandbox interface {
	Execute(ctx context.Context, code string, api Bindings) *Result
	Healthy() bool
	Dispose() error
	Mode() Mode
}

// LogEntry is one console call made by a script
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Result is the outcome of one Execute call
type Result struct {
	Success bool       `json:"success"`
	Value   any        `json:"result,omitempty"`
	Error   string     `json:"error,omitempty"`
	Kind    Kind       `json:"kind,omitempty"`
	Stack   string     `json:"stack,omitempty"`
	Console []LogEntry `json:"console,omitempty"`

	Duration time.Duration `json:"-"`
}

// Err returns nil for a successful result, otherwise an *ExecError
// matching the sentinel for the result's Kind.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &ExecError{Kind: r.Kind, Message: r.Error, Stack: r.Stack}
}

// Options configures a single sandbox instance
type Options struct {
	// Timeout bounds every Execute call.
	Timeout time.Duration

	// Console selects buffered or forwarded console output.
	Console ConsoleMode

	// MaxCallStackSize caps the JavaScript call stack depth.
	MaxCallStackSize int

	// InterruptGrace is how long a shared sandbox waits for an interrupted
	// script to stop before declaring the instance faulted.
	InterruptGrace time.Duration

	// MemoryLimitMB is the soft memory limit of a process worker.
	MemoryLimitMB int

	// WorkerCommand starts a process worker. Defaults to the running
	// executable with the "worker" argument.
	WorkerCommand []string

	// WorkerEnv is the complete environment of a process worker.
	WorkerEnv []string
}

// Default option values
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxCallStackSize = 1024
	DefaultInterruptGrace   = 250 * time.Millisecond
	DefaultMemoryLimitMB    = 256
)

// DefaultOptions returns the default sandbox options
func DefaultOptions() Options {
	return Options{
		Timeout:          DefaultTimeout,
		Console:          ConsoleBuffer,
		MaxCallStackSize: DefaultMaxCallStackSize,
		InterruptGrace:   DefaultInterruptGrace,
		MemoryLimitMB:    DefaultMemoryLimitMB,
	}
}

// inherit fills zero fields of o from base
func (o Options) inherit(base Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = base.Timeout
	}
	if o.Console == "" {
		o.Console = base.Console
	}
	if o.MaxCallStackSize <= 0 {
		o.MaxCallStackSize = base.MaxCallStackSize
	}
	if o.InterruptGrace <= 0 {
		o.InterruptGrace = base.InterruptGrace
	}
	if o.MemoryLimitMB <= 0 {
		o.MemoryLimitMB = base.MemoryLimitMB
	}
	if len(o.WorkerCommand) == 0 {
		o.WorkerCommand = base.WorkerCommand
	}
	if o.WorkerEnv == nil {
		o.WorkerEnv = base.WorkerEnv
	}
	return o
}

func (o Options) withDefaults() Options {
	return o.inherit(DefaultOptions())
}
