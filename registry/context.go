package registry

import "context"

// ExecutionContext binds one script execution to live resources such as a
// database connection or open transactions. It is created per call and
// closed when the call completes; it is never shared between executions.
type ExecutionContext interface {
	// ID identifies the execution in logs and records.
	ID() string

	// Close releases the resources held by the execution. success reports
	// whether the script completed without error.
	Close(success bool) error
}

// ContextFactory creates an ExecutionContext for each script execution
type ContextFactory interface {
	NewExecutionContext(ctx context.Context) (ExecutionContext, error)
}

// ContextFactoryFunc adapts a function to ContextFactory
type ContextFactoryFunc func(ctx context.Context) (ExecutionContext, error)

// NewExecutionContext calls f(ctx)
func (f ContextFactoryFunc) NewExecutionContext(ctx context.Context) (ExecutionContext, error) {
	return f(ctx)
}

// StaticContext is an ExecutionContext with no resources attached
type StaticContext string

// ID returns the context identifier
func (s StaticContext) ID() string { return string(s) }

// Close is a no-op
func (StaticContext) Close(bool) error { return nil }
