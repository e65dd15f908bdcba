// Package sandbox executes agent-written JavaScript against injected tool
// bindings.
//
// Scripts run as the body of an async function on a hardened goja runtime:
// globals outside an allow-list are removed, string-to-code constructors
// throw, and core intrinsics are frozen. The bindings appear as the global
// api object; every method returns a promise.
//
// Two isolation modes implement the Sandbox interface. SharedSandbox runs
// the runtime inside the host process. ProcessSandbox runs it in a worker
// subprocess (the same binary, started with the "worker" argument, see
// RunWorker) and serves tool calls over a JSON line protocol.
//
// Execute never returns a Go error for script failures. Syntax errors,
// uncaught exceptions, timeouts and internal faults are reported in Result
// with a Kind; Result.Err maps them to the sentinel errors of this package.
//
// Usage:
//
//	factory, err := sandbox.NewFactory(logger, sandbox.ModeShared, sandbox.DefaultOptions())
//	pool, err := factory.CreatePool("", sandbox.DefaultPoolOptions(), sandbox.Options{})
//	res, err := pool.Execute(ctx, `return await api.core.listTables();`, session)
package sandbox
