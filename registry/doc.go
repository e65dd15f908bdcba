// Package registry defines the tool registry consumed by Code Mode.
//
// A Registry is an ordered list of Tool definitions, each carrying a name,
// a group, an input schema and a handler. The registry is supplied by a
// collaborator (see package sqltools) and is immutable once built. The
// ExecutionContext and ContextFactory types describe the per-call resources
// a handler runs against.
package registry
