// Package bindings turns a flat tool registry into the grouped call surface
// exposed to Code Mode scripts.
//
// Build derives a method name for every tool, groups methods, registers
// aliases whose canonical method exists, and fixes a positional parameter
// spec per method. The result is a set of lookup tables; building never
// calls a handler.
//
// Scripts call methods with loose arguments:
//
//	api.core.readQuery("SELECT * FROM users")
//	api.core.createTable("users", columns, {ifNotExists: true})
//
// NormalizeParams maps those arguments onto the parameter object a handler
// expects. A Session binds the Binding to one ExecutionContext and is what a
// sandbox receives.
package bindings
