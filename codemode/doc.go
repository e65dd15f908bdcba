// Package codemode runs model-written scripts against a tool registry.
//
// A Service creates one execution context per call, binds the registry's
// tools into it as the script's api object, runs the script on a sandbox
// pool and closes the context with the script's outcome, so uncommitted
// work is rolled back when a script fails.
package codemode
