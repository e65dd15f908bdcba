// Package metrics defines the Prometheus collectors for script executions,
// tool calls and sandbox pool occupancy.
package metrics
