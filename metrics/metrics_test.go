package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/sandbox"
)

type staticStats sandbox.Stats

func (s staticStats) Stats() sandbox.Stats { return sandbox.Stats(s) }

func TestObserveExecution(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveExecution(sandbox.ModeShared, &sandbox.Result{Success: true}, 10*time.Millisecond)
	m.ObserveExecution(sandbox.ModeShared, &sandbox.Result{Kind: sandbox.KindTimeout}, time.Second)
	m.ObserveExecution(sandbox.ModeProcess, &sandbox.Result{Kind: sandbox.KindSyntax}, time.Millisecond)
	m.ObserveExecution(sandbox.ModeProcess, nil, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("shared", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("shared", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("process", "syntax")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("process", OutcomeRejected)))

	// Rejected executions have no duration.
	assert.Equal(t, 2, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestObserveToolCalls(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveToolCalls([]bindings.CallRecord{
		{Group: "core", Method: "readQuery", DurationMs: 3},
		{Group: "core", Method: "readQuery", DurationMs: 5},
		{Group: "core", Method: "writeQuery", Error: "read-only"},
	})
	m.ObserveToolCalls(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("core", "readQuery", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("core", "writeQuery", "error")))

	expected := `
# HELP codemode_tool_calls_per_execution Number of tool calls made by one execution
# TYPE codemode_tool_calls_per_execution histogram
codemode_tool_calls_per_execution_bucket{le="0"} 1
codemode_tool_calls_per_execution_bucket{le="1"} 1
codemode_tool_calls_per_execution_bucket{le="2"} 1
codemode_tool_calls_per_execution_bucket{le="5"} 2
codemode_tool_calls_per_execution_bucket{le="10"} 2
codemode_tool_calls_per_execution_bucket{le="25"} 2
codemode_tool_calls_per_execution_bucket{le="50"} 2
codemode_tool_calls_per_execution_bucket{le="100"} 2
codemode_tool_calls_per_execution_bucket{le="+Inf"} 2
codemode_tool_calls_per_execution_sum 3
codemode_tool_calls_per_execution_count 2
`
	require.NoError(t, testutil.CollectAndCompare(m.ToolCallsPerRun, strings.NewReader(expected)))
}

func TestRegisterPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	pool := staticStats{Mode: sandbox.ModeProcess, Available: 1, InUse: 2, Max: 4}
	require.NoError(t, m.RegisterPool(pool))

	expected := `
# HELP codemode_pool_available Idle sandbox instances
# TYPE codemode_pool_available gauge
codemode_pool_available{mode="process"} 1
# HELP codemode_pool_in_use Sandbox instances running a script
# TYPE codemode_pool_in_use gauge
codemode_pool_in_use{mode="process"} 2
# HELP codemode_pool_max Maximum sandbox instances
# TYPE codemode_pool_max gauge
codemode_pool_max{mode="process"} 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"codemode_pool_available", "codemode_pool_in_use", "codemode_pool_max"))

	// Registering the same pool twice collides.
	assert.Error(t, m.RegisterPool(pool))
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}
