package mcpserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/sandbox"
)

// mockExecutor implements Executor for testing
type mockExecutor struct {
	response *codemode.Response
	err      error

	code string
	opts codemode.ExecuteOptions
}

func (m *mockExecutor) Execute(_ context.Context, code string, opts codemode.ExecuteOptions) (*codemode.Response, error) {
	m.code = code
	m.opts = opts
	return m.response, m.err
}

func (m *mockExecutor) Describe() []bindings.GroupInfo {
	return []bindings.GroupInfo{
		{Name: "core", Methods: []bindings.MethodInfo{
			{Name: "readQuery", Tool: "sqlite_read_query", Aliases: []string{"query"}, Params: bindings.ParamSpec{Keys: []string{"sql", "params"}}},
			{Name: "listTables", Tool: "sqlite_list_tables"},
		}},
	}
}

func (m *mockExecutor) Stats() sandbox.Stats {
	return sandbox.Stats{Mode: sandbox.ModeProcess, Available: 1, InUse: 0, Max: 4}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{Mode: "process", Timeout: 30 * time.Second, Console: "buffer"},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func newTestServer(t *testing.T, exec *mockExecutor) (*MCPServer, *client.Client) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	modes, err := sandbox.NewFactory(logger, sandbox.ModeProcess, sandbox.DefaultOptions())
	require.NoError(t, err)

	s, err := New(testConfig(), logger, exec, modes)
	require.NoError(t, err)

	c, err := client.NewInProcessClient(s.GetMCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "test", Version: "0.0.1"},
		},
	})
	require.NoError(t, err)
	return s, c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := c.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", result.Content[0])
	return text.Text, result.IsError
}

func TestNewMCPServer(t *testing.T) {
	exec := &mockExecutor{}
	s, c := newTestServer(t, exec)
	assert.Equal(t, exec, s.executor)
	assert.NotNil(t, s.mcpServer)

	result, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	tools := make(map[string]mcp.Tool, len(result.Tools))
	for _, tool := range result.Tools {
		tools[tool.Name] = tool
	}
	assert.Len(t, tools, 4)
	for _, name := range []string{"execute_code", "list_code_api", "sandbox_stats", "sandbox_modes"} {
		assert.Contains(t, tools, name)
	}
	assert.Equal(t, []string{"code"}, tools["execute_code"].InputSchema.Required)
	assert.Contains(t, tools["execute_code"].Description, "api.core.{listTables, readQuery}")
}

func TestExecuteCode(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		exec := &mockExecutor{response: &codemode.Response{
			Result:      &sandbox.Result{Success: true, Value: map[string]any{"n": 1.0}},
			ExecutionID: "exec-1",
			Mode:        sandbox.ModeProcess,
			ToolCalls:   []bindings.CallRecord{{Group: "core", Method: "readQuery", Tool: "sqlite_read_query"}},
		}}
		_, c := newTestServer(t, exec)

		text, isError := callTool(t, c, "execute_code", map[string]any{"code": "return {n: 1}", "timeoutMs": 1500})
		assert.False(t, isError)
		assert.Equal(t, "return {n: 1}", exec.code)
		assert.Equal(t, 1500*time.Millisecond, exec.opts.Timeout)

		var got map[string]any
		require.NoError(t, sonic.UnmarshalString(text, &got))
		assert.Equal(t, true, got["success"])
		assert.Equal(t, map[string]any{"n": 1.0}, got["result"])
		assert.Equal(t, "exec-1", got["executionId"])
		assert.Len(t, got["toolCalls"], 1)
	})

	t.Run("ScriptFailure", func(t *testing.T) {
		exec := &mockExecutor{response: &codemode.Response{
			Result: &sandbox.Result{Success: false, Kind: sandbox.KindRuntime, Error: "boom"},
		}}
		_, c := newTestServer(t, exec)

		text, isError := callTool(t, c, "execute_code", map[string]any{"code": "throw new Error('boom')"})
		assert.True(t, isError)
		assert.Contains(t, text, `"kind":"runtime"`)
		assert.Zero(t, exec.opts.Timeout)
	})

	t.Run("Rejected", func(t *testing.T) {
		exec := &mockExecutor{err: errors.New("pool exhausted")}
		_, c := newTestServer(t, exec)

		text, isError := callTool(t, c, "execute_code", map[string]any{"code": "return 1"})
		assert.True(t, isError)
		assert.Equal(t, "Execution failed: pool exhausted", text)
	})

	t.Run("MissingCode", func(t *testing.T) {
		_, c := newTestServer(t, &mockExecutor{})
		text, isError := callTool(t, c, "execute_code", map[string]any{})
		assert.True(t, isError)
		assert.Contains(t, text, "code parameter is required")
	})
}

func TestDescribeTools(t *testing.T) {
	_, c := newTestServer(t, &mockExecutor{})

	text, isError := callTool(t, c, "list_code_api", nil)
	assert.False(t, isError)
	assert.Contains(t, text, `"aliases":["query"]`)
	assert.Contains(t, text, `"keys":["sql","params"]`)

	text, isError = callTool(t, c, "sandbox_stats", nil)
	assert.False(t, isError)
	assert.JSONEq(t, `{"mode":"process","available":1,"inUse":0,"max":4}`, text)

	text, isError = callTool(t, c, "sandbox_modes", nil)
	assert.False(t, isError)
	var modes struct {
		Current string             `json:"current"`
		Default string             `json:"default"`
		Modes   []sandbox.ModeInfo `json:"modes"`
	}
	require.NoError(t, sonic.UnmarshalString(text, &modes))
	assert.Equal(t, "process", modes.Current)
	assert.Equal(t, "process", modes.Default)
	assert.Len(t, modes.Modes, 2)
}

func TestExecuteDescription(t *testing.T) {
	assert.NotContains(t, executeDescription(nil), "Available")
}
