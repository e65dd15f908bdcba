package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/mcpserver"
	"github.com/isdmx/codemode/metrics"
	"github.com/isdmx/codemode/sandbox"
	"github.com/isdmx/codemode/sqltools"
)

// TestMain lets the test binary serve as its own process worker
func TestMain(m *testing.M) {
	if sandbox.IsWorkerProcess() {
		if err := sandbox.RunWorker(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type stack struct {
	client  *client.Client
	metrics *metrics.Metrics
}

// newStack wires config, database, bindings, pool, service and MCP server
// the way the serve command does.
func newStack(t *testing.T, mode sandbox.Mode) *stack {
	t.Helper()
	ctx := context.Background()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
sandbox:
  mode: %s
  timeout: 3s
  max_tool_calls: 20
  pool:
    min: 1
    max: 2
database:
  path: %s
`, mode, filepath.Join(t.TempDir(), "integration.db"))), 0o600))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	db, err := sqltools.Open(ctx, sqltools.DBConfig{Path: cfg.Database.Path, BusyTimeoutMs: cfg.Database.BusyTimeoutMs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := sqltools.NewProvider(logger, db, cfg.Database.ReadOnly)
	reg, err := provider.Registry()
	require.NoError(t, err)
	opts := sqltools.BindingOptions()
	opts.MaxToolCalls = cfg.Sandbox.MaxToolCalls
	binding, err := bindings.Build(logger, reg, opts)
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	sbOpts := cfg.SandboxOptions()
	sbOpts.WorkerCommand = []string{exe}
	sbOpts.WorkerEnv = []string{sandbox.WorkerEnvVar + "=1"}

	parsed, err := sandbox.ParseMode(cfg.Sandbox.Mode)
	require.NoError(t, err)
	factory, err := sandbox.NewFactory(logger, parsed, sbOpts)
	require.NoError(t, err)
	pool, err := factory.CreatePool("", cfg.PoolOptions(), sandbox.Options{})
	require.NoError(t, err)
	require.NoError(t, pool.Initialize(ctx))
	t.Cleanup(func() { _ = pool.Dispose() })

	m := metrics.New(metrics.NewRegistry())
	require.NoError(t, m.RegisterPool(pool))
	svc := codemode.New(logger, pool, binding, provider, codemode.Options{Timeout: cfg.Sandbox.Timeout, Metrics: m})

	server, err := mcpserver.New(cfg, logger, svc, factory)
	require.NoError(t, err)

	c, err := client.NewInProcessClient(server.GetMCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "integration", Version: "0.0.1"},
		},
	})
	require.NoError(t, err)

	return &stack{client: c, metrics: m}
}

func (s *stack) executeCode(t *testing.T, code string) (map[string]any, bool) {
	t.Helper()
	result, err := s.client.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "execute_code", Arguments: map[string]any{"code": code}},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var resp map[string]any
	require.NoError(t, sonic.UnmarshalString(text.Text, &resp), text.Text)
	return resp, result.IsError
}

func TestIntegrationExecuteCode(t *testing.T) {
	for _, mode := range []sandbox.Mode{sandbox.ModeShared, sandbox.ModeProcess} {
		t.Run(string(mode), func(t *testing.T) {
			s := newStack(t, mode)

			resp, isError := s.executeCode(t, `
				await api.core.createTable("orders", [
					{name: "id", type: "INTEGER", primaryKey: true},
					{name: "total", type: "REAL", notNull: true},
				]);
				await api.core.insert("orders", [{id: 1, total: 9.5}, {id: 2, total: 20}]);

				const { transactionId } = await api.transaction.start();
				await api.transaction.execute(transactionId, "UPDATE orders SET total = total * 2");
				await api.transaction.commit(transactionId);

				const rows = await api.core.query("SELECT SUM(total) AS sum FROM orders");
				console.info("orders", rows);
				return rows[0].sum;
			`)
			require.False(t, isError, resp["error"])
			assert.Equal(t, true, resp["success"])
			assert.EqualValues(t, 59, resp["result"])
			assert.Equal(t, string(mode), resp["mode"])
			assert.Len(t, resp["toolCalls"], 6)
			assert.Len(t, resp["console"], 1)

			// Uncommitted work is rolled back when a script fails.
			resp, isError = s.executeCode(t, `
				const tx = await api.transaction.begin();
				await api.transaction.execute(tx.transactionId, "DELETE FROM orders");
				null.boom;
			`)
			assert.True(t, isError)
			assert.Equal(t, "runtime", resp["kind"])

			resp, _ = s.executeCode(t, `return (await api.core.query("SELECT COUNT(*) AS n FROM orders"))[0].n`)
			assert.EqualValues(t, 2, resp["result"])

			// Isolation holds in both modes.
			resp, _ = s.executeCode(t, `return [typeof require, typeof process, typeof fetch, typeof setTimeout].join(",")`)
			assert.Equal(t, "undefined,undefined,undefined,undefined", resp["result"])

			resp, isError = s.executeCode(t, `while (true) {}`)
			assert.True(t, isError)
			assert.Equal(t, "timeout", resp["kind"])

			resp, _ = s.executeCode(t, `return "recovered"`)
			assert.Equal(t, "recovered", resp["result"])

			assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Executions.WithLabelValues(string(mode), "timeout")))
			assert.Equal(t, 4.0, testutil.ToFloat64(s.metrics.Executions.WithLabelValues(string(mode), metrics.OutcomeSuccess)))
		})
	}
}

func TestIntegrationDescribe(t *testing.T) {
	s := newStack(t, sandbox.ModeShared)

	result, err := s.client.CallTool(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "list_code_api"},
	})
	require.NoError(t, err)
	text := result.Content[0].(mcp.TextContent).Text

	var api struct {
		Groups []bindings.GroupInfo `json:"groups"`
	}
	require.NoError(t, sonic.UnmarshalString(text, &api))
	require.Len(t, api.Groups, 3)
	assert.Equal(t, "core", api.Groups[0].Name)
	assert.Equal(t, "transaction", api.Groups[1].Name)
	assert.Equal(t, "admin", api.Groups[2].Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err = s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "sandbox_stats"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"shared","available":1,"inUse":0,"max":2}`, result.Content[0].(mcp.TextContent).Text)
}
