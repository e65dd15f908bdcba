package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/sandbox"
)

// Server identity reported to MCP clients
const (
	Name    = "codemode"
	Version = "0.1.0"
)

// Executor runs scripts and describes the api they can call.
// *codemode.Service implements it.
type Executor interface {
	Execute(ctx context.Context, code string, opts codemode.ExecuteOptions) (*codemode.Response, error)
	Describe() []bindings.GroupInfo
	Stats() sandbox.Stats
}

// ModeCatalog describes the available isolation modes. *sandbox.Factory
// implements it.
type ModeCatalog interface {
	AvailableModes() []sandbox.Mode
	ModeInfo(mode sandbox.Mode) (sandbox.ModeInfo, error)
	DefaultMode() sandbox.Mode
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	modes     ModeCatalog
	mcpServer *server.MCPServer

	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor, modes ModeCatalog) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		modes:    modes,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.mode", cfg.Sandbox.Mode),
		zap.Duration("sandbox.timeout", cfg.Sandbox.Timeout),
		zap.String("sandbox.console", cfg.Sandbox.Console),
		zap.Int("sandbox.max_tool_calls", cfg.Sandbox.MaxToolCalls),
		zap.Int("sandbox.pool.min", cfg.Sandbox.Pool.Min),
		zap.Int("sandbox.pool.max", cfg.Sandbox.Pool.Max),
		zap.String("sandbox.pool.backpressure", cfg.Sandbox.Pool.Backpressure),
		zap.String("database.path", cfg.Database.Path),
		zap.Bool("database.read_only", cfg.Database.ReadOnly),
		zap.Bool("metrics.enabled", cfg.Metrics.Enabled),
	)

	s.mcpServer = server.NewMCPServer(Name, Version, server.WithToolCapabilities(false))

	s.registerExecuteCodeTool()
	s.registerListCodeAPITool()
	s.registerSandboxStatsTool()
	s.registerSandboxModesTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: executeDescription(s.executor.Describe()),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript function body; use await for api calls and return the result",
				},
				"timeoutMs": map[string]any{
					"type":        "number",
					"description": "Shorter execution limit in milliseconds (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListCodeAPITool() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_code_api",
		Description: "List the api groups, methods, aliases and positional parameters available to execute_code",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleListCodeAPI)
}

func (s *MCPServer) registerSandboxStatsTool() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_stats",
		Description: "Report sandbox pool occupancy",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleSandboxStats)
}

func (s *MCPServer) registerSandboxModesTool() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_modes",
		Description: "Describe the available isolation modes and the one in use",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleSandboxModes)
}

// executeDescription summarizes the callable api in the tool description
func executeDescription(groups []bindings.GroupInfo) string {
	var b strings.Builder
	b.WriteString("Execute JavaScript in a sandbox. The code runs as the body of an async function; ")
	b.WriteString("call tools through the global api object, e.g. `const rows = await api.core.query(\"SELECT 1\")`, ")
	b.WriteString("and return the value to report.")
	if len(groups) == 0 {
		return b.String()
	}
	b.WriteString(" Available: ")
	for i, g := range groups {
		if i > 0 {
			b.WriteString("; ")
		}
		names := make([]string, 0, len(g.Methods))
		for _, m := range g.Methods {
			names = append(names, m.Name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "api.%s.{%s}", g.Name, strings.Join(names, ", "))
	}
	b.WriteString(". Use list_code_api for aliases and parameters.")
	return b.String()
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}

	var opts codemode.ExecuteOptions
	if ms := request.GetFloat("timeoutMs", 0); ms > 0 {
		opts.Timeout = time.Duration(ms * float64(time.Millisecond))
	}

	s.logger.Info("code execution requested",
		zap.Int("code_len", len(code)),
		zap.Duration("timeout", opts.Timeout))

	resp, err := s.executor.Execute(ctx, code, opts)
	if err != nil {
		s.logger.Error("code execution failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	text, err := sonic.MarshalString(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !resp.Success,
	}, nil
}

func (s *MCPServer) handleListCodeAPI(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"groups": s.executor.Describe()})
}

func (s *MCPServer) handleSandboxStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.executor.Stats())
}

func (s *MCPServer) handleSandboxModes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	available := s.modes.AvailableModes()
	infos := make([]sandbox.ModeInfo, 0, len(available))
	for _, mode := range available {
		info, err := s.modes.ModeInfo(mode)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return jsonResult(map[string]any{
		"current": s.executor.Stats().Mode,
		"default": s.modes.DefaultMode(),
		"modes":   infos,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	text, err := sonic.MarshalString(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(text), nil
}

// ServeStdio serves MCP over in and out until ctx is done or in closes
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server on stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	err := s.httpServer.Start(fmt.Sprintf(":%d", port))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
