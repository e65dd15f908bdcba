// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes Code Mode over MCP with the mark3labs/mcp-go
// library. execute_code runs a script against the tool api; list_code_api,
// sandbox_stats and sandbox_modes describe the api, the pool and the
// isolation modes.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, service, factory)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx, os.Stdin, os.Stdout) // or server.ServeHTTP()
package mcpserver
