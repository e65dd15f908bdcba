// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger in development or
// production mode. Logs always go to stderr so stdout stays free for the
// MCP stdio transport and the sandbox worker protocol.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
package logger
