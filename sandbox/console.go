package sandbox

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxConsoleEntries = 1000
	maxConsoleMessage = 4096
)

// consoleSink collects console calls of one execution. With a forward
// function set, entries are handed off instead of buffered.
type consoleSink struct {
	mu      sync.Mutex
	entries []LogEntry
	dropped int
	forward func(LogEntry)
}

func newConsoleSink(forward func(LogEntry)) *consoleSink {
	return &consoleSink{forward: forward}
}

func (c *consoleSink) add(level, message string) {
	if len(message) > maxConsoleMessage {
		message = message[:maxConsoleMessage] + "...(truncated)"
	}
	entry := LogEntry{Level: level, Message: message, Time: time.Now()}
	if c.forward != nil {
		c.forward(entry)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxConsoleEntries {
		c.dropped++
		return
	}
	c.entries = append(c.entries, entry)
}

// drain returns buffered entries, noting dropped ones in a final warn entry
func (c *consoleSink) drain() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.entries
	if c.dropped > 0 {
		entries = append(entries, LogEntry{
			Level:   "warn",
			Message: "console output truncated",
			Time:    time.Now(),
		})
	}
	c.entries, c.dropped = nil, 0
	return entries
}

// logConsole writes one script console entry to the host logger
func logConsole(logger *zap.Logger, entry LogEntry) {
	fields := []zap.Field{zap.String("console", entry.Level), zap.String("message", entry.Message)}
	switch entry.Level {
	case "error":
		logger.Error("script console", fields...)
	case "warn":
		logger.Warn("script console", fields...)
	case "debug":
		logger.Debug("script console", fields...)
	default:
		logger.Info("script console", fields...)
	}
}

func forwarder(logger *zap.Logger, mode ConsoleMode) func(LogEntry) {
	if mode != ConsoleForward {
		return nil
	}
	return func(entry LogEntry) {
		logConsole(logger, entry)
	}
}
