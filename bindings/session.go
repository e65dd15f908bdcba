package bindings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isdmx/codemode/registry"
)

// CallRecord captures one tool invocation made by a script
type CallRecord struct {
	Group      string `json:"group"`
	Method     string `json:"method"`
	Tool       string `json:"tool,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Session is a Binding bound to one ExecutionContext. It is handed to a
// sandbox as the script's bindings and records every call made through it.
type Session struct {
	binding *Binding
	ec      registry.ExecutionContext

	mu        sync.Mutex
	calls     []CallRecord
	callCount int
}

// Session binds b to ec for a single execution
func (b *Binding) Session(ec registry.ExecutionContext) *Session {
	return &Session{binding: b, ec: ec}
}

// Methods returns the callable names per group, aliases included
func (s *Session) Methods() map[string][]string {
	return s.binding.Methods()
}

// Invoke calls group.method with raw script arguments
func (s *Session) Invoke(ctx context.Context, group, method string, args []any) (any, error) {
	s.mu.Lock()
	if s.binding.maxToolCalls > 0 && s.callCount >= s.binding.maxToolCalls {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: max tool calls (%d) exceeded", ErrLimitExceeded, s.binding.maxToolCalls)
	}
	s.callCount++
	s.mu.Unlock()

	record := CallRecord{Group: group, Method: method}
	if m, err := s.binding.Resolve(group, method); err == nil {
		record.Method = m.Name
		record.Tool = m.Tool.Name
	}

	start := time.Now()
	result, err := s.binding.Call(ctx, s.ec, group, method, args)
	record.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		record.Error = err.Error()
	}

	s.mu.Lock()
	s.calls = append(s.calls, record)
	s.mu.Unlock()

	return result, err
}

// Calls returns a copy of the recorded calls
func (s *Session) Calls() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallRecord(nil), s.calls...)
}

// ExecutionContext returns the context the session is bound to
func (s *Session) ExecutionContext() registry.ExecutionContext {
	return s.ec
}
