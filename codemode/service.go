package codemode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/metrics"
	"github.com/isdmx/codemode/registry"
	"github.com/isdmx/codemode/sandbox"
)

// ErrEmptyCode is returned when there is no script to run
var ErrEmptyCode = errors.New("code is required")

// Executor runs scripts on pooled sandboxes. *sandbox.Pool implements it.
type Executor interface {
	Execute(ctx context.Context, code string, api sandbox.Bindings) (*sandbox.Result, error)
	Stats() sandbox.Stats
	Mode() sandbox.Mode
}

// Options configures a Service
type Options struct {
	// Timeout is the execution limit the pool's sandboxes were built with.
	// Per-call timeouts may only be shorter.
	Timeout time.Duration

	// Metrics receives execution and tool call observations. Nil disables them.
	Metrics *metrics.Metrics
}

// ExecuteOptions are per-call settings
type ExecuteOptions struct {
	// Timeout shortens the configured limit for this call. Zero or a value
	// above the configured limit keeps the configured one.
	Timeout time.Duration
}

// Response is the outcome of one execution. The embedded Result carries
// success, the value or the error with its kind, and console output.
type Response struct {
	*sandbox.Result
	ExecutionID string                `json:"executionId"`
	Mode        sandbox.Mode          `json:"mode"`
	ToolCalls   []bindings.CallRecord `json:"toolCalls"`
	DurationMs  int64                 `json:"durationMs"`
}

// Service ties the pool, the tool bindings and per-execution contexts
// together.
type Service struct {
	logger   *zap.Logger
	pool     Executor
	binding  *bindings.Binding
	contexts registry.ContextFactory
	opts     Options
}

// New creates a Service
func New(logger *zap.Logger, pool Executor, binding *bindings.Binding, contexts registry.ContextFactory, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = sandbox.DefaultTimeout
	}
	return &Service{
		logger:   logger.With(zap.String("component", "codemode")),
		pool:     pool,
		binding:  binding,
		contexts: contexts,
		opts:     opts,
	}
}

// Execute runs code with the bindings injected as the global api object.
// Script failures are reported in the Response; the error is non-nil only
// when the execution could not be started.
func (s *Service) Execute(ctx context.Context, code string, opts ExecuteOptions) (*Response, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}

	ec, err := s.contexts.NewExecutionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating execution context: %w", err)
	}
	session := s.binding.Session(ec)
	log := s.logger.With(zap.String("execution_id", ec.ID()))

	timeout := s.opts.Timeout
	if opts.Timeout > 0 && opts.Timeout < timeout {
		timeout = opts.Timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Debug("Executing script",
		zap.String("mode", string(s.pool.Mode())),
		zap.Int("code_len", len(code)),
		zap.Duration("timeout", timeout))

	start := time.Now()
	res, err := s.pool.Execute(ctx, code, session)
	elapsed := time.Since(start)
	if err != nil {
		if closeErr := ec.Close(false); closeErr != nil {
			log.Warn("Failed to close execution context", zap.Error(closeErr))
		}
		s.observe(nil, nil, elapsed)
		log.Warn("Execution rejected", zap.Error(err))
		return nil, err
	}

	if res.Kind == sandbox.KindTimeout && timeout < s.opts.Timeout && ctx.Err() == context.DeadlineExceeded {
		res.Error = fmt.Sprintf("execution timed out after %s", timeout)
	}

	if err := ec.Close(res.Success); err != nil {
		log.Warn("Failed to close execution context", zap.Error(err))
	}

	calls := session.Calls()
	s.observe(res, calls, elapsed)

	fields := []zap.Field{
		zap.Bool("success", res.Success),
		zap.Int("tool_calls", len(calls)),
		zap.Duration("duration", elapsed),
	}
	if res.Success {
		log.Info("Script executed", fields...)
	} else {
		log.Info("Script failed", append(fields,
			zap.String("kind", string(res.Kind)),
			zap.String("error", res.Error))...)
	}

	return &Response{
		Result:      res,
		ExecutionID: ec.ID(),
		Mode:        s.pool.Mode(),
		ToolCalls:   calls,
		DurationMs:  elapsed.Milliseconds(),
	}, nil
}

func (s *Service) observe(res *sandbox.Result, calls []bindings.CallRecord, d time.Duration) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.ObserveExecution(s.pool.Mode(), res, d)
	if res != nil {
		s.opts.Metrics.ObserveToolCalls(calls)
	}
}

// Describe lists the api surface scripts can call
func (s *Service) Describe() []bindings.GroupInfo {
	return s.binding.Describe()
}

// Stats returns the pool occupancy
func (s *Service) Stats() sandbox.Stats {
	return s.pool.Stats()
}

// Timeout returns the configured execution limit
func (s *Service) Timeout() time.Duration {
	return s.opts.Timeout
}
