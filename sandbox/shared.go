package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SharedSandbox runs scripts in a hardened goja runtime inside the host
// process. Isolation is limited to a fresh function scope per script and
// frozen intrinsics; it is the fast, weaker mode.
type SharedSandbox struct {
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	engine  *engine
	runs    int
	healthy atomic.Bool
	closed  atomic.Bool
}

// NewSharedSandbox creates a SharedSandbox with a ready runtime
func NewSharedSandbox(logger *zap.Logger, opts Options) (*SharedSandbox, error) {
	opts = opts.withDefaults()
	eng, err := newEngine(opts.MaxCallStackSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	s := &SharedSandbox{
		logger: logger.With(zap.String("sandbox", string(ModeShared))),
		opts:   opts,
		engine: eng,
	}
	s.healthy.Store(true)
	return s, nil
}

// Mode returns ModeShared
func (s *SharedSandbox) Mode() Mode {
	return ModeShared
}

// Healthy reports whether the sandbox may run another script
func (s *SharedSandbox) Healthy() bool {
	return s.healthy.Load() && !s.closed.Load()
}

// Dispose releases the runtime. Further executions report a fault.
func (s *SharedSandbox) Dispose() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.engine = nil
	s.mu.Unlock()
	return nil
}

// Execute runs code with api injected as the global api object
func (s *SharedSandbox) Execute(ctx context.Context, code string, api Bindings) *Result {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || !s.healthy.Load() {
		s.logger.Warn("Execute called on unusable sandbox")
		return finish(faultResult(), start)
	}

	if s.engine == nil {
		eng, err := newEngine(s.opts.MaxCallStackSize)
		if err != nil {
			s.logger.Error("Failed to recreate runtime", zap.Error(err))
			s.healthy.Store(false)
			return finish(faultResult(), start)
		}
		s.engine = eng
	}
	eng := s.engine
	s.runs++

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	sink := newConsoleSink(forwarder(s.logger, s.opts.Console))
	done := make(chan outcome, 1)
	go func() {
		done <- eng.run(ctx, code, api, sink)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// The runtime was interrupted; a handler blocked in Go code may keep it busy.
		grace := time.NewTimer(s.opts.InterruptGrace)
		defer grace.Stop()
		select {
		case out = <-done:
		case <-grace.C:
			s.logger.Error("Script did not stop after interrupt",
				zap.Duration("grace", s.opts.InterruptGrace))
			s.healthy.Store(false)
			s.engine = nil
			res := failure(KindTimeout, s.timeoutMessage(ctx), "")
			res.Console = sink.drain()
			return finish(res, start)
		}
	}

	if out.tainted {
		// A fresh runtime is built lazily on the next run.
		s.engine = nil
	}
	if out.kind == KindFault {
		s.logger.Error("Sandbox fault", zap.Error(out.fault))
		s.healthy.Store(false)
	}
	if out.kind == KindTimeout {
		out.message = s.timeoutMessage(ctx)
	}

	res := out.result()
	res.Console = sink.drain()
	s.logger.Debug("Script finished",
		zap.Bool("success", res.Success),
		zap.String("kind", string(res.Kind)),
		zap.Int("runs", s.runs))
	return finish(res, start)
}

func (s *SharedSandbox) timeoutMessage(ctx context.Context) string {
	if msg := interruptMessage(ctx); msg != "execution timed out" {
		return msg
	}
	return fmt.Sprintf("execution timed out after %s", s.opts.Timeout)
}

func finish(res *Result, start time.Time) *Result {
	res.Duration = time.Since(start)
	return res
}
