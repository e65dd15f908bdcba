package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const workerShutdownTimeout = time.Second

// ProcessSandbox runs each script in a long-lived worker subprocess. Tool
// calls cross the process boundary as JSON messages and are served by the
// host. A timed-out worker is killed and replaced on the next run.
type ProcessSandbox struct {
	logger   *zap.Logger
	opts     Options
	launcher Launcher

	mu      sync.Mutex
	worker  *workerProc
	seq     uint64
	spawns  int
	healthy atomic.Bool
	closed  atomic.Bool
}

// ProcessOption defines a functional option for ProcessSandbox
type ProcessOption func(*ProcessSandbox)

// WithLauncher sets the Launcher used to start workers
func WithLauncher(l Launcher) ProcessOption {
	return func(s *ProcessSandbox) {
		s.launcher = l
	}
}

type workerProc struct {
	proc   Process
	stdin  io.WriteCloser
	stderr *zapio.Writer
	enc    sonic.Encoder
	msgs   chan message
	done   chan struct{}

	// readDone is closed when readLoop returns
	readDone chan struct{}

	// readErr is written before msgs is closed
	readErr error
}

// NewProcessSandbox creates a ProcessSandbox. The worker starts lazily on
// the first Execute.
func NewProcessSandbox(logger *zap.Logger, opts Options, options ...ProcessOption) (*ProcessSandbox, error) {
	opts = opts.withDefaults()
	if len(opts.WorkerCommand) == 0 {
		command, err := defaultWorkerCommand()
		if err != nil {
			return nil, err
		}
		opts.WorkerCommand = command
	}

	s := &ProcessSandbox{
		logger:   logger.With(zap.String("sandbox", string(ModeProcess))),
		opts:     opts,
		launcher: ExecLauncher{},
	}
	for _, opt := range options {
		opt(s)
	}
	s.healthy.Store(true)
	return s, nil
}

// Mode returns ModeProcess
func (s *ProcessSandbox) Mode() Mode {
	return ModeProcess
}

// Healthy reports whether the sandbox may run another script
func (s *ProcessSandbox) Healthy() bool {
	return s.healthy.Load() && !s.closed.Load()
}

// Dispose stops the worker. The worker is asked to exit by closing its
// stdin and killed if it does not.
func (s *ProcessSandbox) Dispose() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return nil
	}
	w := s.worker
	s.worker = nil
	s.stop(w, false)
	return nil
}

// Execute runs code in the worker and serves its tool calls from api
func (s *ProcessSandbox) Execute(ctx context.Context, code string, api Bindings) *Result {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || !s.healthy.Load() {
		s.logger.Warn("Execute called on unusable sandbox")
		return finish(faultResult(), start)
	}

	if s.worker == nil {
		if err := s.spawn(); err != nil {
			s.logger.Error("Failed to start worker", zap.Error(err))
			s.healthy.Store(false)
			return finish(faultResult(), start)
		}
	}
	w := s.worker

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	s.seq++
	id := s.seq
	var methods map[string][]string
	if api != nil {
		methods = api.Methods()
	}
	req := message{
		Type:             msgExec,
		ID:               id,
		Code:             code,
		Methods:          methods,
		MaxCallStackSize: s.opts.MaxCallStackSize,
		MemoryLimitMB:    s.opts.MemoryLimitMB,
	}
	if err := w.enc.Encode(req); err != nil {
		return finish(s.fault("failed to send script", err), start)
	}

	// Tool calls run off the loop so a handler that ignores ctx cannot
	// hold the deadline.
	replies := make(chan message, 1)
	finished := make(chan struct{})
	defer close(finished)
	pending := 0

	for {
		select {
		case msg, ok := <-w.msgs:
			if !ok {
				return finish(s.fault("worker exited", w.readErr), start)
			}

			switch msg.Type {
			case msgCall:
				if api == nil {
					reply := message{Type: msgReply, ID: msg.ID, Error: fmt.Sprintf("%s.%s is not available", msg.Group, msg.Method)}
					if err := w.enc.Encode(reply); err != nil {
						return finish(s.fault("failed to send reply", err), start)
					}
					continue
				}
				pending++
				go func(call message) {
					reply := message{Type: msgReply, ID: call.ID}
					if value, err := api.Invoke(ctx, call.Group, call.Method, call.Args); err != nil {
						reply.Error = err.Error()
					} else {
						reply.Value = value
					}
					select {
					case replies <- reply:
					case <-finished:
					}
				}(msg)
			case msgResult:
				if msg.ID != id || msg.Result == nil {
					return finish(s.fault("unexpected result", fmt.Errorf("result %d for exec %d", msg.ID, id)), start)
				}
				res := msg.Result
				if res.Kind == KindFault {
					s.logger.Error("Worker reported a fault")
					s.healthy.Store(false)
				}
				if s.opts.Console == ConsoleForward {
					for _, entry := range res.Console {
						logConsole(s.logger, entry)
					}
					res.Console = nil
				}
				return finish(res, start)
			default:
				return finish(s.fault("unexpected message", fmt.Errorf("type %q", msg.Type)), start)
			}

		case reply := <-replies:
			pending--
			if err := w.enc.Encode(reply); err != nil {
				return finish(s.fault("failed to send reply", err), start)
			}

		case <-ctx.Done():
			// A stuck worker is replaced; the sandbox itself stays usable
			// unless a tool call outlives the grace period.
			s.kill()
			reason := fmt.Sprintf("execution timed out after %s", s.opts.Timeout)
			if msg := interruptMessage(ctx); msg != "execution timed out" {
				reason = msg
			}
			s.logger.Warn("Worker killed", zap.String("reason", reason))
			if pending > 0 && !s.awaitCalls(replies, pending) {
				s.logger.Error("Tool call did not return after timeout",
					zap.Duration("grace", s.opts.InterruptGrace))
				s.healthy.Store(false)
			}
			return finish(failure(KindTimeout, reason, ""), start)
		}
	}
}

// awaitCalls waits up to the interrupt grace for n in-flight tool calls
func (s *ProcessSandbox) awaitCalls(replies <-chan message, n int) bool {
	grace := time.NewTimer(s.opts.InterruptGrace)
	defer grace.Stop()
	for ; n > 0; n-- {
		select {
		case <-replies:
		case <-grace.C:
			return false
		}
	}
	return true
}

func (s *ProcessSandbox) spawn() error {
	stderr := &zapio.Writer{Log: s.logger.With(zap.String("stream", "worker-stderr")), Level: zapcore.WarnLevel}
	proc, stdin, stdout, err := s.launcher.Launch(s.opts.WorkerCommand, s.opts.WorkerEnv, stderr)
	if err != nil {
		return err
	}

	w := &workerProc{
		proc:     proc,
		stdin:    stdin,
		stderr:   stderr,
		enc:      newEncoder(stdin),
		msgs:     make(chan message, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go w.readLoop(stdout)

	s.worker = w
	s.spawns++
	s.logger.Debug("Worker started", zap.Int("spawns", s.spawns))
	return nil
}

func (w *workerProc) readLoop(stdout io.Reader) {
	defer close(w.readDone)
	dec := newDecoder(stdout)
	for {
		var msg message
		if err := dec.Decode(&msg); err != nil {
			w.readErr = err
			close(w.msgs)
			return
		}
		select {
		case w.msgs <- msg:
		case <-w.done:
			return
		}
	}
}

// kill terminates the current worker; callers hold s.mu
func (s *ProcessSandbox) kill() {
	w := s.worker
	if w == nil {
		return
	}
	s.worker = nil
	s.stop(w, true)
}

// stop ends w's process and reaps it. Wait closes stdout, so it only runs
// once readLoop has returned.
func (s *ProcessSandbox) stop(w *workerProc, kill bool) {
	close(w.done)
	if kill {
		if err := w.proc.Kill(); err != nil {
			s.logger.Warn("Failed to kill worker", zap.Error(err))
		}
	}
	_ = w.stdin.Close()

	if !w.awaitReader() && !kill {
		_ = w.proc.Kill()
		w.awaitReader()
	}
	_ = w.proc.Wait()
	_ = w.stderr.Close()
}

func (w *workerProc) awaitReader() bool {
	timer := time.NewTimer(workerShutdownTimeout)
	defer timer.Stop()
	select {
	case <-w.readDone:
		return true
	case <-timer.C:
		return false
	}
}

// fault kills the worker, marks the sandbox unhealthy and returns the
// generic fault result
func (s *ProcessSandbox) fault(reason string, err error) *Result {
	s.logger.Error("Sandbox fault", zap.String("reason", reason), zap.Error(err))
	s.kill()
	s.healthy.Store(false)
	return faultResult()
}
