package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Backpressure selects what a full pool does with a new request
type Backpressure string

// Backpressure policies
const (
	BackpressureWait   Backpressure = "wait"
	BackpressureReject Backpressure = "reject"
)

// PoolOptions configures a Pool
type PoolOptions struct {
	// Min instances are created by Initialize and kept when replacing
	// faulted ones.
	Min int
	// Max bounds in-use plus idle instances.
	Max int
	// Backpressure applies when Max instances are in use.
	Backpressure Backpressure
	// AcquireTimeout bounds waiting for a slot; zero waits until the
	// caller's context is done.
	AcquireTimeout time.Duration
}

// DefaultPoolOptions returns the default pool options
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		Min:            0,
		Max:            4,
		Backpressure:   BackpressureWait,
		AcquireTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of pool occupancy
type Stats struct {
	Mode      Mode `json:"mode" yaml:"mode"`
	Available int  `json:"available" yaml:"available"`
	InUse     int  `json:"inUse" yaml:"inUse"`
	Max       int  `json:"max" yaml:"max"`
}

// NewFunc creates one sandbox instance for a pool
type NewFunc func() (Sandbox, error)

// Pool bounds concurrent executions and recycles healthy sandboxes.
// Every slot in use holds one token; idle instances never hold one, so
// in-use plus idle never exceeds Max.
type Pool struct {
	logger     *zap.Logger
	opts       PoolOptions
	mode       Mode
	newSandbox NewFunc

	slots   chan struct{}
	closing chan struct{}

	mu     sync.Mutex
	idle   []Sandbox
	inUse  int
	closed bool
}

// NewPool creates an empty pool. Call Initialize to pre-warm Min instances.
func NewPool(logger *zap.Logger, mode Mode, opts PoolOptions, newSandbox NewFunc) (*Pool, error) {
	if opts.Max <= 0 {
		return nil, fmt.Errorf("pool max must be positive, got %d", opts.Max)
	}
	if opts.Min < 0 || opts.Min > opts.Max {
		return nil, fmt.Errorf("pool min must be between 0 and %d, got %d", opts.Max, opts.Min)
	}
	switch opts.Backpressure {
	case "":
		opts.Backpressure = BackpressureWait
	case BackpressureWait, BackpressureReject:
	default:
		return nil, fmt.Errorf("unsupported backpressure policy: %s", opts.Backpressure)
	}
	if newSandbox == nil {
		return nil, errors.New("pool requires a sandbox constructor")
	}

	return &Pool{
		logger:     logger.With(zap.String("pool", string(mode))),
		opts:       opts,
		mode:       mode,
		newSandbox: newSandbox,
		slots:      make(chan struct{}, opts.Max),
		closing:    make(chan struct{}),
	}, nil
}

// Initialize creates instances until Min are available
func (p *Pool) Initialize(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		missing := p.opts.Min - len(p.idle) - p.inUse
		p.mu.Unlock()
		if missing <= 0 {
			return nil
		}

		sb, err := p.newSandbox()
		if err != nil {
			return fmt.Errorf("failed to pre-warm sandbox: %w", err)
		}
		p.mu.Lock()
		if p.closed || len(p.idle)+p.inUse >= p.opts.Max {
			p.mu.Unlock()
			p.dispose(sb)
			continue
		}
		p.idle = append(p.idle, sb)
		p.mu.Unlock()
	}
}

// Execute runs code on a pooled sandbox. Script failures are reported in
// the Result; the error is non-nil only when no sandbox could be acquired.
func (p *Pool) Execute(ctx context.Context, code string, api Bindings) (*Result, error) {
	sb, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(sb)
	return sb.Execute(ctx, code, api), nil
}

// Stats returns current occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Mode: p.mode, Available: len(p.idle), InUse: p.inUse, Max: p.opts.Max}
}

// Mode returns the isolation mode of pooled instances
func (p *Pool) Mode() Mode {
	return p.mode
}

// Dispose closes the pool and disposes idle instances. In-use instances
// are disposed when released.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, sb := range idle {
		if err := sb.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) acquire(ctx context.Context) (Sandbox, error) {
	if err := p.takeSlot(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var stale []Sandbox
	for len(p.idle) > 0 {
		sb := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if sb.Healthy() {
			p.inUse++
			p.mu.Unlock()
			p.disposeAll(stale)
			return sb, nil
		}
		stale = append(stale, sb)
	}
	p.inUse++
	p.mu.Unlock()
	p.disposeAll(stale)

	sb, err := p.newSandbox()
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		<-p.slots
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return sb, nil
}

func (p *Pool) takeSlot(ctx context.Context) error {
	select {
	case <-p.closing:
		return ErrPoolClosed
	default:
	}

	if p.opts.Backpressure == BackpressureReject {
		select {
		case p.slots <- struct{}{}:
			return nil
		default:
			return ErrPoolExhausted
		}
	}

	var timeout <-chan time.Time
	if p.opts.AcquireTimeout > 0 {
		timer := time.NewTimer(p.opts.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-timeout:
		return ErrAcquireTimeout
	case <-ctx.Done():
		return fmt.Errorf("waiting for sandbox: %w", ctx.Err())
	}
}

// release returns sb to the idle set or replaces it when it faulted
func (p *Pool) release(sb Sandbox) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		p.dispose(sb)
		return
	}
	if sb.Healthy() {
		p.idle = append(p.idle, sb)
		p.mu.Unlock()
		return
	}
	replace := len(p.idle)+p.inUse < p.opts.Min
	p.mu.Unlock()

	p.logger.Warn("Discarding faulted sandbox")
	p.dispose(sb)
	if !replace {
		return
	}

	repl, err := p.newSandbox()
	if err != nil {
		p.logger.Error("Failed to replace faulted sandbox", zap.Error(err))
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.dispose(repl)
		return
	}
	p.idle = append(p.idle, repl)
	p.mu.Unlock()
}

func (p *Pool) dispose(sb Sandbox) {
	if err := sb.Dispose(); err != nil {
		p.logger.Warn("Failed to dispose sandbox", zap.Error(err))
	}
}

func (p *Pool) disposeAll(sbs []Sandbox) {
	for _, sb := range sbs {
		p.dispose(sb)
	}
}
