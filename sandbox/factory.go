package sandbox

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ModeInfo describes the trade-offs of an isolation mode
type ModeInfo struct {
	Mode        Mode   `json:"mode" yaml:"mode"`
	Name        string `json:"name" yaml:"name"`
	Isolation   string `json:"isolation" yaml:"isolation"`
	Performance string `json:"performance" yaml:"performance"`
	Overhead    string `json:"overhead" yaml:"overhead"`
	Description string `json:"description" yaml:"description"`
}

var modeInfo = map[Mode]ModeInfo{
	ModeShared: {
		Mode:        ModeShared,
		Name:        "Shared runtime",
		Isolation:   "weak: separate function scope and frozen intrinsics in the host process",
		Performance: "fast",
		Overhead:    "one goja runtime per instance, reused across scripts",
		Description: "Runs scripts inside the host process. Suited to trusted or low-risk scripts.",
	},
	ModeProcess: {
		Mode:        ModeProcess,
		Name:        "Worker process",
		Isolation:   "strong: separate OS process with its own heap, killed on timeout",
		Performance: "moderate",
		Overhead:    "one subprocess per instance plus JSON message passing per tool call",
		Description: "Runs scripts in a worker subprocess. Suited to untrusted scripts.",
	},
}

// ParseMode resolves a mode name. "vm" and "context" are accepted for
// shared, "worker" and "isolate" for process.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "shared", "vm", "context":
		return ModeShared, nil
	case "process", "worker", "isolate":
		return ModeProcess, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// Factory creates sandboxes and pools for a configured default mode
type Factory struct {
	logger   *zap.Logger
	base     Options
	launcher Launcher

	mu          sync.RWMutex
	defaultMode Mode
}

// FactoryOption defines a functional option for Factory
type FactoryOption func(*Factory)

// WithFactoryLauncher sets the Launcher for process sandboxes
func WithFactoryLauncher(l Launcher) FactoryOption {
	return func(f *Factory) {
		f.launcher = l
	}
}

// NewFactory creates a Factory. base supplies option values that callers
// leave zero.
func NewFactory(logger *zap.Logger, defaultMode Mode, base Options, options ...FactoryOption) (*Factory, error) {
	if _, ok := modeInfo[defaultMode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, defaultMode)
	}
	f := &Factory{
		logger:      logger,
		base:        base.withDefaults(),
		defaultMode: defaultMode,
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// CreateSandbox creates one sandbox. An empty mode selects the default.
func (f *Factory) CreateSandbox(mode Mode, opts Options) (Sandbox, error) {
	if mode == "" {
		mode = f.DefaultMode()
	}
	opts = opts.inherit(f.base)

	switch mode {
	case ModeShared:
		return NewSharedSandbox(f.logger, opts)
	case ModeProcess:
		var options []ProcessOption
		if f.launcher != nil {
			options = append(options, WithLauncher(f.launcher))
		}
		return NewProcessSandbox(f.logger, opts, options...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// CreatePool creates a pool of sandboxes of one mode. The pool is not
// pre-warmed.
func (f *Factory) CreatePool(mode Mode, poolOpts PoolOptions, opts Options) (*Pool, error) {
	if mode == "" {
		mode = f.DefaultMode()
	}
	if _, ok := modeInfo[mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return NewPool(f.logger, mode, poolOpts, func() (Sandbox, error) {
		return f.CreateSandbox(mode, opts)
	})
}

// SetDefaultMode changes the mode used when none is given
func (f *Factory) SetDefaultMode(mode Mode) error {
	if _, ok := modeInfo[mode]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultMode = mode
	return nil
}

// DefaultMode returns the mode used when none is given
func (f *Factory) DefaultMode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultMode
}

// AvailableModes lists supported modes
func (f *Factory) AvailableModes() []Mode {
	return []Mode{ModeShared, ModeProcess}
}

// ModeInfo describes a mode
func (f *Factory) ModeInfo(mode Mode) (ModeInfo, error) {
	info, ok := modeInfo[mode]
	if !ok {
		return ModeInfo{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return info, nil
}
