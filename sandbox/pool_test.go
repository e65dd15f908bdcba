package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// fakeSandbox answers with the code it was given. "fault" marks it
// unhealthy; "block" waits for the release channel.
type fakeSandbox struct {
	release  <-chan struct{}
	inFlight *atomic.Int32
	peak     *atomic.Int32

	healthy  atomic.Bool
	disposed atomic.Bool
}

func (s *fakeSandbox) Execute(ctx context.Context, code string, _ Bindings) *Result {
	if s.inFlight != nil {
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			peak := s.peak.Load()
			if n <= peak || s.peak.CompareAndSwap(peak, n) {
				break
			}
		}
	}

	switch code {
	case "fault":
		s.healthy.Store(false)
		return faultResult()
	case "block":
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	case "sleep":
		time.Sleep(20 * time.Millisecond)
	}
	return &Result{Success: true, Value: code}
}

func (s *fakeSandbox) Healthy() bool  { return s.healthy.Load() && !s.disposed.Load() }
func (s *fakeSandbox) Dispose() error { s.disposed.Store(true); return nil }
func (s *fakeSandbox) Mode() Mode     { return ModeShared }

type fakeFactory struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32

	mu      sync.Mutex
	created []*fakeSandbox
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{release: make(chan struct{})}
}

func (f *fakeFactory) New() (Sandbox, error) {
	sb := &fakeSandbox{release: f.release, inFlight: &f.inFlight, peak: &f.peak}
	sb.healthy.Store(true)
	f.mu.Lock()
	f.created = append(f.created, sb)
	f.mu.Unlock()
	return sb, nil
}

func (f *fakeFactory) Created() []*fakeSandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSandbox(nil), f.created...)
}

func newTestPool(t *testing.T, opts PoolOptions, f *fakeFactory) *Pool {
	t.Helper()
	p, err := NewPool(zaptest.NewLogger(t), ModeShared, opts, f.New)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })
	return p
}

// waitInUse polls until n instances are in use
func waitInUse(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().InUse == n }, time.Second, 5*time.Millisecond)
}

func TestNewPool(t *testing.T) {
	f := newFakeFactory()
	logger := zaptest.NewLogger(t)

	_, err := NewPool(logger, ModeShared, PoolOptions{Max: 0}, f.New)
	require.Error(t, err)

	_, err = NewPool(logger, ModeShared, PoolOptions{Min: 3, Max: 2}, f.New)
	require.Error(t, err)

	_, err = NewPool(logger, ModeShared, PoolOptions{Max: 2, Backpressure: "drop"}, f.New)
	require.Error(t, err)

	_, err = NewPool(logger, ModeShared, PoolOptions{Max: 2}, nil)
	require.Error(t, err)

	p, err := NewPool(logger, ModeShared, PoolOptions{Max: 2}, f.New)
	require.NoError(t, err)
	assert.Equal(t, BackpressureWait, p.opts.Backpressure)
	assert.Equal(t, Stats{Mode: ModeShared, Max: 2}, p.Stats())
}

func TestPoolInitialize(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Min: 2, Max: 3}, f)

	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, Stats{Mode: ModeShared, Available: 2, InUse: 0, Max: 3}, p.Stats())

	// Idempotent once Min are available.
	require.NoError(t, p.Initialize(context.Background()))
	assert.Len(t, f.Created(), 2)
}

func TestPoolReusesInstances(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Max: 2}, f)

	for i := 0; i < 5; i++ {
		res, err := p.Execute(context.Background(), "ok", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Value)
	}
	assert.Len(t, f.Created(), 1)
	assert.Equal(t, Stats{Mode: ModeShared, Available: 1, InUse: 0, Max: 2}, p.Stats())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Max: 2, Backpressure: BackpressureWait}, f)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := p.Execute(ctx, "sleep", nil)
			if err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, f.peak.Load(), int32(2))
	assert.LessOrEqual(t, len(f.Created()), 2)
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.LessOrEqual(t, stats.Available+stats.InUse, stats.Max)
}

func TestPoolBackpressure(t *testing.T) {
	t.Run("Reject", func(t *testing.T) {
		f := newFakeFactory()
		p := newTestPool(t, PoolOptions{Max: 1, Backpressure: BackpressureReject}, f)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = p.Execute(context.Background(), "block", nil)
		}()
		waitInUse(t, p, 1)

		_, err := p.Execute(context.Background(), "ok", nil)
		assert.True(t, errors.Is(err, ErrPoolExhausted))

		close(f.release)
		<-done
		res, err := p.Execute(context.Background(), "ok", nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("WaitTimesOut", func(t *testing.T) {
		f := newFakeFactory()
		p := newTestPool(t, PoolOptions{Max: 1, AcquireTimeout: 50 * time.Millisecond}, f)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = p.Execute(context.Background(), "block", nil)
		}()
		waitInUse(t, p, 1)

		_, err := p.Execute(context.Background(), "ok", nil)
		assert.True(t, errors.Is(err, ErrAcquireTimeout))

		close(f.release)
		<-done
	})

	t.Run("WaitSucceeds", func(t *testing.T) {
		f := newFakeFactory()
		p := newTestPool(t, PoolOptions{Max: 1, AcquireTimeout: time.Second}, f)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = p.Execute(context.Background(), "block", nil)
		}()
		waitInUse(t, p, 1)

		go func() {
			time.Sleep(30 * time.Millisecond)
			close(f.release)
		}()
		res, err := p.Execute(context.Background(), "ok", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Value)
		<-done
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		f := newFakeFactory()
		p := newTestPool(t, PoolOptions{Max: 1}, f)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = p.Execute(context.Background(), "block", nil)
		}()
		waitInUse(t, p, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Execute(ctx, "ok", nil)
		assert.True(t, errors.Is(err, context.Canceled))

		close(f.release)
		<-done
	})
}

func TestPoolReplacesFaulted(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Min: 1, Max: 2}, f)
	require.NoError(t, p.Initialize(context.Background()))

	res, err := p.Execute(context.Background(), "fault", nil)
	require.NoError(t, err)
	assert.Equal(t, KindFault, res.Kind)

	created := f.Created()
	require.Len(t, created, 2)
	assert.True(t, created[0].disposed.Load())
	assert.False(t, created[1].disposed.Load())
	assert.Equal(t, Stats{Mode: ModeShared, Available: 1, InUse: 0, Max: 2}, p.Stats())

	res, err = p.Execute(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, f.Created(), 2)
}

func TestPoolSkipsUnhealthyIdle(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Min: 1, Max: 1}, f)
	require.NoError(t, p.Initialize(context.Background()))

	f.Created()[0].healthy.Store(false)

	res, err := p.Execute(context.Background(), "ok", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	created := f.Created()
	require.Len(t, created, 2)
	assert.True(t, created[0].disposed.Load())
}

func TestPoolDispose(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Min: 2, Max: 2}, f)
	require.NoError(t, p.Initialize(context.Background()))

	require.NoError(t, p.Dispose())
	require.NoError(t, p.Dispose())
	for _, sb := range f.Created() {
		assert.True(t, sb.disposed.Load())
	}

	_, err := p.Execute(context.Background(), "ok", nil)
	assert.True(t, errors.Is(err, ErrPoolClosed))
	assert.True(t, errors.Is(p.Initialize(context.Background()), ErrPoolClosed))
}

func TestPoolDisposeWhileInUse(t *testing.T) {
	f := newFakeFactory()
	p := newTestPool(t, PoolOptions{Max: 1}, f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Execute(context.Background(), "block", nil)
	}()
	waitInUse(t, p, 1)

	require.NoError(t, p.Dispose())
	close(f.release)
	<-done

	created := f.Created()
	require.Len(t, created, 1)
	assert.True(t, created[0].disposed.Load())
}

func TestPoolWithSharedSandboxes(t *testing.T) {
	factory, err := NewFactory(zaptest.NewLogger(t), ModeShared, testOptions(t))
	require.NoError(t, err)
	p, err := factory.CreatePool("", PoolOptions{Max: 2}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })

	g := new(errgroup.Group)
	results := make([]*Result, 3)
	for i := range results {
		g.Go(func() error {
			res, err := p.Execute(context.Background(), `return await api.core.echo("x");`, newFakeBindings())
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, res := range results {
		require.True(t, res.Success, res.Error)
		assert.Equal(t, []any{"x"}, res.Value)
	}
	stats := p.Stats()
	assert.LessOrEqual(t, stats.Available, 2)
	assert.Equal(t, 0, stats.InUse)
}
