package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/types"
)

// fakePage satisfies engine.Page without a browser.
type fakePage struct{}

func (fakePage) Navigate(context.Context, string, string, time.Duration) (*engine.NavigationResult, error) {
	return &engine.NavigationResult{Status: 200}, nil
}
func (fakePage) Eval(context.Context, string) (string, error)                 { return "", nil }
func (fakePage) WaitSelector(context.Context, string, time.Duration) error    { return nil }
func (fakePage) WaitFunction(context.Context, string, time.Duration) error    { return nil }
func (fakePage) HTML(context.Context) (string, error)                         { return "<html></html>", nil }
func (fakePage) Title(context.Context) (string, error)                        { return "", nil }
func (fakePage) Screenshot(context.Context) ([]byte, error)                   { return nil, nil }

type fakeContext struct {
	closed atomic.Bool
}

func (c *fakeContext) Page() engine.Page { return fakePage{} }
func (c *fakeContext) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeEngine struct {
	contexts   atomic.Int32
	closed     atomic.Bool
	healthy    atomic.Bool
	contextErr error
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{}
	e.healthy.Store(true)
	return e
}

func (e *fakeEngine) NewContext(ctx context.Context, opts engine.ContextOptions) (engine.BrowsingContext, error) {
	if e.contextErr != nil {
		return nil, e.contextErr
	}
	e.contexts.Add(1)
	return &fakeContext{}, nil
}

func (e *fakeEngine) Healthy(ctx context.Context) bool { return e.healthy.Load() }

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// countingLaunch returns a LaunchFunc that records launches.
func countingLaunch(count *atomic.Int32) engine.LaunchFunc {
	return func(ctx context.Context) (engine.Engine, error) {
		count.Add(1)
		return newFakeEngine(), nil
	}
}

func testConfig(min, max, contexts int) *config.Config {
	return &config.Config{
		MinBrowsers:         min,
		MaxBrowsers:         max,
		MaxContextsPerBrwsr: contexts,
		IdleTimeout:         time.Hour,
		HealthCheckInterval: time.Hour,
	}
}

func mustShutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestPoolWarmStart(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(2, 3, 5), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	if got := launches.Load(); got != 2 {
		t.Errorf("launches = %d, want 2", got)
	}
	snap := p.Snapshot()
	if snap.TotalBrowsers != 2 {
		t.Errorf("TotalBrowsers = %d, want 2", snap.TotalBrowsers)
	}
	if snap.ActiveContexts != 0 {
		t.Errorf("ActiveContexts = %d, want 0", snap.ActiveContexts)
	}
}

func TestPoolLaunchFailure(t *testing.T) {
	boom := errors.New("no chrome")
	_, err := NewPool(testConfig(1, 3, 5), func(ctx context.Context) (engine.Engine, error) {
		return nil, boom
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, types.ErrLaunchFailed) {
		t.Errorf("error = %v, want ErrLaunchFailed", err)
	}
}

func TestAcquireReleaseAccounting(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 3, 5), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	lease, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if snap := p.Snapshot(); snap.ActiveContexts != 1 {
		t.Errorf("ActiveContexts = %d, want 1", snap.ActiveContexts)
	}

	lease.Release()
	if snap := p.Snapshot(); snap.ActiveContexts != 0 {
		t.Errorf("ActiveContexts after release = %d, want 0", snap.ActiveContexts)
	}

	// Release is idempotent.
	lease.Release()
	if snap := p.Snapshot(); snap.ActiveContexts != 0 {
		t.Errorf("ActiveContexts after double release = %d, want 0", snap.ActiveContexts)
	}
	if _, released, _, _, _ := p.Stats(); released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
}

func TestSnapshotAvailableSlots(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 3, 5), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	// One healthy browser with five free slots plus two unlaunched
	// browsers worth of capacity.
	if snap := p.Snapshot(); snap.AvailableSlots != 15 {
		t.Errorf("AvailableSlots = %d, want 15", snap.AvailableSlots)
	}

	lease, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	snap := p.Snapshot()
	if snap.AvailableSlots != 14 {
		t.Errorf("AvailableSlots with one lease = %d, want 14", snap.AvailableSlots)
	}
	if snap.HealthyBrowsers != 1 {
		t.Errorf("HealthyBrowsers = %d, want 1", snap.HealthyBrowsers)
	}
	if snap.QueueLength != 0 {
		t.Errorf("QueueLength = %d, want 0", snap.QueueLength)
	}
	lease.Release()
}

func TestAcquireLaunchesOnDemand(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 2, 1), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	l1, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	// First browser is full; this must launch the second.
	l2, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer l2.Release()

	if got := launches.Load(); got != 2 {
		t.Errorf("launches = %d, want 2", got)
	}
	if l1.BrowserID() == l2.BrowserID() {
		t.Error("both leases on the same browser despite per-browser limit of 1")
	}
}

func TestAcquireQueuesAndCancels(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 1, 1), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	lease, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, engine.ContextOptions{})
	if !errors.Is(err, types.ErrContextCanceled) {
		t.Errorf("error = %v, want ErrContextCanceled", err)
	}
}

func TestQueueHandoffOnRelease(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 1, 1), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	lease, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		l, err := p.Acquire(context.Background(), engine.ContextOptions{})
		if err == nil {
			l.Release()
		}
		got <- err
	}()

	// Give the waiter time to enqueue, then free capacity.
	time.Sleep(50 * time.Millisecond)
	lease.Release()

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("queued Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquirer never woke up")
	}
}

func TestShutdownFailsWaitersAndAcquires(t *testing.T) {
	var launches atomic.Int32
	p, err := NewPool(testConfig(1, 1, 1), countingLaunch(&launches))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	lease, err := p.Acquire(context.Background(), engine.ContextOptions{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), engine.ContextOptions{})
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		close(done)
	}()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, types.ErrPoolShuttingDown) {
			t.Errorf("waiter error = %v, want ErrPoolShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter not woken by shutdown")
	}

	lease.Release()
	<-done

	if _, err := p.Acquire(context.Background(), engine.ContextOptions{}); !errors.Is(err, types.ErrPoolShuttingDown) {
		t.Errorf("post-shutdown Acquire error = %v, want ErrPoolShuttingDown", err)
	}
}

func TestLeaseOnContextCreationFailure(t *testing.T) {
	bad := newFakeEngine()
	bad.contextErr = errors.New("target crashed")
	p, err := NewPool(testConfig(1, 1, 5), func(ctx context.Context) (engine.Engine, error) {
		return bad, nil
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer mustShutdown(t, p)

	_, err = p.Acquire(context.Background(), engine.ContextOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := types.CodeOf(err); code != types.CodeBrowserError {
		t.Errorf("code = %q, want %q", code, types.CodeBrowserError)
	}
	if snap := p.Snapshot(); snap.ActiveContexts != 0 {
		t.Errorf("ActiveContexts = %d, want 0 after failed lease", snap.ActiveContexts)
	}
}
