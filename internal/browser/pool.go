// Package browser manages the pool of browser processes and the
// per-request browsing contexts carved out of them.
//
// A browser process can host several isolated contexts at once, so the
// pool tracks a lease count per instance instead of handing out whole
// browsers. Demand beyond warm capacity launches new processes up to the
// configured maximum; beyond that, acquirers wait in a FIFO queue.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/renderbird/renderbird/internal/config"
	"github.com/renderbird/renderbird/internal/engine"
	"github.com/renderbird/renderbird/internal/types"
)

const (
	// acquireTimeout is the default deadline for a queued acquirer. A
	// caller context with an earlier deadline still wins.
	acquireTimeout = 30 * time.Second

	// launchTimeout bounds a single browser process launch.
	launchTimeout = 30 * time.Second

	// healthProbeTimeout bounds one responsiveness probe.
	healthProbeTimeout = 5 * time.Second
)

// Waiter states. Transitions are one-way via compare-and-swap so a
// claim and a cancellation can race without both winning.
const (
	waiterPending int32 = iota
	waiterClaimed
	waiterCancelled
)

// instance tracks one browser process and its lease count.
// Fields are guarded by Pool.mu.
type instance struct {
	id        string
	eng       engine.Engine
	createdAt time.Time
	lastUsed  time.Time
	leases    int
	unhealthy bool
}

// waiter is one queued acquirer. The channel is buffered so the queue
// processor never blocks handing over a reservation.
type waiter struct {
	state      atomic.Int32
	ch         chan *instance
	enqueuedAt time.Time
}

// PoolStats counts pool activity for monitoring.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Launched atomic.Int64
	Evicted  atomic.Int64
	Timeouts atomic.Int64
	Errors   atomic.Int64
}

// Pool manages browser processes and hands out context leases.
//
// Lock ordering: mu guards instances, queue, and launching. Never hold
// mu across engine calls; launching and closing browsers is slow I/O.
type Pool struct {
	cfg    *config.Config
	launch engine.LaunchFunc

	mu        sync.Mutex
	instances []*instance
	queue     []*waiter
	launching int

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	nextID atomic.Int64
	stats  PoolStats
}

// NewPool creates a pool and warms it to the configured minimum.
// It blocks until the minimum browsers are running; any launch failure
// tears the pool down and returns the error.
func NewPool(cfg *config.Config, launch engine.LaunchFunc) (*Pool, error) {
	log.Info().
		Int("min_browsers", cfg.MinBrowsers).
		Int("max_browsers", cfg.MaxBrowsers).
		Int("max_contexts", cfg.MaxContextsPerBrwsr).
		Msg("Initializing browser pool")

	p := &Pool{
		cfg:    cfg,
		launch: launch,
		stopCh: make(chan struct{}),
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	launched := make([]*instance, cfg.MinBrowsers)
	for i := 0; i < cfg.MinBrowsers; i++ {
		i := i
		eg.Go(func() error {
			inst, err := p.launchInstance(context.Background())
			if err != nil {
				return err
			}
			launched[i] = inst
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, inst := range launched {
			if inst != nil {
				_ = inst.eng.Close()
			}
		}
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}
	p.mu.Lock()
	for _, inst := range launched {
		if inst != nil {
			p.instances = append(p.instances, inst)
		}
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain()
	}()

	log.Info().Int("browsers", cfg.MinBrowsers).Msg("Browser pool initialized")
	return p, nil
}

// launchInstance starts one browser process. Does not touch pool state.
func (p *Pool) launchInstance(ctx context.Context) (*instance, error) {
	lctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	eng, err := p.launch(lctx)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}
	p.stats.Launched.Add(1)

	id := fmt.Sprintf("browser-%d", p.nextID.Add(1))
	now := time.Now()
	log.Debug().Str("browser_id", id).Msg("Browser instance launched")
	return &instance{id: id, eng: eng, createdAt: now, lastUsed: now}, nil
}

// Acquire leases a fresh browsing context configured with opts.
// It prefers warm capacity, launches a new browser when allowed, and
// otherwise queues FIFO until capacity frees up or the wait times out.
//
// The caller must Release the lease on every path.
func (p *Pool) Acquire(ctx context.Context, opts engine.ContextOptions) (*Lease, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolShuttingDown
	}

	inst, err := p.reserve(ctx)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return p.leaseOn(ctx, inst, opts)
	}

	// No capacity. Join the queue.
	w := &waiter{ch: make(chan *instance, 1), enqueuedAt: time.Now()}
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil, types.ErrPoolShuttingDown
	}
	p.queue = append(p.queue, w)
	queueDepth := len(p.queue)
	p.maybeLaunchLocked()
	p.mu.Unlock()

	log.Debug().Int("queue_depth", queueDepth).Msg("Waiting for browser capacity")

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case inst := <-w.ch:
		return p.leaseOn(ctx, inst, opts)

	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

	case <-timer.C:
		p.stats.Timeouts.Add(1)
		p.abandonWaiter(w)
		return nil, types.ErrAcquireTimeout

	case <-p.stopCh:
		p.abandonWaiter(w)
		return nil, types.ErrPoolShuttingDown
	}
}

// abandonWaiter cancels a queued waiter. If the queue processor claimed
// it first, the reservation has already been handed over and must be
// returned to the pool.
func (p *Pool) abandonWaiter(w *waiter) {
	if w.state.CompareAndSwap(waiterPending, waiterCancelled) {
		return
	}
	// Lost the race: a reservation is in flight on the channel.
	inst := <-w.ch
	p.unlease(inst)
}

// reserve picks the least-loaded instance with a free context slot,
// launching a new browser if every instance is full and the cap allows.
// Returns nil with no error when the caller must queue.
func (p *Pool) reserve(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	if inst := p.pickLocked(); inst != nil {
		inst.leases++
		inst.lastUsed = time.Now()
		p.mu.Unlock()
		return inst, nil
	}

	canLaunch := len(p.instances)+p.launching < p.cfg.MaxBrowsers
	if !canLaunch {
		p.mu.Unlock()
		return nil, nil
	}
	p.launching++
	p.mu.Unlock()

	inst, err := p.launchInstance(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", types.ErrLaunchFailed, err)
	}
	if p.closed.Load() {
		p.mu.Unlock()
		_ = inst.eng.Close()
		return nil, types.ErrPoolShuttingDown
	}
	inst.leases = 1
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
	return inst, nil
}

// pickLocked returns the healthy instance with the fewest leases that
// still has a free slot. Caller holds mu.
func (p *Pool) pickLocked() *instance {
	var best *instance
	for _, inst := range p.instances {
		if inst.unhealthy || inst.leases >= p.cfg.MaxContextsPerBrwsr {
			continue
		}
		if best == nil || inst.leases < best.leases {
			best = inst
		}
	}
	return best
}

// leaseOn creates the browsing context on a reserved instance. A failed
// context creation marks the instance unhealthy so the health loop
// replaces it.
func (p *Pool) leaseOn(ctx context.Context, inst *instance, opts engine.ContextOptions) (*Lease, error) {
	bc, err := inst.eng.NewContext(ctx, opts)
	if err != nil {
		p.mu.Lock()
		inst.leases--
		inst.unhealthy = true
		p.mu.Unlock()
		p.stats.Errors.Add(1)
		p.processQueue()
		return nil, types.NewRenderError(types.CodeBrowserError, "failed to create browsing context", err)
	}

	p.stats.Acquired.Add(1)
	log.Debug().Str("browser_id", inst.id).Int("leases", inst.leases).Msg("Context leased")
	return &Lease{pool: p, inst: inst, bc: bc}, nil
}

// unlease returns a reservation and wakes the queue.
func (p *Pool) unlease(inst *instance) {
	p.mu.Lock()
	inst.leases--
	inst.lastUsed = time.Now()
	p.mu.Unlock()
	p.processQueue()
}

// processQueue hands free capacity to queued waiters in arrival order.
// Cancelled waiters are skipped; the compare-and-swap guarantees a
// waiter is either claimed here or cancelled by its own timeout, never
// both.
func (p *Pool) processQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		inst := p.pickLocked()
		if inst == nil {
			p.maybeLaunchLocked()
			return
		}
		w := p.queue[0]
		p.queue = p.queue[1:]
		if !w.state.CompareAndSwap(waiterPending, waiterClaimed) {
			continue
		}
		inst.leases++
		inst.lastUsed = time.Now()
		w.ch <- inst
	}
}

// maybeLaunchLocked starts a background launch when waiters are queued
// and the browser cap has room. Caller holds mu.
func (p *Pool) maybeLaunchLocked() {
	if len(p.queue) == 0 || p.closed.Load() {
		return
	}
	if len(p.instances)+p.launching >= p.cfg.MaxBrowsers {
		return
	}
	p.launching++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		inst, err := p.launchInstance(context.Background())

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			log.Error().Err(err).Msg("Failed to launch browser for queued request")
			return
		}
		if p.closed.Load() {
			p.mu.Unlock()
			_ = inst.eng.Close()
			return
		}
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
		p.processQueue()
	}()
}

// maintain runs idle eviction and health probing on one ticker.
func (p *Pool) maintain() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Pool maintenance stopping")
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.evictIdle()
			p.checkHealth()
		}
	}
}

// evictIdle closes browsers that have sat leaseless past the idle
// timeout, never dropping below the warm minimum.
func (p *Pool) evictIdle() {
	now := time.Now()

	p.mu.Lock()
	var evict []*instance
	kept := p.instances[:0]
	for _, inst := range p.instances {
		excess := len(p.instances)-len(evict) > p.cfg.MinBrowsers
		if inst.leases == 0 && excess && now.Sub(inst.lastUsed) > p.cfg.IdleTimeout {
			evict = append(evict, inst)
			continue
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	p.mu.Unlock()

	for _, inst := range evict {
		p.stats.Evicted.Add(1)
		log.Info().
			Str("browser_id", inst.id).
			Dur("idle", now.Sub(inst.lastUsed)).
			Msg("Evicting idle browser")
		if err := inst.eng.Close(); err != nil {
			log.Warn().Err(err).Str("browser_id", inst.id).Msg("Error closing idle browser")
		}
	}
}

// checkHealth probes leaseless instances and replaces dead ones. An
// instance that gained a lease between snapshot and probe is skipped on
// removal; probes only create and close a scratch page so a concurrent
// render is unaffected.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	candidates := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.leases == 0 || inst.unhealthy {
			candidates = append(candidates, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		healthy := !inst.unhealthy && inst.eng.Healthy(ctx)
		cancel()
		if healthy {
			continue
		}

		p.mu.Lock()
		if inst.leases > 0 {
			// Picked up work since the snapshot; let it finish and
			// catch it next round.
			inst.unhealthy = true
			p.mu.Unlock()
			continue
		}
		p.removeLocked(inst)
		p.mu.Unlock()

		log.Warn().Str("browser_id", inst.id).Msg("Removing unresponsive browser")
		if err := inst.eng.Close(); err != nil {
			log.Debug().Err(err).Str("browser_id", inst.id).Msg("Error closing unresponsive browser")
		}
	}

	p.ensureMin()
}

// ensureMin relaunches browsers until the warm minimum is restored.
func (p *Pool) ensureMin() {
	for {
		p.mu.Lock()
		if p.closed.Load() || len(p.instances)+p.launching >= p.cfg.MinBrowsers {
			p.mu.Unlock()
			return
		}
		p.launching++
		p.mu.Unlock()

		inst, err := p.launchInstance(context.Background())

		p.mu.Lock()
		p.launching--
		if err != nil {
			p.mu.Unlock()
			log.Error().Err(err).Msg("Failed to relaunch browser for warm minimum")
			return
		}
		if p.closed.Load() {
			p.mu.Unlock()
			_ = inst.eng.Close()
			return
		}
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
		p.processQueue()
	}
}

// removeLocked drops an instance from the tracking slice. Caller holds mu.
func (p *Pool) removeLocked(target *instance) {
	for i, inst := range p.instances {
		if inst == target {
			last := len(p.instances) - 1
			p.instances[i] = p.instances[last]
			p.instances = p.instances[:last]
			return
		}
	}
}

// Shutdown drains the pool: new acquires fail immediately, queued
// waiters are woken with an error, and browser processes close once
// their leases are released or the context expires, whichever is first.
//
// Safe to call multiple times.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	log.Info().Msg("Shutting down browser pool")
	close(p.stopCh)

	// Wait for in-flight leases to drain.
	drain := time.NewTicker(100 * time.Millisecond)
	defer drain.Stop()
drainLoop:
	for {
		p.mu.Lock()
		active := 0
		for _, inst := range p.instances {
			active += inst.leases
		}
		p.mu.Unlock()
		if active == 0 {
			break
		}
		select {
		case <-ctx.Done():
			log.Warn().Int("active_leases", active).Msg("Shutdown deadline reached with active leases")
			break drainLoop
		case <-drain.C:
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.queue = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range instances {
		inst := inst
		eg.Go(func() error {
			if err := inst.eng.Close(); err != nil {
				log.Warn().Err(err).Str("browser_id", inst.id).Msg("Error closing browser during shutdown")
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	log.Info().
		Int64("acquired", p.stats.Acquired.Load()).
		Int64("released", p.stats.Released.Load()).
		Int64("launched", p.stats.Launched.Load()).
		Int64("evicted", p.stats.Evicted.Load()).
		Msg("Browser pool closed")
	return err
}

// BrowserStatus describes one pool instance for the status endpoint.
type BrowserStatus struct {
	ID             string `json:"id"`
	ActiveContexts int    `json:"activeContexts"`
	MaxContexts    int    `json:"maxContexts"`
	Healthy        bool   `json:"healthy"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	IdleSeconds    int64  `json:"idleSeconds"`
}

// Status is a point-in-time view of the pool. AvailableSlots counts
// free context slots on healthy instances plus the capacity of
// browsers the pool could still launch.
type Status struct {
	Browsers        []BrowserStatus `json:"browsers"`
	TotalBrowsers   int             `json:"totalBrowsers"`
	HealthyBrowsers int             `json:"healthyBrowsers"`
	MaxBrowsers     int             `json:"maxBrowsers"`
	ActiveContexts  int             `json:"activeContexts"`
	AvailableSlots  int             `json:"availableSlots"`
	TotalCapacity   int             `json:"totalCapacity"`
	QueueLength     int             `json:"queueLength"`
	Launching       int             `json:"launching"`
}

// Snapshot reports current pool occupancy.
func (p *Pool) Snapshot() Status {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		Browsers:      make([]BrowserStatus, 0, len(p.instances)),
		TotalBrowsers: len(p.instances),
		MaxBrowsers:   p.cfg.MaxBrowsers,
		TotalCapacity: p.cfg.MaxBrowsers * p.cfg.MaxContextsPerBrwsr,
		QueueLength:   len(p.queue),
		Launching:     p.launching,
	}
	for _, inst := range p.instances {
		s.ActiveContexts += inst.leases
		if !inst.unhealthy {
			s.HealthyBrowsers++
			if free := p.cfg.MaxContextsPerBrwsr - inst.leases; free > 0 {
				s.AvailableSlots += free
			}
		}
		idle := int64(0)
		if inst.leases == 0 {
			idle = int64(now.Sub(inst.lastUsed).Seconds())
		}
		s.Browsers = append(s.Browsers, BrowserStatus{
			ID:             inst.id,
			ActiveContexts: inst.leases,
			MaxContexts:    p.cfg.MaxContextsPerBrwsr,
			Healthy:        !inst.unhealthy,
			UptimeSeconds:  int64(now.Sub(inst.createdAt).Seconds()),
			IdleSeconds:    idle,
		})
	}
	if unlaunched := p.cfg.MaxBrowsers - len(p.instances); unlaunched > 0 {
		s.AvailableSlots += unlaunched * p.cfg.MaxContextsPerBrwsr
	}
	return s
}

// Healthy reports whether the pool can serve requests.
func (p *Pool) Healthy() bool {
	if p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if !inst.unhealthy {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the activity counters.
func (p *Pool) Stats() (acquired, released, launched, evicted, timeouts int64) {
	return p.stats.Acquired.Load(),
		p.stats.Released.Load(),
		p.stats.Launched.Load(),
		p.stats.Evicted.Load(),
		p.stats.Timeouts.Load()
}

// Lease is one acquired browsing context. Release is idempotent and
// must be called on every path, including panics.
type Lease struct {
	pool *Pool
	inst *instance
	bc   engine.BrowsingContext
	once sync.Once
}

// Context returns the leased browsing context.
func (l *Lease) Context() engine.BrowsingContext {
	return l.bc
}

// Page returns the context's page.
func (l *Lease) Page() engine.Page {
	return l.bc.Page()
}

// BrowserID identifies the backing browser process.
func (l *Lease) BrowserID() string {
	return l.inst.id
}

// Release destroys the browsing context and returns capacity to the
// pool. Repeated calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		if err := l.bc.Close(); err != nil {
			log.Debug().Err(err).Str("browser_id", l.inst.id).Msg("Error closing browsing context")
		}
		l.pool.stats.Released.Add(1)
		l.pool.unlease(l.inst)
	})
}
