// Package pool manages a hierarchy of browsers, contexts and pages and
// hands out exclusive page leases to the dispatch layer.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/metrics"
	"github.com/crawlbridge/bridge/internal/bridge/registry"
)

// Pool owns every browser the service launches. Page admission is a
// weighted semaphore so waiters are served in arrival order.
type Pool struct {
	config *Config
	engine engine.Engine
	logger *zap.Logger

	sem        *semaphore.Weighted
	pageBudget int
	maxBrowser int

	mu       sync.Mutex
	browsers []*browserEntry

	activePages   atomic.Int32
	totalAcquires atomic.Int64
	totalReleases atomic.Int64
	totalLaunches atomic.Int64
	totalCrashes  atomic.Int64

	// Lease occupancy for the lease board heartbeat
	acquiredLeases   map[string]string // lease ID -> request ID
	acquiredLeasesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	serviceRegistry  *registry.ServiceRegistry
	serviceInfo      *registry.ServiceInfo
	leaseBoard       *registry.LeaseBoard
	metricsCollector *metrics.Collector
	hostname         string

	heartbeatWg      sync.WaitGroup
	heartbeatStopped atomic.Bool
	serviceInfoMu    sync.Mutex

	evictWg sync.WaitGroup
}

// New creates a browser pool. Registry, lease board and metrics are
// optional and skipped when nil.
func New(config *Config, eng engine.Engine, serviceRegistry *registry.ServiceRegistry, serviceInfo *registry.ServiceInfo,
	leaseBoard *registry.LeaseBoard, metricsCollector *metrics.Collector, hostname string, logger *zap.Logger,
) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	budget := config.PageBudget()
	logger.Info("Initializing browser pool",
		zap.Int("max_browsers", config.MaxBrowsers()),
		zap.Int("page_budget", budget))

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:           config,
		engine:           eng,
		logger:           logger,
		sem:              semaphore.NewWeighted(int64(budget)),
		pageBudget:       budget,
		maxBrowser:       config.MaxBrowsers(),
		acquiredLeases:   make(map[string]string),
		ctx:              ctx,
		cancel:           cancel,
		serviceRegistry:  serviceRegistry,
		serviceInfo:      serviceInfo,
		leaseBoard:       leaseBoard,
		metricsCollector: metricsCollector,
		hostname:         hostname,
	}

	for i := 0; i < config.PrewarmBrowsers; i++ {
		if _, err := p.launchBrowser(ctx); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("prewarm browser %d: %w", i, err)
		}
	}

	p.startEvictLoop()

	return p, nil
}

// Acquire leases a page whose context is registered under contextKey.
// It blocks until a page slot frees up, the acquire timeout expires
// (ErrCapacity), the caller context ends, or the pool shuts down.
// Waiters are admitted in arrival order.
func (p *Pool) Acquire(ctx context.Context, requestID, contextKey string, ctxCfg engine.ContextConfig) (*Lease, error) {
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolShutdown
	default:
	}

	waitCtx := ctx
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.ctx.Err() != nil {
			return nil, ErrPoolShutdown
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no page slot within %s", ErrCapacity, p.config.AcquireTimeout)
	}

	// Shutdown may have started while we waited on the semaphore
	select {
	case <-p.ctx.Done():
		p.sem.Release(1)
		return nil, ErrPoolShutdown
	default:
	}

	lease, err := p.placePage(ctx, requestID, contextKey, ctxCfg)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.activePages.Add(1)
	p.totalAcquires.Add(1)

	p.acquiredLeasesMu.Lock()
	p.acquiredLeases[lease.id] = requestID
	p.acquiredLeasesMu.Unlock()

	p.logger.Debug("Page lease acquired",
		zap.String("request_id", requestID),
		zap.String("lease_id", lease.id),
		zap.String("browser_id", lease.BrowserID()),
		zap.String("context", contextName(contextKey)),
		zap.Int32("active_pages", p.activePages.Load()))

	p.sendHeartbeat()

	return lease, nil
}

// placePage finds or creates the browser, context and page for a lease.
// The semaphore slot is already held.
func (p *Pool) placePage(ctx context.Context, requestID, contextKey string, ctxCfg engine.ContextConfig) (*Lease, error) {
	// Reuse a warm page in an existing context for this key.
	p.mu.Lock()
	for _, b := range p.browsers {
		if b.dead || b.launching {
			continue
		}
		ce, ok := b.contexts[contextKey]
		if !ok || ce.closed || ce.creating {
			continue
		}
		if n := len(ce.idlePages); n > 0 {
			page := ce.idlePages[n-1]
			ce.idlePages = ce.idlePages[:n-1]
			ce.activePages++
			ce.lastUsed = time.Now().UTC()
			lease := p.newLeaseLocked(requestID, b, ce, page)
			p.mu.Unlock()
			return lease, nil
		}
		if ce.activePages < p.config.MaxPagesPerContext {
			ce.activePages++
			ce.lastUsed = time.Now().UTC()
			p.mu.Unlock()
			return p.openPage(ctx, requestID, b, ce)
		}
	}

	// Open the context on a browser with room.
	for _, b := range p.browsers {
		if b.dead || b.launching {
			continue
		}
		if _, exists := b.contexts[contextKey]; exists {
			continue
		}
		if b.contextCount() >= p.config.MaxContextsPerBrowser {
			continue
		}
		ce := &contextEntry{
			key:         contextKey,
			browser:     b,
			creating:    true,
			activePages: 1,
			lastUsed:    time.Now().UTC(),
		}
		b.contexts[contextKey] = ce
		p.mu.Unlock()
		return p.openContext(ctx, requestID, b, ce, ctxCfg)
	}

	if len(p.browsers) >= p.maxBrowser {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: hierarchy limits leave no slot for context %q", ErrCapacity, contextName(contextKey))
	}
	p.mu.Unlock()

	b, err := p.launchBrowser(ctx)
	if err != nil {
		return nil, err
	}

	ce := &contextEntry{
		key:         contextKey,
		browser:     b,
		creating:    true,
		activePages: 1,
		lastUsed:    time.Now().UTC(),
	}
	p.mu.Lock()
	b.contexts[contextKey] = ce
	p.mu.Unlock()

	return p.openContext(ctx, requestID, b, ce, ctxCfg)
}

// openContext materializes a reserved context entry, then opens a page
// in it.
func (p *Pool) openContext(ctx context.Context, requestID string, b *browserEntry, ce *contextEntry, ctxCfg engine.ContextConfig) (*Lease, error) {
	bctx, err := b.browser.NewContext(ctx, ctxCfg)
	if err != nil {
		p.mu.Lock()
		delete(b.contexts, ce.key)
		p.mu.Unlock()
		if errors.Is(err, engine.ErrBrowserClosed) {
			return nil, fmt.Errorf("%w: %v", ErrBrowserDead, err)
		}
		return nil, fmt.Errorf("create context: %w", err)
	}

	p.mu.Lock()
	ce.ctx = bctx
	ce.creating = false
	p.mu.Unlock()

	return p.openPage(ctx, requestID, b, ce)
}

// openPage opens a page in a live context. The page slot is already
// reserved on the entry.
func (p *Pool) openPage(ctx context.Context, requestID string, b *browserEntry, ce *contextEntry) (*Lease, error) {
	page, err := ce.ctx.NewPage(ctx)
	if err != nil {
		p.mu.Lock()
		ce.activePages--
		p.mu.Unlock()
		if errors.Is(err, engine.ErrBrowserClosed) {
			return nil, fmt.Errorf("%w: %v", ErrBrowserDead, err)
		}
		return nil, fmt.Errorf("open page: %w", err)
	}

	p.mu.Lock()
	lease := p.newLeaseLocked(requestID, b, ce, page)
	p.mu.Unlock()
	return lease, nil
}

func (p *Pool) newLeaseLocked(requestID string, b *browserEntry, ce *contextEntry, page engine.Page) *Lease {
	lease := &Lease{
		id:        uuid.New().String(),
		requestID: requestID,
		pool:      p,
		browser:   b,
		context:   ce,
		page:      page,
		createdAt: time.Now().UTC(),
	}
	b.leases[lease] = struct{}{}
	return lease
}

// launchBrowser launches a browser with bounded retries and installs
// the crash watcher.
func (p *Pool) launchBrowser(ctx context.Context) (*browserEntry, error) {
	entry := &browserEntry{
		contexts:  make(map[string]*contextEntry),
		leases:    make(map[*Lease]struct{}),
		launching: true,
	}

	p.mu.Lock()
	if len(p.browsers) >= p.maxBrowser {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: browser limit reached", ErrCapacity)
	}
	p.browsers = append(p.browsers, entry)
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.config.LaunchRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("Retrying browser launch",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(p.config.LaunchRetryBackoff):
			case <-ctx.Done():
				p.removeBrowser(entry)
				return nil, ctx.Err()
			case <-p.ctx.Done():
				p.removeBrowser(entry)
				return nil, ErrPoolShutdown
			}
		}

		b, err := p.engine.Launch(ctx, p.config.Launch)
		if err != nil {
			lastErr = err
			continue
		}

		p.mu.Lock()
		entry.browser = b
		entry.launching = false
		p.mu.Unlock()

		p.totalLaunches.Add(1)
		if p.metricsCollector != nil {
			p.metricsCollector.RecordBrowserLaunch()
		}
		p.logger.Info("Browser launched",
			zap.String("browser_id", b.ID()),
			zap.Int("browsers", p.BrowserCount()))

		p.watchBrowser(entry)
		return entry, nil
	}

	p.removeBrowser(entry)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrLaunchFailed, p.config.LaunchRetries+1, lastErr)
}

// watchBrowser fails every lease on the browser when its process dies.
func (p *Pool) watchBrowser(entry *browserEntry) {
	go func() {
		select {
		case <-entry.browser.Done():
		case <-p.ctx.Done():
			return
		}

		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.handleBrowserDeath(entry)
	}()
}

func (p *Pool) handleBrowserDeath(entry *browserEntry) {
	p.mu.Lock()
	if entry.dead {
		p.mu.Unlock()
		return
	}
	entry.dead = true

	var failed []*Lease
	for lease := range entry.leases {
		failed = append(failed, lease)
	}
	entry.leases = make(map[*Lease]struct{})

	for _, ce := range entry.contexts {
		ce.closed = true
		ce.idlePages = nil
	}

	p.removeBrowserLocked(entry)
	p.mu.Unlock()

	count := 0
	for _, lease := range failed {
		if !lease.forceFail() {
			continue
		}
		count++
		p.releaseSlot(lease)
	}

	p.totalCrashes.Add(1)
	if p.metricsCollector != nil {
		p.metricsCollector.RecordBrowserCrash()
	}

	id := ""
	if entry.browser != nil {
		id = entry.browser.ID()
	}
	p.logger.Error("Browser died, failed its active leases",
		zap.String("browser_id", id),
		zap.Int("failed_leases", count))

	p.sendHeartbeat()
}

// finishRelease returns a lease's slot after the lease state machine
// already moved to released.
func (p *Pool) finishRelease(l *Lease, keepWarm bool) {
	p.mu.Lock()
	delete(l.browser.leases, l)
	ce := l.context
	ce.activePages--
	ce.lastUsed = time.Now().UTC()

	warm := keepWarm && !l.browser.dead && !ce.closed
	if warm {
		ce.idlePages = append(ce.idlePages, l.page)
	}
	p.mu.Unlock()

	if !warm {
		if err := l.page.Close(); err != nil {
			p.logger.Debug("Page close failed",
				zap.String("lease_id", l.id),
				zap.Error(err))
		}
	}

	p.totalReleases.Add(1)
	p.releaseSlot(l)

	p.logger.Debug("Page lease released",
		zap.String("request_id", l.requestID),
		zap.String("lease_id", l.id),
		zap.Bool("keep_warm", warm),
		zap.Int32("active_pages", p.activePages.Load()))

	p.sendHeartbeat()
}

// releaseSlot frees the semaphore slot and occupancy tracking for a
// lease. Callers guarantee exactly-once via the lease state machine.
func (p *Pool) releaseSlot(l *Lease) {
	p.acquiredLeasesMu.Lock()
	delete(p.acquiredLeases, l.id)
	p.acquiredLeasesMu.Unlock()

	p.activePages.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) removeBrowser(entry *browserEntry) {
	p.mu.Lock()
	p.removeBrowserLocked(entry)
	p.mu.Unlock()
}

func (p *Pool) removeBrowserLocked(entry *browserEntry) {
	for i, b := range p.browsers {
		if b == entry {
			p.browsers = append(p.browsers[:i], p.browsers[i+1:]...)
			return
		}
	}
}

// startEvictLoop closes contexts that held no page past the idle TTL.
func (p *Pool) startEvictLoop() {
	if p.config.IdleContextTTL <= 0 {
		return
	}

	interval := p.config.IdleContextTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	p.evictWg.Add(1)
	go func() {
		defer p.evictWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.evictIdleContexts()
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) evictIdleContexts() {
	cutoff := time.Now().UTC().Add(-p.config.IdleContextTTL)

	p.mu.Lock()
	var evicted []*contextEntry
	for _, b := range p.browsers {
		if b.dead || b.launching {
			continue
		}
		for key, ce := range b.contexts {
			if ce.creating || ce.closed || ce.activePages > 0 {
				continue
			}
			if ce.lastUsed.After(cutoff) {
				continue
			}
			ce.closed = true
			delete(b.contexts, key)
			evicted = append(evicted, ce)
		}
	}
	p.mu.Unlock()

	for _, ce := range evicted {
		for _, page := range ce.idlePages {
			_ = page.Close()
		}
		if err := ce.ctx.Close(); err != nil {
			p.logger.Debug("Context close failed",
				zap.String("context", contextName(ce.key)),
				zap.Error(err))
		}
		p.logger.Debug("Evicted idle context",
			zap.String("context", contextName(ce.key)))
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Browsers      int
	Contexts      int
	ActivePages   int
	IdlePages     int
	PageBudget    int
	TotalAcquires int64
	TotalReleases int64
	TotalLaunches int64
	TotalCrashes  int64
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	contexts := 0
	idle := 0
	browsers := 0
	for _, b := range p.browsers {
		if b.dead {
			continue
		}
		browsers++
		contexts += len(b.contexts)
		for _, ce := range b.contexts {
			idle += len(ce.idlePages)
		}
	}
	p.mu.Unlock()

	return Stats{
		Browsers:      browsers,
		Contexts:      contexts,
		ActivePages:   int(p.activePages.Load()),
		IdlePages:     idle,
		PageBudget:    p.pageBudget,
		TotalAcquires: p.totalAcquires.Load(),
		TotalReleases: p.totalReleases.Load(),
		TotalLaunches: p.totalLaunches.Load(),
		TotalCrashes:  p.totalCrashes.Load(),
	}
}

// BrowserCount returns the number of live browsers.
func (p *Pool) BrowserCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.browsers {
		if !b.dead {
			n++
		}
	}
	return n
}

// sendHeartbeat pushes current occupancy to the service registry and
// lease board after every acquire/release so routers see fresh load.
func (p *Pool) sendHeartbeat() {
	if p.serviceRegistry == nil || p.serviceInfo == nil {
		return
	}

	p.serviceInfoMu.Lock()
	defer p.serviceInfoMu.Unlock()

	select {
	case <-p.ctx.Done():
		return
	default:
	}

	ctx := context.Background()

	if p.leaseBoard != nil {
		p.acquiredLeasesMu.Lock()
		snapshot := make(map[string]string, len(p.acquiredLeases))
		for leaseID, reqID := range p.acquiredLeases {
			snapshot[leaseID] = reqID
		}
		p.acquiredLeasesMu.Unlock()

		if err := p.leaseBoard.SyncLeases(ctx, snapshot, p.pageBudget); err != nil {
			p.logger.Error("Failed to sync lease board", zap.Error(err))
		}
	}

	select {
	case <-p.ctx.Done():
		return
	default:
	}

	stats := p.GetStats()
	available := stats.PageBudget - stats.ActivePages

	p.serviceInfo.Load = stats.ActivePages
	p.serviceInfo.Capacity = stats.PageBudget
	p.serviceInfo.SetMetadata(stats.PageBudget, available, p.hostname)

	if p.metricsCollector != nil {
		p.metricsCollector.UpdatePoolBrowsers(stats.Browsers)
		p.metricsCollector.UpdatePoolContexts(stats.Contexts)
		p.metricsCollector.UpdateActivePages(stats.ActivePages)
		p.metricsCollector.UpdateIdlePages(stats.IdlePages)
	}

	if err := p.serviceRegistry.RegisterService(ctx, p.serviceInfo); err != nil {
		p.logger.Error("Failed to send heartbeat",
			zap.Error(err),
			zap.Int("available", available))
	}
}

// StartPeriodicHeartbeat keeps the registry updated while the pool is
// idle.
func (p *Pool) StartPeriodicHeartbeat(interval time.Duration) {
	if p.serviceRegistry == nil {
		return
	}

	p.logger.Info("Starting periodic heartbeat",
		zap.Duration("interval", interval))

	p.sendHeartbeat()

	ticker := time.NewTicker(interval)
	p.heartbeatWg.Add(1)
	go func() {
		defer p.heartbeatWg.Done()
		for {
			select {
			case <-ticker.C:
				p.sendHeartbeat()
			case <-p.ctx.Done():
				ticker.Stop()
				p.logger.Info("Stopping periodic heartbeat")
				return
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat goroutine ahead of shutdown so the
// lease board can be cleared before browsers terminate.
func (p *Pool) StopHeartbeat() {
	if p.serviceRegistry == nil || p.heartbeatStopped.Load() {
		return
	}

	p.cancel()
	p.heartbeatWg.Wait()
	p.heartbeatStopped.Store(true)
}

// Shutdown gracefully shuts down the pool with the configured timeout.
func (p *Pool) Shutdown() error {
	return p.ShutdownWithTimeout(p.config.ShutdownTimeout)
}

// ShutdownWithTimeout drains active leases, then closes every browser.
func (p *Pool) ShutdownWithTimeout(timeout time.Duration) error {
	p.logger.Info("Initiating pool shutdown",
		zap.Duration("timeout", timeout),
		zap.Int32("active_pages", p.activePages.Load()))

	p.cancel()
	if !p.heartbeatStopped.Load() {
		p.heartbeatWg.Wait()
		p.heartbeatStopped.Store(true)
	}
	p.evictWg.Wait()

	if p.waitForActiveLeases(timeout) {
		p.logger.Info("All active leases completed gracefully")
	} else {
		p.logger.Warn("Shutdown timeout exceeded, forcing termination",
			zap.Int32("stuck_pages", p.activePages.Load()))
	}

	p.mu.Lock()
	browsers := append([]*browserEntry(nil), p.browsers...)
	p.browsers = nil
	p.mu.Unlock()

	var errs []error
	for _, b := range browsers {
		if b.browser == nil {
			continue
		}
		if err := b.browser.Close(); err != nil {
			p.logger.Error("Error closing browser",
				zap.String("browser_id", b.browser.ID()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	stats := p.GetStats()
	p.logger.Info("Pool shut down",
		zap.Int64("total_acquires", stats.TotalAcquires),
		zap.Int64("total_launches", stats.TotalLaunches),
		zap.Int64("total_crashes", stats.TotalCrashes))

	if len(errs) > 0 {
		return fmt.Errorf("encountered %d errors during shutdown", len(errs))
	}

	return nil
}

func (p *Pool) waitForActiveLeases(timeout time.Duration) bool {
	deadline := time.Now().UTC().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.activePages.Load() == 0 {
			return true
		}

		<-ticker.C
		if time.Now().UTC().After(deadline) {
			return false
		}
	}
}
