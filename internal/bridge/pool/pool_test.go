package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/engine/enginetest"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Browsers = "2"
	cfg.MaxContextsPerBrowser = 2
	cfg.MaxPagesPerContext = 2
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.LaunchRetryBackoff = 10 * time.Millisecond
	cfg.IdleContextTTL = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newTestPool(t *testing.T, cfg *Config) (*Pool, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	p, err := New(cfg, eng, nil, nil, nil, nil, "test-host", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p, eng
}

func TestConfig_MaxBrowsers(t *testing.T) {
	config := DefaultConfig()

	config.Browsers = "10"
	assert.Equal(t, 10, config.MaxBrowsers())

	config.Browsers = "auto"
	auto := config.MaxBrowsers()
	assert.GreaterOrEqual(t, auto, 2, "Should allow at least 2 browsers")
	assert.LessOrEqual(t, auto, 50, "Should not exceed 50 browsers")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		expectErr bool
	}{
		{
			name:      "valid config",
			modifyFn:  func(c *Config) {},
			expectErr: false,
		},
		{
			name: "negative browsers",
			modifyFn: func(c *Config) {
				c.Browsers = "-1"
			},
			expectErr: true,
		},
		{
			name: "zero pages per context",
			modifyFn: func(c *Config) {
				c.MaxPagesPerContext = 0
			},
			expectErr: true,
		},
		{
			name: "zero contexts per browser",
			modifyFn: func(c *Config) {
				c.MaxContextsPerBrowser = 0
			},
			expectErr: true,
		},
		{
			name: "negative launch retries",
			modifyFn: func(c *Config) {
				c.LaunchRetries = -1
			},
			expectErr: true,
		},
		{
			name: "zero shutdown timeout",
			modifyFn: func(c *Config) {
				c.ShutdownTimeout = 0
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modifyFn(config)
			err := config.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p, eng := newTestPool(t, testConfig())

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	require.NotNil(t, lease.Page())
	assert.Equal(t, 1, int(p.activePages.Load()))
	assert.Equal(t, 1, eng.LaunchCount())

	require.NoError(t, lease.Release(false))
	assert.Equal(t, 0, int(p.activePages.Load()))

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.TotalAcquires)
	assert.Equal(t, int64(1), stats.TotalReleases)
}

func TestPool_ReleaseExactlyOnce(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)

	require.NoError(t, lease.Release(false))
	assert.ErrorIs(t, lease.Release(false), ErrLeaseReleased)
	assert.ErrorIs(t, lease.Release(true), ErrLeaseReleased)

	// The slot was freed exactly once, so the budget is intact
	stats := p.GetStats()
	assert.Equal(t, 0, stats.ActivePages)
}

func TestPool_KeepWarmReusesPage(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	first := lease.Page().(*enginetest.Page)
	require.NoError(t, lease.Release(true))

	lease2, err := p.Acquire(context.Background(), "req-2", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	second := lease2.Page().(*enginetest.Page)

	assert.Equal(t, first.ID(), second.ID(), "warm page should be handed out again")
	assert.False(t, first.Closed())
	require.NoError(t, lease2.Release(false))
	assert.True(t, second.Closed(), "cold release should close the page")
}

func TestPool_ContextKeyedReuse(t *testing.T) {
	p, eng := newTestPool(t, testConfig())

	a1, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	a2, err := p.Acquire(context.Background(), "req-2", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	b1, err := p.Acquire(context.Background(), "req-3", "site-b", engine.ContextConfig{})
	require.NoError(t, err)

	contexts := eng.Browsers()[0].Contexts()
	require.Len(t, contexts, 2, "same key shares a context, new key opens one")

	pageA1 := a1.Page().(*enginetest.Page)
	pageA2 := a2.Page().(*enginetest.Page)
	assert.NotEqual(t, pageA1.ID(), pageA2.ID())

	for _, l := range []*Lease{a1, a2, b1} {
		require.NoError(t, l.Release(false))
	}
}

func TestPool_HierarchySpillsToNewBrowser(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContextsPerBrowser = 1
	cfg.MaxPagesPerContext = 1
	p, eng := newTestPool(t, cfg)

	l1, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	// site-a context is full and the browser cannot host another
	// context, so a second browser is launched.
	l2, err := p.Acquire(context.Background(), "req-2", "site-b", engine.ContextConfig{})
	require.NoError(t, err)

	assert.Equal(t, 2, eng.LaunchCount())
	assert.NotEqual(t, l1.BrowserID(), l2.BrowserID())

	require.NoError(t, l1.Release(false))
	require.NoError(t, l2.Release(false))
}

func TestPool_CapacityTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Browsers = "1"
	cfg.MaxContextsPerBrowser = 1
	cfg.MaxPagesPerContext = 1
	cfg.AcquireTimeout = 100 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "req-2", "site-a", engine.ContextConfig{})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, lease.Release(false))

	// The slot is usable again after release
	lease2, err := p.Acquire(context.Background(), "req-3", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	require.NoError(t, lease2.Release(false))
}

func TestPool_AcquireCallerCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Browsers = "1"
	cfg.MaxContextsPerBrowser = 1
	cfg.MaxPagesPerContext = 1
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	defer func() { _ = lease.Release(false) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, "req-2", "site-a", engine.ContextConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_FIFOAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.Browsers = "1"
	cfg.MaxContextsPerBrowser = 1
	cfg.MaxPagesPerContext = 1
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	holder, err := p.Acquire(context.Background(), "holder", "site-a", engine.ContextConfig{})
	require.NoError(t, err)

	const waiters = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), "waiter", "site-a", engine.ContextConfig{})
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			_ = lease.Release(true)
		}(i)
		// Stagger starts so arrival order is deterministic
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, holder.Release(true))
	wg.Wait()

	require.Len(t, order, waiters)
	for i, seq := range order {
		assert.Equal(t, i, seq, "waiters must be served in arrival order")
	}
}

func TestPool_LaunchRetrySucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchRetries = 2
	eng := enginetest.New()
	eng.LaunchFailures = 2

	p, err := New(cfg, eng, nil, nil, nil, nil, "test-host", zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = p.Shutdown() }()

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, eng.LaunchCount())
	require.NoError(t, lease.Release(false))
}

func TestPool_LaunchRetryExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchRetries = 1
	eng := enginetest.New()
	eng.LaunchFailures = 5

	p, err := New(cfg, eng, nil, nil, nil, nil, "test-host", zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = p.Shutdown() }()

	_, err = p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, 2, eng.LaunchCount())

	// A failed launch must not leak the page slot
	eng.LaunchFailures = 0
	lease, err := p.Acquire(context.Background(), "req-2", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	require.NoError(t, lease.Release(false))
}

func TestPool_BrowserCrashFailsLeases(t *testing.T) {
	cfg := testConfig()
	cfg.Browsers = "2"
	p, eng := newTestPool(t, cfg)

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)

	eng.Browsers()[0].Crash()

	require.Eventually(t, lease.Failed, time.Second, 10*time.Millisecond,
		"crash must force-fail the active lease")
	assert.ErrorIs(t, lease.Release(false), ErrBrowserDead)

	// The slot freed by the crash is usable with a fresh browser
	lease2, err := p.Acquire(context.Background(), "req-2", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, lease.BrowserID(), lease2.BrowserID())
	require.NoError(t, lease2.Release(false))

	assert.Equal(t, int64(1), p.GetStats().TotalCrashes)
}

func TestPool_IdleContextEviction(t *testing.T) {
	cfg := testConfig()
	cfg.IdleContextTTL = 50 * time.Millisecond
	p, eng := newTestPool(t, cfg)

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)
	require.NoError(t, lease.Release(true))

	require.Eventually(t, func() bool {
		return p.GetStats().Contexts == 0
	}, 5*time.Second, 20*time.Millisecond, "idle context should be evicted")

	assert.True(t, eng.Browsers()[0].Contexts()[0].Closed())
}

func TestPool_AcquireAfterShutdown(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	require.NoError(t, p.Shutdown())

	_, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPool_ShutdownClosesBrowsers(t *testing.T) {
	cfg := testConfig()
	cfg.PrewarmBrowsers = 2
	eng := enginetest.New()
	p, err := New(cfg, eng, nil, nil, nil, nil, "test-host", zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, 2, eng.LaunchCount())
	require.NoError(t, p.Shutdown())

	for _, b := range eng.Browsers() {
		select {
		case <-b.Done():
		default:
			t.Fatalf("browser %s not closed after shutdown", b.ID())
		}
	}
}

func TestPool_PageBudgetDerived(t *testing.T) {
	cfg := testConfig()
	cfg.Browsers = "2"
	cfg.MaxContextsPerBrowser = 3
	cfg.MaxPagesPerContext = 4
	cfg.MaxConcurrentPages = 0
	assert.Equal(t, 24, cfg.PageBudget())

	cfg.MaxConcurrentPages = 5
	assert.Equal(t, 5, cfg.PageBudget())
}

func TestPool_DeadBrowserErrorWrapped(t *testing.T) {
	p, eng := newTestPool(t, testConfig())

	lease, err := p.Acquire(context.Background(), "req-1", "site-a", engine.ContextConfig{})
	require.NoError(t, err)

	eng.Browsers()[0].Crash()
	require.Eventually(t, lease.Failed, time.Second, 10*time.Millisecond)

	err = lease.Release(true)
	assert.True(t, errors.Is(err, ErrBrowserDead))
}
