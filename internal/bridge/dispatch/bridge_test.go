package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/engine/enginetest"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/pkg/types"
)

func testPoolConfig() *pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Browsers = "2"
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.LaunchRetryBackoff = 10 * time.Millisecond
	cfg.IdleContextTTL = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newTestBridge(t *testing.T, cfg *Config) (*Bridge, *pool.Pool, *enginetest.Engine) {
	t.Helper()
	return newTestBridgeWithPool(t, cfg, testPoolConfig())
}

func newTestBridgeWithPool(t *testing.T, cfg *Config, poolCfg *pool.Config) (*Bridge, *pool.Pool, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	p, err := pool.New(poolCfg, eng, nil, nil, nil, nil, "test-host", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })

	if cfg == nil {
		cfg = DefaultConfig()
	}
	b, err := New(p, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return b, p, eng
}

func TestBridge_RenderSuccess(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://example.com/", &enginetest.Stub{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte("<html><body>hello</body></html>"),
		FinalURL:   "https://example.com/home",
	})

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
	})
	require.Nil(t, rerr)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "https://example.com/home", result.FinalURL)
	assert.Equal(t, "text/html; charset=utf-8", result.Headers.Get("Content-Type"))
	assert.Contains(t, string(result.Body), "hello")
	assert.NotEmpty(t, result.BrowserID)
	assert.False(t, result.Timing.SoftTimeout)
}

func TestBridge_ErrorStatusIsAResult(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://example.com/missing", &enginetest.Stub{
		StatusCode: 404,
		Body:       []byte("not found"),
	})

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/missing",
	})
	require.Nil(t, rerr, "4xx documents flow through as results")
	assert.Equal(t, 404, result.StatusCode)
}

func TestBridge_ValidationFailures(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	tests := []struct {
		name string
		req  *types.RenderRequest
	}{
		{"missing url", &types.RenderRequest{}},
		{"unknown wait", &types.RenderRequest{URL: "https://x/", WaitUntil: "idle"}},
		{"unknown resource type", &types.RenderRequest{URL: "https://x/", BlockedResourceTypes: []string{"img"}}},
		{"unknown rule action", &types.RenderRequest{URL: "https://x/", Rules: []types.InterceptRule{{Pattern: "*", Action: "drop"}}}},
		{"unknown script stage", &types.RenderRequest{URL: "https://x/", Scripts: []types.PageScript{{Stage: "during", Script: "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rerr := b.Render(context.Background(), tt.req)
			require.NotNil(t, rerr)
			assert.Equal(t, types.ErrorTypeValidation, rerr.Type)
		})
	}
}

func TestBridge_RewriteDisabledRejectsNonGET(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RewriteNavigation = false
	b, _, _ := newTestBridge(t, cfg)

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
		Method:    http.MethodPost,
		Body:      []byte("a=1"),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeValidation, rerr.Type)
}

func TestBridge_PostRewritesNavigation(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/submit",
		Method:    http.MethodPost,
		Body:      []byte("a=1&b=2"),
	})
	require.Nil(t, rerr)
	assert.Equal(t, 200, result.StatusCode)

	pages := eng.Browsers()[0].Contexts()[0].Pages()
	require.NotEmpty(t, pages)
	assert.Equal(t, http.MethodPost, pages[0].LastNavigationMethod())
	assert.Equal(t, []byte("a=1&b=2"), pages[0].LastNavigationBody())
}

func TestBridge_CapacityExhausted(t *testing.T) {
	poolCfg := testPoolConfig()
	poolCfg.Browsers = "1"
	poolCfg.MaxContextsPerBrowser = 1
	poolCfg.MaxPagesPerContext = 1
	poolCfg.AcquireTimeout = 100 * time.Millisecond
	b, p, _ := newTestBridgeWithPool(t, nil, poolCfg)

	lease, err := p.Acquire(context.Background(), "holder", "", engine.ContextConfig{})
	require.NoError(t, err)
	defer func() { _ = lease.Release(false) }()

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeCapacity, rerr.Type)
}

func TestBridge_LaunchFailure(t *testing.T) {
	poolCfg := testPoolConfig()
	poolCfg.LaunchRetries = 1
	b, _, eng := newTestBridgeWithPool(t, nil, poolCfg)
	eng.LaunchFailures = 5

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeLaunch, rerr.Type)
}

func TestBridge_ReadinessTimeoutFailsHard(t *testing.T) {
	b, p, eng := newTestBridge(t, nil)
	eng.StubURL("https://slow.example.com/", &enginetest.Stub{
		StatusCode: 200,
		NeverReady: true,
	})

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://slow.example.com/",
		Timeout:   types.Duration(150 * time.Millisecond),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeTimeout, rerr.Type)

	// The page slot must be usable again after the timeout
	require.Eventually(t, func() bool {
		return p.GetStats().ActivePages == 0
	}, time.Second, 10*time.Millisecond)

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-2",
		URL:       "https://example.com/",
	})
	require.Nil(t, rerr)
	assert.Equal(t, 200, result.StatusCode)
}

func TestBridge_SoftReadinessKeepsDocument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SoftReadinessTimeout = true
	b, _, eng := newTestBridge(t, cfg)
	eng.StubURL("https://slow.example.com/", &enginetest.Stub{
		StatusCode: 200,
		Body:       []byte("<html>partial</html>"),
		NeverReady: true,
	})

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://slow.example.com/",
		Timeout:   types.Duration(150 * time.Millisecond),
	})
	require.Nil(t, rerr)
	assert.True(t, result.Timing.SoftTimeout)
	assert.Contains(t, string(result.Body), "partial")
}

func TestBridge_HardDeadlineCancelsNavigation(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://stuck.example.com/", &enginetest.Stub{
		StatusCode: 200,
		Delay:      5 * time.Second,
	})

	start := time.Now()
	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://stuck.example.com/",
		Timeout:   types.Duration(100 * time.Millisecond),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeTimeout, rerr.Type)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBridge_NavigationFailure(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://down.example.com/", &enginetest.Stub{
		Err: engine.ErrNavigationFailed,
	})

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://down.example.com/",
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeNavigation, rerr.Type)
}

func TestBridge_BrowserCrashMidRender(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://example.com/", &enginetest.Stub{
		StatusCode: 200,
		Delay:      time.Second,
	})

	go func() {
		time.Sleep(100 * time.Millisecond)
		eng.Browsers()[0].Crash()
	}()

	_, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
	})
	require.NotNil(t, rerr)
	assert.Equal(t, types.ErrorTypeProtocol, rerr.Type)
}

func TestBridge_CaptureExchanges(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://example.com/", &enginetest.Stub{
		StatusCode: 200,
		SubResources: []enginetest.SubResource{
			{URL: "https://example.com/app.js", ResourceType: "Script", StatusCode: 200, BodySize: 100},
			{URL: "https://example.com/logo.png", ResourceType: "Image", StatusCode: 200, BodySize: 2048},
		},
	})

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID:            "req-1",
		URL:                  "https://example.com/",
		CaptureExchanges:     true,
		BlockedResourceTypes: []string{"image"},
	})
	require.Nil(t, rerr)
	require.Len(t, result.Exchanges, 1, "blocked resources are not captured")
	assert.Equal(t, "https://example.com/app.js", result.Exchanges[0].URL)
}

func TestBridge_NoCaptureWithoutFlag(t *testing.T) {
	b, _, eng := newTestBridge(t, nil)
	eng.StubURL("https://example.com/", &enginetest.Stub{
		StatusCode: 200,
		SubResources: []enginetest.SubResource{
			{URL: "https://example.com/app.js", ResourceType: "Script"},
		},
	})

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
	})
	require.Nil(t, rerr)
	assert.Empty(t, result.Exchanges)
}

func TestBridge_ScriptsRunAroundNavigation(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/",
		Scripts: []types.PageScript{
			{Stage: types.ScriptPreNavigation, Script: "localStorage.setItem('k','v')"},
			{Stage: types.ScriptPostNavigation, Script: "document.title"},
		},
	})
	require.Nil(t, rerr)
	assert.Len(t, result.ScriptResults, 2)
}

func TestBridge_Artifacts(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID:  "req-1",
		URL:        "https://example.com/",
		Screenshot: true,
		PDF:        true,
	})
	require.Nil(t, rerr)
	assert.NotEmpty(t, result.Screenshot)
	assert.NotEmpty(t, result.PDF)
}

func TestBridge_ExportStorageState(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	result, rerr := b.Render(context.Background(), &types.RenderRequest{
		RequestID:          "req-1",
		URL:                "https://example.com/",
		ContextKey:         "session-1",
		ExportStorageState: true,
	})
	require.Nil(t, rerr)
	assert.NotEmpty(t, result.StorageState)
}

func TestBridge_KeepWarmReusesPageAcrossRenders(t *testing.T) {
	b, p, eng := newTestBridge(t, nil)

	for i := 0; i < 3; i++ {
		_, rerr := b.Render(context.Background(), &types.RenderRequest{
			RequestID:  "req",
			URL:        "https://example.com/",
			ContextKey: "site-a",
		})
		require.Nil(t, rerr)
	}

	contexts := eng.Browsers()[0].Contexts()
	require.Len(t, contexts, 1, "same context key reuses one context")
	assert.Equal(t, 1, p.GetStats().IdlePages)
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
			name: "zero default timeout",
			modifyFn: func(c *Config) {
				c.DefaultTimeout = 0
			},
			expectErr: true,
		},
		{
			name: "default exceeds max",
			modifyFn: func(c *Config) {
				c.DefaultTimeout = 10 * time.Minute
			},
			expectErr: true,
		},
		{
			name: "unknown wait condition",
			modifyFn: func(c *Config) {
				c.DefaultWaitUntil = "ready"
			},
			expectErr: true,
		},
		{
			name: "zero viewport",
			modifyFn: func(c *Config) {
				c.DefaultViewportWidth = 0
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
