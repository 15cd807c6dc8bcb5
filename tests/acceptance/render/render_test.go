package render_test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/dispatch"
	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/engine/enginetest"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/pkg/types"
)

var _ = Describe("Render Bridge", func() {
	var (
		eng         *enginetest.Engine
		browserPool *pool.Pool
		bridge      *dispatch.Bridge
	)

	newBridge := func(poolCfg *pool.Config, dispatchCfg *dispatch.Config) {
		var err error
		eng = enginetest.New()
		browserPool, err = pool.New(poolCfg, eng, nil, nil, nil, nil, "accept-host", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		bridge, err = dispatch.New(browserPool, dispatchCfg, nil, zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
	}

	poolConfig := func() *pool.Config {
		cfg := pool.DefaultConfig()
		cfg.Browsers = "2"
		cfg.MaxContextsPerBrowser = 2
		cfg.MaxPagesPerContext = 2
		cfg.AcquireTimeout = 500 * time.Millisecond
		cfg.IdleContextTTL = 0
		return cfg
	}

	BeforeEach(func() {
		newBridge(poolConfig(), dispatch.DefaultConfig())
	})

	AfterEach(func() {
		Expect(browserPool.Shutdown()).To(Succeed())
	})

	Describe("Basic document fetch", func() {
		It("returns the rendered document with status and headers", func() {
			eng.StubURL("https://example.com/", &enginetest.Stub{
				StatusCode: 200,
				Headers:    http.Header{"Content-Type": []string{"text/html"}},
				Body:       []byte("<html><body>hello</body></html>"),
			})

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "acc-1",
				URL:       "https://example.com/",
			})

			Expect(rerr).To(BeNil())
			Expect(result.StatusCode).To(Equal(200))
			Expect(result.Body).To(ContainSubstring("hello"))
			Expect(result.FinalURL).To(Equal("https://example.com/"))
			Expect(result.Headers.Get("Content-Type")).To(Equal("text/html"))
			Expect(result.BrowserID).ToNot(BeEmpty())
			Expect(result.Timing.Duration).To(BeNumerically(">", 0))
		})

		It("passes error statuses through as results", func() {
			eng.StubURL("https://example.com/missing", &enginetest.Stub{
				StatusCode: 404,
				Body:       []byte("not found"),
			})

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "acc-2",
				URL:       "https://example.com/missing",
			})

			Expect(rerr).To(BeNil())
			Expect(result.StatusCode).To(Equal(404))
		})

		It("reports the redirect chain and final URL", func() {
			eng.StubURL("https://example.com/old", &enginetest.Stub{
				StatusCode:    200,
				FinalURL:      "https://example.com/new",
				RedirectChain: []string{"https://example.com/old"},
			})

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "acc-3",
				URL:       "https://example.com/old",
			})

			Expect(rerr).To(BeNil())
			Expect(result.FinalURL).To(Equal("https://example.com/new"))
			Expect(result.RedirectChain).To(Equal([]string{"https://example.com/old"}))
		})

		It("classifies unreachable targets as navigation errors", func() {
			eng.StubURL("https://dead.example.com/", &enginetest.Stub{
				Err: fmt.Errorf("%w: dns lookup failed", engine.ErrNavigationFailed),
			})

			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "acc-4",
				URL:       "https://dead.example.com/",
			})

			Expect(rerr).ToNot(BeNil())
			Expect(rerr.Type).To(Equal(types.ErrorTypeNavigation))
		})
	})

	Describe("Page reuse and context isolation", func() {
		It("serves sequential requests for one context key from the same page", func() {
			for i := 0; i < 3; i++ {
				_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
					RequestID:  fmt.Sprintf("warm-%d", i),
					URL:        "https://example.com/",
					ContextKey: "crawl-a",
				})
				Expect(rerr).To(BeNil())
			}

			Expect(eng.LaunchCount()).To(Equal(1))
			contexts := eng.Browsers()[0].Contexts()
			Expect(contexts).To(HaveLen(1))
			Expect(contexts[0].Pages()[0].Navigations()).To(Equal(3))
		})

		It("gives distinct context keys distinct browser contexts", func() {
			for _, key := range []string{"tenant-a", "tenant-b"} {
				_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
					RequestID:  "iso-" + key,
					URL:        "https://example.com/",
					ContextKey: key,
				})
				Expect(rerr).To(BeNil())
			}

			Expect(eng.Browsers()[0].Contexts()).To(HaveLen(2))
		})
	})

	Describe("Interception", func() {
		It("blocks configured resource types and captures the rest", func() {
			eng.StubURL("https://example.com/shop", &enginetest.Stub{
				StatusCode: 200,
				Body:       []byte("<html>shop</html>"),
				SubResources: []enginetest.SubResource{
					{URL: "https://example.com/app.js", ResourceType: "script", StatusCode: 200, BodySize: 512},
					{URL: "https://cdn.example.com/hero.png", ResourceType: "image", StatusCode: 200, BodySize: 90000},
					{URL: "https://example.com/api/items", ResourceType: "xhr", StatusCode: 200, BodySize: 2048},
				},
			})

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID:            "int-1",
				URL:                  "https://example.com/shop",
				BlockedResourceTypes: []string{"image"},
				CaptureExchanges:     true,
			})

			Expect(rerr).To(BeNil())

			var urls []string
			for _, ex := range result.Exchanges {
				urls = append(urls, ex.URL)
			}
			Expect(urls).To(ContainElements(
				"https://example.com/app.js",
				"https://example.com/api/items",
			))
			Expect(urls).ToNot(ContainElement("https://cdn.example.com/hero.png"))
		})

		It("fails the render when a rule aborts the document itself", func() {
			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "int-2",
				URL:       "https://example.com/blocked",
				Rules: []types.InterceptRule{
					{Pattern: "https://example.com/blocked", Action: types.ActionAbort},
				},
			})

			Expect(rerr).ToNot(BeNil())
			Expect(rerr.Type).To(Equal(types.ErrorTypeNavigation))
		})

		It("rewrites the navigation for POST requests", func() {
			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "int-3",
				URL:       "https://example.com/form",
				Method:    "POST",
				Body:      []byte("q=bridge"),
			})

			Expect(rerr).To(BeNil())
			page := eng.Browsers()[0].Contexts()[0].Pages()[0]
			Expect(page.LastNavigationMethod()).To(Equal("POST"))
			Expect(page.LastNavigationBody()).To(Equal([]byte("q=bridge")))
		})

		It("returns a clean warm page that a later plain render can use", func() {
			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID:        "int-5",
				URL:              "https://example.com/",
				ContextKey:       "site-a",
				CaptureExchanges: true,
			})
			Expect(rerr).To(BeNil())

			page := eng.Browsers()[0].Contexts()[0].Pages()[0]
			Expect(page.Intercepting()).To(BeFalse(),
				"an intercepting render must turn pausing off before releasing its page")

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID:  "int-6",
				URL:        "https://example.com/",
				ContextKey: "site-a",
				Timeout:    types.Duration(500 * time.Millisecond),
			})

			Expect(rerr).To(BeNil())
			Expect(result.StatusCode).To(Equal(200))
			Expect(page.Navigations()).To(Equal(2), "the warm page is reused")
		})

		It("rejects non-GET methods when rewrites are disabled", func() {
			cfg := dispatch.DefaultConfig()
			cfg.RewriteNavigation = false
			Expect(browserPool.Shutdown()).To(Succeed())
			newBridge(poolConfig(), cfg)

			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "int-4",
				URL:       "https://example.com/form",
				Method:    "POST",
			})

			Expect(rerr).ToNot(BeNil())
			Expect(rerr.Type).To(Equal(types.ErrorTypeValidation))
		})
	})

	Describe("Timeout policy", func() {
		It("fails with a timeout when readiness is never reached", func() {
			eng.StubURL("https://slow.example.com/", &enginetest.Stub{NeverReady: true})

			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "tmo-1",
				URL:       "https://slow.example.com/",
				Timeout:   types.Duration(300 * time.Millisecond),
			})

			Expect(rerr).ToNot(BeNil())
			Expect(rerr.Type).To(Equal(types.ErrorTypeTimeout))
		})

		It("keeps the partial document when soft readiness timeouts are enabled", func() {
			cfg := dispatch.DefaultConfig()
			cfg.SoftReadinessTimeout = true
			Expect(browserPool.Shutdown()).To(Succeed())
			newBridge(poolConfig(), cfg)

			eng.StubURL("https://slow.example.com/", &enginetest.Stub{
				NeverReady: true,
				StatusCode: 200,
				Body:       []byte("<html>partial</html>"),
			})

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "tmo-2",
				URL:       "https://slow.example.com/",
				Timeout:   types.Duration(300 * time.Millisecond),
			})

			Expect(rerr).To(BeNil())
			Expect(result.Timing.SoftTimeout).To(BeTrue())
			Expect(result.Body).To(ContainSubstring("partial"))
		})
	})

	Describe("Capacity", func() {
		It("fails fast with a capacity error when the page budget is exhausted", func() {
			cfg := poolConfig()
			cfg.Browsers = "1"
			cfg.MaxContextsPerBrowser = 1
			cfg.MaxPagesPerContext = 1
			cfg.AcquireTimeout = 100 * time.Millisecond
			Expect(browserPool.Shutdown()).To(Succeed())
			newBridge(cfg, dispatch.DefaultConfig())

			lease, err := browserPool.Acquire(context.Background(), "holder", "", engine.ContextConfig{})
			Expect(err).ToNot(HaveOccurred())
			defer lease.Release(false)

			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "cap-1",
				URL:       "https://example.com/",
			})

			Expect(rerr).ToNot(BeNil())
			Expect(rerr.Type).To(Equal(types.ErrorTypeCapacity))
		})
	})

	Describe("Crash recovery", func() {
		It("recovers after a browser crash on the next request", func() {
			_, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "crash-1",
				URL:       "https://example.com/",
			})
			Expect(rerr).To(BeNil())

			eng.Browsers()[0].Crash()

			Eventually(func() int {
				return browserPool.BrowserCount()
			}, time.Second, 10*time.Millisecond).Should(Equal(0))

			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "crash-2",
				URL:       "https://example.com/",
			})
			Expect(rerr).To(BeNil())
			Expect(result.StatusCode).To(Equal(200))
			Expect(eng.LaunchCount()).To(Equal(2))
		})
	})

	Describe("Scripts and artifacts", func() {
		It("runs scripts in both stages and returns artifacts", func() {
			result, rerr := bridge.Render(context.Background(), &types.RenderRequest{
				RequestID: "art-1",
				URL:       "https://example.com/",
				Scripts: []types.PageScript{
					{Stage: types.ScriptPreNavigation, Script: "localStorage.clear()"},
					{Stage: types.ScriptPostNavigation, Script: "document.title"},
				},
				Screenshot:         true,
				PDF:                true,
				ExportStorageState: true,
			})

			Expect(rerr).To(BeNil())
			Expect(result.ScriptResults).To(HaveLen(2))
			Expect(result.Screenshot).ToNot(BeEmpty())
			Expect(result.PDF).ToNot(BeEmpty())
			Expect(result.StorageState).To(MatchJSON(`{"cookies":[]}`))
		})
	})
})
