// Package chrome implements the engine interfaces on headless Chrome
// through the DevTools protocol.
package chrome

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

// Engine launches Chrome processes via chromedp exec allocators.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a Chrome engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Launch starts a Chrome process and connects to it.
func (e *Engine) Launch(ctx context.Context, cfg engine.LaunchConfig) (engine.Browser, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		name, value, found := strings.Cut(arg, "=")
		if found {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)

	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	b := &Browser{
		id:              fmt.Sprintf("chrome-%s", uuid.New().String()[:8]),
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
		logger:          e.logger,
	}

	// Start the browser process without navigating anywhere
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	// Capture the version for logs
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		b.version = product
		return nil
	})); err != nil {
		e.logger.Warn("Failed to capture browser version",
			zap.String("browser_id", b.id),
			zap.Error(err))
	}

	e.logger.Info("Chrome launched",
		zap.String("browser_id", b.id),
		zap.String("version", b.version))

	return b, nil
}

// Browser is one Chrome process.
type Browser struct {
	id              string
	version         string
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	logger          *zap.Logger
}

// ID implements engine.Browser.
func (b *Browser) ID() string { return b.id }

// Version returns the Chrome product string.
func (b *Browser) Version() string { return b.version }

// Done implements engine.Browser. The chromedp browser context ends
// when the process dies or Close is called.
func (b *Browser) Done() <-chan struct{} { return b.ctx.Done() }

// NewContext implements engine.Browser. Each context is an isolated
// cookie and storage universe inside the shared process.
func (b *Browser) NewContext(ctx context.Context, cfg engine.ContextConfig) (engine.BrowserContext, error) {
	var contextID string
	err := chromedp.Run(b.ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		create := target.CreateBrowserContext().WithDisposeOnDetach(true)
		if cfg.Proxy != "" {
			create = create.WithProxyServer(cfg.Proxy)
		}
		id, err := create.Do(execCtx)
		if err != nil {
			return err
		}
		contextID = string(id)
		return nil
	}))
	if err != nil {
		if b.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: create browser context: %v", engine.ErrProtocol, err)
	}

	bc := &BrowserContext{
		id:      contextID,
		browser: b,
		logger:  b.logger,
	}

	if len(cfg.StorageState) > 0 {
		if err := bc.importStorageState(ctx, cfg.StorageState); err != nil {
			_ = bc.Close()
			return nil, fmt.Errorf("%w: import storage state: %v", engine.ErrProtocol, err)
		}
	}

	return bc, nil
}

// Close implements engine.Browser.
func (b *Browser) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocatorCancel != nil {
		b.allocatorCancel()
	}
	return nil
}
