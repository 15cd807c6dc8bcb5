package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

// storageState is the wire shape of an exported context state blob.
type storageState struct {
	Cookies []*network.CookieParam `json:"cookies"`
}

// BrowserContext is one isolated cookie/storage universe in a Chrome
// process.
type BrowserContext struct {
	id      string
	browser *Browser
	logger  *zap.Logger
}

// NewPage implements engine.BrowserContext. It opens a blank tab bound
// to this context.
func (bc *BrowserContext) NewPage(ctx context.Context) (engine.Page, error) {
	var targetID target.ID
	err := chromedp.Run(bc.browser.ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		id, err := target.CreateTarget("about:blank").
			WithBrowserContextID(cdp.BrowserContextID(bc.id)).
			Do(execCtx)
		if err != nil {
			return err
		}
		targetID = id
		return nil
	}))
	if err != nil {
		if bc.browser.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: create target: %v", engine.ErrProtocol, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(bc.browser.ctx, chromedp.WithTargetID(targetID))

	p := &Page{
		id:      string(targetID),
		ctx:     tabCtx,
		cancel:  tabCancel,
		browser: bc.browser,
		logger:  bc.logger,
		pending: make(map[string]*pendingRequest),
	}

	// Attaching to the target requires one command round trip
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		if bc.browser.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: attach to target: %v", engine.ErrProtocol, err)
	}

	p.startEventPump()

	return p, nil
}

// ExportStorageState implements engine.BrowserContext.
func (bc *BrowserContext) ExportStorageState(ctx context.Context) ([]byte, error) {
	var state storageState
	err := chromedp.Run(bc.browser.ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		cookies, err := storage.GetCookies().
			WithBrowserContextID(cdp.BrowserContextID(bc.id)).
			Do(execCtx)
		if err != nil {
			return err
		}
		state.Cookies = make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			param := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: c.SameSite,
			}
			// Session cookies report a negative expiry.
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				param.Expires = &expires
			}
			state.Cookies = append(state.Cookies, param)
		}
		return nil
	}))
	if err != nil {
		if bc.browser.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: get cookies: %v", engine.ErrProtocol, err)
	}

	return json.Marshal(&state)
}

// importStorageState loads a previously exported blob into the context.
func (bc *BrowserContext) importStorageState(ctx context.Context, blob []byte) error {
	var state storageState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("malformed storage state: %w", err)
	}
	if len(state.Cookies) == 0 {
		return nil
	}

	return chromedp.Run(bc.browser.ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		return storage.SetCookies(state.Cookies).
			WithBrowserContextID(cdp.BrowserContextID(bc.id)).
			Do(execCtx)
	}))
}

// Close implements engine.BrowserContext. Disposing the context closes
// every tab that belongs to it.
func (bc *BrowserContext) Close() error {
	if bc.browser.ctx.Err() != nil {
		return nil
	}
	err := chromedp.Run(bc.browser.ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		return target.DisposeBrowserContext(cdp.BrowserContextID(bc.id)).Do(execCtx)
	}))
	if err != nil && bc.browser.ctx.Err() == nil {
		bc.logger.Warn("Failed to dispose browser context",
			zap.String("context_id", bc.id),
			zap.Error(err))
		return err
	}
	return nil
}
