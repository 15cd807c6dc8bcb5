package chrome

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

const htmlExtractRetries = 3

// pendingRequest remembers the original headers of a paused request so
// a rewrite decision can merge instead of replace them.
type pendingRequest struct {
	headers map[string]string
}

// navState accumulates the document-level events for one navigation.
type navState struct {
	response  *network.Response
	redirects []string
	lifecycle map[string]cdp.LoaderID
	signal    chan struct{}
}

// Page is one Chrome tab. The main frame ID of a page target equals
// its target ID, which lets the event pump classify document events
// before the Navigate reply arrives.
type Page struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	browser *Browser
	logger  *zap.Logger

	mu          sync.Mutex
	handlers    map[int]engine.EventHandler
	nextHandler int
	pending     map[string]*pendingRequest

	navMu sync.Mutex
	nav   *navState
}

// startEventPump enables the domains the pump needs and attaches the
// single ListenTarget handler for the tab's lifetime.
func (p *Page) startEventPump() {
	p.handlers = make(map[int]engine.EventHandler)
	p.nav = newNavState()

	if err := chromedp.Run(p.ctx,
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
	); err != nil {
		p.logger.Warn("Failed to enable page domains",
			zap.String("page_id", p.id),
			zap.Error(err))
	}

	mainFrame := cdp.FrameID(p.id)

	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			p.onRequestPaused(e)

		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument && e.FrameID == mainFrame && e.RedirectResponse != nil {
				p.recordRedirect(e.RedirectResponse.URL)
			}

		case *network.EventResponseReceived:
			if e.Type == network.ResourceTypeDocument && e.FrameID == mainFrame {
				p.recordDocumentResponse(e.Response)
			}
			p.emit(engine.ResponseReceived{
				RequestID:    string(e.RequestID),
				URL:          e.Response.URL,
				ResourceType: e.Type.String(),
				StatusCode:   int(e.Response.Status),
				Headers:      flattenHeaders(e.Response.Headers),
			})

		case *network.EventLoadingFinished:
			p.emit(engine.LoadingFinished{
				RequestID:     string(e.RequestID),
				EncodedLength: int64(e.EncodedDataLength),
			})

		case *network.EventLoadingFailed:
			p.emit(engine.LoadingFailed{
				RequestID: string(e.RequestID),
				Error:     e.ErrorText,
				Canceled:  e.Canceled,
			})

		case *page.EventLifecycleEvent:
			if e.FrameID == mainFrame {
				p.recordLifecycle(e.Name, e.LoaderID)
			}
		}
	})
}

func newNavState() *navState {
	return &navState{
		lifecycle: make(map[string]cdp.LoaderID),
		signal:    make(chan struct{}),
	}
}

func (p *Page) onRequestPaused(e *fetch.EventRequestPaused) {
	headers := make(map[string]string, len(e.Request.Headers))
	for k, v := range e.Request.Headers {
		headers[k] = fmt.Sprint(v)
	}

	p.mu.Lock()
	p.pending[string(e.RequestID)] = &pendingRequest{headers: headers}
	p.mu.Unlock()

	p.emit(engine.RequestPaused{
		RequestID:    string(e.RequestID),
		URL:          e.Request.URL,
		Method:       e.Request.Method,
		ResourceType: e.ResourceType.String(),
		Headers:      headers,
		IsNavigation: e.ResourceType == network.ResourceTypeDocument,
	})
}

func (p *Page) recordRedirect(url string) {
	p.navMu.Lock()
	p.nav.redirects = append(p.nav.redirects, url)
	p.navMu.Unlock()
}

func (p *Page) recordDocumentResponse(resp *network.Response) {
	p.navMu.Lock()
	p.nav.response = resp
	p.navMu.Unlock()
}

func (p *Page) recordLifecycle(name string, loaderID cdp.LoaderID) {
	p.navMu.Lock()
	p.nav.lifecycle[name] = loaderID
	close(p.nav.signal)
	p.nav.signal = make(chan struct{})
	p.navMu.Unlock()
}

// Subscribe implements engine.Page.
func (p *Page) Subscribe(h engine.EventHandler) (cancel func()) {
	p.mu.Lock()
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = h
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *Page) emit(ev engine.Event) {
	p.mu.Lock()
	handlers := make([]engine.EventHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// EnableInterception implements engine.Page.
func (p *Page) EnableInterception(ctx context.Context) error {
	err := p.run(ctx, fetch.Enable())
	if err != nil {
		if p.ctx.Err() != nil {
			return engine.ErrBrowserClosed
		}
		return fmt.Errorf("%w: enable interception: %v", engine.ErrProtocol, err)
	}
	return nil
}

// DisableInterception implements engine.Page.
func (p *Page) DisableInterception(ctx context.Context) error {
	err := p.run(ctx, fetch.Disable())
	if err != nil {
		if p.ctx.Err() != nil {
			return engine.ErrBrowserClosed
		}
		return fmt.Errorf("%w: disable interception: %v", engine.ErrProtocol, err)
	}
	return nil
}

// Resolve implements engine.Page.
func (p *Page) Resolve(ctx context.Context, requestID string, d engine.Decision) error {
	p.mu.Lock()
	pending := p.pending[requestID]
	delete(p.pending, requestID)
	p.mu.Unlock()

	id := fetch.RequestID(requestID)

	var action chromedp.Action
	switch d.Action {
	case engine.ActionAbort:
		action = fetch.FailRequest(id, network.ErrorReasonAborted)

	case engine.ActionRewrite:
		cont := fetch.ContinueRequest(id)
		if d.Method != "" {
			cont = cont.WithMethod(d.Method)
		}
		if d.Body != nil {
			cont = cont.WithPostData(base64.StdEncoding.EncodeToString(d.Body))
		}
		if len(d.Headers) > 0 {
			var orig map[string]string
			if pending != nil {
				orig = pending.headers
			}
			cont = cont.WithHeaders(mergeRequestHeaders(orig, d.Headers))
		}
		action = cont

	default:
		action = fetch.ContinueRequest(id)
	}

	if err := p.run(ctx, action); err != nil {
		if p.ctx.Err() != nil {
			return engine.ErrBrowserClosed
		}
		return fmt.Errorf("%w: resolve request %s: %v", engine.ErrProtocol, requestID, err)
	}
	return nil
}

// Navigate implements engine.Page.
func (p *Page) Navigate(ctx context.Context, nav engine.Navigation) (*engine.NavigationOutcome, error) {
	if err := p.applyEmulation(ctx, nav); err != nil {
		return nil, err
	}

	p.navMu.Lock()
	p.nav = newNavState()
	p.navMu.Unlock()

	var loaderID cdp.LoaderID
	err := p.run(ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		_, lid, errText, _, err := page.Navigate(nav.URL).Do(execCtx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("%w: %s", engine.ErrNavigationFailed, errText)
		}
		loaderID = lid
		return nil
	}))
	if err != nil {
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	softTimeout, err := p.waitReady(ctx, nav.WaitUntil, loaderID, nav.ReadyTimeout)
	if err != nil {
		return nil, err
	}

	if nav.ExtraWait > 0 {
		select {
		case <-time.After(nav.ExtraWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, engine.ErrBrowserClosed
		}
	}

	body, err := p.extractHTML(ctx)
	if err != nil {
		return nil, err
	}

	var finalURL string
	if err := p.run(ctx, chromedp.Location(&finalURL)); err != nil {
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: read location: %v", engine.ErrProtocol, err)
	}

	outcome := &engine.NavigationOutcome{
		FinalURL:    finalURL,
		Body:        body,
		SoftTimeout: softTimeout,
	}

	p.navMu.Lock()
	if p.nav.response != nil {
		outcome.StatusCode = int(p.nav.response.Status)
		outcome.Headers = toHTTPHeader(p.nav.response.Headers)
	}
	outcome.RedirectChain = append(outcome.RedirectChain, p.nav.redirects...)
	p.navMu.Unlock()

	return outcome, nil
}

func (p *Page) applyEmulation(ctx context.Context, nav engine.Navigation) error {
	var actions []chromedp.Action
	if nav.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(nav.UserAgent))
	}
	if nav.ViewportWidth > 0 && nav.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(
			int64(nav.ViewportWidth), int64(nav.ViewportHeight), 1, false))
	}
	if len(actions) == 0 {
		return nil
	}
	if err := p.run(ctx, actions...); err != nil {
		if p.ctx.Err() != nil {
			return engine.ErrBrowserClosed
		}
		return fmt.Errorf("%w: apply emulation: %v", engine.ErrProtocol, err)
	}
	return nil
}

// waitReady blocks until the requested lifecycle event arrives for this
// navigation's loader. Timeout is soft: the page keeps loading and the
// caller gets whatever document exists at that point.
func (p *Page) waitReady(ctx context.Context, waitUntil string, loaderID cdp.LoaderID, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.navMu.Lock()
		lid, seen := p.nav.lifecycle[waitUntil]
		signal := p.nav.signal
		p.navMu.Unlock()

		if seen && (loaderID == "" || lid == loaderID) {
			return false, nil
		}

		select {
		case <-signal:
		case <-deadline.C:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.ctx.Done():
			return false, engine.ErrBrowserClosed
		}
	}
}

// extractHTML serializes the document. Chrome occasionally rejects
// GetOuterHTML while the DOM agent is mid-update, so the read retries.
func (p *Page) extractHTML(ctx context.Context) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < htmlExtractRetries; attempt++ {
		var html string
		err := p.run(ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
			root, err := dom.GetDocument().Do(execCtx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(execCtx)
			return err
		}))
		if err == nil {
			return []byte(html), nil
		}
		lastErr = err
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: extract html: %v", engine.ErrProtocol, lastErr)
}

// Evaluate implements engine.Page.
func (p *Page) Evaluate(ctx context.Context, script string) ([]byte, error) {
	var result json.RawMessage
	if err := p.run(ctx, chromedp.Evaluate(script, &result)); err != nil {
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: evaluate: %v", engine.ErrProtocol, err)
	}
	return []byte(result), nil
}

// Screenshot implements engine.Page.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: screenshot: %v", engine.ErrProtocol, err)
	}
	return buf, nil
}

// PDF implements engine.Page.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(execCtx context.Context) error {
		data, _, err := page.PrintToPDF().Do(execCtx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		if p.ctx.Err() != nil {
			return nil, engine.ErrBrowserClosed
		}
		return nil, fmt.Errorf("%w: print to pdf: %v", engine.ErrProtocol, err)
	}
	return buf, nil
}

// Close implements engine.Page. Cancelling the tab context closes the
// target.
func (p *Page) Close() error {
	p.cancel()
	return nil
}

// run executes actions against the tab while honoring the caller's
// context. A caller timeout abandons the command without tearing the
// tab down, so the page stays reusable.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
