// Package enginetest provides a scriptable in-memory implementation of
// the engine interfaces for pool and dispatch tests.
package enginetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

// SubResource is one scripted in-page fetch emitted during navigation.
type SubResource struct {
	URL          string
	Method       string
	ResourceType string
	StatusCode   int
	Headers      map[string]string
	BodySize     int64
}

// Stub scripts the behaviour of navigating to one URL.
type Stub struct {
	StatusCode    int
	Headers       http.Header
	Body          []byte
	FinalURL      string // defaults to the request URL
	RedirectChain []string
	SubResources  []SubResource

	// Err makes navigation fail outright.
	Err error
	// Delay is how long the navigation takes before completing.
	Delay time.Duration
	// NeverReady simulates a page that never reaches the readiness
	// condition: navigation waits out ReadyTimeout and reports a soft
	// timeout.
	NeverReady bool
}

// Engine is a fake engine.Engine with controllable launch behaviour.
type Engine struct {
	mu sync.Mutex

	// LaunchFailures makes the next N launches fail.
	LaunchFailures int
	// LaunchErr is returned for failed launches (default generic).
	LaunchErr error

	stubs    map[string]*Stub
	launches int
	browsers []*Browser
}

// New creates a fake engine.
func New() *Engine {
	return &Engine{stubs: make(map[string]*Stub)}
}

// StubURL scripts navigation behaviour for url.
func (e *Engine) StubURL(url string, stub *Stub) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stubs[url] = stub
}

// Launch implements engine.Engine.
func (e *Engine) Launch(ctx context.Context, cfg engine.LaunchConfig) (engine.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.launches++
	if e.LaunchFailures > 0 {
		e.LaunchFailures--
		if e.LaunchErr != nil {
			return nil, e.LaunchErr
		}
		return nil, fmt.Errorf("fake launch failure")
	}

	b := &Browser{
		id:   fmt.Sprintf("fake-%d", len(e.browsers)),
		eng:  e,
		done: make(chan struct{}),
	}
	e.browsers = append(e.browsers, b)
	return b, nil
}

// LaunchCount reports how many launches were attempted.
func (e *Engine) LaunchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

// Browsers returns every browser launched so far.
func (e *Engine) Browsers() []*Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Browser(nil), e.browsers...)
}

func (e *Engine) stubFor(url string) *Stub {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stubs[url]; ok {
		return s
	}
	return &Stub{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<html><body>fake</body></html>"),
	}
}

// Browser is a fake engine.Browser.
type Browser struct {
	id  string
	eng *Engine

	mu       sync.Mutex
	contexts []*Context
	done     chan struct{}
	closed   bool
}

// ID implements engine.Browser.
func (b *Browser) ID() string { return b.id }

// Done implements engine.Browser.
func (b *Browser) Done() <-chan struct{} { return b.done }

// Crash simulates a browser process dying.
func (b *Browser) Crash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

// Close implements engine.Browser.
func (b *Browser) Close() error {
	b.Crash()
	return nil
}

func (b *Browser) alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// NewContext implements engine.Browser.
func (b *Browser) NewContext(ctx context.Context, cfg engine.ContextConfig) (engine.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, engine.ErrBrowserClosed
	}
	c := &Context{
		id:      fmt.Sprintf("%s-ctx-%d", b.id, len(b.contexts)),
		browser: b,
		storage: cfg.StorageState,
	}
	b.contexts = append(b.contexts, c)
	return c, nil
}

// Contexts returns every context opened on this browser.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Context is a fake engine.BrowserContext.
type Context struct {
	id      string
	browser *Browser
	storage []byte

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

// ID identifies the context for reuse assertions.
func (c *Context) ID() string { return c.id }

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NewPage implements engine.BrowserContext.
func (c *Context) NewPage(ctx context.Context) (engine.Page, error) {
	if !c.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, engine.ErrBrowserClosed
	}
	p := &Page{
		id:      fmt.Sprintf("%s-page-%d", c.id, len(c.pages)),
		ctx:     c,
		pending: make(map[string]chan engine.Decision),
	}
	c.pages = append(c.pages, p)
	return p, nil
}

// Pages returns every page opened in this context.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// ExportStorageState implements engine.BrowserContext.
func (c *Context) ExportStorageState(ctx context.Context) ([]byte, error) {
	if !c.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	if c.storage != nil {
		return c.storage, nil
	}
	return []byte(`{"cookies":[]}`), nil
}

// Close implements engine.BrowserContext.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Page is a fake engine.Page that replays scripted outcomes and network
// events.
type Page struct {
	id  string
	ctx *Context

	mu            sync.Mutex
	handlers      map[int]engine.EventHandler
	nextHandler   int
	intercepting  bool
	pending       map[string]chan engine.Decision
	closed        bool
	navigations   int
	lastNavMethod string
	lastNavBody   []byte
}

// ID identifies the page.
func (p *Page) ID() string { return p.id }

// Navigations reports how many navigations ran on this page, which lets
// tests verify page reuse.
func (p *Page) Navigations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navigations
}

// LastNavigationMethod returns the effective method of the last main
// document request after any interception rewrite.
func (p *Page) LastNavigationMethod() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastNavMethod
}

// LastNavigationBody returns the effective body of the last main
// document request after any interception rewrite.
func (p *Page) LastNavigationBody() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastNavBody
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscribe implements engine.Page.
func (p *Page) Subscribe(h engine.EventHandler) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[int]engine.EventHandler)
	}
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = h

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}

// HandlerCount reports attached handlers, for leak assertions.
func (p *Page) HandlerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// EnableInterception implements engine.Page.
func (p *Page) EnableInterception(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrBrowserClosed
	}
	p.intercepting = true
	return nil
}

// DisableInterception implements engine.Page.
func (p *Page) DisableInterception(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intercepting = false
	return nil
}

// Intercepting reports whether the page still pauses requests, for
// leak assertions across reuse.
func (p *Page) Intercepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intercepting
}

// Resolve implements engine.Page.
func (p *Page) Resolve(ctx context.Context, requestID string, d engine.Decision) error {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no paused request %q", engine.ErrProtocol, requestID)
	}
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
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

// pause emits a RequestPaused event and waits for its Decision. When
// interception is off the request is implicitly allowed.
func (p *Page) pause(ctx context.Context, ev engine.RequestPaused) (engine.Decision, error) {
	p.mu.Lock()
	if !p.intercepting {
		p.mu.Unlock()
		return engine.Decision{Action: engine.ActionAllow}, nil
	}
	ch := make(chan engine.Decision, 1)
	p.pending[ev.RequestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, ev.RequestID)
		p.mu.Unlock()
	}()

	p.emit(ev)

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return engine.Decision{}, ctx.Err()
	}
}

// Navigate implements engine.Page.
func (p *Page) Navigate(ctx context.Context, nav engine.Navigation) (*engine.NavigationOutcome, error) {
	if !p.ctx.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, engine.ErrBrowserClosed
	}
	p.navigations++
	navSeq := p.navigations
	p.mu.Unlock()

	stub := p.ctx.browser.eng.stubFor(nav.URL)
	if stub.Err != nil {
		return nil, stub.Err
	}

	if stub.Delay > 0 {
		select {
		case <-time.After(stub.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.browser.done:
			return nil, engine.ErrBrowserClosed
		}
	}

	// Main document request.
	docID := fmt.Sprintf("%s-nav-%d", p.id, navSeq)
	method := http.MethodGet
	body := []byte(nil)
	d, err := p.pause(ctx, engine.RequestPaused{
		RequestID:    docID,
		URL:          nav.URL,
		Method:       method,
		ResourceType: "Document",
		IsNavigation: true,
	})
	if err != nil {
		return nil, err
	}
	switch d.Action {
	case engine.ActionAbort:
		return nil, fmt.Errorf("%w: aborted by interception", engine.ErrNavigationFailed)
	case engine.ActionRewrite:
		if d.Method != "" {
			method = d.Method
		}
		body = d.Body
	}
	p.mu.Lock()
	p.lastNavMethod = method
	p.lastNavBody = body
	p.mu.Unlock()

	docHeaders := make(map[string]string, len(stub.Headers))
	for k := range stub.Headers {
		docHeaders[k] = stub.Headers.Get(k)
	}
	p.emit(engine.ResponseReceived{
		RequestID:    docID,
		URL:          nav.URL,
		ResourceType: "Document",
		StatusCode:   stub.StatusCode,
		Headers:      docHeaders,
	})
	p.emit(engine.LoadingFinished{RequestID: docID, EncodedLength: int64(len(stub.Body))})

	// Scripted sub-resources, in order.
	for i, sub := range stub.SubResources {
		subID := fmt.Sprintf("%s-sub-%d", docID, i)
		m := sub.Method
		if m == "" {
			m = http.MethodGet
		}
		d, err := p.pause(ctx, engine.RequestPaused{
			RequestID:    subID,
			URL:          sub.URL,
			Method:       m,
			ResourceType: sub.ResourceType,
			Headers:      sub.Headers,
		})
		if err != nil {
			return nil, err
		}
		if d.Action == engine.ActionAbort {
			p.emit(engine.LoadingFailed{RequestID: subID, Error: "net::ERR_ABORTED", Canceled: true})
			continue
		}
		status := sub.StatusCode
		if status == 0 {
			status = 200
		}
		p.emit(engine.ResponseReceived{
			RequestID:    subID,
			URL:          sub.URL,
			ResourceType: sub.ResourceType,
			StatusCode:   status,
			Headers:      sub.Headers,
		})
		p.emit(engine.LoadingFinished{RequestID: subID, EncodedLength: sub.BodySize})
	}

	softTimeout := false
	if stub.NeverReady {
		wait := nav.ReadyTimeout
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			softTimeout = true
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.browser.done:
			return nil, engine.ErrBrowserClosed
		}
	}

	finalURL := stub.FinalURL
	if finalURL == "" {
		finalURL = nav.URL
	}

	return &engine.NavigationOutcome{
		FinalURL:      finalURL,
		StatusCode:    stub.StatusCode,
		Headers:       stub.Headers.Clone(),
		Body:          append([]byte(nil), stub.Body...),
		RedirectChain: append([]string(nil), stub.RedirectChain...),
		SoftTimeout:   softTimeout,
	}, nil
}

// Evaluate implements engine.Page.
func (p *Page) Evaluate(ctx context.Context, script string) ([]byte, error) {
	if !p.ctx.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	return []byte(`"ok"`), nil
}

// Screenshot implements engine.Page.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if !p.ctx.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	return []byte("PNG"), nil
}

// PDF implements engine.Page.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	if !p.ctx.browser.alive() {
		return nil, engine.ErrBrowserClosed
	}
	return []byte("%PDF"), nil
}

// Close implements engine.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
