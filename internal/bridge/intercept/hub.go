package intercept

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/pkg/types"
)

// resolveTimeout bounds how long a decision send to the browser may
// take once an event arrived.
const resolveTimeout = 10 * time.Second

// Options configure a hub for one render.
type Options struct {
	// Capture records sub-resource exchanges in observation order.
	Capture bool

	// NavMethod and NavBody rewrite the main document request. Empty
	// method means no rewrite.
	NavMethod string
	NavBody   []byte

	// ExtraHeaders are injected into the main document request and
	// into sub-resource requests to the same host.
	ExtraHeaders http.Header

	// TargetURL anchors the same-host comparison for header injection.
	TargetURL string
}

// exchange is a capture slot created at first observation so the
// finished set keeps request order.
type exchange struct {
	ex       types.Exchange
	complete bool
	failed   bool
}

// Hub owns the interception lifecycle of one leased page: it installs
// the paused-request handler, decides each request against the policy,
// captures exchanges, and detaches exactly once.
type Hub struct {
	page   engine.Page
	policy *Policy
	opts   Options
	logger *zap.Logger

	targetHost string

	mu        sync.Mutex
	installed bool
	detached  bool
	cancel    func()
	order     []string
	open      map[string]*exchange
	aborted   int

	wg sync.WaitGroup
}

// New creates a hub for a leased page.
func New(page engine.Page, policy *Policy, opts Options, logger *zap.Logger) *Hub {
	h := &Hub{
		page:   page,
		policy: policy,
		opts:   opts,
		logger: logger,
		open:   make(map[string]*exchange),
	}
	if u, err := url.Parse(opts.TargetURL); err == nil {
		h.targetHost = u.Host
	}
	return h
}

// Install enables interception on the page and attaches the event
// handler. Installing twice is an error.
func (h *Hub) Install(ctx context.Context) error {
	h.mu.Lock()
	if h.installed {
		h.mu.Unlock()
		return fmt.Errorf("interception already installed")
	}
	h.installed = true
	h.mu.Unlock()

	if err := h.page.EnableInterception(ctx); err != nil {
		return fmt.Errorf("enable interception: %w", err)
	}

	cancel := h.page.Subscribe(h.handle)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return nil
}

// Detach removes the event handler, waits for in-flight decisions and
// turns request pausing back off so the page is safe to reuse: a page
// left pausing with no handler hangs every later request. Detaching
// more than once is a no-op.
func (h *Hub) Detach() error {
	h.mu.Lock()
	if h.detached || !h.installed {
		h.mu.Unlock()
		return nil
	}
	h.detached = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	ctx, cancelWait := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancelWait()
	if err := h.page.DisableInterception(ctx); err != nil {
		return fmt.Errorf("disable interception: %w", err)
	}
	return nil
}

func (h *Hub) handle(ev engine.Event) {
	switch e := ev.(type) {
	case engine.RequestPaused:
		h.onPaused(e)
	case engine.ResponseReceived:
		h.onResponse(e)
	case engine.LoadingFinished:
		h.onFinished(e)
	case engine.LoadingFailed:
		h.onFailed(e)
	}
}

func (h *Hub) onPaused(e engine.RequestPaused) {
	d := h.decide(e)

	if h.opts.Capture && !e.IsNavigation {
		h.mu.Lock()
		if _, seen := h.open[e.RequestID]; !seen {
			h.order = append(h.order, e.RequestID)
			h.open[e.RequestID] = &exchange{ex: types.Exchange{
				URL:          e.URL,
				Method:       e.Method,
				ResourceType: e.ResourceType,
			}}
		}
		h.mu.Unlock()
	}

	if d.Action == engine.ActionAbort {
		h.mu.Lock()
		h.aborted++
		h.mu.Unlock()
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		if err := h.page.Resolve(ctx, e.RequestID, d); err != nil {
			h.logger.Debug("Failed to resolve paused request",
				zap.String("url", e.URL),
				zap.Error(err))
		}
	}()
}

// decide applies the policy to one paused request. Resource-type
// blocks run first, then URL rules, then the default allow. The main
// document additionally picks up the navigation rewrite and extra
// headers.
func (h *Hub) decide(e engine.RequestPaused) engine.Decision {
	if !e.IsNavigation && h.policy.BlocksType(e.ResourceType) {
		return engine.Decision{Action: engine.ActionAbort}
	}

	var headers map[string]string
	if rule := h.policy.MatchURL(e.URL); rule != nil {
		switch rule.Action {
		case types.ActionAbort:
			// Aborting the document fails the whole navigation.
			return engine.Decision{Action: engine.ActionAbort}
		case types.ActionModify:
			headers = mergeHeaders(headers, rule.Headers)
		case types.ActionAllow:
			// Explicit allow stops rule evaluation.
		}
	}

	if len(h.opts.ExtraHeaders) > 0 && (e.IsNavigation || h.sameHost(e.URL)) {
		flat := make(map[string]string, len(h.opts.ExtraHeaders))
		for k := range h.opts.ExtraHeaders {
			flat[k] = h.opts.ExtraHeaders.Get(k)
		}
		headers = mergeHeaders(headers, flat)
	}

	if e.IsNavigation && h.opts.NavMethod != "" {
		return engine.Decision{
			Action:  engine.ActionRewrite,
			Method:  h.opts.NavMethod,
			Headers: headers,
			Body:    h.opts.NavBody,
		}
	}

	if len(headers) > 0 {
		return engine.Decision{Action: engine.ActionRewrite, Headers: headers}
	}
	return engine.Decision{Action: engine.ActionAllow}
}

func (h *Hub) sameHost(raw string) bool {
	if h.targetHost == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, h.targetHost)
}

func (h *Hub) onResponse(e engine.ResponseReceived) {
	if !h.opts.Capture {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.open[e.RequestID]
	if !ok {
		return
	}
	slot.ex.StatusCode = e.StatusCode
	slot.ex.Headers = e.Headers
}

func (h *Hub) onFinished(e engine.LoadingFinished) {
	if !h.opts.Capture {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.open[e.RequestID]
	if !ok {
		return
	}
	slot.ex.BodySize = e.EncodedLength
	slot.complete = true
}

func (h *Hub) onFailed(e engine.LoadingFailed) {
	if !h.opts.Capture {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.open[e.RequestID]; ok {
		slot.failed = true
	}
}

// Exchanges returns the completed sub-resource exchanges in the order
// their requests were first observed.
func (h *Hub) Exchanges() []types.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]types.Exchange, 0, len(h.order))
	for _, id := range h.order {
		slot := h.open[id]
		if slot == nil || slot.failed || !slot.complete {
			continue
		}
		out = append(out, slot.ex)
	}
	return out
}

// AbortedCount reports how many requests the policy aborted.
func (h *Hub) AbortedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

func mergeHeaders(dst map[string]string, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
