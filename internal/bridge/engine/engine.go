// Package engine defines the browser capability as a set of interfaces.
// The pool and dispatch layers only ever talk to these; the chrome
// package implements them over the DevTools protocol and enginetest
// provides a scriptable fake.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Sentinel errors surfaced by engine implementations. Implementations
// wrap these so callers can classify failures with errors.Is.
var (
	// ErrNavigationFailed means the target was unreachable (DNS, TLS,
	// connection refused). HTTP error statuses are not navigation errors.
	ErrNavigationFailed = errors.New("navigation failed")
	// ErrProtocol means the browser returned something the bridge could
	// not interpret; the owning browser is suspect.
	ErrProtocol = errors.New("browser protocol error")
	// ErrBrowserClosed means the operation raced with browser or page
	// teardown.
	ErrBrowserClosed = errors.New("browser closed")
)

// LaunchConfig describes how to start a browser process.
type LaunchConfig struct {
	Headless bool
	ExecPath string   // empty means engine default lookup
	Args     []string // extra command-line switches
}

// ContextConfig describes the isolation boundary for a browser context.
type ContextConfig struct {
	Proxy string
	// StorageState is an opaque blob previously produced by
	// ExportStorageState, imported before the first page opens.
	StorageState []byte
}

// Navigation describes one page load.
type Navigation struct {
	URL            string
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int

	// WaitUntil is a readiness condition from pkg/types (load,
	// DOMContentLoaded, networkIdle, networkAlmostIdle).
	WaitUntil string
	// ReadyTimeout bounds the readiness wait. Expiry is soft: the
	// outcome is returned with SoftTimeout set instead of an error.
	ReadyTimeout time.Duration
	// ExtraWait is settle time applied after readiness.
	ExtraWait time.Duration
}

// NavigationOutcome is everything read back from a completed load. The
// browser follows redirects itself; FinalURL and StatusCode reflect the
// last hop and RedirectChain lists the hops that preceded it.
type NavigationOutcome struct {
	FinalURL      string
	StatusCode    int
	Headers       http.Header
	Body          []byte
	RedirectChain []string
	SoftTimeout   bool
}

// Engine launches browser processes.
type Engine interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Browser, error)
}

// Browser is one live browser process.
type Browser interface {
	// ID identifies the process for logs and results.
	ID() string
	// NewContext opens an isolated cookie/storage boundary.
	NewContext(ctx context.Context, cfg ContextConfig) (BrowserContext, error)
	// Done is closed when the process exits for any reason, including a
	// crash. The pool watches it to force-fail dependent leases.
	Done() <-chan struct{}
	Close() error
}

// BrowserContext groups pages under one isolation boundary.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	// ExportStorageState returns the context's cookies as an opaque blob
	// importable into another context.
	ExportStorageState(ctx context.Context) ([]byte, error)
	Close() error
}

// Page is a single renderable document, the unit of leasing.
type Page interface {
	// Subscribe attaches a network event handler. The returned cancel
	// must be called exactly once to detach it; leaked handlers keep the
	// page alive across reuse.
	Subscribe(h EventHandler) (cancel func())
	// EnableInterception routes every network request through paused
	// events. Each RequestPaused delivered after this call must be
	// resolved via Resolve or the request hangs.
	EnableInterception(ctx context.Context) error
	// DisableInterception stops pausing requests. A page must not be
	// reused while interception is enabled with no handler attached:
	// every paused request would hang unresolved.
	DisableInterception(ctx context.Context) error
	// Resolve answers one paused request.
	Resolve(ctx context.Context, requestID string, d Decision) error

	Navigate(ctx context.Context, nav Navigation) (*NavigationOutcome, error)
	// Evaluate runs a script in the page and returns its JSON-encoded
	// result.
	Evaluate(ctx context.Context, script string) ([]byte, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	Close() error
}

// EventHandler receives network events in observation order.
type EventHandler func(Event)

// Event is one of RequestPaused, ResponseReceived, LoadingFinished,
// LoadingFailed.
type Event interface {
	isEvent()
}

// RequestPaused is an intercepted request awaiting a Decision.
type RequestPaused struct {
	RequestID    string
	URL          string
	Method       string
	ResourceType string
	Headers      map[string]string
	// IsNavigation marks the main document request.
	IsNavigation bool
}

// ResponseReceived carries response metadata for one request.
type ResponseReceived struct {
	RequestID    string
	URL          string
	ResourceType string
	StatusCode   int
	Headers      map[string]string
}

// LoadingFinished marks a request fully read.
type LoadingFinished struct {
	RequestID     string
	EncodedLength int64
}

// LoadingFailed marks a request that never completed.
type LoadingFailed struct {
	RequestID string
	Error     string
	Canceled  bool
}

func (RequestPaused) isEvent()    {}
func (ResponseReceived) isEvent() {}
func (LoadingFinished) isEvent()  {}
func (LoadingFailed) isEvent()    {}

// Action is the verdict for a paused request.
type Action int

const (
	// ActionAllow continues the request unmodified.
	ActionAllow Action = iota
	// ActionAbort fails the request before it reaches the network.
	ActionAbort
	// ActionRewrite continues the request with overridden method,
	// headers or body.
	ActionRewrite
)

// Decision resolves one paused request.
type Decision struct {
	Action  Action
	Method  string
	Headers map[string]string
	Body    []byte
}
