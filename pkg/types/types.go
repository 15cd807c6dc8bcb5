// Package types defines the request/response contract between a crawl
// engine and the render bridge, plus the shared configuration primitives.
package types

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Readiness conditions accepted by RenderRequest.WaitUntil.
// These map 1:1 to browser page lifecycle events.
const (
	WaitLoad              = "load"
	WaitDOMContentLoaded  = "DOMContentLoaded"
	WaitNetworkIdle       = "networkIdle"
	WaitNetworkAlmostIdle = "networkAlmostIdle"
)

// Script stages for page scripts.
const (
	ScriptPreNavigation  = "pre"
	ScriptPostNavigation = "post"
)

// Rule actions for interception rules.
const (
	ActionAbort  = "abort"
	ActionAllow  = "allow"
	ActionModify = "modify"
)

// Error type identifiers carried on wire responses and metrics labels.
const (
	ErrorTypeCapacity   = "capacity_exceeded"
	ErrorTypeLaunch     = "launch_failed"
	ErrorTypeNavigation = "navigation_failed"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeProtocol   = "protocol_error"
	ErrorTypeValidation = "validation_failed"
)

// knownResourceTypes enumerates the browser resource types a request may
// block. Names follow the DevTools protocol spelling, compared
// case-insensitively.
var knownResourceTypes = map[string]struct{}{
	"document":    {},
	"stylesheet":  {},
	"image":       {},
	"media":       {},
	"font":        {},
	"script":      {},
	"texttrack":   {},
	"xhr":         {},
	"fetch":       {},
	"eventsource": {},
	"websocket":   {},
	"manifest":    {},
	"prefetch":    {},
	"ping":        {},
	"other":       {},
}

// IsKnownResourceType reports whether name is a recognized browser
// resource type.
func IsKnownResourceType(name string) bool {
	_, ok := knownResourceTypes[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// PageScript is a JavaScript snippet evaluated in the page, either before
// navigation is issued or after the readiness condition is met.
type PageScript struct {
	Stage  string `yaml:"stage" json:"stage"` // "pre" or "post"
	Script string `yaml:"script" json:"script"`
}

// InterceptRule matches in-page network requests by URL pattern and
// decides their fate. Rules are evaluated exact match first, then
// wildcard, then regexp; first match wins; no match means allow.
type InterceptRule struct {
	Pattern string            `yaml:"pattern" json:"pattern"`
	Action  string            `yaml:"action" json:"action"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"` // for "modify"
}

// RenderRequest describes a single page fetch delegated to the browser.
// It is a closed option set: anything the bridge does not recognize is a
// validation error, never silently ignored.
type RenderRequest struct {
	RequestID string      `json:"request_id"`
	URL       string      `json:"url"`
	Method    string      `json:"method,omitempty"` // default GET
	Headers   http.Header `json:"headers,omitempty"`
	Body      []byte      `json:"body,omitempty"`

	// ContextKey is the isolation identity: requests sharing a key share
	// a browser context (cookies/storage); unrelated crawls must use
	// distinct keys. Empty means the shared default context.
	ContextKey string `json:"context_key,omitempty"`

	// Per-request browser options.
	Proxy          string `json:"proxy,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`

	// Navigation readiness and timing.
	WaitUntil string   `json:"wait_until,omitempty"` // default "load"
	Timeout   Duration `json:"timeout,omitempty"`    // overall deadline
	ExtraWait Duration `json:"extra_wait,omitempty"` // settle time after readiness

	// Scripts evaluated in the page around navigation.
	Scripts []PageScript `json:"scripts,omitempty"`

	// Interception policy.
	BlockedResourceTypes []string        `json:"blocked_resource_types,omitempty"`
	Rules                []InterceptRule `json:"rules,omitempty"`
	CaptureExchanges     bool            `json:"capture_exchanges,omitempty"`

	// Artifacts.
	Screenshot bool `json:"screenshot,omitempty"`
	PDF        bool `json:"pdf,omitempty"`

	// StorageState is an opaque blob previously exported from a context,
	// imported into this request's context before navigation.
	StorageState []byte `json:"storage_state,omitempty"`

	// ExportStorageState asks for the context's cookie state back on the
	// result so a later request can resume the session.
	ExportStorageState bool `json:"export_storage_state,omitempty"`
}

// Validate checks the request against the closed option set.
// Unknown wait conditions, resource types, rule actions or script stages
// are construction-time errors.
func (r *RenderRequest) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch r.WaitUntil {
	case "", WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle, WaitNetworkAlmostIdle:
	default:
		return fmt.Errorf("unknown wait condition %q", r.WaitUntil)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if r.ExtraWait < 0 {
		return fmt.Errorf("extra_wait must not be negative")
	}
	for _, rt := range r.BlockedResourceTypes {
		if !IsKnownResourceType(rt) {
			return fmt.Errorf("unknown resource type %q", rt)
		}
	}
	for i, rule := range r.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		switch rule.Action {
		case ActionAbort, ActionAllow:
		case ActionModify:
			if len(rule.Headers) == 0 {
				return fmt.Errorf("rule %d: modify action requires headers", i)
			}
		default:
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
	}
	for i, s := range r.Scripts {
		switch s.Stage {
		case ScriptPreNavigation, ScriptPostNavigation:
		default:
			return fmt.Errorf("script %d: unknown stage %q", i, s.Stage)
		}
		if s.Script == "" {
			return fmt.Errorf("script %d: script is required", i)
		}
	}
	return nil
}

// EffectiveMethod returns the HTTP method, defaulting to GET.
func (r *RenderRequest) EffectiveMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// IsPlainNavigation reports whether the request can be issued as a
// direct browser navigation. Non-GET methods and body-bearing requests
// need an interception-based rewrite because browser navigation APIs do
// not support arbitrary methods or bodies.
func (r *RenderRequest) IsPlainNavigation() bool {
	return r.EffectiveMethod() == http.MethodGet && len(r.Body) == 0
}

// NeedsInterception reports whether the request requires the fetch
// domain to be enabled on its page.
func (r *RenderRequest) NeedsInterception() bool {
	return !r.IsPlainNavigation() ||
		r.CaptureExchanges ||
		len(r.BlockedResourceTypes) > 0 ||
		len(r.Rules) > 0 ||
		len(r.Headers) > 0
}

// Exchange is one observed sub-resource request/response pair, recorded
// in observation order when capture is enabled.
type Exchange struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resource_type"`
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodySize     int64             `json:"body_size"`
}

// RenderTiming captures when the render ran and how long it took.
type RenderTiming struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// SoftTimeout is set when the readiness wait expired but the document
	// was still extracted.
	SoftTimeout bool `json:"soft_timeout,omitempty"`
}

// RenderResult is the bridge's answer to one RenderRequest. Non-2xx/3xx
// statuses still produce a RenderResult: only unreachable targets are
// navigation errors.
type RenderResult struct {
	RequestID     string       `json:"request_id"`
	FinalURL      string       `json:"final_url"`
	StatusCode    int          `json:"status_code"`
	Headers       http.Header  `json:"headers,omitempty"`
	Body          []byte       `json:"body,omitempty"`
	RedirectChain []string     `json:"redirect_chain,omitempty"`
	Timing        RenderTiming `json:"timing"`

	// Exchanges is populated only when CaptureExchanges was set, and is
	// all-or-nothing: a timed-out dispatch returns no partial capture.
	Exchanges []Exchange `json:"exchanges,omitempty"`

	Screenshot    []byte   `json:"screenshot,omitempty"`
	PDF           []byte   `json:"pdf,omitempty"`
	ScriptResults [][]byte `json:"script_results,omitempty"`

	// StorageState is the context's exported cookie blob when the caller
	// asked to carry state forward.
	StorageState []byte `json:"storage_state,omitempty"`

	// BrowserID identifies the pool browser that served the request.
	BrowserID string `json:"browser_id,omitempty"`
}
