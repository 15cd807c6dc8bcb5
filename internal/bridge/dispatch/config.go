package dispatch

import (
	"fmt"
	"time"

	"github.com/crawlbridge/bridge/pkg/types"
)

// Config holds the dispatch policy knobs.
type Config struct {
	// DefaultTimeout bounds a render when the request carries none.
	DefaultTimeout time.Duration

	// MaxTimeout caps the per-request timeout a caller may ask for.
	// Zero means no cap.
	MaxTimeout time.Duration

	// DefaultWaitUntil is the readiness condition when the request
	// carries none.
	DefaultWaitUntil string

	// RewriteNavigation allows non-GET or body-bearing requests to be
	// issued through an interception rewrite of the main document
	// request. When off such requests fail validation.
	RewriteNavigation bool

	// SoftReadinessTimeout keeps the document when the readiness wait
	// expires instead of failing the render. The result is flagged.
	SoftReadinessTimeout bool

	// KeepPagesWarm returns successful pages to their context for
	// reuse instead of closing them.
	KeepPagesWarm bool

	// Per-request browser defaults.
	DefaultUserAgent      string
	DefaultViewportWidth  int
	DefaultViewportHeight int
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:        30 * time.Second,
		MaxTimeout:            5 * time.Minute,
		DefaultWaitUntil:      types.WaitLoad,
		RewriteNavigation:     true,
		KeepPagesWarm:         true,
		DefaultViewportWidth:  1366,
		DefaultViewportHeight: 900,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}

	if c.MaxTimeout < 0 {
		return fmt.Errorf("max timeout cannot be negative")
	}

	if c.MaxTimeout > 0 && c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("default timeout exceeds max timeout")
	}

	switch c.DefaultWaitUntil {
	case types.WaitLoad, types.WaitDOMContentLoaded, types.WaitNetworkIdle, types.WaitNetworkAlmostIdle:
	default:
		return fmt.Errorf("unknown default wait condition %q", c.DefaultWaitUntil)
	}

	if c.DefaultViewportWidth <= 0 || c.DefaultViewportHeight <= 0 {
		return fmt.Errorf("default viewport must be positive")
	}

	return nil
}

// timeoutFor resolves the effective deadline budget for one request.
func (c *Config) timeoutFor(req *types.RenderRequest) time.Duration {
	t := req.Timeout.D()
	if t <= 0 {
		t = c.DefaultTimeout
	}
	if c.MaxTimeout > 0 && t > c.MaxTimeout {
		t = c.MaxTimeout
	}
	return t
}

// waitUntilFor resolves the effective readiness condition.
func (c *Config) waitUntilFor(req *types.RenderRequest) string {
	if req.WaitUntil != "" {
		return req.WaitUntil
	}
	return c.DefaultWaitUntil
}
