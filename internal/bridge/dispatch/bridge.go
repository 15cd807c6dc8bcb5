// Package dispatch orchestrates one render request end to end: lease a
// page, install interception, navigate, read the document back, and
// return the lease.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/intercept"
	"github.com/crawlbridge/bridge/internal/bridge/metrics"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/pkg/types"
)

// Bridge serves render requests against the browser pool.
type Bridge struct {
	pool    *pool.Pool
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a dispatch bridge. The metrics collector is optional.
func New(p *pool.Pool, config *Config, metricsCollector *metrics.Collector, logger *zap.Logger) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{
		pool:    p,
		config:  config,
		logger:  logger,
		metrics: metricsCollector,
	}, nil
}

// Render runs one request. 4xx and 5xx documents are results, not
// errors; only unreachable targets, capacity, timeouts and browser
// loss surface as *Error.
func (b *Bridge) Render(ctx context.Context, req *types.RenderRequest) (*types.RenderResult, *Error) {
	startedAt := time.Now().UTC()

	if err := req.Validate(); err != nil {
		b.recordFailure(types.ErrorTypeValidation, startedAt)
		return nil, newError(types.ErrorTypeValidation, err)
	}

	if !req.IsPlainNavigation() && !b.config.RewriteNavigation {
		b.recordFailure(types.ErrorTypeValidation, startedAt)
		return nil, validationError("method %s with body requires navigation rewrite, which is disabled", req.EffectiveMethod())
	}

	timeout := b.config.timeoutFor(req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, rerr := b.render(ctx, req, startedAt, timeout)
	if rerr != nil {
		b.recordFailure(rerr.Type, startedAt)
		b.logger.Warn("Render failed",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.String("error_type", rerr.Type),
			zap.Error(rerr.Err))
		return nil, rerr
	}

	if b.metrics != nil {
		b.metrics.RecordRenderSuccess()
		b.metrics.RecordRenderDuration(time.Since(startedAt).Seconds())
	}
	b.logger.Info("Render completed",
		zap.String("request_id", req.RequestID),
		zap.String("url", req.URL),
		zap.Int("status", result.StatusCode),
		zap.Int("body_bytes", len(result.Body)),
		zap.Bool("soft_timeout", result.Timing.SoftTimeout),
		zap.Duration("duration", result.Timing.Duration))

	return result, nil
}

func (b *Bridge) render(ctx context.Context, req *types.RenderRequest, startedAt time.Time, timeout time.Duration) (*types.RenderResult, *Error) {
	lease, err := b.pool.Acquire(ctx, req.RequestID, req.ContextKey, engine.ContextConfig{
		Proxy:        req.Proxy,
		StorageState: req.StorageState,
	})
	if err != nil {
		return nil, classify(err)
	}

	// The lease is returned exactly once on every path. Success
	// overrides the cold default before the deferred call runs.
	keepWarm := false
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := lease.Release(keepWarm); err != nil &&
			!errors.Is(err, pool.ErrBrowserDead) && !errors.Is(err, pool.ErrLeaseReleased) {
			b.logger.Error("Lease release failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
	}
	defer release()

	page := lease.Page()

	var hub *intercept.Hub
	if req.NeedsInterception() {
		policy, err := intercept.Compile(req)
		if err != nil {
			return nil, validationError("compile interception policy: %v", err)
		}

		opts := intercept.Options{
			Capture:      req.CaptureExchanges,
			ExtraHeaders: req.Headers,
			TargetURL:    req.URL,
		}
		if !req.IsPlainNavigation() {
			opts.NavMethod = req.EffectiveMethod()
			opts.NavBody = req.Body
		}

		hub = intercept.New(page, policy, opts, b.logger)
		if err := hub.Install(ctx); err != nil {
			return nil, classify(err)
		}
		// Failure paths release cold, so a detach error here cannot
		// poison a reused page.
		defer func() { _ = hub.Detach() }()
	}

	scriptResults := make([][]byte, 0, len(req.Scripts))
	for _, s := range req.Scripts {
		if s.Stage != types.ScriptPreNavigation {
			continue
		}
		out, err := page.Evaluate(ctx, s.Script)
		if err != nil {
			return nil, classify(err)
		}
		scriptResults = append(scriptResults, out)
	}

	// The readiness wait expires ahead of the hard deadline so the
	// engine can still report a soft timeout before the context dies.
	readyTimeout := timeout * 9 / 10

	nav := engine.Navigation{
		URL:            req.URL,
		UserAgent:      b.userAgentFor(req),
		ViewportWidth:  b.viewportWidthFor(req),
		ViewportHeight: b.viewportHeightFor(req),
		WaitUntil:      b.config.waitUntilFor(req),
		ReadyTimeout:   readyTimeout,
		ExtraWait:      req.ExtraWait.D(),
	}

	outcome, err := page.Navigate(ctx, nav)
	if err != nil {
		return nil, classify(err)
	}

	if outcome.SoftTimeout && !b.config.SoftReadinessTimeout {
		return nil, newError(types.ErrorTypeTimeout,
			errors.New("readiness condition not met within deadline"))
	}

	for _, s := range req.Scripts {
		if s.Stage != types.ScriptPostNavigation {
			continue
		}
		out, err := page.Evaluate(ctx, s.Script)
		if err != nil {
			return nil, classify(err)
		}
		scriptResults = append(scriptResults, out)
	}

	result := &types.RenderResult{
		RequestID:     req.RequestID,
		FinalURL:      outcome.FinalURL,
		StatusCode:    outcome.StatusCode,
		Headers:       outcome.Headers,
		Body:          outcome.Body,
		RedirectChain: outcome.RedirectChain,
		BrowserID:     lease.BrowserID(),
		Timing: types.RenderTiming{
			StartedAt:   startedAt,
			SoftTimeout: outcome.SoftTimeout,
		},
	}
	if len(scriptResults) > 0 {
		result.ScriptResults = scriptResults
	}

	if req.Screenshot {
		shot, err := page.Screenshot(ctx)
		if err != nil {
			return nil, classify(err)
		}
		result.Screenshot = shot
	}

	if req.PDF {
		doc, err := page.PDF(ctx)
		if err != nil {
			return nil, classify(err)
		}
		result.PDF = doc
	}

	if req.ExportStorageState {
		state, err := lease.ExportStorageState(ctx)
		if err != nil {
			return nil, classify(err)
		}
		result.StorageState = state
	}

	interceptClean := true
	if hub != nil {
		// The page may only go back to the warm pool once pausing is
		// off again; otherwise its next render hangs on unresolved
		// paused requests.
		if err := hub.Detach(); err != nil {
			interceptClean = false
			b.logger.Warn("Interception teardown failed, releasing page cold",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		}
		if req.CaptureExchanges {
			result.Exchanges = hub.Exchanges()
		}
		if b.metrics != nil && hub.AbortedCount() > 0 {
			for i := 0; i < hub.AbortedCount(); i++ {
				b.metrics.RecordIntercepted("abort")
			}
		}
	}

	keepWarm = b.config.KeepPagesWarm && !lease.Failed() && interceptClean
	result.Timing.Duration = time.Since(startedAt)
	return result, nil
}

func (b *Bridge) userAgentFor(req *types.RenderRequest) string {
	if req.UserAgent != "" {
		return req.UserAgent
	}
	return b.config.DefaultUserAgent
}

func (b *Bridge) viewportWidthFor(req *types.RenderRequest) int {
	if req.ViewportWidth > 0 {
		return req.ViewportWidth
	}
	return b.config.DefaultViewportWidth
}

func (b *Bridge) viewportHeightFor(req *types.RenderRequest) int {
	if req.ViewportHeight > 0 {
		return req.ViewportHeight
	}
	return b.config.DefaultViewportHeight
}

func (b *Bridge) recordFailure(errorType string, startedAt time.Time) {
	if b.metrics == nil {
		return
	}
	b.metrics.RecordRenderFailure(errorType)
	b.metrics.RecordRenderDuration(time.Since(startedAt).Seconds())
}
