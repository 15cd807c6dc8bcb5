package metrics

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Collector centralizes all metrics recording for the render bridge
type Collector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewCollector creates a new Collector instance
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return &Collector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewCollectorWithPrometheus wraps an existing PrometheusMetrics, used
// by tests with a private registry.
func NewCollectorWithPrometheus(pm *PrometheusMetrics, logger *zap.Logger) *Collector {
	return &Collector{prometheus: pm, logger: logger}
}

// UpdatePoolBrowsers updates the live browser count
func (c *Collector) UpdatePoolBrowsers(n int) {
	c.prometheus.UpdatePoolBrowsers(float64(n))
}

// UpdatePoolContexts updates the open context count
func (c *Collector) UpdatePoolContexts(n int) {
	c.prometheus.UpdatePoolContexts(float64(n))
}

// UpdateActivePages updates the leased page count
func (c *Collector) UpdateActivePages(n int) {
	c.prometheus.UpdateActivePages(float64(n))
}

// UpdateIdlePages updates the warm page count
func (c *Collector) UpdateIdlePages(n int) {
	c.prometheus.UpdateIdlePages(float64(n))
}

// RecordBrowserLaunch records a successful browser launch
func (c *Collector) RecordBrowserLaunch() {
	c.prometheus.RecordBrowserLaunch()
}

// RecordBrowserCrash records a lost browser process
func (c *Collector) RecordBrowserCrash() {
	c.prometheus.RecordBrowserCrash()
	c.logger.Debug("Recorded browser crash")
}

// RecordRenderSuccess records a successful render
func (c *Collector) RecordRenderSuccess() {
	c.prometheus.RecordRender("success")
}

// RecordRenderFailure records a failed render by error type
func (c *Collector) RecordRenderFailure(errorType string) {
	c.prometheus.RecordRender(errorType)
	c.prometheus.RecordError(errorType)
}

// RecordRenderDuration records render duration in seconds
func (c *Collector) RecordRenderDuration(seconds float64) {
	c.prometheus.RecordRenderDuration(seconds)
}

// RecordIntercepted records an interception decision
func (c *Collector) RecordIntercepted(decision string) {
	c.prometheus.RecordIntercepted(decision)
}

// RecordHTTPRequest records an HTTP request
func (c *Collector) RecordHTTPRequest(endpoint, status string) {
	c.prometheus.RecordHTTPRequest(endpoint, status)
}

// ServeHTTP serves Prometheus metrics via HTTP
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.prometheus.ServeHTTP(ctx)
}
