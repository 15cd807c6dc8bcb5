package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics provides metrics collection for the render bridge
type PrometheusMetrics struct {
	// Pool metrics
	poolBrowsers prometheus.Gauge
	poolContexts prometheus.Gauge
	activePages  prometheus.Gauge
	idlePages    prometheus.Gauge

	// Browser lifecycle metrics
	browserLaunches prometheus.Counter
	browserCrashes  prometheus.Counter

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram

	// Interception metrics
	interceptedTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a Prometheus-based metrics collector
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a Prometheus-based metrics collector with custom registry
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.poolBrowsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "pool_browsers",
		Help:      "Number of live browsers in the pool",
	})

	pm.poolContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "pool_contexts",
		Help:      "Number of open browser contexts",
	})

	pm.activePages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "active_pages",
		Help:      "Number of pages currently leased",
	})

	pm.idlePages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "idle_pages",
		Help:      "Number of warm pages available for reuse",
	})

	pm.browserLaunches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "browser_launches_total",
		Help:      "Total browser launches including retries that succeeded",
	})

	pm.browserCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "browser_crashes_total",
		Help:      "Total browser processes lost outside shutdown",
	})

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "renders_total",
		Help:      "Total render requests by outcome",
	}, []string{"status"}) // status: success, or an error type label

	pm.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering pages",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	pm.interceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "intercepted_requests_total",
		Help:      "Total intercepted in-page requests by decision",
	}, []string{"decision"}) // decision: allow, abort, rewrite

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	pm.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rb",
		Name:      "errors_total",
		Help:      "Total errors by type",
	}, []string{"type"})

	registerer.MustRegister(
		pm.poolBrowsers,
		pm.poolContexts,
		pm.activePages,
		pm.idlePages,
		pm.browserLaunches,
		pm.browserCrashes,
		pm.rendersTotal,
		pm.renderDuration,
		pm.interceptedTotal,
		pm.httpRequests,
		pm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Render bridge Prometheus metrics initialized")
	return pm
}

// UpdatePoolBrowsers updates the live browser gauge
func (pm *PrometheusMetrics) UpdatePoolBrowsers(n float64) {
	pm.poolBrowsers.Set(n)
}

// UpdatePoolContexts updates the open context gauge
func (pm *PrometheusMetrics) UpdatePoolContexts(n float64) {
	pm.poolContexts.Set(n)
}

// UpdateActivePages updates the leased page gauge
func (pm *PrometheusMetrics) UpdateActivePages(n float64) {
	pm.activePages.Set(n)
}

// UpdateIdlePages updates the warm page gauge
func (pm *PrometheusMetrics) UpdateIdlePages(n float64) {
	pm.idlePages.Set(n)
}

// RecordBrowserLaunch records a successful browser launch
func (pm *PrometheusMetrics) RecordBrowserLaunch() {
	pm.browserLaunches.Inc()
}

// RecordBrowserCrash records a lost browser process
func (pm *PrometheusMetrics) RecordBrowserCrash() {
	pm.browserCrashes.Inc()
}

// RecordRender records a render request outcome
func (pm *PrometheusMetrics) RecordRender(status string) {
	pm.rendersTotal.WithLabelValues(status).Inc()
}

// RecordRenderDuration records render duration
func (pm *PrometheusMetrics) RecordRenderDuration(seconds float64) {
	pm.renderDuration.Observe(seconds)
}

// RecordIntercepted records an interception decision
func (pm *PrometheusMetrics) RecordIntercepted(decision string) {
	pm.interceptedTotal.WithLabelValues(decision).Inc()
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint, status string) {
	pm.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordError records an error by type
func (pm *PrometheusMetrics) RecordError(errorType string) {
	pm.errorsTotal.WithLabelValues(errorType).Inc()
}

// ServeHTTP serves the metrics endpoint
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
