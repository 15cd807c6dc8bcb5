// Package metricsserver runs the prometheus scrape endpoint on its own
// fasthttp listener, kept apart from the render listener so scrapes
// never queue behind long renders.
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsHandler serves a metrics snapshot over fasthttp.
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// StartMetricsServer starts the scrape listener and returns the server
// handle for shutdown, or nil when metrics are disabled. Config
// validation keeps the scrape port off the render port; a bind failure
// is logged from the serve goroutine.
func StartMetricsServer(enabled bool, listen, path string, handler MetricsHandler, logger *zap.Logger) (*fasthttp.Server, error) {
	if !enabled {
		logger.Info("Metrics disabled, scrape endpoint not started")
		return nil, nil
	}

	srv := &fasthttp.Server{
		Handler:            createMetricsHandler(path, handler, logger),
		Name:               "RenderBridge-Metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1 * 1024,
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		MaxConnsPerIP:      100,
		MaxRequestsPerConn: 1000,
		Concurrency:        100,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", listen),
			zap.String("path", path))
		if err := srv.ListenAndServe(listen); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", listen),
				zap.Error(err))
		}
	}()

	// Give the listener a beat to bind before the caller proceeds.
	time.Sleep(100 * time.Millisecond)

	return srv, nil
}

func createMetricsHandler(path string, handler MetricsHandler, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != path {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
			return
		}
		handler.ServeHTTP(ctx)
	}
}
