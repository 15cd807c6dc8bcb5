// Package service exposes the render bridge over HTTP.
package service

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/dispatch"
	"github.com/crawlbridge/bridge/internal/bridge/metrics"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
)

// CreateHTTPHandler builds the request router.
func CreateHTTPHandler(bridge *dispatch.Bridge, p *pool.Pool, collector *metrics.Collector, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case method == "POST" && path == "/render":
			HandleRender(ctx, bridge, collector, logger)
		case method == "GET" && path == "/health":
			HandleHealth(ctx, p, collector, logger)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
			collector.RecordHTTPRequest(path, "404")
		}
	}
}
