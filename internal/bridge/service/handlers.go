package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/dispatch"
	"github.com/crawlbridge/bridge/internal/bridge/metrics"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/internal/common/requestid"
	"github.com/crawlbridge/bridge/pkg/types"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string `json:"status"`
	Browsers    int    `json:"browsers"`
	Contexts    int    `json:"contexts"`
	ActivePages int    `json:"active_pages"`
	IdlePages   int    `json:"idle_pages"`
	PageBudget  int    `json:"page_budget"`
}

// ErrorResponse is the body of every failed render.
type ErrorResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

// statusFor maps the render error taxonomy onto HTTP status codes.
func statusFor(errorType string) int {
	switch errorType {
	case types.ErrorTypeValidation:
		return fasthttp.StatusBadRequest
	case types.ErrorTypeCapacity, types.ErrorTypeLaunch:
		return fasthttp.StatusServiceUnavailable
	case types.ErrorTypeTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}

func writeJSONResponse(ctx *fasthttp.RequestCtx, statusCode int, response interface{}, path string, collector *metrics.Collector, logger *zap.Logger) {
	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"failed to marshal response","error_type":"protocol"}`)
		ctx.SetContentType("application/json")
		collector.RecordHTTPRequest(path, "500")
		logger.Error("Failed to marshal JSON response",
			zap.String("path", path),
			zap.Error(err))
		return
	}

	ctx.SetStatusCode(statusCode)
	ctx.SetBody(body)
	ctx.SetContentType("application/json")
	collector.RecordHTTPRequest(path, fmt.Sprintf("%d", statusCode))
}

func writeErrorResponse(ctx *fasthttp.RequestCtx, requestID, errorMsg, errorType, path string, collector *metrics.Collector, logger *zap.Logger) {
	resp := ErrorResponse{
		RequestID: requestID,
		Error:     errorMsg,
		ErrorType: errorType,
		Timestamp: time.Now().UTC(),
	}
	writeJSONResponse(ctx, statusFor(errorType), resp, path, collector, logger)
}

// HandleRender processes POST /render requests.
func HandleRender(ctx *fasthttp.RequestCtx, bridge *dispatch.Bridge, collector *metrics.Collector, logger *zap.Logger) {
	var req types.RenderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeErrorResponse(ctx, "", "invalid JSON body", types.ErrorTypeValidation, "/render", collector, logger)
		logger.Warn("Invalid request body", zap.Error(err))
		return
	}

	// Callers that supply their own ID keep it for correlation.
	req.RequestID = requestid.GenerateRequestID(req.RequestID)

	// The dispatch layer applies the per-request deadline itself.
	result, rerr := bridge.Render(context.Background(), &req)
	if rerr != nil {
		writeErrorResponse(ctx, req.RequestID, rerr.Err.Error(), rerr.Type, "/render", collector, logger)
		return
	}

	writeJSONResponse(ctx, fasthttp.StatusOK, result, "/render", collector, logger)
}

// HandleHealth returns pool statistics for load balancer probes.
func HandleHealth(ctx *fasthttp.RequestCtx, p *pool.Pool, collector *metrics.Collector, logger *zap.Logger) {
	stats := p.GetStats()

	resp := HealthResponse{
		Status:      "ok",
		Browsers:    stats.Browsers,
		Contexts:    stats.Contexts,
		ActivePages: stats.ActivePages,
		IdlePages:   stats.IdlePages,
		PageBudget:  stats.PageBudget,
	}

	writeJSONResponse(ctx, fasthttp.StatusOK, resp, "/health", collector, logger)
}
