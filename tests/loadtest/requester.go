package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

type renderRequest struct {
	RequestID  string `json:"request_id"`
	URL        string `json:"url"`
	ContextKey string `json:"context_key,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type renderOutcome struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
	Timing     struct {
		SoftTimeout bool `json:"soft_timeout"`
	} `json:"timing"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}

// Requester issues render calls against the bridge fleet.
type Requester struct {
	client  *http.Client
	timeout time.Duration
	stats   *Stats
}

func NewRequester(config *Config, stats *Stats) *Requester {
	return &Requester{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.Concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: config.Timeout,
		stats:   stats,
	}
}

// Do issues one render and records the outcome.
func (r *Requester) Do(ctx context.Context, bridge, url, contextKey string) {
	reqID := uuid.New().String()
	payload, err := json.Marshal(renderRequest{
		RequestID:  reqID,
		URL:        url,
		ContextKey: contextKey,
		Timeout:    (r.timeout - 5*time.Second).String(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal request: %v\n", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, bridge+"/render", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.stats.RecordNetworkError(classifyNetErr(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.stats.RecordNetworkError("read")
		return
	}

	var outcome renderOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		r.stats.RecordNetworkError("decode")
		return
	}

	if resp.StatusCode != http.StatusOK {
		r.stats.RecordBridgeError(outcome.ErrorType, url, reqID)
		return
	}

	r.stats.RecordSuccess(outcome.StatusCode, len(outcome.Body), outcome.Timing.SoftTimeout, elapsed)
}

func classifyNetErr(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection"
}
