package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

type BridgeErrorDetail struct {
	URL       string
	ErrorType string
	RequestID string
}

// Stats aggregates results across all workers.
type Stats struct {
	TotalRequests  int64
	Success2xx     int64
	Redirect3xx    int64
	ClientError4xx int64
	ServerError5xx int64
	SoftTimeouts   int64
	TotalBytes     int64

	networkErrors map[string]*int64

	bridgeErrors   map[string]int64
	bridgeErrorMu  sync.Mutex
	bridgeSamples  []BridgeErrorDetail
	maxErrorSample int

	latency   *hdrhistogram.Histogram
	latencyMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		networkErrors: map[string]*int64{
			"timeout":    new(int64),
			"connection": new(int64),
			"read":       new(int64),
			"decode":     new(int64),
		},
		bridgeErrors:   make(map[string]int64),
		maxErrorSample: 20,
		// 1ms..10m range, 3 significant digits
		latency: hdrhistogram.New(1, 600_000, 3),
	}
}

func (s *Stats) RecordSuccess(statusCode, bodyBytes int, softTimeout bool, elapsed time.Duration) {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.AddInt64(&s.TotalBytes, int64(bodyBytes))

	switch {
	case statusCode >= 200 && statusCode < 300:
		atomic.AddInt64(&s.Success2xx, 1)
	case statusCode >= 300 && statusCode < 400:
		atomic.AddInt64(&s.Redirect3xx, 1)
	case statusCode >= 400 && statusCode < 500:
		atomic.AddInt64(&s.ClientError4xx, 1)
	default:
		atomic.AddInt64(&s.ServerError5xx, 1)
	}
	if softTimeout {
		atomic.AddInt64(&s.SoftTimeouts, 1)
	}

	s.latencyMu.Lock()
	_ = s.latency.RecordValue(elapsed.Milliseconds())
	s.latencyMu.Unlock()
}

func (s *Stats) RecordNetworkError(kind string) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if counter, ok := s.networkErrors[kind]; ok {
		atomic.AddInt64(counter, 1)
	}
}

func (s *Stats) RecordBridgeError(errorType, url, requestID string) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if errorType == "" {
		errorType = "unknown"
	}

	s.bridgeErrorMu.Lock()
	s.bridgeErrors[errorType]++
	if len(s.bridgeSamples) < s.maxErrorSample {
		s.bridgeSamples = append(s.bridgeSamples, BridgeErrorDetail{
			URL:       url,
			ErrorType: errorType,
			RequestID: requestID,
		})
	}
	s.bridgeErrorMu.Unlock()
}

func (s *Stats) PrintProgress() {
	total := atomic.LoadInt64(&s.TotalRequests)
	ok := atomic.LoadInt64(&s.Success2xx)

	s.latencyMu.Lock()
	p50 := s.latency.ValueAtQuantile(50)
	p95 := s.latency.ValueAtQuantile(95)
	s.latencyMu.Unlock()

	fmt.Printf("[progress] requests=%d 2xx=%d p50=%dms p95=%dms\n", total, ok, p50, p95)
}

func (s *Stats) PrintReport(elapsed time.Duration) {
	total := atomic.LoadInt64(&s.TotalRequests)

	fmt.Printf("\n===== Load Test Report =====\n")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Second))
	fmt.Printf("Requests: %d (%.1f/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("Bytes: %d\n\n", atomic.LoadInt64(&s.TotalBytes))

	fmt.Printf("Document status:\n")
	fmt.Printf("  2xx: %d\n", atomic.LoadInt64(&s.Success2xx))
	fmt.Printf("  3xx: %d\n", atomic.LoadInt64(&s.Redirect3xx))
	fmt.Printf("  4xx: %d\n", atomic.LoadInt64(&s.ClientError4xx))
	fmt.Printf("  5xx: %d\n", atomic.LoadInt64(&s.ServerError5xx))
	fmt.Printf("  soft timeouts: %d\n\n", atomic.LoadInt64(&s.SoftTimeouts))

	fmt.Printf("Network errors:\n")
	for _, kind := range []string{"timeout", "connection", "read", "decode"} {
		fmt.Printf("  %s: %d\n", kind, atomic.LoadInt64(s.networkErrors[kind]))
	}

	s.bridgeErrorMu.Lock()
	if len(s.bridgeErrors) > 0 {
		fmt.Printf("\nBridge errors by type:\n")
		types := make([]string, 0, len(s.bridgeErrors))
		for t := range s.bridgeErrors {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("  %s: %d\n", t, s.bridgeErrors[t])
		}
		fmt.Printf("\nSample failures:\n")
		for _, d := range s.bridgeSamples {
			fmt.Printf("  [%s] %s (request_id=%s)\n", d.ErrorType, d.URL, d.RequestID)
		}
	}
	s.bridgeErrorMu.Unlock()

	s.latencyMu.Lock()
	fmt.Printf("\nLatency (ms):\n")
	fmt.Printf("  p50: %d\n", s.latency.ValueAtQuantile(50))
	fmt.Printf("  p90: %d\n", s.latency.ValueAtQuantile(90))
	fmt.Printf("  p95: %d\n", s.latency.ValueAtQuantile(95))
	fmt.Printf("  p99: %d\n", s.latency.ValueAtQuantile(99))
	fmt.Printf("  max: %d\n", s.latency.Max())
	s.latencyMu.Unlock()
}
