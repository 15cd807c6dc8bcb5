// Load test tool for the render bridge. Feeds a list of URLs through
// POST /render at a fixed concurrency and reports latency percentiles
// and error breakdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

type Config struct {
	URLsFile    string
	Bridges     []string
	Concurrency int
	Duration    time.Duration
	Timeout     time.Duration
	ContextKeys int
}

func main() {
	urlsFile := flag.String("urls", "", "Path to file with one URL per line (required)")
	bridgeStr := flag.String("bridge", "", "Bridge base URL(s), comma-separated (required)")
	concurrency := flag.Int("concurrency", 0, "Number of simultaneous requests (required)")
	durationStr := flag.String("duration", "", "Test duration limit (e.g. 5m, 1h) (optional)")
	timeout := flag.Duration("timeout", 60*time.Second, "HTTP request timeout")
	contextKeys := flag.Int("context-keys", 0, "Spread requests over N context keys (0 = shared default context)")

	flag.Parse()

	config, err := validateParameters(*urlsFile, *bridgeStr, *concurrency, *durationStr, *timeout, *contextKeys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	fmt.Printf("Render Bridge Load Test\n")
	fmt.Printf("URLs file: %s\n", config.URLsFile)
	fmt.Printf("Bridges: %v\n", config.Bridges)
	fmt.Printf("Concurrency: %d\n", config.Concurrency)
	if config.Duration > 0 {
		fmt.Printf("Duration: %s\n", config.Duration)
	} else {
		fmt.Printf("Duration: unlimited (press Ctrl+C to stop)\n")
	}
	fmt.Printf("Timeout: %s\n\n", config.Timeout)

	urls, err := loadURLs(config.URLsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading URLs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d URLs\n\n", len(urls))

	stats := NewStats()
	requester := NewRequester(config, stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Duration > 0 {
		go func() {
			<-time.After(config.Duration)
			cancel()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, draining in-flight requests...")
		cancel()
	}()

	go progressLoop(ctx, stats)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				url := urls[rng.Intn(len(urls))]
				bridge := config.Bridges[rng.Intn(len(config.Bridges))]
				contextKey := ""
				if config.ContextKeys > 0 {
					contextKey = fmt.Sprintf("load-%d", rng.Intn(config.ContextKeys))
				}
				requester.Do(ctx, bridge, url, contextKey)
			}
		}(i)
	}
	wg.Wait()

	stats.PrintReport(time.Since(start))
}

func validateParameters(urlsFile, bridgeStr string, concurrency int, durationStr string, timeout time.Duration, contextKeys int) (*Config, error) {
	if urlsFile == "" {
		return nil, fmt.Errorf("-urls is required")
	}
	if bridgeStr == "" {
		return nil, fmt.Errorf("-bridge is required")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("-concurrency must be positive")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("-timeout must be positive")
	}
	if contextKeys < 0 {
		return nil, fmt.Errorf("-context-keys must not be negative")
	}

	var duration time.Duration
	if durationStr != "" {
		var err error
		duration, err = time.ParseDuration(durationStr)
		if err != nil {
			return nil, fmt.Errorf("invalid -duration: %w", err)
		}
	}

	bridges := make([]string, 0)
	for _, b := range strings.Split(bridgeStr, ",") {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b == "" {
			continue
		}
		if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
			return nil, fmt.Errorf("bridge URL must start with http:// or https://: %s", b)
		}
		bridges = append(bridges, b)
	}
	if len(bridges) == 0 {
		return nil, fmt.Errorf("no valid bridge URLs in %q", bridgeStr)
	}

	return &Config{
		URLsFile:    urlsFile,
		Bridges:     bridges,
		Concurrency: concurrency,
		Duration:    duration,
		Timeout:     timeout,
		ContextKeys: contextKeys,
	}, nil
}

func loadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs found in %s", path)
	}
	return urls, nil
}

func progressLoop(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.PrintProgress()
		}
	}
}
