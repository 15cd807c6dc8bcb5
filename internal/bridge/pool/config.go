package pool

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/crawlbridge/bridge/internal/bridge/engine"
)

// Config holds the configuration for the browser pool.
type Config struct {
	// Browsers is "auto" or a positive integer string. Auto sizes the
	// pool from available system memory.
	Browsers string

	// Hierarchy limits.
	MaxContextsPerBrowser int
	MaxPagesPerContext    int

	// MaxConcurrentPages caps pages in flight across all browsers.
	// Zero derives the cap from the hierarchy limits.
	MaxConcurrentPages int

	// AcquireTimeout bounds how long Acquire waits for a free page
	// slot before failing with ErrCapacity. Zero waits forever.
	AcquireTimeout time.Duration

	// Launch retry policy.
	LaunchRetries      int
	LaunchRetryBackoff time.Duration

	// PrewarmBrowsers launches N browsers at startup so the first
	// requests do not pay launch latency.
	PrewarmBrowsers int

	// IdleContextTTL evicts contexts that held no page for this long.
	// Zero disables eviction.
	IdleContextTTL time.Duration

	ShutdownTimeout time.Duration

	// Launch is passed through to the engine for every browser.
	Launch engine.LaunchConfig
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		Browsers:              "auto",
		MaxContextsPerBrowser: 4,
		MaxPagesPerContext:    4,
		AcquireTimeout:        30 * time.Second,
		LaunchRetries:         2,
		LaunchRetryBackoff:    500 * time.Millisecond,
		IdleContextTTL:        5 * time.Minute,
		ShutdownTimeout:       30 * time.Second,
		Launch:                engine.LaunchConfig{Headless: true},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Browsers != "auto" {
		n, err := strconv.Atoi(c.Browsers)
		if err != nil {
			return fmt.Errorf("browsers must be 'auto' or valid integer")
		}
		if n <= 0 {
			return fmt.Errorf("browsers must be positive")
		}
	}

	if c.MaxContextsPerBrowser <= 0 {
		return fmt.Errorf("max contexts per browser must be positive")
	}

	if c.MaxPagesPerContext <= 0 {
		return fmt.Errorf("max pages per context must be positive")
	}

	if c.MaxConcurrentPages < 0 {
		return fmt.Errorf("max concurrent pages cannot be negative")
	}

	if c.AcquireTimeout < 0 {
		return fmt.Errorf("acquire timeout cannot be negative")
	}

	if c.LaunchRetries < 0 {
		return fmt.Errorf("launch retries cannot be negative")
	}

	if c.PrewarmBrowsers < 0 {
		return fmt.Errorf("prewarm browsers cannot be negative")
	}

	if c.PrewarmBrowsers > c.MaxBrowsers() {
		return fmt.Errorf("prewarm browsers exceeds browser limit")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

// MaxBrowsers determines the browser limit, sizing from available RAM
// when set to "auto". Formula: (Total RAM - 2GB) / 500MB per browser.
func (c *Config) MaxBrowsers() int {
	if c.Browsers == "auto" {
		return autoBrowserLimit()
	}

	n, err := strconv.Atoi(c.Browsers)
	if err != nil || n <= 0 {
		return autoBrowserLimit()
	}

	return n
}

// PageBudget returns the effective global page cap.
func (c *Config) PageBudget() int {
	if c.MaxConcurrentPages > 0 {
		return c.MaxConcurrentPages
	}
	return c.MaxBrowsers() * c.MaxContextsPerBrowser * c.MaxPagesPerContext
}

func autoBrowserLimit() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64

	if err != nil {
		// Conservative estimate when system memory is unreadable
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024)
	} else {
		totalRAMBytes = int64(v.Total)
	}

	// Reserve 2GB for the system, budget 500MB per browser
	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	browserBytes := int64(500 * 1024 * 1024)

	n := int((totalRAMBytes - reservedBytes) / browserBytes)

	if n < 2 {
		n = 2
	}
	if n > 50 {
		n = 50
	}

	return n
}
