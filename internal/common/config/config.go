// Package config loads and validates the bridge service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crawlbridge/bridge/internal/bridge/dispatch"
	"github.com/crawlbridge/bridge/internal/bridge/engine"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/internal/common/configtypes"
	"github.com/crawlbridge/bridge/internal/common/yamlutil"
	"github.com/crawlbridge/bridge/pkg/types"
)

// SafetyMargin is the buffer added to render.max_timeout when sizing
// the HTTP server timeout, so the server never kills a connection
// while a render is still inside its own deadline.
const SafetyMargin = 10 * time.Second

// BridgeConfig is the root of the bridge service YAML file.
type BridgeConfig struct {
	Server  ServerConfig              `yaml:"server"`
	Redis   configtypes.RedisConfig   `yaml:"redis"`
	Browser BrowserConfig             `yaml:"browser"`
	Render  RenderConfig              `yaml:"render"`
	Log     configtypes.LogConfig     `yaml:"log"`
	Metrics configtypes.MetricsConfig `yaml:"metrics"`
}

// ServerConfig identifies the service instance and its listen address.
type ServerConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
}

// BrowserConfig maps the YAML browser section onto pool.Config.
type BrowserConfig struct {
	Browsers              string         `yaml:"browsers"`
	MaxContextsPerBrowser int            `yaml:"max_contexts_per_browser"`
	MaxPagesPerContext    int            `yaml:"max_pages_per_context"`
	MaxConcurrentPages    int            `yaml:"max_concurrent_pages"`
	AcquireTimeout        types.Duration `yaml:"acquire_timeout"`
	LaunchRetries         int            `yaml:"launch_retries"`
	LaunchRetryBackoff    types.Duration `yaml:"launch_retry_backoff"`
	Prewarm               int            `yaml:"prewarm"`
	IdleContextTTL        types.Duration `yaml:"idle_context_ttl"`
	ShutdownTimeout       types.Duration `yaml:"shutdown_timeout"`
	Headless              *bool          `yaml:"headless"`
	ExecPath              string         `yaml:"exec_path"`
	Args                  []string       `yaml:"args"`
}

// RenderConfig maps the YAML render section onto dispatch.Config.
type RenderConfig struct {
	DefaultTimeout       types.Duration `yaml:"default_timeout"`
	MaxTimeout           types.Duration `yaml:"max_timeout"`
	DefaultWaitUntil     string         `yaml:"default_wait_until"`
	RewriteNavigation    *bool          `yaml:"rewrite_navigation"`
	SoftReadinessTimeout bool           `yaml:"soft_readiness_timeout"`
	KeepPagesWarm        *bool          `yaml:"keep_pages_warm"`
	UserAgent            string         `yaml:"user_agent"`
	ViewportWidth        int            `yaml:"viewport_width"`
	ViewportHeight       int            `yaml:"viewport_height"`
}

// CalculateServerTimeout returns the HTTP server timeout derived from
// the render deadline cap.
func (r *RenderConfig) CalculateServerTimeout() time.Duration {
	return time.Duration(r.MaxTimeout) + SafetyMargin
}

// ToPoolConfig converts the browser section to the pool's config.
func (c *BridgeConfig) ToPoolConfig() *pool.Config {
	headless := true
	if c.Browser.Headless != nil {
		headless = *c.Browser.Headless
	}
	return &pool.Config{
		Browsers:              c.Browser.Browsers,
		MaxContextsPerBrowser: c.Browser.MaxContextsPerBrowser,
		MaxPagesPerContext:    c.Browser.MaxPagesPerContext,
		MaxConcurrentPages:    c.Browser.MaxConcurrentPages,
		AcquireTimeout:        time.Duration(c.Browser.AcquireTimeout),
		LaunchRetries:         c.Browser.LaunchRetries,
		LaunchRetryBackoff:    time.Duration(c.Browser.LaunchRetryBackoff),
		PrewarmBrowsers:       c.Browser.Prewarm,
		IdleContextTTL:        time.Duration(c.Browser.IdleContextTTL),
		ShutdownTimeout:       time.Duration(c.Browser.ShutdownTimeout),
		Launch: engine.LaunchConfig{
			Headless: headless,
			ExecPath: c.Browser.ExecPath,
			Args:     c.Browser.Args,
		},
	}
}

// ToDispatchConfig converts the render section to the dispatch config.
func (c *BridgeConfig) ToDispatchConfig() *dispatch.Config {
	rewrite := true
	if c.Render.RewriteNavigation != nil {
		rewrite = *c.Render.RewriteNavigation
	}
	keepWarm := true
	if c.Render.KeepPagesWarm != nil {
		keepWarm = *c.Render.KeepPagesWarm
	}
	return &dispatch.Config{
		DefaultTimeout:        time.Duration(c.Render.DefaultTimeout),
		MaxTimeout:            time.Duration(c.Render.MaxTimeout),
		DefaultWaitUntil:      c.Render.DefaultWaitUntil,
		RewriteNavigation:     rewrite,
		SoftReadinessTimeout:  c.Render.SoftReadinessTimeout,
		KeepPagesWarm:         keepWarm,
		DefaultUserAgent:      c.Render.UserAgent,
		DefaultViewportWidth:  c.Render.ViewportWidth,
		DefaultViewportHeight: c.Render.ViewportHeight,
	}
}

// applyDefaults fills unset fields before validation.
func (cfg *BridgeConfig) applyDefaults() {
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Browser.Browsers == "" {
		cfg.Browser.Browsers = "auto"
	}
	if cfg.Browser.MaxContextsPerBrowser == 0 {
		cfg.Browser.MaxContextsPerBrowser = 4
	}
	if cfg.Browser.MaxPagesPerContext == 0 {
		cfg.Browser.MaxPagesPerContext = 4
	}
	if cfg.Browser.AcquireTimeout == 0 {
		cfg.Browser.AcquireTimeout = types.Duration(30 * time.Second)
	}
	if cfg.Browser.LaunchRetries == 0 {
		cfg.Browser.LaunchRetries = 2
	}
	if cfg.Browser.LaunchRetryBackoff == 0 {
		cfg.Browser.LaunchRetryBackoff = types.Duration(500 * time.Millisecond)
	}
	if cfg.Browser.IdleContextTTL == 0 {
		cfg.Browser.IdleContextTTL = types.Duration(5 * time.Minute)
	}
	if cfg.Browser.ShutdownTimeout == 0 {
		cfg.Browser.ShutdownTimeout = types.Duration(30 * time.Second)
	}

	if cfg.Render.DefaultTimeout == 0 {
		cfg.Render.DefaultTimeout = types.Duration(30 * time.Second)
	}
	if cfg.Render.MaxTimeout == 0 {
		cfg.Render.MaxTimeout = types.Duration(5 * time.Minute)
	}
	if cfg.Render.DefaultWaitUntil == "" {
		cfg.Render.DefaultWaitUntil = types.WaitLoad
	}
	if cfg.Render.ViewportWidth == 0 {
		cfg.Render.ViewportWidth = 1366
	}
	if cfg.Render.ViewportHeight == 0 {
		cfg.Render.ViewportHeight = 900
	}
}

// Validate checks the whole configuration tree.
func (cfg *BridgeConfig) Validate() error {
	if cfg.Server.ID == "" {
		return fmt.Errorf("server.id is required")
	}
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if err := cfg.Redis.Validate(); err != nil {
		return err
	}

	if err := cfg.ToPoolConfig().Validate(); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if err := cfg.ToDispatchConfig().Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	if err := cfg.Log.Validate(); err != nil {
		return err
	}
	validLogLevels := map[string]bool{
		configtypes.LogLevelDebug: true,
		configtypes.LogLevelInfo:  true,
		configtypes.LogLevelWarn:  true,
		configtypes.LogLevelError: true,
	}
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", cfg.Log.Level)
	}

	if err := cfg.Metrics.Validate(); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		metricsPort, err1 := portOf(cfg.Metrics.Listen)
		serverPort, err2 := portOf(cfg.Server.Listen)
		if err1 == nil && err2 == nil && metricsPort == serverPort {
			return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port (%d)", metricsPort, serverPort)
		}
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}
	if cfg.Metrics.Namespace != "" {
		if matched, _ := regexp.MatchString(`^[a-zA-Z_][a-zA-Z0-9_]*$`, cfg.Metrics.Namespace); !matched {
			return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", cfg.Metrics.Namespace)
		}
	}

	return nil
}

func portOf(listen string) (int, error) {
	_, port, err := configtypes.ParseListenAddress(listen)
	return port, err
}

// LoadBridgeConfig loads, defaults and validates a configuration file.
func LoadBridgeConfig(configPath string) (*BridgeConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg BridgeConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// GetConfigPath resolves and checks the config file path.
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}

// PoolSizeLabel formats the browser limit for startup logs.
func (cfg *BridgeConfig) PoolSizeLabel() string {
	if cfg.Browser.Browsers == "auto" {
		return fmt.Sprintf("auto (%d)", cfg.ToPoolConfig().MaxBrowsers())
	}
	if _, err := strconv.Atoi(cfg.Browser.Browsers); err == nil {
		return cfg.Browser.Browsers
	}
	return cfg.Browser.Browsers
}
