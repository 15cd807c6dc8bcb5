// Package configtypes holds the YAML configuration structures shared by
// bridge services.
package configtypes

import "fmt"

// Log levels accepted in configuration files.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// LogConfig configures console and file log outputs. Level is the global
// default; each output may override it.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ConsoleLogConfig configures the stdout log output.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

// FileLogConfig configures the rotating file log output.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig maps onto lumberjack rotation settings.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxAge     int  `yaml:"max_age"`  // days
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// Validate checks that at least one output is usable.
func (c *LogConfig) Validate() error {
	if !c.Console.Enabled && !c.File.Enabled {
		return fmt.Errorf("at least one log output (console or file) must be enabled")
	}
	if c.File.Enabled && c.File.Path == "" {
		return fmt.Errorf("log.file.path must be specified when file logging is enabled")
	}
	return nil
}

// RedisConfig configures the optional service registry connection.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Validate checks the registry connection settings.
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("redis.addr must be specified when redis is enabled")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.DB)
	}
	return nil
}

// MetricsConfig configures the separate Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Validate checks the metrics endpoint settings.
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := ValidateListenAddress(c.Listen); err != nil {
		return fmt.Errorf("metrics.listen: %w", err)
	}
	if c.Path == "" {
		return fmt.Errorf("metrics.path must be specified when metrics are enabled")
	}
	return nil
}
