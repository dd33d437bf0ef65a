// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ErrConfiguration marks a missing or invalid setting. It is always raised at
// startup, before any fetch is attempted.
var ErrConfiguration = errors.New("configuration error")

// Supported values for driver.kind.
const (
	DriverChromedp   = "chromedp"
	DriverRod        = "rod"
	DriverPlaywright = "playwright"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Crawler() CrawlerConfig
	Driver() DriverConfig
	Fetch() FetchConfig
	Direct() DirectConfig
	Server() ServerConfig
	Tracing() TracingConfig

	// PoolCapacity resolves driver.pool_capacity, falling back to the crawler concurrency.
	PoolCapacity() int
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	CrawlerCfg CrawlerConfig `mapstructure:"crawler" yaml:"crawler"`
	DriverCfg  DriverConfig  `mapstructure:"driver" yaml:"driver"`
	FetchCfg   FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
	DirectCfg  DirectConfig  `mapstructure:"direct" yaml:"direct"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	TracingCfg TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Crawler() CrawlerConfig { return c.CrawlerCfg }
func (c *Config) Driver() DriverConfig   { return c.DriverCfg }
func (c *Config) Fetch() FetchConfig     { return c.FetchCfg }
func (c *Config) Direct() DirectConfig   { return c.DirectCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Tracing() TracingConfig { return c.TracingCfg }

func (c *Config) PoolCapacity() int {
	if c.DriverCfg.PoolCapacity > 0 {
		return c.DriverCfg.PoolCapacity
	}
	return c.CrawlerCfg.Concurrency
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// CrawlerConfig describes the surrounding crawl process.
type CrawlerConfig struct {
	// Concurrency is the number of in-flight fetches the crawler allows.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// DriverConfig selects and configures the browser-automation backend.
type DriverConfig struct {
	Kind            string        `mapstructure:"kind" yaml:"kind"`
	ExecutablePath  string        `mapstructure:"executable_path" yaml:"executable_path"`
	RemoteEndpoint  string        `mapstructure:"remote_endpoint" yaml:"remote_endpoint"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	PoolCapacity    int           `mapstructure:"pool_capacity" yaml:"pool_capacity"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	// TerminateTimeout bounds how long a browser gets to quit.
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout" yaml:"terminate_timeout"`
}

// FetchConfig tunes the fulfillment protocol.
type FetchConfig struct {
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	WaitPollInterval   time.Duration `mapstructure:"wait_poll_interval" yaml:"wait_poll_interval"`
	DefaultWaitTimeout time.Duration `mapstructure:"default_wait_timeout" yaml:"default_wait_timeout"`
	ReleaseTimeout     time.Duration `mapstructure:"release_timeout" yaml:"release_timeout"`
}

// DirectConfig tunes the plain HTTP client used for requests that do not need a browser.
type DirectConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	MaxRedirects    int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
	// RateLimit caps requests per second across the client. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// ServerConfig configures the HTTP adapter used by the serve command.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// TracingConfig toggles the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	PrettyPrint bool `mapstructure:"pretty_print" yaml:"pretty_print"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "renderpool")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Crawler --
	v.SetDefault("crawler.concurrency", 16)

	// -- Driver --
	v.SetDefault("driver.kind", DriverChromedp)
	v.SetDefault("driver.executable_path", "")
	v.SetDefault("driver.remote_endpoint", "")
	v.SetDefault("driver.args", []string{})
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.ignore_tls_errors", true)
	v.SetDefault("driver.pool_capacity", 0)
	v.SetDefault("driver.startup_timeout", "60s")
	v.SetDefault("driver.terminate_timeout", "30s")

	// -- Fetch --
	v.SetDefault("fetch.navigation_timeout", "90s")
	v.SetDefault("fetch.wait_poll_interval", "500ms")
	v.SetDefault("fetch.default_wait_timeout", "10s")
	v.SetDefault("fetch.release_timeout", "30s")

	// -- Direct --
	v.SetDefault("direct.request_timeout", "30s")
	v.SetDefault("direct.max_body_bytes", 10<<20)
	v.SetDefault("direct.max_redirects", 10)
	v.SetDefault("direct.max_conns_per_host", 8)
	v.SetDefault("direct.force_http2", true)
	v.SetDefault("direct.rate_limit", 0)
	v.SetDefault("direct.rate_burst", 1)

	// -- Server --
	v.SetDefault("server.addr", ":8191")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// -- Tracing --
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.pretty_print", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in filesystem settings.
func (c *Config) expandPaths() error {
	exe, err := homedir.Expand(c.DriverCfg.ExecutablePath)
	if err != nil {
		return fmt.Errorf("%w: driver.executable_path: %v", ErrConfiguration, err)
	}
	c.DriverCfg.ExecutablePath = exe

	logFile, err := homedir.Expand(c.LoggerCfg.LogFile)
	if err != nil {
		return fmt.Errorf("%w: logger.log_file: %v", ErrConfiguration, err)
	}
	c.LoggerCfg.LogFile = logFile
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.CrawlerCfg.Concurrency <= 0 {
		return fmt.Errorf("%w: crawler.concurrency must be a positive integer", ErrConfiguration)
	}
	if err := c.DriverCfg.Validate(); err != nil {
		return err
	}
	if c.DirectCfg.RateLimit < 0 {
		return fmt.Errorf("%w: direct.rate_limit must not be negative", ErrConfiguration)
	}
	if c.FetchCfg.WaitPollInterval <= 0 {
		return fmt.Errorf("%w: fetch.wait_poll_interval must be a positive duration", ErrConfiguration)
	}
	return nil
}

// Validate checks the driver settings.
func (d *DriverConfig) Validate() error {
	switch d.Kind {
	case DriverChromedp, DriverRod, DriverPlaywright:
	case "":
		return fmt.Errorf("%w: driver.kind must be set", ErrConfiguration)
	default:
		return fmt.Errorf("%w: unsupported driver.kind %q", ErrConfiguration, d.Kind)
	}
	if d.ExecutablePath == "" && d.RemoteEndpoint == "" {
		return fmt.Errorf("%w: either driver.executable_path or driver.remote_endpoint must be set", ErrConfiguration)
	}
	if d.ExecutablePath != "" && d.RemoteEndpoint != "" {
		return fmt.Errorf("%w: driver.executable_path and driver.remote_endpoint are mutually exclusive", ErrConfiguration)
	}
	if d.PoolCapacity < 0 {
		return fmt.Errorf("%w: driver.pool_capacity must not be negative", ErrConfiguration)
	}
	return nil
}
