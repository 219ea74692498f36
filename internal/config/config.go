// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Target() TargetConfig
	Driver() DriverConfig
	Runner() RunnerConfig
	Autofix() AutofixConfig
	Report() ReportConfig
	Schedule() string

	SetTargetBaseURL(string)
	SetRunnerConcurrency(int)
	SetDriverKind(string)
	SetBrowserHeadless(bool)
	SetAutofixEnabled(bool)
	SetReportFormat(string)
	SetReportOutput(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	TargetCfg   TargetConfig   `mapstructure:"target" yaml:"target"`
	DriverCfg   DriverConfig   `mapstructure:"driver" yaml:"driver"`
	RunnerCfg   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	AutofixCfg  AutofixConfig  `mapstructure:"autofix" yaml:"autofix"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	// ScheduleSpec is a cron expression; when set, `run` repeats the suite.
	ScheduleSpec string `mapstructure:"schedule" yaml:"schedule"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Target() TargetConfig     { return c.TargetCfg }
func (c *Config) Driver() DriverConfig     { return c.DriverCfg }
func (c *Config) Runner() RunnerConfig     { return c.RunnerCfg }
func (c *Config) Autofix() AutofixConfig   { return c.AutofixCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Schedule() string         { return c.ScheduleSpec }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetTargetBaseURL(u string)   { c.TargetCfg.BaseURL = u }
func (c *Config) SetRunnerConcurrency(n int)  { c.RunnerCfg.Concurrency = n }
func (c *Config) SetDriverKind(k string)      { c.DriverCfg.Kind = k }
func (c *Config) SetBrowserHeadless(b bool)   { c.DriverCfg.Browser.Headless = b }
func (c *Config) SetAutofixEnabled(b bool)    { c.AutofixCfg.Enabled = b }
func (c *Config) SetReportFormat(f string)    { c.ReportCfg.Format = f }
func (c *Config) SetReportOutput(path string) { c.ReportCfg.Output = path }

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the run-history database connection details. An empty
// URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// TargetConfig describes the application under test.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// ServerLog is an optional path to the application's server log, tailed
	// during a run and classified alongside browser console output.
	ServerLog string `mapstructure:"server_log" yaml:"server_log"`
	// ScenarioPaths are files or directories of scenario definitions.
	ScenarioPaths []string `mapstructure:"scenarios" yaml:"scenarios"`
	// Environment is free-form metadata copied into reports.
	Environment map[string]string `mapstructure:"environment" yaml:"environment"`
	// CleanupHeaders are sent with every resource cleanup request, e.g. an
	// API token for the test tenant.
	CleanupHeaders map[string]string `mapstructure:"cleanup_headers" yaml:"cleanup_headers"`
}

// DriverConfig selects and tunes the browser-automation driver.
type DriverConfig struct {
	// Kind is "chromedp" (local browser) or "mcp" (browser-automation MCP server).
	Kind    string        `mapstructure:"kind" yaml:"kind"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	MCP     MCPConfig     `mapstructure:"mcp" yaml:"mcp"`
}

// BrowserConfig holds settings for the local headless browser.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	ArtifactsDir    string         `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	// BufferSize bounds the per-tab console and network buffers.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// MCPConfig describes how to reach a browser-automation MCP server. Either
// Command (stdio transport) or Endpoint (streamable HTTP) must be set.
type MCPConfig struct {
	Command          string            `mapstructure:"command" yaml:"command"`
	Args             []string          `mapstructure:"args" yaml:"args"`
	Env              []string          `mapstructure:"env" yaml:"env"`
	Endpoint         string            `mapstructure:"endpoint" yaml:"endpoint"`
	CallTimeout      time.Duration     `mapstructure:"call_timeout" yaml:"call_timeout"`
	ActionsPerSecond float64           `mapstructure:"actions_per_second" yaml:"actions_per_second"`
	Tools            map[string]string `mapstructure:"tools" yaml:"tools"`
}

// TimeoutConfig holds the per-action step budgets.
type TimeoutConfig struct {
	Default  time.Duration `mapstructure:"default" yaml:"default"`
	Navigate time.Duration `mapstructure:"navigate" yaml:"navigate"`
	Upload   time.Duration `mapstructure:"upload" yaml:"upload"`
	WaitFor  time.Duration `mapstructure:"wait_for" yaml:"wait_for"`
	Click    time.Duration `mapstructure:"click" yaml:"click"`
	Type     time.Duration `mapstructure:"type" yaml:"type"`
	Teardown time.Duration `mapstructure:"teardown" yaml:"teardown"`
}

// RunnerConfig tunes scenario and step execution.
type RunnerConfig struct {
	Concurrency         int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timeouts            TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ScreenshotOnFailure bool          `mapstructure:"screenshot_on_failure" yaml:"screenshot_on_failure"`
	// CaptureLimit bounds the server log lines buffered between drains.
	CaptureLimit int `mapstructure:"capture_limit" yaml:"capture_limit"`
}

// AutofixConfig holds settings for the self-healing subsystem.
type AutofixConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	WaitMaxAttempts  int           `mapstructure:"wait_max_attempts" yaml:"wait_max_attempts"`
	Wait             time.Duration `mapstructure:"wait" yaml:"wait"`
	// RateLimitCodes are error codes treated as throttling, remediated by waiting.
	RateLimitCodes   []string `mapstructure:"rate_limit_codes" yaml:"rate_limit_codes"`
	SuggestCodeFixes bool     `mapstructure:"suggest_code_fixes" yaml:"suggest_code_fixes"`
	// SourceRoot, when set, prefixes file paths in suggested code changes.
	SourceRoot string `mapstructure:"source_root" yaml:"source_root"`
}

// ReportConfig controls report rendering.
type ReportConfig struct {
	Format         string `mapstructure:"format" yaml:"format"`
	Output         string `mapstructure:"output" yaml:"output"`
	RedactLength   int    `mapstructure:"redact_length" yaml:"redact_length"`
	IncludeResults bool   `mapstructure:"include_results" yaml:"include_results"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "sentinel")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Target --
	v.SetDefault("target.base_url", "http://localhost:3000")
	v.SetDefault("target.scenarios", []string{"scenarios"})

	// -- Driver --
	v.SetDefault("driver.kind", "chromedp")
	v.SetDefault("driver.browser.headless", true)
	v.SetDefault("driver.browser.ignore_tls_errors", false)
	v.SetDefault("driver.browser.artifacts_dir", "artifacts")
	v.SetDefault("driver.browser.buffer_size", 1000)
	v.SetDefault("driver.mcp.call_timeout", "60s")
	v.SetDefault("driver.mcp.actions_per_second", 5.0)

	// -- Runner --
	v.SetDefault("runner.concurrency", 1)
	v.SetDefault("runner.timeouts.default", "10s")
	v.SetDefault("runner.timeouts.navigate", "30s")
	v.SetDefault("runner.timeouts.upload", "60s")
	v.SetDefault("runner.timeouts.wait_for", "45s")
	v.SetDefault("runner.timeouts.click", "10s")
	v.SetDefault("runner.timeouts.type", "10s")
	v.SetDefault("runner.timeouts.teardown", "30s")
	v.SetDefault("runner.poll_interval", "250ms")
	v.SetDefault("runner.screenshot_on_failure", true)
	v.SetDefault("runner.capture_limit", 200)

	// -- Autofix --
	v.SetDefault("autofix.enabled", true)
	v.SetDefault("autofix.retry_max_attempts", 3)
	v.SetDefault("autofix.retry_backoff", "1s")
	v.SetDefault("autofix.wait_max_attempts", 1)
	v.SetDefault("autofix.wait", "10s")
	v.SetDefault("autofix.rate_limit_codes", []string{"HTTP_429", "HTTP_503", "RATE_LIMITED", "AI_SERVICE_BUSY"})
	v.SetDefault("autofix.suggest_code_fixes", true)

	// -- Report --
	v.SetDefault("report.format", "markdown")
	v.SetDefault("report.output", "")
	v.SetDefault("report.redact_length", 80)
	v.SetDefault("report.include_results", false)

	// -- Schedule --
	v.SetDefault("schedule", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "SENTINEL_DATABASE_URL")
	v.BindEnv("target.base_url", "SENTINEL_BASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("SENTINEL_DATABASE_URL")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in every filesystem path setting.
func (c *Config) expandPaths() error {
	paths := []struct {
		key string
		p   *string
	}{
		{"logger.log_file", &c.LoggerCfg.LogFile},
		{"target.server_log", &c.TargetCfg.ServerLog},
		{"driver.browser.artifacts_dir", &c.DriverCfg.Browser.ArtifactsDir},
		{"autofix.source_root", &c.AutofixCfg.SourceRoot},
		{"report.output", &c.ReportCfg.Output},
	}
	for i := range c.TargetCfg.ScenarioPaths {
		paths = append(paths, struct {
			key string
			p   *string
		}{"target.scenarios", &c.TargetCfg.ScenarioPaths[i]})
	}
	for _, entry := range paths {
		expanded, err := homedir.Expand(*entry.p)
		if err != nil {
			return fmt.Errorf("invalid path in %s: %w", entry.key, err)
		}
		*entry.p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.TargetCfg.BaseURL == "" {
		return fmt.Errorf("target.base_url is a required configuration field")
	}
	if c.RunnerCfg.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	if err := c.DriverCfg.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	if err := c.RunnerCfg.Timeouts.Validate(); err != nil {
		return fmt.Errorf("runner.timeouts configuration invalid: %w", err)
	}
	if err := c.AutofixCfg.Validate(); err != nil {
		return fmt.Errorf("autofix configuration invalid: %w", err)
	}
	switch strings.ToLower(c.ReportCfg.Format) {
	case "json", "markdown", "md", "sarif":
	default:
		return fmt.Errorf("report.format must be one of json, markdown, sarif (got %q)", c.ReportCfg.Format)
	}
	return nil
}

// Validate checks the driver selection.
func (d *DriverConfig) Validate() error {
	switch d.Kind {
	case "chromedp":
		return nil
	case "mcp":
		if d.MCP.Command == "" && d.MCP.Endpoint == "" {
			return fmt.Errorf("mcp.command or mcp.endpoint is required for the mcp driver")
		}
		if d.MCP.ActionsPerSecond < 0 {
			return fmt.Errorf("mcp.actions_per_second must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver kind %q (expected chromedp or mcp)", d.Kind)
	}
}

// Validate checks that every timeout is a positive duration. Problems are
// reported together, in declaration order.
func (t *TimeoutConfig) Validate() error {
	var errs []error
	for _, tc := range []struct {
		name string
		d    time.Duration
	}{
		{"default", t.Default},
		{"navigate", t.Navigate},
		{"upload", t.Upload},
		{"wait_for", t.WaitFor},
		{"click", t.Click},
		{"type", t.Type},
		{"teardown", t.Teardown},
	} {
		if tc.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", tc.name))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the Autofix configuration.
func (a *AutofixConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts must be greater than 0")
	}
	if a.WaitMaxAttempts <= 0 {
		return fmt.Errorf("wait_max_attempts must be greater than 0")
	}
	if a.Wait < 0 || a.RetryBackoff < 0 {
		return fmt.Errorf("wait and retry_backoff must not be negative")
	}
	return nil
}
