// Package config loads and validates dispatcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Store     StoreConfig     `mapstructure:"store"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Artifact  ArtifactConfig  `mapstructure:"artifact"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DispatchConfig selects and tunes the admission policy.
type DispatchConfig struct {
	// Policy is "semaphore" or "memory_adaptive".
	Policy string `mapstructure:"policy"`
	// MaxPermits caps concurrent tasks for the semaphore policy.
	MaxPermits int `mapstructure:"max_permits"`
	// MemoryThresholdPercent gates admission for the memory-adaptive policy.
	MemoryThresholdPercent float64 `mapstructure:"memory_threshold_percent"`
	// CheckIntervalMs is the memory polling cadence while waiting.
	CheckIntervalMs int `mapstructure:"check_interval_ms"`
	// MaxSessionPermit caps concurrent tasks for the memory-adaptive policy.
	MaxSessionPermit int `mapstructure:"max_session_permit"`
	// MemoryWaitTimeoutSec bounds the admission wait; 0 disables the bound.
	MemoryWaitTimeoutSec int `mapstructure:"memory_wait_timeout_seconds"`
	// MemoryLimitMB sets the process soft memory limit; 0 leaves it alone.
	MemoryLimitMB int64 `mapstructure:"memory_limit_mb"`
}

// RateLimitConfig tunes per-domain pacing and backoff.
type RateLimitConfig struct {
	BaseDelayMinMs int     `mapstructure:"base_delay_min_ms"`
	BaseDelayMaxMs int     `mapstructure:"base_delay_max_ms"`
	MaxDelaySec    int     `mapstructure:"max_delay_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	StatusCodes    []int   `mapstructure:"status_codes"`
	DomainQPS      float64 `mapstructure:"domain_qps"`
}

// MonitorConfig controls the live dashboard.
type MonitorConfig struct {
	// Display is "log", "terminal", or "none".
	Display          string `mapstructure:"display"`
	Mode             string `mapstructure:"mode"`
	MaxVisibleRows   int    `mapstructure:"max_visible_rows"`
	RenderIntervalMs int    `mapstructure:"render_interval_ms"`
}

// FetchConfig tunes the HTTP fetch collaborator.
type FetchConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	TimeoutSec    int    `mapstructure:"timeout_seconds"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// StoreConfig controls result persistence.
type StoreConfig struct {
	// Provider is "postgres", "memory", or "none".
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PublishConfig controls result publishing.
type PublishConfig struct {
	// Provider is "pubsub", "memory", or "none".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArtifactConfig controls payload archival.
type ArtifactConfig struct {
	// Provider is "gcs", "local", "memory", or "none".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("dispatch.policy", "memory_adaptive")
	v.SetDefault("dispatch.max_permits", 20)
	v.SetDefault("dispatch.memory_threshold_percent", 90.0)
	v.SetDefault("dispatch.check_interval_ms", 1000)
	v.SetDefault("dispatch.max_session_permit", 10)
	v.SetDefault("dispatch.memory_wait_timeout_seconds", 300)
	v.SetDefault("ratelimit.base_delay_min_ms", 1000)
	v.SetDefault("ratelimit.base_delay_max_ms", 3000)
	v.SetDefault("ratelimit.max_delay_seconds", 60)
	v.SetDefault("ratelimit.max_retries", 3)
	v.SetDefault("ratelimit.status_codes", []int{429, 503})
	v.SetDefault("monitor.display", "log")
	v.SetDefault("monitor.mode", "detailed")
	v.SetDefault("monitor.max_visible_rows", 15)
	v.SetDefault("monitor.render_interval_ms", 500)
	v.SetDefault("fetch.user_agent", "crawlstack-dispatch/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("store.provider", "none")
	v.SetDefault("store.table", "dispatch_results")
	v.SetDefault("publish.provider", "none")
	v.SetDefault("artifact.provider", "none")
	v.SetDefault("artifact.prefix", "payloads")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Dispatch.Policy {
	case "semaphore":
		if c.Dispatch.MaxPermits <= 0 {
			return fmt.Errorf("dispatch.max_permits must be > 0")
		}
	case "memory_adaptive":
		if c.Dispatch.MemoryThresholdPercent <= 0 || c.Dispatch.MemoryThresholdPercent > 100 {
			return fmt.Errorf("dispatch.memory_threshold_percent must be in (0, 100]")
		}
		if c.Dispatch.MaxSessionPermit <= 0 {
			return fmt.Errorf("dispatch.max_session_permit must be > 0")
		}
	default:
		return fmt.Errorf("dispatch.policy must be semaphore or memory_adaptive, got %q", c.Dispatch.Policy)
	}
	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("ratelimit.max_retries must be >= 0")
	}
	if c.RateLimit.BaseDelayMinMs > c.RateLimit.BaseDelayMaxMs {
		return fmt.Errorf("ratelimit.base_delay_min_ms exceeds base_delay_max_ms")
	}
	switch c.Monitor.Display {
	case "log", "terminal", "none":
	default:
		return fmt.Errorf("monitor.display must be log, terminal, or none, got %q", c.Monitor.Display)
	}
	if c.Store.Provider == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres provider")
	}
	if c.Publish.Provider == "pubsub" {
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic are required for the pubsub provider")
		}
	}
	if c.Artifact.Provider == "gcs" && c.Artifact.GCSBucket == "" {
		return fmt.Errorf("artifact.gcs_bucket is required for the gcs provider")
	}
	if c.Artifact.Provider == "local" && c.Artifact.BaseDir == "" {
		return fmt.Errorf("artifact.base_dir is required for the local provider")
	}
	return nil
}

// BaseDelayMin returns the configured minimum initial delay.
func (c RateLimitConfig) BaseDelayMin() time.Duration {
	return time.Duration(c.BaseDelayMinMs) * time.Millisecond
}

// BaseDelayMax returns the configured maximum initial delay.
func (c RateLimitConfig) BaseDelayMax() time.Duration {
	return time.Duration(c.BaseDelayMaxMs) * time.Millisecond
}

// MaxDelay returns the configured backoff ceiling.
func (c RateLimitConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySec) * time.Second
}

// CheckInterval returns the memory polling cadence.
func (c DispatchConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// MemoryWaitTimeout returns the admission wait bound.
func (c DispatchConfig) MemoryWaitTimeout() time.Duration {
	return time.Duration(c.MemoryWaitTimeoutSec) * time.Second
}

// Timeout returns the fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// RenderInterval returns the dashboard refresh cadence.
func (c MonitorConfig) RenderInterval() time.Duration {
	return time.Duration(c.RenderIntervalMs) * time.Millisecond
}
