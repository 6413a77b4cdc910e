// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. Every
// staleness, backoff, and threshold tunable lives here per fleet; nothing is
// hardcoded in the subsystems.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Workers  WorkerConfig   `mapstructure:"workers"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// QueueConfig governs work item claims, retry limits and retry backoff.
type QueueConfig struct {
	HeartbeatExpirySeconds   int `mapstructure:"heartbeat_expiry_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	MaxAttempts              int `mapstructure:"max_attempts"`
	ClaimBatchSize           int `mapstructure:"claim_batch_size"`
	RetryBackoffBaseMs       int `mapstructure:"retry_backoff_base_ms"`
	RetryBackoffCapMs        int `mapstructure:"retry_backoff_cap_ms"`
}

// FrontierConfig governs discovery-queue politeness and retry backoff.
type FrontierConfig struct {
	RetryLimit    int     `mapstructure:"retry_limit"`
	BackoffBaseMs int     `mapstructure:"backoff_base_ms"`
	BackoffCapMs  int     `mapstructure:"backoff_cap_ms"`
	DomainRPS     float64 `mapstructure:"domain_rps"`
	DomainBurst   int     `mapstructure:"domain_burst"`
}

// ProxyConfig governs egress pool health scoring and circuit breaking.
type ProxyConfig struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	HealthAlpha      float64 `mapstructure:"health_alpha"`
}

// WorkerConfig controls the worker pool driving each step.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	IdleSleepMs int `mapstructure:"idle_sleep_ms"`
	DrainPollMs int `mapstructure:"drain_poll_ms"`
}

// SweepConfig controls the background staleness sweeps.
type SweepConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	RunIdleSeconds        int `mapstructure:"run_idle_seconds"`
	InstanceMaxAgeSeconds int `mapstructure:"instance_max_age_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEETCRAWL")
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
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("queue.heartbeat_expiry_seconds", 120)
	v.SetDefault("queue.heartbeat_interval_seconds", 30)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.claim_batch_size", 10)
	v.SetDefault("queue.retry_backoff_base_ms", 1000)
	v.SetDefault("queue.retry_backoff_cap_ms", 60000)
	v.SetDefault("frontier.retry_limit", 5)
	v.SetDefault("frontier.backoff_base_ms", 500)
	v.SetDefault("frontier.backoff_cap_ms", 300000)
	v.SetDefault("frontier.domain_rps", 1)
	v.SetDefault("frontier.domain_burst", 1)
	v.SetDefault("proxy.failure_threshold", 5)
	v.SetDefault("proxy.cooldown_seconds", 300)
	v.SetDefault("proxy.health_alpha", 0.2)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.idle_sleep_ms", 500)
	v.SetDefault("workers.drain_poll_ms", 1000)
	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.run_idle_seconds", 300)
	v.SetDefault("sweep.instance_max_age_seconds", 600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.HeartbeatExpirySeconds <= 0 {
		return fmt.Errorf("queue.heartbeat_expiry_seconds must be > 0")
	}
	if c.Queue.HeartbeatIntervalSeconds >= c.Queue.HeartbeatExpirySeconds {
		return fmt.Errorf("queue.heartbeat_interval_seconds must be < queue.heartbeat_expiry_seconds")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.RetryBackoffCapMs < c.Queue.RetryBackoffBaseMs {
		return fmt.Errorf("queue.retry_backoff_cap_ms must be >= queue.retry_backoff_base_ms")
	}
	if c.Frontier.BackoffCapMs < c.Frontier.BackoffBaseMs {
		return fmt.Errorf("frontier.backoff_cap_ms must be >= frontier.backoff_base_ms")
	}
	if c.Proxy.HealthAlpha <= 0 || c.Proxy.HealthAlpha > 1 {
		return fmt.Errorf("proxy.health_alpha must be in (0, 1]")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	return nil
}

// HeartbeatExpiry converts the configured claim expiry into a duration.
func (c QueueConfig) HeartbeatExpiry() time.Duration {
	return time.Duration(c.HeartbeatExpirySeconds) * time.Second
}

// HeartbeatInterval converts the configured renewal cadence into a duration.
func (c QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// RetryBackoffBase converts the base item retry delay into a duration.
func (c QueueConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMs) * time.Millisecond
}

// RetryBackoffCap converts the item retry delay ceiling into a duration.
func (c QueueConfig) RetryBackoffCap() time.Duration {
	return time.Duration(c.RetryBackoffCapMs) * time.Millisecond
}

// Cooldown converts the circuit breaker cooldown into a duration.
func (c ProxyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// BackoffBase converts the base retry delay into a duration.
func (c FrontierConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffCap converts the retry delay ceiling into a duration.
func (c FrontierConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

// IdleSleep converts the worker idle pause into a duration.
func (c WorkerConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepMs) * time.Millisecond
}

// DrainPoll converts the backlog polling cadence into a duration.
func (c WorkerConfig) DrainPoll() time.Duration {
	return time.Duration(c.DrainPollMs) * time.Millisecond
}

// Interval converts the sweep cadence into a duration.
func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RunIdle converts the stale-run threshold into a duration.
func (c SweepConfig) RunIdle() time.Duration {
	return time.Duration(c.RunIdleSeconds) * time.Second
}

// InstanceMaxAge converts the orphan threshold into a duration.
func (c SweepConfig) InstanceMaxAge() time.Duration {
	return time.Duration(c.InstanceMaxAgeSeconds) * time.Second
}
