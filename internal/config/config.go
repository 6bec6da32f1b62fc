// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from YAML. Zero values
// are filled with production defaults so a partial file is enough.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Scaler    ScalerConfig    `yaml:"scaler"`
	Agents    AgentsConfig    `yaml:"agents"`
	NATS      NATSConfig      `yaml:"nats"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	Port int `yaml:"port"`
}

// PoolConfig controls the worker pool
type PoolConfig struct {
	MaxWorkers   int  `yaml:"max_workers"`
	MaxQueue     int  `yaml:"max_queue"`
	Backpressure bool `yaml:"backpressure"`
	// DrainTimeoutSeconds bounds the shutdown drain before in-flight
	// micro-tasks are aborted.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

// DispatchConfig controls the scan / mark / batch-load loop
type DispatchConfig struct {
	AgentID                 string  `yaml:"agent_id"`
	PollIntervalSeconds     int     `yaml:"poll_interval_seconds"`
	QuotaTask               int     `yaml:"quota_task"`
	QuotaComplexTodo        int     `yaml:"quota_complex_todo"`
	QuotaTodo               int     `yaml:"quota_todo"`
	ParentTimeoutSeconds    int     `yaml:"parent_timeout_seconds"`
	TickWarnSeconds         int     `yaml:"tick_warn_seconds"`
	MaxRetries              int     `yaml:"max_retries"`
	RetryBackoffBaseSeconds float64 `yaml:"retry_backoff_base_seconds"`
	EnableAutogenBackfill   bool    `yaml:"enable_autogen_backfill"`
	RefillThreshold         int     `yaml:"refill_threshold"`
}

// SchedulerConfig controls the job plane
type SchedulerConfig struct {
	PollIntervalSeconds    int     `yaml:"poll_interval_seconds"`
	EnableRetries          bool    `yaml:"enable_retries"`
	MaxRetries             int     `yaml:"max_retries"`
	RetryDelayBaseSeconds  float64 `yaml:"retry_delay_base_seconds"`
	DeadlineEpsilonSeconds int     `yaml:"deadline_epsilon_seconds"`
	CapabilityOverlap      float64 `yaml:"capability_overlap"`
}

// CacheConfig controls the breakdown cache
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// ScalerConfig controls the auto-scaler
type ScalerConfig struct {
	MinAgents       int     `yaml:"min_agents"`
	MaxAgents       int     `yaml:"max_agents"`
	TasksPerAgentUp int     `yaml:"tasks_per_agent_up"`
	IdleFracDown    float64 `yaml:"idle_frac_down"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
}

// AgentsConfig controls the agent directory
type AgentsConfig struct {
	// InitialAgents is how many general purpose agents register at boot.
	InitialAgents          int `yaml:"initial_agents"`
	StaleThresholdSeconds  int `yaml:"stale_threshold_seconds"`
	SweepIntervalSeconds   int `yaml:"sweep_interval_seconds"`
	HeartbeatWindowSeconds int `yaml:"heartbeat_window_seconds"`
}

// NATSConfig controls the embedded broker and the event bridge
type NATSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	URL      string `yaml:"url"`
}

// StorageConfig controls snapshot persistence
type StorageConfig struct {
	Path                    string `yaml:"path"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// Default returns the production defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3000},
		Pool: PoolConfig{
			MaxWorkers:          8,
			MaxQueue:            256,
			Backpressure:        true,
			DrainTimeoutSeconds: 30,
		},
		Dispatch: DispatchConfig{
			AgentID:                 "dispatcher-1",
			PollIntervalSeconds:     30,
			QuotaTask:               1,
			QuotaComplexTodo:        3,
			QuotaTodo:               10,
			ParentTimeoutSeconds:    300,
			TickWarnSeconds:         10,
			MaxRetries:              3,
			RetryBackoffBaseSeconds: 1.0,
			EnableAutogenBackfill:   false,
			RefillThreshold:         5,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:    5,
			EnableRetries:          true,
			MaxRetries:             3,
			RetryDelayBaseSeconds:  1.0,
			DeadlineEpsilonSeconds: 60,
			CapabilityOverlap:      0.7,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTLSeconds: 3600,
		},
		Scaler: ScalerConfig{
			MinAgents:       2,
			MaxAgents:       10,
			TasksPerAgentUp: 10,
			IdleFracDown:    0.5,
			CooldownSeconds: 60,
		},
		Agents: AgentsConfig{
			InitialAgents:          2,
			StaleThresholdSeconds:  90,
			SweepIntervalSeconds:   30,
			HeartbeatWindowSeconds: 30,
		},
		NATS: NATSConfig{
			Enabled:  true,
			Embedded: true,
			Host:     "127.0.0.1",
			Port:     4222,
		},
		Storage: StorageConfig{
			Path:                    "data/workhive.db",
			SnapshotIntervalSeconds: 60,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be >= 1, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.MaxQueue < 1 {
		return fmt.Errorf("pool.max_queue must be >= 1, got %d", c.Pool.MaxQueue)
	}
	if c.Scaler.MinAgents < 0 || c.Scaler.MaxAgents < c.Scaler.MinAgents {
		return fmt.Errorf("scaler bounds invalid: min %d, max %d", c.Scaler.MinAgents, c.Scaler.MaxAgents)
	}
	if c.Scaler.IdleFracDown <= 0 || c.Scaler.IdleFracDown > 1 {
		return fmt.Errorf("scaler.idle_frac_down must be in (0, 1], got %f", c.Scaler.IdleFracDown)
	}
	if c.Scheduler.CapabilityOverlap <= 0 || c.Scheduler.CapabilityOverlap > 1 {
		return fmt.Errorf("scheduler.capability_overlap must be in (0, 1], got %f", c.Scheduler.CapabilityOverlap)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// PollInterval returns the dispatcher tick period
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalSeconds) * time.Second
}

// SchedulerPollInterval returns the scheduler tick period
func (c *Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain bound
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Pool.DrainTimeoutSeconds) * time.Second
}

// CacheTTL returns the breakdown cache entry lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// NATSURL returns the client connection URL for the broker
func (c *Config) NATSURL() string {
	if c.NATS.URL != "" {
		return c.NATS.URL
	}
	return fmt.Sprintf("nats://%s:%d", c.NATS.Host, c.NATS.Port)
}
