// Package config loads the agent's configuration from an optional .env
// file, environment variables, and an optional YAML override file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Host     string `yaml:"host" env:"SERVER_HOST"`
	Port     int    `yaml:"port" env:"SERVER_PORT"`
	APIToken string `yaml:"-" env:"API_TOKEN"`
}

// RedisConfig controls the state store connection.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// XrayConfig controls how the agent talks to the proxy.
type XrayConfig struct {
	APIAddr         string `yaml:"api_addr" env:"XRAY_API_ADDR"`
	InboundTag      string `yaml:"inbound_tag" env:"XRAY_INBOUND_TAG"`
	AccessLogPath   string `yaml:"access_log_path" env:"XRAY_ACCESS_LOG"`
	CallTimeoutSec  int    `yaml:"call_timeout_sec" env:"XRAY_CALL_TIMEOUT_SEC"`
	ReadyWaitMillis int    `yaml:"ready_wait_ms" env:"XRAY_READY_WAIT_MS"`
}

// LogParserConfig controls access-log aggregation windows.
type LogParserConfig struct {
	WindowSec       int `yaml:"window_sec" env:"WINDOW_SEC"`
	OnlineWindowSec int `yaml:"online_window_sec" env:"ONLINE_WINDOW_SEC"`
	IPActiveTTLSec  int `yaml:"ip_active_ttl_sec" env:"IP_ACTIVE_TTL_SEC"`
	DevicesLimit    int `yaml:"devices_limit" env:"DEVICES_LIMIT"`
	TailMaxLines    int `yaml:"tail_max_lines" env:"TAIL_MAX_LINES"`
	CacheTTLMillis  int `yaml:"cache_ttl_ms" env:"CACHE_TTL_MS"`
}

// GuardConfig controls the abuse-guard loop.
type GuardConfig struct {
	IntervalSec        int  `yaml:"interval_sec" env:"XRAY_GUARD_INTERVAL_SEC"`
	BanGraceSec        int  `yaml:"ban_grace_sec" env:"XRAY_GUARD_BAN_GRACE_SEC"`
	WarnCooldownSec    int  `yaml:"warn_cooldown_sec" env:"XRAY_GUARD_WARN_COOLDOWN_SEC"`
	DisableCooldownSec int  `yaml:"disable_cooldown_sec" env:"XRAY_GUARD_DISABLE_COOLDOWN_SEC"`
	ActiveSeenSec      int  `yaml:"active_seen_sec" env:"XRAY_GUARD_ACTIVE_SEEN_SEC"`
	DisableViaQueue    bool `yaml:"disable_via_queue" env:"XRAY_GUARD_DISABLE_VIA_QUEUE"`
	NotifyTimeoutSec   int  `yaml:"notify_timeout_sec" env:"XRAY_GUARD_NOTIFY_TIMEOUT_SEC"`
}

// CapacityConfig controls the per-inbound reservation ceiling.
type CapacityConfig struct {
	Limit  int `yaml:"limit" env:"CAPACITY_LIMIT"`
	TTLSec int `yaml:"ttl_sec" env:"CAPACITY_TTL_SEC"`
}

// LinkConfig parametrizes outbound vless:// link construction; opaque to
// the core beyond string substitution.
type LinkConfig struct {
	PublicHost   string `yaml:"public_host" env:"PUBLIC_HOST"`
	PublicPort   string `yaml:"public_port" env:"PUBLIC_PORT"`
	RealitySNI   string `yaml:"reality_sni" env:"REALITY_SNI"`
	RealityPBK   string `yaml:"reality_pbk" env:"REALITY_PBK"`
	RealitySID   string `yaml:"reality_sid" env:"REALITY_SID"`
	RealityFP    string `yaml:"reality_fp" env:"REALITY_FP"`
	DefaultFlow  string `yaml:"default_flow" env:"DEFAULT_FLOW"`
}

// NotifyConfig controls the best-effort outbound webhook.
type NotifyConfig struct {
	URL        string `yaml:"url" env:"NOTIFY_URL"`
	APIKey     string `yaml:"api_key" env:"NOTIFY_API_KEY"`
	TimeoutSec int    `yaml:"timeout_sec" env:"NOTIFY_TIMEOUT_SEC"`
	Retries    int    `yaml:"retries" env:"NOTIFY_RETRIES"`
}

// JobConfig controls queue/idempotency TTLs and worker pool size.
type JobConfig struct {
	StatusTTLSec         int `yaml:"status_ttl_sec" env:"JOB_STATUS_TTL_SEC"`
	IdempotencyTTLSec    int `yaml:"idempotency_ttl_sec" env:"JOB_IDEMPOTENCY_TTL_SEC"`
	WorkerConcurrency    int `yaml:"worker_concurrency" env:"WORKER_CONCURRENCY"`
	DequeueWaitSec       int `yaml:"dequeue_wait_sec" env:"JOB_DEQUEUE_WAIT_SEC"`
}

// RestoreConfig controls the bulk restore engine's defaults and optional
// scheduled reconciliation.
type RestoreConfig struct {
	DefaultConcurrency int    `yaml:"default_concurrency" env:"RESTORE_DEFAULT_CONCURRENCY"`
	ReconcileCron      string `yaml:"reconcile_cron" env:"XRAY_RESTORE_RECONCILE_CRON"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"METRICS_NAMESPACE"`
}

// Config is the agent's full, top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Xray      XrayConfig      `yaml:"xray"`
	LogParser LogParserConfig `yaml:"log_parser"`
	Guard     GuardConfig     `yaml:"guard"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Link      LinkConfig      `yaml:"link"`
	Notify    NotifyConfig    `yaml:"notify"`
	Job       JobConfig       `yaml:"job"`
	Restore   RestoreConfig   `yaml:"restore"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// New returns a Config populated with the defaults named in the agent's
// configuration reference.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Redis:  RedisConfig{URL: "redis://127.0.0.1:6379/0"},
		Xray: XrayConfig{
			APIAddr:         "127.0.0.1:10085",
			InboundTag:      "vless-in",
			CallTimeoutSec:  10,
			ReadyWaitMillis: 2000,
		},
		LogParser: LogParserConfig{
			WindowSec:       600,
			OnlineWindowSec: 240,
			IPActiveTTLSec:  120,
			DevicesLimit:    2,
			TailMaxLines:    30000,
			CacheTTLMillis:  2000,
		},
		Guard: GuardConfig{
			IntervalSec:        20,
			BanGraceSec:        900,
			WarnCooldownSec:    300,
			DisableCooldownSec: 1800,
			ActiveSeenSec:      600,
			NotifyTimeoutSec:   5,
		},
		Capacity: CapacityConfig{Limit: 50, TTLSec: 120},
		Link:     LinkConfig{DefaultFlow: "xtls-rprx-vision"},
		Notify:   NotifyConfig{TimeoutSec: 8, Retries: 3},
		Job: JobConfig{
			StatusTTLSec:      3600,
			IdempotencyTTLSec: 90,
			WorkerConcurrency: 4,
			DequeueWaitSec:    3,
		},
		Restore: RestoreConfig{DefaultConcurrency: 20},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "xray_agent"},
	}
}

// Load reads an optional .env file, an optional YAML override named by
// CONFIG_FILE (or configs/config.yaml if present), then environment
// variables, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// normalize clamps values whose valid range is narrower than an operator
// might set via the environment.
func (c *Config) normalize() {
	if c.Job.IdempotencyTTLSec < 60 {
		c.Job.IdempotencyTTLSec = 60
	}
	if c.Job.IdempotencyTTLSec > 120 {
		c.Job.IdempotencyTTLSec = 120
	}
	if c.Restore.DefaultConcurrency < 1 {
		c.Restore.DefaultConcurrency = 1
	}
	if c.Restore.DefaultConcurrency > 100 {
		c.Restore.DefaultConcurrency = 100
	}
	if c.Job.WorkerConcurrency < 1 {
		c.Job.WorkerConcurrency = 1
	}
}
