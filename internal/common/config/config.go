// Package config loads runtime configuration from environment variables and
// an optional config file, with defaults registered in code. All settings use
// the AIOS_ prefix (e.g. AIOS_ENV, AIOS_DATA_DIR, AIOS_SCHEDULER_WORKERS).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig holds event store settings.
type StoreConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	MaxSegmentBytes int64  `mapstructure:"max_segment_bytes"`
	RetentionDays   int    `mapstructure:"retention_days"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"` // per-subscriber high-water mark
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax   time.Duration `mapstructure:"retry_backoff_max"`
	// BubbleFailures marks dependents failed instead of cancelled when a
	// dependency fails.
	BubbleFailures bool `mapstructure:"bubble_failures"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold       int           `mapstructure:"threshold"`
	Window          time.Duration `mapstructure:"window"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	CooldownMax     time.Duration `mapstructure:"cooldown_max"`
	QuarantineAfter time.Duration `mapstructure:"quarantine_after"`
}

// ImproveConfig holds self-improving loop settings.
type ImproveConfig struct {
	ObservationWindow time.Duration `mapstructure:"observation_window"`
	AgentCooldown     time.Duration `mapstructure:"agent_cooldown"`
	Cadence           time.Duration `mapstructure:"cadence"`
	TargetSuccessRate float64       `mapstructure:"target_success_rate"`
	SuccessDropLimit  float64       `mapstructure:"success_drop_limit"`
	DurationRiseLimit float64       `mapstructure:"duration_rise_limit"`
	MinVerifyTraces   int           `mapstructure:"min_verify_traces"`
}

// NotifyConfig holds operator notification settings. An empty webhook URL
// routes notifications to the log.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// ReactorConfig holds reactor settings.
type ReactorConfig struct {
	// ExecAllowlist names the binaries exec.command playbook actions may
	// run. Empty means the action type is disabled.
	ExecAllowlist []string `mapstructure:"exec_allowlist"`
}

// WorkerConfig holds agent-worker settings. An empty command selects the
// simulated development worker.
type WorkerConfig struct {
	Command string `mapstructure:"command"`
}

// HeartbeatConfig holds heartbeat driver settings.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the root configuration consumed by main.
type Config struct {
	Env           string          `mapstructure:"env"` // prod or test
	Server        ServerConfig    `mapstructure:"server"`
	Logging       LoggingConfig   `mapstructure:"logging"`
	Store         StoreConfig     `mapstructure:"store"`
	Bus           BusConfig       `mapstructure:"bus"`
	Scheduler     SchedulerConfig `mapstructure:"scheduler"`
	Breaker       BreakerConfig   `mapstructure:"breaker"`
	Improve       ImproveConfig   `mapstructure:"improve"`
	Worker        WorkerConfig    `mapstructure:"worker"`
	Reactor       ReactorConfig   `mapstructure:"reactor"`
	Notify        NotifyConfig    `mapstructure:"notify"`
	Heartbeat     HeartbeatConfig `mapstructure:"heartbeat"`
	PlaybooksPath string          `mapstructure:"playbooks_path"`
}

// Load reads configuration from AIOS_* environment variables and an optional
// config.yaml in the working directory or data dir.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AIOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(v.GetString("store.data_dir"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "prod")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.max_segment_bytes", int64(64<<20))
	v.SetDefault("store.retention_days", 7)
	v.SetDefault("bus.queue_size", 1024)
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.queue_size", 1000)
	v.SetDefault("scheduler.default_timeout", 5*time.Minute)
	v.SetDefault("scheduler.default_max_retries", 2)
	v.SetDefault("scheduler.retry_backoff_base", 2*time.Second)
	v.SetDefault("scheduler.retry_backoff_max", 2*time.Minute)
	v.SetDefault("scheduler.bubble_failures", false)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.window", 10*time.Minute)
	v.SetDefault("breaker.cooldown", time.Minute)
	v.SetDefault("breaker.cooldown_max", 30*time.Minute)
	v.SetDefault("breaker.quarantine_after", 24*time.Hour)
	v.SetDefault("improve.observation_window", 24*time.Hour)
	v.SetDefault("improve.agent_cooldown", 6*time.Hour)
	v.SetDefault("improve.cadence", time.Hour)
	v.SetDefault("improve.target_success_rate", 0.8)
	v.SetDefault("improve.success_drop_limit", 0.10)
	v.SetDefault("improve.duration_rise_limit", 0.20)
	v.SetDefault("improve.min_verify_traces", 5)
	v.SetDefault("worker.command", "")
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("playbooks_path", "./playbooks.json")
}
